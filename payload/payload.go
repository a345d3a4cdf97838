// Package payload builds telemetry message bodies.
// CborPayload is the platform state envelope, BinaryPayload is raw packed values.
package payload

import (
	"github.com/temoto/attdev/cbor"
)

type Payload interface {
	// Bytes is valid until next mutation. nil means no data.
	Bytes() []byte
	Size() int
	Reset()
}

// GeoLocation is immutable, create with NewGeoLocation or NewGeoLocationAltitude.
type GeoLocation struct {
	latitude    float32
	longitude   float32
	altitude    float32
	hasAltitude bool
}

func NewGeoLocation(latitude, longitude float32) GeoLocation {
	return GeoLocation{latitude: latitude, longitude: longitude}
}

func NewGeoLocationAltitude(latitude, longitude, altitude float32) GeoLocation {
	return GeoLocation{latitude: latitude, longitude: longitude, altitude: altitude, hasAltitude: true}
}

func (self GeoLocation) Latitude() float32           { return self.latitude }
func (self GeoLocation) Longitude() float32          { return self.longitude }
func (self GeoLocation) Altitude() (float32, bool)   { return self.altitude, self.hasAltitude }
func (self GeoLocation) HasAltitude() bool           { return self.hasAltitude }
func (self GeoLocation) cborSize() int               { return 2 + 1 + self.count()*cbor.Float32Size }
func (self GeoLocation) count() int {
	if self.hasAltitude {
		return 3
	}
	return 2
}

// tag(103) array(2|3) lat lon [alt]
func (self GeoLocation) writeCbor(w *cbor.Writer) error {
	if err := w.WriteTag(cbor.TagGeoLocation); err != nil {
		return err
	}
	if err := w.WriteArray(uint64(self.count())); err != nil {
		return err
	}
	if err := w.WriteFloat32(self.latitude); err != nil {
		return err
	}
	if err := w.WriteFloat32(self.longitude); err != nil {
		return err
	}
	if self.hasAltitude {
		return w.WriteFloat32(self.altitude)
	}
	return nil
}

// ParseGeoLocation accepts decoded tag 103 content.
func ParseGeoLocation(v interface{}) (GeoLocation, bool) {
	if t, ok := v.(cbor.Tag); ok {
		if t.Number != cbor.TagGeoLocation {
			return GeoLocation{}, false
		}
		v = t.Content
	}
	items, ok := v.([]interface{})
	if !ok || len(items) < 2 || len(items) > 3 {
		return GeoLocation{}, false
	}
	fs := make([]float32, len(items))
	for i, item := range items {
		switch x := item.(type) {
		case float32:
			fs[i] = x
		case float64:
			fs[i] = float32(x)
		default:
			return GeoLocation{}, false
		}
	}
	if len(fs) == 3 {
		return NewGeoLocationAltitude(fs[0], fs[1], fs[2]), true
	}
	return NewGeoLocation(fs[0], fs[1]), true
}
