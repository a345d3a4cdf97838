package payload

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/attdev/cbor"
)

const DefaultCapacity = 256

// CborPayload encodes
// tag(120) array(N) map(count){name: value...} [tag(1) uint(timestamp) | null] [tag(103) location]
// N is 1 for values only, 2 with timestamp, 3 with location.
// Location without timestamp keeps its position with null marker.
//
// Map entries are encoded by Set into body, header and trailer are composed in Bytes.
// Capacity limits whole encoded envelope.
type CborPayload struct {
	capacity int
	body     *cbor.StaticOutput
	bw       *cbor.Writer
	count    int

	timestamp    uint64
	hasTimestamp bool
	location     GeoLocation
	hasLocation  bool

	out *cbor.DynamicOutput
}

var _ Payload = &CborPayload{}

func NewCborPayload(capacity int) *CborPayload {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	self := &CborPayload{
		capacity: capacity,
		body:     cbor.NewStaticOutput(capacity),
		out:      cbor.NewDynamicOutput(capacity),
	}
	self.bw = cbor.NewWriter(self.body)
	return self
}

func (self *CborPayload) Reset() {
	self.body.Reset()
	self.out.Reset()
	self.count = 0
	self.timestamp, self.hasTimestamp = 0, false
	self.location, self.hasLocation = GeoLocation{}, false
}

func (self *CborPayload) Count() int { return self.count }

// Set appends name: value to map.
// Supported: bool, Go integers, float32, float64, string, []byte, nil, GeoLocation.
// On error payload is unchanged.
func (self *CborPayload) Set(name string, value interface{}) error {
	mark := self.body.Len()
	err := self.bw.WriteString(name)
	if err == nil {
		err = writeValue(self.bw, value)
	}
	if err == nil {
		self.count++
		if size := self.Size(); size > self.capacity {
			self.count--
			err = errors.Annotatef(cbor.ErrCapacity, "size=%d capacity=%d", size, self.capacity)
		}
	}
	if err != nil {
		self.body.Truncate(mark)
		return errors.Annotatef(err, "payload set name=%s", name)
	}
	return nil
}

// SetTimestamp in unix seconds.
func (self *CborPayload) SetTimestamp(ts uint64) error {
	prev, had := self.timestamp, self.hasTimestamp
	self.timestamp, self.hasTimestamp = ts, true
	if size := self.Size(); size > self.capacity {
		self.timestamp, self.hasTimestamp = prev, had
		return errors.Annotatef(cbor.ErrCapacity, "payload set timestamp size=%d capacity=%d", size, self.capacity)
	}
	return nil
}

func (self *CborPayload) SetTime(t time.Time) error {
	sec := t.Unix()
	if sec < 0 {
		return errors.NotValidf("payload timestamp=%s before epoch", t)
	}
	return self.SetTimestamp(uint64(sec))
}

func (self *CborPayload) SetLocation(loc GeoLocation) error {
	prev, had := self.location, self.hasLocation
	self.location, self.hasLocation = loc, true
	if size := self.Size(); size > self.capacity {
		self.location, self.hasLocation = prev, had
		return errors.Annotatef(cbor.ErrCapacity, "payload set location size=%d capacity=%d", size, self.capacity)
	}
	return nil
}

func (self *CborPayload) meta() uint64 {
	switch {
	case self.hasLocation:
		return 3
	case self.hasTimestamp:
		return 2
	}
	return 1
}

func (self *CborPayload) Size() int {
	if self.count == 0 {
		return 0
	}
	size := cbor.HeadSize(cbor.TagEnvelope) + cbor.HeadSize(self.meta()) + cbor.HeadSize(uint64(self.count)) + self.body.Len()
	if self.hasTimestamp {
		size += cbor.HeadSize(cbor.TagDateTimeEpoch) + cbor.HeadSize(self.timestamp)
	} else if self.hasLocation {
		size += cbor.SimpleSize
	}
	if self.hasLocation {
		size += self.location.cborSize()
	}
	return size
}

func (self *CborPayload) Bytes() []byte {
	if self.count == 0 {
		return nil
	}
	self.out.Reset()
	w := cbor.NewWriter(self.out)
	// DynamicOutput never fails
	_ = w.WriteTag(cbor.TagEnvelope)
	_ = w.WriteArray(self.meta())
	_ = w.WriteMap(uint64(self.count))
	_ = self.out.PutBytes(self.body.Bytes())
	if self.hasTimestamp {
		_ = w.WriteTag(cbor.TagDateTimeEpoch)
		_ = w.WriteUint(self.timestamp)
	} else if self.hasLocation {
		_ = w.WriteNull()
	}
	if self.hasLocation {
		_ = self.location.writeCbor(w)
	}
	return self.out.Bytes()
}

func writeValue(w *cbor.Writer, value interface{}) error {
	switch v := value.(type) {
	case nil:
		return w.WriteNull()
	case bool:
		return w.WriteBool(v)
	case int:
		return w.WriteInt(int64(v))
	case int8:
		return w.WriteInt(int64(v))
	case int16:
		return w.WriteInt(int64(v))
	case int32:
		return w.WriteInt(int64(v))
	case int64:
		return w.WriteInt(v)
	case uint:
		return w.WriteUint(uint64(v))
	case uint8:
		return w.WriteUint(uint64(v))
	case uint16:
		return w.WriteUint(uint64(v))
	case uint32:
		return w.WriteUint(uint64(v))
	case uint64:
		return w.WriteUint(v)
	case float32:
		return w.WriteFloat32(v)
	case float64:
		return w.WriteFloat64(v)
	case string:
		return w.WriteString(v)
	case []byte:
		return w.WriteBytes(v)
	case GeoLocation:
		return v.writeCbor(w)
	case *GeoLocation:
		if v == nil {
			return w.WriteNull()
		}
		return v.writeCbor(w)
	}
	return errors.NotSupportedf("value type %T", value)
}
