package device

import (
	"context"
	"regexp"

	"github.com/juju/errors"
)

const MaxAssets = 64

const (
	KindSensor   = "sensor"
	KindActuator = "actuator"
	KindVirtual  = "virtual"
)

const (
	TypeBoolean  = "boolean"
	TypeString   = "string"
	TypeInteger  = "integer"
	TypeNumber   = "number"
	TypeObject   = "object"
	TypeArray    = "array"
	TypeLocation = "location"
)

var assetNameRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Asset is declaration of named data channel on platform.
type Asset struct {
	Name     string
	Title    string
	Kind     string
	DataType string
}

// AssetCreator makes sure asset exists on platform, usually over HTTP API.
type AssetCreator interface {
	CreateAsset(ctx context.Context, deviceID string, a Asset) error
}

func (c AssetConfig) Asset() Asset {
	return Asset{Name: c.Name, Title: c.Title, Kind: c.Kind, DataType: c.DataType}
}

func (a Asset) Validate() error {
	if !assetNameRegexp.MatchString(a.Name) {
		return errors.NotValidf("asset name=%q", a.Name)
	}
	switch a.Kind {
	case KindSensor, KindActuator, KindVirtual:
	default:
		return errors.NotValidf("asset=%s kind=%q", a.Name, a.Kind)
	}
	switch a.DataType {
	case TypeBoolean, TypeString, TypeInteger, TypeNumber, TypeObject, TypeArray, TypeLocation:
	default:
		return errors.NotValidf("asset=%s type=%q", a.Name, a.DataType)
	}
	return nil
}

// DeclareAsset queues asset for creation after WiFi connects.
// Redeclared name replaces previous declaration.
func (self *Device) DeclareAsset(a Asset) error {
	if a.Title == "" {
		a.Title = a.Name
	}
	if err := a.Validate(); err != nil {
		self.log.Error(err)
		return err
	}
	for i := range self.assets {
		if self.assets[i].Name == a.Name {
			self.assets[i] = a
			self.assetsCreated = false
			return nil
		}
	}
	if len(self.assets) >= MaxAssets {
		err := errors.Errorf("too many assets to create, maximum=%d rejected=%s", MaxAssets, a.Name)
		self.log.Error(err)
		return err
	}
	self.assets = append(self.assets, a)
	self.assetsCreated = false
	self.log.Debugf("asset declared name=%s kind=%s type=%s", a.Name, a.Kind, a.DataType)
	return nil
}

func (self *Device) Assets() []Asset {
	return append([]Asset(nil), self.assets...)
}

// createAssets runs once per set of declarations, failures are retried on next WiFi connect.
func (self *Device) createAssets(ctx context.Context) {
	if self.assetsCreated || self.creator == nil || len(self.assets) == 0 {
		return
	}
	failed := 0
	for _, a := range self.assets {
		if err := self.creator.CreateAsset(ctx, self.config.DeviceID, a); err != nil {
			failed++
			self.log.Errorf("asset create name=%s err=%v", a.Name, err)
		}
	}
	self.assetsCreated = failed == 0
	self.log.Infof("assets created=%d failed=%d", len(self.assets)-failed, failed)
}
