package device

import (
	"encoding/json"
	"math"

	"github.com/juju/errors"
	"github.com/temoto/attdev/cbor"
)

// Actuation is one of BoolCallback, IntCallback, DoubleCallback, FloatCallback, StringCallback.
type Actuation interface {
	// invoke returns NotValid error when value type does not fit
	invoke(v interface{}) error
	TypeName() string
}

type BoolCallback func(bool)
type IntCallback func(int)
type DoubleCallback func(float64)
type FloatCallback func(float32)
type StringCallback func(string)

func (BoolCallback) TypeName() string   { return "bool" }
func (IntCallback) TypeName() string    { return "int" }
func (DoubleCallback) TypeName() string { return "double" }
func (FloatCallback) TypeName() string  { return "float" }
func (StringCallback) TypeName() string { return "string" }

func (f BoolCallback) invoke(v interface{}) error {
	b, ok := v.(bool)
	if !ok {
		return mismatch(f, v)
	}
	f(b)
	return nil
}

func (f IntCallback) invoke(v interface{}) error {
	n, ok := integral(v)
	if !ok {
		return mismatch(f, v)
	}
	f(n)
	return nil
}

func (f DoubleCallback) invoke(v interface{}) error {
	x, ok := number(v)
	if !ok {
		return mismatch(f, v)
	}
	f(x)
	return nil
}

func (f FloatCallback) invoke(v interface{}) error {
	x, ok := number(v)
	if !ok || math.Abs(x) > math.MaxFloat32 {
		return mismatch(f, v)
	}
	f(float32(x))
	return nil
}

func (f StringCallback) invoke(v interface{}) error {
	s, ok := v.(string)
	if !ok {
		return mismatch(f, v)
	}
	f(s)
	return nil
}

func mismatch(a Actuation, v interface{}) error {
	return errors.NotValidf("value type=%s for %s callback", valueTypeName(v), a.TypeName())
}

func valueTypeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}, cbor.Map:
		return "object"
	}
	if _, ok := number(v); ok {
		return "number"
	}
	return "unknown"
}

// number accepts json.Number and decoded CBOR numerics.
func number(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case int:
		return float64(x), true
	}
	return 0, false
}

// integral accepts whole numbers in int range.
func integral(v interface{}) (int, bool) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return intRange(n)
		}
		if f, err := x.Float64(); err == nil && f == math.Trunc(f) && math.Abs(f) <= math.MaxInt64 {
			return intRange(int64(f))
		}
		return 0, false
	case int64:
		return intRange(x)
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return intRange(int64(x))
	case int:
		return x, true
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < math.MaxInt64 {
			return intRange(int64(x))
		}
	case float32:
		return integral(float64(x))
	}
	return 0, false
}

func intRange(n int64) (int, bool) {
	if int64(int(n)) != n {
		return 0, false
	}
	return int(n), true
}

// SetActuationCallback registers callback for commands to asset.
// First registration of a name wins, repeated name returns AlreadyExists and keeps it;
// use RemoveActuationCallback to change callback.
// New name beyond max_actuations is rejected, prior registrations are kept.
func (self *Device) SetActuationCallback(asset string, cb Actuation) error {
	if cb == nil {
		return errors.NotValidf("actuation callback asset=%s nil", asset)
	}
	if !assetNameRegexp.MatchString(asset) {
		return errors.NotValidf("actuation asset name=%q", asset)
	}
	if prev, ok := self.actuations[asset]; ok {
		return errors.AlreadyExistsf("actuation callback asset=%s type=%s", asset, prev.TypeName())
	}
	if len(self.actuations) >= self.config.MaxActuations {
		err := errors.Errorf("too many actuations, maximum=%d rejected=%s", self.config.MaxActuations, asset)
		self.log.Error(err)
		return err
	}
	self.actuations[asset] = cb
	self.log.Debugf("actuation callback asset=%s type=%s", asset, cb.TypeName())
	return nil
}

func (self *Device) RemoveActuationCallback(asset string) {
	delete(self.actuations, asset)
}

func (self *Device) Actuation(asset string) (Actuation, bool) {
	a, ok := self.actuations[asset]
	return a, ok
}
