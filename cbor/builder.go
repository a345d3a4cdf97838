package cbor

import (
	"math"

	"github.com/juju/errors"
)

// Decoded value types, besides int64, uint64, float32, float64, bool, nil, string, []byte, []interface{}.
type (
	MapEntry struct {
		Key   interface{}
		Value interface{}
	}
	// Map keeps stream order of entries.
	Map []MapEntry

	Tag struct {
		Number  uint64
		Content interface{}
	}

	Simple    uint32
	Undefined struct{}

	// NegInt is -1-n for n beyond int64.
	NegInt uint64
)

func (self Map) Get(key string) (interface{}, bool) {
	for _, e := range self {
		if k, ok := e.Key.(string); ok && k == key {
			return e.Value, true
		}
	}
	return nil, false
}

type frame struct {
	major  byte
	left   uint32
	items  []interface{}
	m      Map
	key    interface{}
	hasKey bool
	tag    uint64
	tagged interface{}
}

func (self *frame) value() interface{} {
	switch self.major {
	case MajorArray:
		return self.items
	case MajorMap:
		return self.m
	default:
		return Tag{Number: self.tag, Content: self.tagged}
	}
}

// Builder is Listener that assembles complete values.
type Builder struct {
	stack  []*frame
	values []interface{}
	err    error
}

// Values returns complete top level items.
func (self *Builder) Values() []interface{} { return self.values }

// Pending is true inside unfinished array, map or tag.
func (self *Builder) Pending() bool { return len(self.stack) != 0 }

func (self *Builder) Err() error { return self.err }

func (self *Builder) Reset() {
	self.stack = self.stack[:0]
	self.values = nil
	self.err = nil
}

func (self *Builder) add(v interface{}) {
	for {
		if len(self.stack) == 0 {
			self.values = append(self.values, v)
			return
		}
		f := self.stack[len(self.stack)-1]
		switch f.major {
		case MajorArray:
			f.items = append(f.items, v)
			f.left--
		case MajorMap:
			if !f.hasKey {
				f.key, f.hasKey = v, true
				return
			}
			f.m = append(f.m, MapEntry{Key: f.key, Value: v})
			f.key, f.hasKey = nil, false
			f.left--
		case MajorTag:
			f.tagged = v
			f.left--
		}
		if f.left > 0 {
			return
		}
		self.stack = self.stack[:len(self.stack)-1]
		v = f.value()
	}
}

func (self *Builder) open(f *frame) {
	if f.left == 0 {
		self.add(f.value())
		return
	}
	self.stack = append(self.stack, f)
}

// hint limits preallocation for counts read from untrusted input.
func hint(n uint32) int {
	if n > 64 {
		return 64
	}
	return int(n)
}

func (self *Builder) OnInteger(v int32) { self.add(int64(v)) }
func (self *Builder) OnBytes(p []byte)  { self.add(append([]byte{}, p...)) }
func (self *Builder) OnString(s string) { self.add(s) }
func (self *Builder) OnArray(n uint32) {
	self.open(&frame{major: MajorArray, left: n, items: make([]interface{}, 0, hint(n))})
}
func (self *Builder) OnMap(n uint32) {
	self.open(&frame{major: MajorMap, left: n, m: make(Map, 0, hint(n))})
}
func (self *Builder) OnTag(t uint32) { self.OnExtraTag(uint64(t)) }

func (self *Builder) OnSpecial(code uint32) {
	switch code {
	case SimpleFalse:
		self.add(false)
	case SimpleTrue:
		self.add(true)
	case SimpleNull:
		self.add(nil)
	case SimpleUndefined:
		self.add(Undefined{})
	default:
		self.add(Simple(code))
	}
}

func (self *Builder) OnError(msg string) { self.err = errors.New(msg) }

func (self *Builder) OnExtraInteger(v uint64, sign int) {
	switch {
	case sign >= 0 && v <= math.MaxInt64:
		self.add(int64(v))
	case sign >= 0:
		self.add(v)
	case v <= math.MaxInt64:
		self.add(-1 - int64(v))
	default:
		self.add(NegInt(v))
	}
}

func (self *Builder) OnExtraTag(t uint64)        { self.open(&frame{major: MajorTag, left: 1, tag: t}) }
func (self *Builder) OnExtraSpecial(code uint64) { self.add(Simple(code)) }
func (self *Builder) OnFloat32(v float32)        { self.add(v) }
func (self *Builder) OnFloat64(v float64)        { self.add(v) }

// DecodeAll returns every item in data, which must end on item boundary.
func DecodeAll(data []byte) ([]interface{}, error) {
	b := &Builder{}
	r := NewReader(NewInput(data), b)
	if err := r.Run(); err != nil {
		return b.Values(), errors.Annotate(err, "cbor decode")
	}
	if !r.Idle() || b.Pending() {
		return b.Values(), errors.Errorf("cbor decode unexpected end of data state=%s", r.State())
	}
	return b.Values(), nil
}

// Decode returns single item, trailing data is error.
func Decode(data []byte) (interface{}, error) {
	vs, err := DecodeAll(data)
	if err != nil {
		return nil, err
	}
	if len(vs) != 1 {
		return nil, errors.Errorf("cbor decode expected 1 item, found %d", len(vs))
	}
	return vs[0], nil
}
