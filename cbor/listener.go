package cbor

import (
	"github.com/temoto/attdev/log2"
)

// Listener receives Reader events in stream order.
// Slice passed to OnBytes is borrowed, copy it to keep after return.
type Listener interface {
	OnInteger(v int32)
	OnBytes(p []byte)
	OnString(s string)
	OnArray(n uint32)
	OnMap(n uint32)
	OnTag(t uint32)
	OnSpecial(code uint32)
	OnError(msg string)
}

// ExtraListener receives values not fitting 32 bit.
// OnExtraInteger sign=-1 means value -1-v.
type ExtraListener interface {
	OnExtraInteger(v uint64, sign int)
	OnExtraTag(t uint64)
	OnExtraSpecial(code uint64)
}

type FloatListener interface {
	OnFloat32(v float32)
	OnFloat64(v float64)
}

// DebugListener logs every event.
type DebugListener struct {
	Log *log2.Log
}

func (self DebugListener) OnInteger(v int32)     { self.Log.Debugf("cbor integer %d", v) }
func (self DebugListener) OnBytes(p []byte)      { self.Log.Debugf("cbor bytes (%d) %x", len(p), p) }
func (self DebugListener) OnString(s string)     { self.Log.Debugf("cbor string %q", s) }
func (self DebugListener) OnArray(n uint32)      { self.Log.Debugf("cbor array (%d)", n) }
func (self DebugListener) OnMap(n uint32)        { self.Log.Debugf("cbor map (%d)", n) }
func (self DebugListener) OnTag(t uint32)        { self.Log.Debugf("cbor tag %d", t) }
func (self DebugListener) OnSpecial(code uint32) { self.Log.Debugf("cbor special %d", code) }
func (self DebugListener) OnError(msg string)    { self.Log.Errorf("cbor %s", msg) }

func (self DebugListener) OnExtraInteger(v uint64, sign int) {
	if sign < 0 {
		self.Log.Debugf("cbor integer -1-%d", v)
		return
	}
	self.Log.Debugf("cbor integer %d", v)
}
func (self DebugListener) OnExtraTag(t uint64)        { self.Log.Debugf("cbor tag %d", t) }
func (self DebugListener) OnExtraSpecial(code uint64) { self.Log.Debugf("cbor special %d", code) }
func (self DebugListener) OnFloat32(v float32)        { self.Log.Debugf("cbor float32 %v", v) }
func (self DebugListener) OnFloat64(v float64)        { self.Log.Debugf("cbor float64 %v", v) }
