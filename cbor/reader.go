package cbor

import (
	"fmt"
	"math"

	"github.com/juju/errors"
	"github.com/x448/float16"
)

type State uint8

const (
	StateType State = iota
	StatePint
	StateNint
	StateBytesSize
	StateBytesData
	StateStringSize
	StateStringData
	StateArray
	StateMap
	StateTag
	StateSpecial
	StateError
)

var stateNames = [...]string{"Type", "Pint", "Nint", "BytesSize", "BytesData", "StringSize", "StringData", "Array", "Map", "Tag", "Special", "Error"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// Reader is resumable CBOR decoder. Run processes buffered input as far as
// possible and returns when next item needs more bytes than available.
// State and currentLength survive until next Run/Write.
// Indefinite lengths and 8 byte bytes/string/array/map lengths are errors.
// ERROR state is terminal, use Reset to decode another stream.
type Reader struct {
	in            *Input
	l             Listener
	extra         ExtraListener
	float         FloatListener
	state         State
	currentLength int
	err           error

	// MaxLength limits bytes/string length, 0 means no limit.
	MaxLength int
}

func NewReader(in *Input, l Listener) *Reader {
	if in == nil {
		in = NewInput(nil)
	}
	self := &Reader{in: in}
	self.SetListener(l)
	return self
}

func (self *Reader) SetListener(l Listener) {
	self.l = l
	self.extra, _ = l.(ExtraListener)
	self.float, _ = l.(FloatListener)
}

func (self *Reader) Input() *Input { return self.in }
func (self *Reader) State() State  { return self.state }
func (self *Reader) Err() error    { return self.err }

// Idle is true between items.
func (self *Reader) Idle() bool { return self.state == StateType }

func (self *Reader) Reset() {
	self.in = NewInput(nil)
	self.state = StateType
	self.currentLength = 0
	self.err = nil
}

// Write appends p to input and runs decoder.
func (self *Reader) Write(p []byte) (int, error) {
	if self.state == StateError {
		return 0, self.err
	}
	_, _ = self.in.Write(p)
	return len(p), self.Run()
}

func (self *Reader) Run() error {
	for {
		switch self.state {
		case StateError:
			return self.err

		case StateType:
			if !self.in.HasBytes(1) {
				return nil
			}
			self.dispatch(self.in.Byte())

		case StatePint, StateNint:
			if !self.in.HasBytes(self.currentLength) {
				return nil
			}
			neg := self.state == StateNint
			self.state = StateType
			self.emitInt(self.in.Uint(self.currentLength), neg)

		case StateBytesSize, StateStringSize:
			if !self.in.HasBytes(self.currentLength) {
				return nil
			}
			n := self.in.Uint(self.currentLength)
			what, next := "bytes", StateBytesData
			if self.state == StateStringSize {
				what, next = "string", StateStringData
			}
			if n > math.MaxInt32 || (self.MaxLength > 0 && n > uint64(self.MaxLength)) {
				self.fail(fmt.Sprintf("%s too long length=%d", what, n))
				continue
			}
			self.currentLength = int(n)
			self.state = next

		case StateBytesData:
			if !self.in.HasBytes(self.currentLength) {
				return nil
			}
			self.state = StateType
			self.l.OnBytes(self.in.Next(self.currentLength))

		case StateStringData:
			if !self.in.HasBytes(self.currentLength) {
				return nil
			}
			self.state = StateType
			self.l.OnString(string(self.in.Next(self.currentLength)))

		case StateArray, StateMap:
			if !self.in.HasBytes(self.currentLength) {
				return nil
			}
			n := uint32(self.in.Uint(self.currentLength))
			isMap := self.state == StateMap
			self.state = StateType
			if isMap {
				self.l.OnMap(n)
			} else {
				self.l.OnArray(n)
			}

		case StateTag:
			if !self.in.HasBytes(self.currentLength) {
				return nil
			}
			self.state = StateType
			self.emitTag(self.in.Uint(self.currentLength))

		case StateSpecial:
			if !self.in.HasBytes(self.currentLength) {
				return nil
			}
			self.state = StateType
			self.emitSpecial(self.in.Uint(self.currentLength), self.currentLength)

		default:
			panic(fmt.Sprintf("code error cbor.Reader state=%v", self.state))
		}
	}
}

func (self *Reader) dispatch(b byte) {
	major, minor := b>>5, b&0x1f
	width := 0
	switch {
	case minor < minorLen1:
	case minor == minorLen1:
		width = 1
	case minor == minorLen2:
		width = 2
	case minor == minorLen4:
		width = 4
	case minor == minorLen8:
		width = 8
	default:
		self.fail("invalid " + majorNames[major] + " type")
		return
	}

	switch major {
	case MajorUint, MajorNint:
		if width == 0 {
			self.emitInt(uint64(minor), major == MajorNint)
			return
		}
		self.state = StatePint
		if major == MajorNint {
			self.state = StateNint
		}
		self.currentLength = width

	case MajorBytes, MajorString:
		if width == 8 {
			self.fail("extra long " + majorNames[major])
			return
		}
		if width == 0 {
			self.currentLength = int(minor)
			self.state = StateBytesData
			if major == MajorString {
				self.state = StateStringData
			}
			return
		}
		self.currentLength = width
		self.state = StateBytesSize
		if major == MajorString {
			self.state = StateStringSize
		}

	case MajorArray, MajorMap:
		if width == 8 {
			self.fail("extra long " + majorNames[major])
			return
		}
		if width == 0 {
			if major == MajorMap {
				self.l.OnMap(uint32(minor))
			} else {
				self.l.OnArray(uint32(minor))
			}
			return
		}
		self.currentLength = width
		self.state = StateArray
		if major == MajorMap {
			self.state = StateMap
		}

	case MajorTag:
		if width == 0 {
			self.l.OnTag(uint32(minor))
			return
		}
		self.currentLength = width
		self.state = StateTag

	case MajorSpecial:
		if width == 0 {
			self.l.OnSpecial(uint32(minor))
			return
		}
		self.currentLength = width
		self.state = StateSpecial
	}
}

var majorNames = [8]string{"integer", "integer", "bytes", "string", "array", "map", "tag", "special"}

// emitInt value for negative is -1-v.
func (self *Reader) emitInt(v uint64, neg bool) {
	if v <= math.MaxInt32 {
		if neg {
			self.l.OnInteger(int32(-1 - int64(v)))
		} else {
			self.l.OnInteger(int32(v))
		}
		return
	}
	if self.extra == nil {
		self.fail(fmt.Sprintf("integer out of range value=%d negative=%t", v, neg))
		return
	}
	sign := 1
	if neg {
		sign = -1
	}
	self.extra.OnExtraInteger(v, sign)
}

func (self *Reader) emitTag(v uint64) {
	if v <= math.MaxUint32 {
		self.l.OnTag(uint32(v))
		return
	}
	if self.extra == nil {
		self.fail(fmt.Sprintf("tag out of range value=%d", v))
		return
	}
	self.extra.OnExtraTag(v)
}

// emitSpecial: width 1 simple value, 2/4/8 half/single/double float.
// Without FloatListener raw bits go to OnSpecial or OnExtraSpecial.
func (self *Reader) emitSpecial(v uint64, width int) {
	switch width {
	case 2:
		if self.float != nil {
			self.float.OnFloat32(float16.Frombits(uint16(v)).Float32())
			return
		}
	case 4:
		if self.float != nil {
			self.float.OnFloat32(math.Float32frombits(uint32(v)))
			return
		}
	case 8:
		if self.float != nil {
			self.float.OnFloat64(math.Float64frombits(v))
			return
		}
		if self.extra == nil {
			self.fail(fmt.Sprintf("special out of range value=%d", v))
			return
		}
		self.extra.OnExtraSpecial(v)
		return
	}
	self.l.OnSpecial(uint32(v))
}

func (self *Reader) fail(msg string) {
	self.state = StateError
	self.err = errors.New(msg)
	self.l.OnError(msg)
}
