// Package cbor is a small CBOR (RFC 7049) codec for constrained telemetry:
// - Writer encodes items onto an Output sink, no half floats, no shrinking
// - Reader is resumable streaming decoder, it suspends when input is short
// - Builder turns Reader events into Go values
package cbor

import (
	"encoding/binary"
	"math"
)

const (
	MajorUint    byte = 0
	MajorNint    byte = 1
	MajorBytes   byte = 2
	MajorString  byte = 3
	MajorArray   byte = 4
	MajorMap     byte = 5
	MajorTag     byte = 6
	MajorSpecial byte = 7
)

const (
	minorLen1 = 24
	minorLen2 = 25
	minorLen4 = 26
	minorLen8 = 27

	SimpleFalse     = 20
	SimpleTrue      = 21
	SimpleNull      = 22
	SimpleUndefined = 23
)

const (
	TagDateTimeEpoch = 1
	TagGeoLocation   = 103
	TagEnvelope      = 120
)

// Encoded sizes of fixed width items.
const (
	SimpleSize  = 1
	Float32Size = 5
	Float64Size = 9
)

// HeadSize returns length of initial byte plus argument bytes for value.
func HeadSize(value uint64) int {
	switch {
	case value < minorLen1:
		return 1
	case value <= math.MaxUint8:
		return 2
	case value <= math.MaxUint16:
		return 3
	case value <= math.MaxUint32:
		return 5
	default:
		return 9
	}
}

// IntSize is encoded length of WriteInt(v).
func IntSize(v int64) int {
	if v < 0 {
		return HeadSize(uint64(-(v + 1)))
	}
	return HeadSize(uint64(v))
}

// Writer does not track nesting. After WriteArray(n) caller must write exactly n items.
type Writer struct {
	out Output
}

func NewWriter(out Output) *Writer { return &Writer{out: out} }

func (self *Writer) Output() Output { return self.out }

// WriteTypeAndValue is shared head encoder for every major type.
// Head is written with single PutBytes so StaticOutput never keeps half of it.
func (self *Writer) WriteTypeAndValue(major byte, value uint64) error {
	var b [9]byte
	n := putHead(b[:], major, value)
	return self.out.PutBytes(b[:n])
}

func putHead(b []byte, major byte, value uint64) int {
	major <<= 5
	switch {
	case value < minorLen1:
		b[0] = major | byte(value)
		return 1
	case value <= math.MaxUint8:
		b[0] = major | minorLen1
		b[1] = byte(value)
		return 2
	case value <= math.MaxUint16:
		b[0] = major | minorLen2
		binary.BigEndian.PutUint16(b[1:], uint16(value))
		return 3
	case value <= math.MaxUint32:
		b[0] = major | minorLen4
		binary.BigEndian.PutUint32(b[1:], uint32(value))
		return 5
	default:
		b[0] = major | minorLen8
		binary.BigEndian.PutUint64(b[1:], value)
		return 9
	}
}

func (self *Writer) WriteUint(v uint64) error { return self.WriteTypeAndValue(MajorUint, v) }

func (self *Writer) WriteInt(v int64) error {
	if v < 0 {
		return self.WriteTypeAndValue(MajorNint, uint64(-(v + 1)))
	}
	return self.WriteTypeAndValue(MajorUint, uint64(v))
}

func (self *Writer) WriteBytes(p []byte) error { return self.writeData(MajorBytes, p) }

func (self *Writer) WriteString(s string) error { return self.writeData(MajorString, []byte(s)) }

// writeData emits head and body as one item: when body is rejected the head is dropped too.
func (self *Writer) writeData(major byte, p []byte) error {
	mark := self.out.Len()
	if err := self.WriteTypeAndValue(major, uint64(len(p))); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	if err := self.out.PutBytes(p); err != nil {
		self.out.Truncate(mark)
		return err
	}
	return nil
}

func (self *Writer) WriteArray(n uint64) error { return self.WriteTypeAndValue(MajorArray, n) }
func (self *Writer) WriteMap(n uint64) error   { return self.WriteTypeAndValue(MajorMap, n) }
func (self *Writer) WriteTag(t uint64) error   { return self.WriteTypeAndValue(MajorTag, t) }

func (self *Writer) WriteSpecial(v uint64) error { return self.WriteTypeAndValue(MajorSpecial, v) }

func (self *Writer) WriteBool(v bool) error {
	if v {
		return self.WriteSpecial(SimpleTrue)
	}
	return self.WriteSpecial(SimpleFalse)
}

func (self *Writer) WriteNull() error { return self.WriteSpecial(SimpleNull) }

func (self *Writer) WriteFloat32(v float32) error {
	var b [Float32Size]byte
	b[0] = MajorSpecial<<5 | minorLen4
	binary.BigEndian.PutUint32(b[1:], math.Float32bits(v))
	return self.out.PutBytes(b[:])
}

func (self *Writer) WriteFloat64(v float64) error {
	var b [Float64Size]byte
	b[0] = MajorSpecial<<5 | minorLen8
	binary.BigEndian.PutUint64(b[1:], math.Float64bits(v))
	return self.out.PutBytes(b[:])
}
