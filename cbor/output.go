package cbor

import (
	"encoding/binary"

	"github.com/juju/errors"
)

const DefaultDynamicCapacity = 256

var ErrCapacity = errors.New("output capacity exceeded")

// Output is append-only byte sink for Writer.
// Len() <= Cap() always holds.
type Output interface {
	PutByte(b byte) error
	PutBytes(p []byte) error
	Bytes() []byte
	Len() int
	Cap() int
	// Truncate drops everything after first n bytes.
	Truncate(n int)
	Reset()
}

// StaticOutput never grows. Write that does not fit is rejected whole
// and returns ErrCapacity; nothing is partially written.
type StaticOutput struct {
	buf []byte
	len int
}

func NewStaticOutput(capacity int) *StaticOutput {
	return &StaticOutput{buf: make([]byte, capacity)}
}

// NewStaticOutputBuffer writes into caller owned buf, its len is capacity.
func NewStaticOutputBuffer(buf []byte) *StaticOutput {
	return &StaticOutput{buf: buf[:cap(buf)]}
}

func (self *StaticOutput) PutByte(b byte) error {
	if self.len+1 > len(self.buf) {
		return errors.Annotatef(ErrCapacity, "put 1 byte len=%d cap=%d", self.len, len(self.buf))
	}
	self.buf[self.len] = b
	self.len++
	return nil
}

func (self *StaticOutput) PutBytes(p []byte) error {
	if self.len+len(p) > len(self.buf) {
		return errors.Annotatef(ErrCapacity, "put %d bytes len=%d cap=%d", len(p), self.len, len(self.buf))
	}
	self.len += copy(self.buf[self.len:], p)
	return nil
}

func (self *StaticOutput) Bytes() []byte { return self.buf[:self.len] }
func (self *StaticOutput) Len() int      { return self.len }
func (self *StaticOutput) Cap() int      { return len(self.buf) }
func (self *StaticOutput) Reset()        { self.len = 0 }
func (self *StaticOutput) Truncate(n int) {
	if n >= 0 && n < self.len {
		self.len = n
	}
}

// DynamicOutput doubles capacity until append fits.
type DynamicOutput struct {
	buf []byte
}

func NewDynamicOutput(initial int) *DynamicOutput {
	if initial <= 0 {
		initial = DefaultDynamicCapacity
	}
	return &DynamicOutput{buf: make([]byte, 0, initial)}
}

func (self *DynamicOutput) grow(n int) {
	c := cap(self.buf)
	if len(self.buf)+n <= c {
		return
	}
	if c == 0 {
		c = 1
	}
	for len(self.buf)+n > c {
		c *= 2
	}
	buf := make([]byte, len(self.buf), c)
	copy(buf, self.buf)
	self.buf = buf
}

func (self *DynamicOutput) PutByte(b byte) error {
	self.grow(1)
	self.buf = append(self.buf, b)
	return nil
}

func (self *DynamicOutput) PutBytes(p []byte) error {
	self.grow(len(p))
	self.buf = append(self.buf, p...)
	return nil
}

func (self *DynamicOutput) Bytes() []byte { return self.buf }
func (self *DynamicOutput) Len() int      { return len(self.buf) }
func (self *DynamicOutput) Cap() int      { return cap(self.buf) }
func (self *DynamicOutput) Reset()        { self.buf = self.buf[:0] }
func (self *DynamicOutput) Truncate(n int) {
	if n >= 0 && n < len(self.buf) {
		self.buf = self.buf[:n]
	}
}

func PutUint16(o Output, order binary.ByteOrder, v uint16) error {
	var b [2]byte
	order.PutUint16(b[:], v)
	return o.PutBytes(b[:])
}

func PutUint32(o Output, order binary.ByteOrder, v uint32) error {
	var b [4]byte
	order.PutUint32(b[:], v)
	return o.PutBytes(b[:])
}

func PutUint64(o Output, order binary.ByteOrder, v uint64) error {
	var b [8]byte
	order.PutUint64(b[:], v)
	return o.PutBytes(b[:])
}
