package cbor

import "encoding/binary"

// Input is byte window consumed by Reader.
// Slices returned by Next are valid until following Write.
type Input struct {
	buf []byte
	off int
}

// NewInput copies p, Input never modifies caller memory.
func NewInput(p []byte) *Input {
	return &Input{buf: append([]byte(nil), p...)}
}

// Len is number of unread bytes.
func (self *Input) Len() int { return len(self.buf) - self.off }

func (self *Input) HasBytes(n int) bool { return self.Len() >= n }

func (self *Input) Byte() byte {
	b := self.buf[self.off]
	self.off++
	return b
}

func (self *Input) Uint16() uint16 {
	v := binary.BigEndian.Uint16(self.buf[self.off:])
	self.off += 2
	return v
}

func (self *Input) Uint32() uint32 {
	v := binary.BigEndian.Uint32(self.buf[self.off:])
	self.off += 4
	return v
}

func (self *Input) Uint64() uint64 {
	v := binary.BigEndian.Uint64(self.buf[self.off:])
	self.off += 8
	return v
}

// Uint reads big endian unsigned integer of width 1, 2, 4 or 8.
func (self *Input) Uint(width int) uint64 {
	switch width {
	case 1:
		return uint64(self.Byte())
	case 2:
		return uint64(self.Uint16())
	case 4:
		return uint64(self.Uint32())
	case 8:
		return self.Uint64()
	}
	panic("code error cbor.Input.Uint width")
}

func (self *Input) Next(n int) []byte {
	p := self.buf[self.off : self.off+n : self.off+n]
	self.off += n
	return p
}

// Write appends p, consumed prefix is dropped first.
func (self *Input) Write(p []byte) (int, error) {
	if self.off > 0 {
		n := copy(self.buf, self.buf[self.off:])
		self.buf = self.buf[:n]
		self.off = 0
	}
	self.buf = append(self.buf, p...)
	return len(p), nil
}
