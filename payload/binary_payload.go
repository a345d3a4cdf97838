package payload

import (
	"encoding/binary"
	"math"

	"github.com/juju/errors"
	"github.com/temoto/attdev/cbor"
)

const DefaultBinaryCapacity = 51

// BinaryPayload packs values big endian without any framing.
// Value that does not fit is rejected whole.
type BinaryPayload struct {
	out *cbor.StaticOutput
}

var _ Payload = &BinaryPayload{}

func NewBinaryPayload(capacity int) *BinaryPayload {
	if capacity <= 0 {
		capacity = DefaultBinaryCapacity
	}
	return &BinaryPayload{out: cbor.NewStaticOutput(capacity)}
}

// NewBinaryPayloadBuffer continues after first length bytes of buf.
func NewBinaryPayloadBuffer(buf []byte, length int) *BinaryPayload {
	if length > cap(buf) {
		length = cap(buf)
	}
	self := &BinaryPayload{out: cbor.NewStaticOutputBuffer(buf)}
	_ = self.out.PutBytes(buf[:length])
	return self
}

func (self *BinaryPayload) Bytes() []byte { return self.out.Bytes() }
func (self *BinaryPayload) Size() int     { return self.out.Len() }
func (self *BinaryPayload) Cap() int      { return self.out.Cap() }
func (self *BinaryPayload) Reset()        { self.out.Reset() }

// Add appends v. int is packed as int32 like on device firmware.
func (self *BinaryPayload) Add(v interface{}) error {
	mark := self.out.Len()
	if err := self.add(v); err != nil {
		self.out.Truncate(mark)
		return errors.Annotate(err, "binary payload add")
	}
	return nil
}

func (self *BinaryPayload) add(value interface{}) error {
	o := self.out
	be := binary.BigEndian
	switch v := value.(type) {
	case bool:
		if v {
			return o.PutByte(1)
		}
		return o.PutByte(0)
	case int8:
		return o.PutByte(byte(v))
	case uint8:
		return o.PutByte(v)
	case int16:
		return cbor.PutUint16(o, be, uint16(v))
	case uint16:
		return cbor.PutUint16(o, be, v)
	case int:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return errors.NotValidf("int=%d out of int32 range", v)
		}
		return cbor.PutUint32(o, be, uint32(int32(v)))
	case int32:
		return cbor.PutUint32(o, be, uint32(v))
	case uint32:
		return cbor.PutUint32(o, be, v)
	case int64:
		return cbor.PutUint64(o, be, uint64(v))
	case uint64:
		return cbor.PutUint64(o, be, v)
	case float32:
		return cbor.PutUint32(o, be, math.Float32bits(v))
	case float64:
		return cbor.PutUint64(o, be, math.Float64bits(v))
	case string:
		return o.PutBytes([]byte(v))
	case []byte:
		return o.PutBytes(v)
	case GeoLocation:
		if err := self.add(v.latitude); err != nil {
			return err
		}
		if err := self.add(v.longitude); err != nil {
			return err
		}
		if v.hasAltitude {
			return self.add(v.altitude)
		}
		return nil
	}
	return errors.NotSupportedf("value type %T", value)
}
