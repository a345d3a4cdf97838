package payload

import (
	"encoding/hex"
	"math"
	"strings"
	"testing"
	"time"

	fxcbor "github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/attdev/cbor"
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(strings.Replace(s, " ", "", -1))
	if err != nil {
		panic(err)
	}
	return b
}

func TestCborPayloadEmpty(t *testing.T) {
	t.Parallel()

	p := NewCborPayload(0)
	assert.Nil(t, p.Bytes())
	assert.Equal(t, 0, p.Size())
	require.NoError(t, p.SetTimestamp(1))
	require.NoError(t, p.SetLocation(NewGeoLocation(1, 2)))
	assert.Nil(t, p.Bytes(), "timestamp and location alone are no data")
	assert.Equal(t, 0, p.Size())
}

func TestCborPayloadEnvelope(t *testing.T) {
	t.Parallel()

	many := "d878 81 b818"
	for i := 0; i < 24; i++ {
		many += " 60 " + hex.EncodeToString([]byte{byte(i)})
	}
	cases := []struct {
		name   string
		fun    func(t testing.TB, p *CborPayload)
		expect string
	}{
		{"value", func(t testing.TB, p *CborPayload) {
			require.NoError(t, p.Set("on", true))
		}, "d878 81 a1 626f6e f5"},
		{"timestamp", func(t testing.TB, p *CborPayload) {
			require.NoError(t, p.Set("on", true))
			require.NoError(t, p.SetTimestamp(1700000000))
		}, "d878 82 a1 626f6e f5 c1 1a6553f100"},
		{"location", func(t testing.TB, p *CborPayload) {
			require.NoError(t, p.Set("on", false))
			require.NoError(t, p.SetLocation(NewGeoLocation(1, 2)))
		}, "d878 83 a1 626f6e f4 f6 d867 82 fa3f800000 fa40000000"},
		{"timestamp+location", func(t testing.TB, p *CborPayload) {
			require.NoError(t, p.Set("on", nil))
			require.NoError(t, p.SetTimestamp(20))
			require.NoError(t, p.SetLocation(NewGeoLocationAltitude(1, 2, 0.5)))
		}, "d878 83 a1 626f6e f6 c1 14 d867 83 fa3f800000 fa40000000 fa3f000000"},
		{"types", func(t testing.TB, p *CborPayload) {
			require.NoError(t, p.Set("i", -500))
			require.NoError(t, p.Set("u", uint8(200)))
			require.NoError(t, p.Set("d", 0.5))
			require.NoError(t, p.Set("s", "ok"))
			require.NoError(t, p.Set("b", []byte{7}))
			require.NoError(t, p.Set("g", NewGeoLocation(1, 2)))
		}, "d878 81 a6 6169 3901f3 6175 18c8 6164 fb3fe0000000000000 6173 626f6b 6162 4107 6167 d867 82 fa3f800000 fa40000000"},
		{"many", func(t testing.TB, p *CborPayload) {
			for i := 0; i < 24; i++ {
				require.NoError(t, p.Set("", i))
			}
		}, many},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			p := NewCborPayload(0)
			c.fun(t, p)
			b := p.Bytes()
			assert.Equal(t, hex.EncodeToString(mustHex(c.expect)), hex.EncodeToString(b))
			assert.Equal(t, len(b), p.Size())

			var v interface{}
			require.NoError(t, fxcbor.Unmarshal(b, &v), "well formed CBOR")
			_, err := cbor.Decode(b)
			require.NoError(t, err)
		})
	}
}

func TestCborPayloadScenario(t *testing.T) {
	t.Parallel()

	p := NewCborPayload(64)
	require.NoError(t, p.Set("temperature", float32(21.5)))
	require.NoError(t, p.Set("humidity", 55))
	require.NoError(t, p.SetTimestamp(1700000000))
	b := p.Bytes()
	require.Equal(t, len(b), p.Size())

	v, err := cbor.Decode(b)
	require.NoError(t, err)
	envelope, ok := v.(cbor.Tag)
	require.True(t, ok)
	assert.Equal(t, uint64(cbor.TagEnvelope), envelope.Number)
	items := envelope.Content.([]interface{})
	require.Len(t, items, 2)
	values := items[0].(cbor.Map)
	require.Len(t, values, 2)
	temp, _ := values.Get("temperature")
	assert.Equal(t, float32(21.5), temp)
	hum, _ := values.Get("humidity")
	assert.Equal(t, int64(55), hum)
	assert.Equal(t, cbor.Tag{Number: cbor.TagDateTimeEpoch, Content: int64(1700000000)}, items[1])

	// independent decoder agrees
	var raw fxcbor.RawTag
	require.NoError(t, fxcbor.Unmarshal(b, &raw))
	assert.Equal(t, uint64(120), raw.Number)
	var parts []fxcbor.RawMessage
	require.NoError(t, fxcbor.Unmarshal(raw.Content, &parts))
	require.Len(t, parts, 2)
	var m map[string]interface{}
	require.NoError(t, fxcbor.Unmarshal(parts[0], &m))
	assert.Equal(t, 2, len(m))
	var ts fxcbor.RawTag
	require.NoError(t, fxcbor.Unmarshal(parts[1], &ts))
	assert.Equal(t, uint64(1), ts.Number)
	var sec uint64
	require.NoError(t, fxcbor.Unmarshal(ts.Content, &sec))
	assert.Equal(t, uint64(1700000000), sec)

	p.Reset()
	assert.Nil(t, p.Bytes())
	require.NoError(t, p.Set("x", 1))
	assert.Equal(t, mustHex("d878 81 a1 6178 01"), p.Bytes())
}

func TestCborPayloadCapacity(t *testing.T) {
	t.Parallel()

	p := NewCborPayload(16)
	require.NoError(t, p.Set("a", 1))
	before := hex.EncodeToString(p.Bytes())
	err := p.Set("long", "0123456789")
	require.Error(t, err)
	assert.Equal(t, cbor.ErrCapacity, errors.Cause(err))
	assert.Equal(t, before, hex.EncodeToString(p.Bytes()), "failed Set leaves payload unchanged")
	assert.Equal(t, 1, p.Count())

	err = p.Set("bad", struct{}{})
	assert.True(t, errors.IsNotSupported(errors.Cause(err)), err)
	assert.Equal(t, before, hex.EncodeToString(p.Bytes()))

	// 7 bytes used, location needs 1+13
	err = p.SetLocation(NewGeoLocation(1, 2))
	assert.Equal(t, cbor.ErrCapacity, errors.Cause(err))
	require.NoError(t, p.SetTimestamp(1700000000))
	assert.Equal(t, p.Size(), len(p.Bytes()))
	assert.True(t, p.Size() <= 16)
	assert.Error(t, p.SetTime(time.Unix(-1, 0)))
}

func TestGeoLocation(t *testing.T) {
	t.Parallel()

	g := NewGeoLocation(44.8, 20.4)
	_, ok := g.Altitude()
	assert.False(t, ok)
	assert.Equal(t, float32(44.8), g.Latitude())
	assert.Equal(t, float32(20.4), g.Longitude())

	p := NewCborPayload(0)
	require.NoError(t, p.Set("loc", NewGeoLocationAltitude(44.8, 20.4, 117)))
	v, err := cbor.Decode(p.Bytes())
	require.NoError(t, err)
	m := v.(cbor.Tag).Content.([]interface{})[0].(cbor.Map)
	raw, _ := m.Get("loc")
	back, ok := ParseGeoLocation(raw)
	require.True(t, ok)
	assert.Equal(t, NewGeoLocationAltitude(44.8, 20.4, 117), back)

	_, ok = ParseGeoLocation(cbor.Tag{Number: 1, Content: []interface{}{float32(1), float32(2)}})
	assert.False(t, ok)
	_, ok = ParseGeoLocation([]interface{}{1.0, "x"})
	assert.False(t, ok)
	back, ok = ParseGeoLocation([]interface{}{1.0, 2.0})
	assert.True(t, ok)
	assert.False(t, back.HasAltitude())
}

func TestBinaryPayload(t *testing.T) {
	t.Parallel()

	p := NewBinaryPayload(0)
	assert.Equal(t, DefaultBinaryCapacity, p.Cap())
	require.NoError(t, p.Add(true))
	require.NoError(t, p.Add(int16(-2)))
	require.NoError(t, p.Add(258))
	require.NoError(t, p.Add(float32(1)))
	require.NoError(t, p.Add("hi"))
	require.NoError(t, p.Add(NewGeoLocation(1, 2)))
	assert.Equal(t, "01 fffe 00000102 3f800000 6869 3f800000 40000000", spaced(p.Bytes(), 1, 2, 4, 4, 2, 4, 4))
	assert.Equal(t, 21, p.Size())

	assert.Error(t, p.Add(math.MaxInt32+1))
	err := p.Add(make([]byte, 40))
	assert.Equal(t, cbor.ErrCapacity, errors.Cause(err))
	assert.Equal(t, 21, p.Size())
	require.NoError(t, p.Add(NewGeoLocationAltitude(1, 2, 3)))
	require.NoError(t, p.Add(NewGeoLocationAltitude(1, 2, 3)))
	assert.Equal(t, 45, p.Size())
	err = p.Add(NewGeoLocationAltitude(1, 2, 3))
	assert.Error(t, err)
	assert.Equal(t, 45, p.Size(), "partial location rolled back")
	assert.Error(t, p.Add(struct{}{}))

	p.Reset()
	assert.Equal(t, 0, p.Size())

	buf := make([]byte, 4, 8)
	copy(buf, []byte{9, 9, 9, 9})
	p = NewBinaryPayloadBuffer(buf, 2)
	require.NoError(t, p.Add(uint16(0x0a0b)))
	assert.Equal(t, []byte{9, 9, 0x0a, 0x0b}, p.Bytes())
	assert.Equal(t, 8, p.Cap())
}

func spaced(b []byte, widths ...int) string {
	parts := make([]string, 0, len(widths))
	for _, w := range widths {
		parts = append(parts, hex.EncodeToString(b[:w]))
		b = b[w:]
	}
	return strings.Join(parts, " ")
}
