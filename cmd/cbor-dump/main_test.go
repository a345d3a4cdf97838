package main

import (
	"bytes"
	"encoding/hex"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/attdev/cbor"
	"github.com/temoto/attdev/log2"
)

// tag120 [ {"t": 21} ]
const testItem = "d87881a1617415"

func TestStream(t *testing.T) {
	t.Parallel()

	input, err := hex.DecodeString(testItem)
	require.NoError(t, err)
	cases := []struct {
		name  string
		input []byte
		chunk int
		ok    bool
	}{
		{"whole", input, 4096, true},
		{"byte-by-byte", input, 1, true},
		{"two-items", append(append([]byte{}, input...), input...), 3, true},
		{"truncated", input[:len(input)-2], 1, false},
		{"bad-chunk", input, 0, false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			b := &cbor.Builder{}
			err := stream(iotest.OneByteReader(bytes.NewReader(c.input)), c.chunk, b)
			if !c.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, b.Values())
		})
	}
}

func TestStreamDebugListener(t *testing.T) {
	t.Parallel()

	input, _ := hex.DecodeString(testItem)
	var out bytes.Buffer
	log := log2.NewWriter(&out, log2.LDebug)
	log.SetFlags(0)
	require.NoError(t, stream(bytes.NewReader(input), 2, cbor.DebugListener{Log: log}))
	assert.Equal(t, "debug: cbor tag 120\ndebug: cbor array (1)\ndebug: cbor map (1)\ndebug: cbor string \"t\"\ndebug: cbor integer 21\n", out.String())
}

func TestValuesDiag(t *testing.T) {
	t.Parallel()

	input, _ := hex.DecodeString(testItem)
	var out bytes.Buffer
	require.NoError(t, diag(bytes.NewReader(input), &out))
	assert.Contains(t, out.String(), "120([")
	assert.Contains(t, out.String(), "21")

	out.Reset()
	require.NoError(t, values(bytes.NewReader(input), &out))
	assert.NotEmpty(t, out.String())

	assert.Error(t, values(bytes.NewReader(input[:3]), &out))
	assert.Error(t, diag(bytes.NewReader(input[:3]), &out))
}
