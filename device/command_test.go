package device

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommandTopic(t *testing.T) {
	t.Parallel()

	cases := []struct {
		topic  string
		expect string
	}{
		{"device/dev1/asset/led/command", "led"},
		{"device/dev1/asset/motor_2/command", "motor_2"},
		{"device/dev2/asset/led/command", ""},
		{"device/dev1/asset/led/state", ""},
		{"device/dev1/asset//command", ""},
		{"device/dev1/asset/a/b/command", ""},
		{"dev1/asset/led/command", ""},
	}
	for _, c := range cases {
		c := c
		t.Run(c.topic, func(t *testing.T) {
			t.Parallel()
			asset, err := ParseCommandTopic("dev1", c.topic)
			if c.expect == "" {
				require.Error(t, err)
				assert.True(t, errors.IsNotValid(err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, c.expect, asset)
			}
		})
	}
}

func TestParseCommandBody(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		hexInput  bool
		expectAt  string
		expectV   interface{}
		expectErr string
	}
	cases := []Case{
		{"json-bool", `{"at":"2024-01-02T03:04:05Z","value":true}`, false, "2024-01-02T03:04:05Z", true, ""},
		{"json-number", `{"value": 42}`, false, "", json.Number("42"), ""},
		{"json-string", " \n{\"value\":\"on\"}", false, "", "on", ""},
		{"json-null", `{"value":null}`, false, "", nil, ""},
		{"json-no-value", `{"at":"x"}`, false, "", nil, "command without value"},
		{"json-broken", `{"value":`, false, "", nil, "command json"},
		{"empty", ``, false, "", nil, "command body empty"},
		// {"value": 7}
		{"cbor-map", "a16576616c756507", true, "", int64(7), ""},
		// {"at": "t", "value": true}
		{"cbor-at", "a2626174617465" + "76616c7565f5", true, "t", true, ""},
		// [1]
		{"cbor-array", "8101", true, "", nil, "command cbor type=[]interface {}"},
		// {"x": 1}
		{"cbor-no-value", "a1617801", true, "", nil, "command without value"},
		{"cbor-broken", "a165", true, "", nil, "command cbor"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			input := []byte(c.input)
			if c.hexInput {
				var err error
				input, err = hex.DecodeString(c.input)
				require.NoError(t, err)
			}
			at, v, err := ParseCommandBody(input)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expectAt, at)
			assert.Equal(t, c.expectV, v)
		})
	}
}

func TestActuationInvoke(t *testing.T) {
	t.Parallel()

	var (
		gotBool   bool
		gotInt    int
		gotDouble float64
		gotFloat  float32
		gotString string
	)
	type Case struct {
		name  string
		a     Actuation
		value interface{}
		ok    bool
		check func(testing.TB)
	}
	cases := []Case{
		{"bool", BoolCallback(func(b bool) { gotBool = b }), true, true,
			func(t testing.TB) { assert.True(t, gotBool) }},
		{"bool-number", BoolCallback(func(bool) {}), json.Number("1"), false, nil},
		{"int-json", IntCallback(func(n int) { gotInt = n }), json.Number("-17"), true,
			func(t testing.TB) { assert.Equal(t, -17, gotInt) }},
		{"int-json-float-whole", IntCallback(func(n int) { gotInt = n }), json.Number("3.0"), true,
			func(t testing.TB) { assert.Equal(t, 3, gotInt) }},
		{"int-fraction", IntCallback(func(int) {}), json.Number("3.5"), false, nil},
		{"int-cbor", IntCallback(func(n int) { gotInt = n }), int64(300), true,
			func(t testing.TB) { assert.Equal(t, 300, gotInt) }},
		{"int-string", IntCallback(func(int) {}), "5", false, nil},
		{"double", DoubleCallback(func(x float64) { gotDouble = x }), json.Number("2.5"), true,
			func(t testing.TB) { assert.Equal(t, 2.5, gotDouble) }},
		{"double-int", DoubleCallback(func(x float64) { gotDouble = x }), int64(-4), true,
			func(t testing.TB) { assert.Equal(t, -4.0, gotDouble) }},
		{"double-bool", DoubleCallback(func(float64) {}), false, false, nil},
		{"float", FloatCallback(func(x float32) { gotFloat = x }), float32(0.5), true,
			func(t testing.TB) { assert.Equal(t, float32(0.5), gotFloat) }},
		{"float-overflow", FloatCallback(func(float32) {}), json.Number("1e300"), false, nil},
		{"string", StringCallback(func(s string) { gotString = s }), "hello", true,
			func(t testing.TB) { assert.Equal(t, "hello", gotString) }},
		{"string-null", StringCallback(func(string) {}), nil, false, nil},
		{"string-object", StringCallback(func(string) {}), map[string]interface{}{}, false, nil},
	}
	// sequential: callbacks share result variables
	for _, c := range cases {
		err := c.a.invoke(c.value)
		if c.ok {
			require.NoError(t, err, c.name)
			c.check(t)
		} else {
			require.Error(t, err, c.name)
			assert.True(t, errors.IsNotValid(err), c.name)
		}
	}
}
