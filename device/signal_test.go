package device

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalQuality(t *testing.T) {
	t.Parallel()

	cases := []struct {
		rssi   int
		expect string
	}{
		{-100, SignalHorrible},
		{-90, SignalHorrible},
		{-88, SignalHorrible},
		{-87, SignalBad},
		{-85, SignalBad},
		{-80, SignalBad},
		{-79, SignalDecent},
		{-75, SignalDecent},
		{-70, SignalDecent},
		{-69, SignalGood},
		{-60, SignalGood},
		{-55, SignalGood},
		{-54, SignalExcellent},
		{-40, SignalExcellent},
		{0, SignalExcellent},
	}
	for _, c := range cases {
		c := c
		t.Run(fmt.Sprint(c.rssi), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, c.expect, SignalQuality(c.rssi))
		})
	}
}
