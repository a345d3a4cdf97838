package device

const (
	SignalHorrible  = "Horrible"
	SignalBad       = "Bad"
	SignalDecent    = "Decent"
	SignalGood      = "Good"
	SignalExcellent = "Excellent"
)

// SignalQuality maps RSSI dBm to coarse description.
// Bounds: < -87 Horrible, [-87,-80] Bad, (-80,-70] Decent, (-70,-55] Good, > -55 Excellent.
func SignalQuality(rssi int) string {
	switch {
	case rssi < -87:
		return SignalHorrible
	case rssi <= -80:
		return SignalBad
	case rssi <= -70:
		return SignalDecent
	case rssi <= -55:
		return SignalGood
	default:
		return SignalExcellent
	}
}
