package rules

import "math"

// baselineSensitivity is the sensitivity at which configured thresholds apply unscaled
const baselineSensitivity = 5.0

// thresholdScaler adjusts count thresholds to the operator sensitivity.
// Higher sensitivity yields lower thresholds.
type thresholdScaler struct {
	factor float64
}

func newThresholdScaler(sensitivity float64) thresholdScaler {
	if sensitivity <= 0 {
		sensitivity = 1.0
	}
	return thresholdScaler{factor: sensitivity / baselineSensitivity}
}

// scaleInt returns the threshold for a count detector, never below 1
func (s thresholdScaler) scaleInt(v int) int {
	if v <= 0 {
		return v
	}
	t := int(math.Ceil(float64(v) / s.factor))
	if t < 1 {
		t = 1
	}
	return t
}
