package logic

import "time"

// VolumeDelta returns the liters delivered at flowLPM over dt using the
// left-rectangle rule. Non-positive intervals and flows yield zero.
func VolumeDelta(flowLPM float64, dt time.Duration) float64 {
	if dt <= 0 || flowLPM <= 0 {
		return 0
	}
	return flowLPM * dt.Seconds() / 60
}

// AvgRate returns the mean flow in L/min, or zero for an empty interval.
func AvgRate(volume float64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return volume / d.Minutes()
}

// Counter plausibility bounds relative to the integrated volume.
const (
	counterMinRatio    = 0.5
	counterMaxRatio    = 2.0
	counterTinyVolumeL = 0.1
)

// PlausibleCounterDelta reports whether a device counter delta can stand in
// for the integrated volume of a session. The delta must be non-negative and
// agree with integration within a factor of two; when integration saw almost
// nothing (sparse flow reports), the delta must stay under what maxFlowLPM
// could deliver in d.
func PlausibleCounterDelta(delta, integrated, maxFlowLPM float64, d time.Duration) bool {
	if delta < 0 {
		return false
	}
	if integrated < counterTinyVolumeL {
		if maxFlowLPM <= 0 {
			return false
		}
		return delta < maxFlowLPM*d.Minutes()
	}
	return delta >= integrated*counterMinRatio && delta <= integrated*counterMaxRatio
}
