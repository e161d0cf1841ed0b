package entity

const unixSecondsDigits = 10

// UnixSeconds normalizes a unix timestamp of unknown resolution (seconds,
// milliseconds, microseconds) to seconds. Some providers mix resolutions
// within one response, so every inbound timestamp goes through this.
func UnixSeconds(ts int64) int64 {
	if ts <= 0 {
		return ts
	}

	digits := 0
	for v := ts; v > 0; v /= 10 {
		digits++
	}

	for digits > unixSecondsDigits {
		ts /= 10
		digits--
	}
	return ts
}
