// Pouch accepts lifetimes in two shapes: a raw count of seconds, or a calendar-like interval.
// Both are normalized into whole seconds before they reach an item.

package cache

import "time"

const (
	secondsPerMinute = 60
	secondsPerHour   = 60 * secondsPerMinute
	secondsPerDay    = 24 * secondsPerHour
)

// TTL is a relative lifetime. Implemented by Seconds and Interval.
type TTL interface {
	// TTLSeconds returns the lifetime as a whole number of seconds.
	TTLSeconds() int64
}

// Seconds is a raw second count, taken verbatim.
type Seconds int64

var (
	_ TTL = Seconds(0)
	_ TTL = Interval{}
)

func (s Seconds) TTLSeconds() int64 {
	return int64(s)
}

// Interval is a calendar-like lifetime. Only Days, Hours, Minutes and Seconds contribute to TTLSeconds;
// Years and Months are ignored.
type Interval struct {
	Years, Months, Days     int
	Hours, Minutes, Seconds int
}

func (iv Interval) TTLSeconds() int64 {
	return int64(iv.Seconds) +
		int64(iv.Minutes)*secondsPerMinute +
		int64(iv.Hours)*secondsPerHour +
		int64(iv.Days)*secondsPerDay
}

// FromDuration splits `d` into an Interval of days, hours, minutes and seconds. Sub-second parts are dropped.
func FromDuration(d time.Duration) Interval {
	total := int64(d / time.Second)
	iv := Interval{Days: int(total / secondsPerDay)}
	total %= secondsPerDay
	iv.Hours = int(total / secondsPerHour)
	total %= secondsPerHour
	iv.Minutes = int(total / secondsPerMinute)
	iv.Seconds = int(total % secondsPerMinute)
	return iv
}
