package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// WallClock is a zone-naive HH:MM value. It is interpreted in whatever zone
// the caller applies and is never converted between zones.
type WallClock struct {
	Hour   int
	Minute int
}

const wallClockLayout = "15:04"

// ParseWallClock accepts exactly HH:MM on a 24-hour clock.
func ParseWallClock(s string) (WallClock, error) {
	if len(s) != len(wallClockLayout) {
		return WallClock{}, fmt.Errorf("wall clock %q: expected HH:MM", s)
	}
	t, err := time.Parse(wallClockLayout, s)
	if err != nil {
		return WallClock{}, fmt.Errorf("wall clock %q: expected HH:MM", s)
	}
	return WallClock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// WallClockFromMicros converts a Postgres TIME value (microseconds since
// midnight) without touching any location.
func WallClockFromMicros(us int64) WallClock {
	mins := us / int64(time.Minute/time.Microsecond)
	return WallClock{Hour: int(mins / 60), Minute: int(mins % 60)}
}

func (w WallClock) Micros() int64 {
	return int64(w.Hour*60+w.Minute) * int64(time.Minute/time.Microsecond)
}

func (w WallClock) Valid() bool {
	return w.Hour >= 0 && w.Hour < 24 && w.Minute >= 0 && w.Minute < 60
}

func (w WallClock) Before(o WallClock) bool {
	return w.Hour < o.Hour || (w.Hour == o.Hour && w.Minute < o.Minute)
}

// On places the wall clock on the calendar day of t, in t's location.
func (w WallClock) On(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, w.Hour, w.Minute, 0, 0, t.Location())
}

func (w WallClock) String() string {
	return fmt.Sprintf("%02d:%02d", w.Hour, w.Minute)
}

func (w WallClock) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.String())
}

func (w *WallClock) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseWallClock(s)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}
