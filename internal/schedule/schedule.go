// Package schedule evaluates weekly business-hour windows for AI deployments.
//
// A window is a set of active weekdays plus a start/end time of day in a named
// IANA timezone. Times are compared as zero-padded "HH:MM" strings, so the
// granularity is one minute and both bounds are inclusive.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidSchedule is returned when the timezone or a time string cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Weekday names accepted in Config.Days (compared case-insensitively).
var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Config is the persisted, administrator-editable schedule block.
type Config struct {
	Enabled  bool     `json:"schedule_enabled"`
	Start    string   `json:"schedule_start_time"` // "HH:MM"
	End      string   `json:"schedule_end_time"`   // "HH:MM"
	Days     []string `json:"schedule_days"`       // weekday names, e.g. "monday"
	Timezone string   `json:"schedule_timezone"`   // IANA zone; empty = UTC
}

// IsOnDuty reports whether the window covers now.
//
// A disabled schedule places no restriction and always returns true.
// When start > end the window wraps midnight (e.g. 18:00-06:00).
// When start == end the window is that single minute.
func IsOnDuty(cfg Config, now time.Time) (bool, error) {
	if !cfg.Enabled {
		return true, nil
	}

	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return false, err
	}
	if err := checkClock(cfg.Start); err != nil {
		return false, err
	}
	if err := checkClock(cfg.End); err != nil {
		return false, err
	}

	local := now.In(loc)
	if !hasDay(cfg.Days, local.Weekday()) {
		return false, nil
	}

	cur := local.Format("15:04")
	if cfg.Start <= cfg.End {
		return cur >= cfg.Start && cur <= cfg.End, nil
	}
	return cur >= cfg.Start || cur <= cfg.End, nil
}

// Validate checks an enabled schedule for malformed fields.
// A disabled schedule is always valid, whatever its other fields hold.
func Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	if err := checkClock(cfg.Start); err != nil {
		return err
	}
	if err := checkClock(cfg.End); err != nil {
		return err
	}
	for _, d := range cfg.Days {
		if _, ok := weekdayNames[strings.ToLower(strings.TrimSpace(d))]; !ok {
			return fmt.Errorf("%w: unknown weekday %q", ErrInvalidSchedule, d)
		}
	}
	return nil
}

// NormalizeDays lowercases and de-duplicates weekday names, keeping order.
func NormalizeDays(days []string) []string {
	seen := make(map[string]bool, len(days))
	out := make([]string, 0, len(days))
	for _, d := range days {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

func hasDay(days []string, wd time.Weekday) bool {
	for _, d := range days {
		if v, ok := weekdayNames[strings.ToLower(strings.TrimSpace(d))]; ok && v == wd {
			return true
		}
	}
	return false
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, name, err)
	}
	return loc, nil
}

// checkClock requires the exact "HH:MM" form so string comparison matches clock order.
func checkClock(s string) error {
	if len(s) != 5 || s[2] != ':' {
		return fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidSchedule, s)
	}
	if _, err := time.Parse("15:04", s); err != nil {
		return fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidSchedule, s)
	}
	return nil
}
