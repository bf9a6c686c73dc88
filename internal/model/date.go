package model

import (
	"strconv"
	"strings"
	"time"
)

// Date is a day counted since the UNIX epoch (0 = 1970-01-01). Using plain
// integer arithmetic keeps opinion expiry (date + valid) exact rather than
// calendar-aware, matching the canonical textual form's `date;valid;...`
// fields which are themselves plain integers.
type Date int32

const secondsPerDay = 86400

// Today returns the current UTC day.
func Today() Date {
	return Date(time.Now().UTC().Unix() / secondsPerDay)
}

// Add returns the date `valid` days later.
func (d Date) Add(valid uint16) Date {
	return d + Date(valid)
}

// Before reports whether d comes strictly before other.
func (d Date) Before(other Date) bool {
	return d < other
}

func (d Date) String() string {
	t := time.Unix(int64(d)*secondsPerDay, 0).UTC()
	return t.Format("2006-01-02")
}

// ParseDate accepts either a plain integer day count or a YYYY-MM-DD form.
func ParseDate(s string) (Date, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return 0, err
		}
		return Date(n), nil
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	day, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, err
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return Date(t.Unix() / secondsPerDay), nil
}
