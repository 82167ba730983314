package stores

import (
	"time"

	"github.com/oarkflow/date"
)

// rowScanner is the part of a result set the scan helpers need.
type rowScanner interface {
	Scan(dest ...any) error
}

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

// scanTime normalizes the driver representations of a timestamp column.
// modernc sqlite may hand back time.Time, string, or []byte depending on
// how the value was bound.
func scanTime(raw interface{}) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}

func timeOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
