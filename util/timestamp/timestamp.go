// Package timestamp provides utilities for handling timestamps.
package timestamp

import (
	"os"
	"strconv"
	"time"
)

// Now returns the current time in UTC, honoring SOURCE_DATE_EPOCH if set, so
// that images built by cmd/mkext2 can be reproducible in CI.
func Now() time.Time {
	if epoch := os.Getenv("SOURCE_DATE_EPOCH"); epoch != "" {
		if ts, err := strconv.ParseInt(epoch, 10, 64); err == nil {
			return time.Unix(ts, 0).UTC()
		}
	}
	return time.Now().UTC()
}
