//go:build !linux

package recovery

import "time"

func birthTime(path string) (time.Time, bool) {
	return time.Time{}, false
}
