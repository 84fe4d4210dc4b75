//go:build !windows

package ftpscan

import (
	"math"
	"syscall"
)

// reservedFDs leaves room for the log file, mirror sessions and the files
// they write.
const reservedFDs = 64

func fdSoftLimit() int {
	var r syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &r); err != nil {
		return 0
	}
	if r.Cur <= 0 || r.Cur > math.MaxInt32 {
		return 0
	}
	return int(r.Cur)
}

// fdAwareThreadCap bounds the probe pool so every worker can hold its
// control connection without exhausting descriptors.
func fdAwareThreadCap() int {
	fd := fdSoftLimit()
	if fd <= 0 {
		return 0
	}
	limit := (fd - reservedFDs) / 2
	if limit < 8 {
		limit = 8
	}
	return limit
}
