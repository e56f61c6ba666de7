//go:build unix

package capture

import "syscall"

// ProcessRSS returns the capturing process's peak resident set size in
// bytes. Linux reports Maxrss in KiB.
func ProcessRSS() int64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return int64(ru.Maxrss) * 1024
}
