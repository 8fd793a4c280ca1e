//go:build linux

package iptables

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const DefaultLockPath = "/var/run/xtables_old.lock"

// withLock runs fn while holding an exclusive flock on path. The lock is
// released by closing the file, on every return path.
func withLock(path string, fn func() error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return &Error{Kind: KindIO, Msg: "failed to open lock file " + path, Err: err}
	}
	defer f.Close()

	start := time.Now()
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		// EWOULDBLOCK == EAGAIN on Linux
		if errors.Is(err, unix.EWOULDBLOCK) {
			continue
		}
		return &Error{Kind: KindLock, Msg: "failed to lock " + path, Err: err}
	}
	lockWaitSeconds.Observe(time.Since(start).Seconds())

	return fn()
}
