//go:build !linux

package iptables

const DefaultLockPath = "/var/run/xtables_old.lock"

func withLock(path string, fn func() error) error {
	return ErrUnsupportedPlatform
}
