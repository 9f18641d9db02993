//go:build !linux

package keystore

// lockMemory is a no-op on platforms without mlock support wired up; key
// handles still zero their buffers on release.
func lockMemory(b []byte) error {
	return errNotSupported
}

func unlockMemory(b []byte) {}

// HardenProcess is a no-op outside Linux.
func HardenProcess() error {
	return nil
}

type notSupportedError struct{}

func (notSupportedError) Error() string { return "memory locking not supported on this platform" }

var errNotSupported = notSupportedError{}
