//go:build linux

package keystore

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lockMemory pins the buffer's pages so they cannot be swapped to disk.
func lockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mlock(b)
}

// unlockMemory releases the pin. Called only after the buffer is zeroed.
func unlockMemory(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Munlock(b)
}

// HardenProcess applies process-wide protections for key material:
// PR_SET_DUMPABLE off (blocks ptrace from unrelated processes and core dump
// generation), RLIMIT_CORE zeroed, and the coredump filter cleared so no
// memory segment type is dumped.
func HardenProcess() error {
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("keystore: set PR_SET_DUMPABLE: %w", err)
	}

	rlimit := unix.Rlimit{Cur: 0, Max: 0}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &rlimit); err != nil {
		return fmt.Errorf("keystore: set RLIMIT_CORE: %w", err)
	}

	// Not writable in all contexts; the prctl above already covers dumps.
	_ = os.WriteFile("/proc/self/coredump_filter", []byte("0"), 0)

	return nil
}
