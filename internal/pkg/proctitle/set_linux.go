//go:build linux

// Package proctitle renames the running process as seen by ps and top.
package proctitle

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The kernel keeps a thread's comm name in a 16-byte buffer, trailing
// NUL included; longer names are cut at 15 bytes.
const commMax = 15

// Set renames the process. The argv title takes the full name; the
// kernel comm name gets the truncated form.
func Set(name string) error {
	if name == "" {
		return fmt.Errorf("proctitle: empty name")
	}
	if len(os.Args) > 0 {
		os.Args[0] = name
	}

	comm := name
	if len(comm) > commMax {
		comm = comm[:commMax]
	}
	buf := append([]byte(comm), 0)
	if err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0); err != nil {
		return fmt.Errorf("proctitle: PR_SET_NAME %q: %w", comm, err)
	}
	return nil
}
