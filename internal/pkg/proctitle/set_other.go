//go:build !linux

// Package proctitle renames the running process as seen by ps and top.
package proctitle

import (
	"fmt"
	"os"
)

// Set rewrites argv only; there is no portable comm-name API off Linux.
func Set(name string) error {
	if name == "" {
		return fmt.Errorf("proctitle: empty name")
	}
	if len(os.Args) > 0 {
		os.Args[0] = name
	}
	return nil
}
