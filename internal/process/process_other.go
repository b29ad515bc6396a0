//go:build !windows

package process

import "fmt"

// Open is only supported on Windows.
func Open(pid uint32) (Process, error) {
	return nil, fmt.Errorf("%w: 仅支持 Windows (PID %d)", ErrProcessAccess, pid)
}
