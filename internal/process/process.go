// Package process gives read-only access to a target process: its loaded
// modules and its memory.
package process

import (
	"errors"
	"fmt"
	"strings"
)

// PageSize is the granularity of remote reads.
const PageSize = 0x1000

var (
	// ErrProcessAccess is returned when the target process cannot be opened or enumerated.
	ErrProcessAccess = errors.New("无法访问目标进程")
	// ErrRemoteRead is returned when a range of the target's memory cannot be read.
	ErrRemoteRead = errors.New("读取进程内存失败")
)

// Module describes one loaded module. Its identity within a snapshot is Base.
type Module struct {
	Base uint64
	Size uint32
	Path string
	Name string
}

// DisplayName returns Name, falling back to the file name of Path and then to
// "unnamed". Both path separators are accepted.
func (m Module) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	if name := m.Path[strings.LastIndexAny(m.Path, `\/`)+1:]; name != "" {
		return name
	}
	return "unnamed"
}

// MemoryReader reads memory of a target process.
type MemoryReader interface {
	// ReadMemory returns exactly size bytes at addr or an error wrapping ErrRemoteRead.
	ReadMemory(addr uint64, size int) ([]byte, error)
}

// Process is an open target process.
type Process interface {
	MemoryReader
	PID() uint32
	Modules() ([]Module, error)
	Close() error
}

// ReadImage reads a whole module image page by page. Unreadable pages are left
// zero-filled; it fails only when no page at all could be read.
func ReadImage(r MemoryReader, base uint64, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: 模块大小为0 (0x%X)", ErrRemoteRead, base)
	}

	image := make([]byte, size)
	readable := 0
	for off := uint32(0); off < size; off += PageSize {
		n := min(PageSize, size-off)
		page, err := r.ReadMemory(base+uint64(off), int(n))
		if err != nil {
			continue
		}
		copy(image[off:], page)
		readable++
	}

	if readable == 0 {
		return nil, fmt.Errorf("%w: 模块 0x%X 无可读页面", ErrRemoteRead, base)
	}
	return image, nil
}
