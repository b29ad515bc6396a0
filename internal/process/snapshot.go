package process

import (
	"fmt"
	"sort"
)

var _ Process = (*Snapshot)(nil)

type region struct {
	base uint64
	data []byte
}

type hole struct {
	start, end uint64
}

// Snapshot is an in-memory Process: a set of module images at fixed bases,
// with optional unreadable ranges. It backs tests and offline replays.
type Snapshot struct {
	pid        uint32
	modules    []Module
	regions    []region
	unreadable []hole
	closed     bool
}

// NewSnapshot returns an empty snapshot for pid.
func NewSnapshot(pid uint32) *Snapshot {
	return &Snapshot{pid: pid}
}

// AddModule maps image at m.Base and registers m. A zero m.Size is taken from the image.
func (s *Snapshot) AddModule(m Module, image []byte) *Snapshot {
	if m.Size == 0 {
		m.Size = uint32(len(image))
	}
	s.modules = append(s.modules, m)
	s.Map(m.Base, image)
	return s
}

// Map places data at base without registering a module.
func (s *Snapshot) Map(base uint64, data []byte) *Snapshot {
	s.regions = append(s.regions, region{base: base, data: data})
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].base < s.regions[j].base })
	return s
}

// Protect marks [addr, addr+size) unreadable.
func (s *Snapshot) Protect(addr uint64, size uint64) *Snapshot {
	s.unreadable = append(s.unreadable, hole{start: addr, end: addr + size})
	return s
}

// PID returns the snapshot's process id.
func (s *Snapshot) PID() uint32 {
	return s.pid
}

// Modules returns the registered modules in insertion order.
func (s *Snapshot) Modules() ([]Module, error) {
	if s.closed {
		return nil, fmt.Errorf("%w: 句柄已关闭", ErrProcessAccess)
	}
	out := make([]Module, len(s.modules))
	copy(out, s.modules)
	return out, nil
}

// ReadMemory copies size bytes at addr. The range must lie inside one mapped
// region and must not touch an unreadable range.
func (s *Snapshot) ReadMemory(addr uint64, size int) ([]byte, error) {
	if s.closed {
		return nil, fmt.Errorf("%w: 句柄已关闭", ErrRemoteRead)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: 无效的读取长度 %d", ErrRemoteRead, size)
	}
	end := addr + uint64(size)
	for _, h := range s.unreadable {
		if addr < h.end && h.start < end {
			return nil, fmt.Errorf("%w: 0x%X 不可读", ErrRemoteRead, addr)
		}
	}
	for _, r := range s.regions {
		if addr >= r.base && end <= r.base+uint64(len(r.data)) {
			out := make([]byte, size)
			copy(out, r.data[addr-r.base:])
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: 0x%X 未映射", ErrRemoteRead, addr)
}

// Close releases the snapshot; later reads fail.
func (s *Snapshot) Close() error {
	s.closed = true
	return nil
}
