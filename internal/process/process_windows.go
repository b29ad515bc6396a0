//go:build windows

package process

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// maxModules bounds the module handle buffer.
const maxModules = 4096

type winProcess struct {
	pid    uint32
	handle windows.Handle
}

// Open opens pid for querying and reading memory.
func Open(pid uint32) (Process, error) {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_VM_READ, false, pid)
	if err != nil {
		return nil, fmt.Errorf("%w: OpenProcess(%d): %w", ErrProcessAccess, pid, err)
	}
	return &winProcess{pid: pid, handle: handle}, nil
}

func (p *winProcess) PID() uint32 {
	return p.pid
}

// Modules enumerates both 32-bit and 64-bit modules of the target.
func (p *winProcess) Modules() ([]Module, error) {
	handles := make([]windows.Handle, 1024)
	var needed uint32
	handleSize := uint32(unsafe.Sizeof(handles[0]))

	for {
		err := windows.EnumProcessModulesEx(p.handle, &handles[0], uint32(len(handles))*handleSize, &needed, windows.LIST_MODULES_ALL)
		if err != nil {
			return nil, fmt.Errorf("%w: EnumProcessModulesEx: %w", ErrProcessAccess, err)
		}
		count := int(needed / handleSize)
		if count <= len(handles) {
			handles = handles[:count]
			break
		}
		if count > maxModules {
			return nil, fmt.Errorf("%w: 模块数量异常 (%d)", ErrProcessAccess, count)
		}
		handles = make([]windows.Handle, count)
	}

	modules := make([]Module, 0, len(handles))
	for _, h := range handles {
		var info windows.ModuleInfo
		if err := windows.GetModuleInformation(p.handle, h, &info, uint32(unsafe.Sizeof(info))); err != nil {
			continue
		}

		m := Module{Base: uint64(info.BaseOfDll), Size: info.SizeOfImage}

		var buf [windows.MAX_PATH]uint16
		if err := windows.GetModuleFileNameEx(p.handle, h, &buf[0], uint32(len(buf))); err == nil {
			m.Path = windows.UTF16ToString(buf[:])
		}
		if err := windows.GetModuleBaseName(p.handle, h, &buf[0], uint32(len(buf))); err == nil {
			m.Name = windows.UTF16ToString(buf[:])
		}
		modules = append(modules, m)
	}
	return modules, nil
}

func (p *winProcess) ReadMemory(addr uint64, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: 无效的读取长度 %d", ErrRemoteRead, size)
	}
	buf := make([]byte, size)
	var read uintptr
	if err := windows.ReadProcessMemory(p.handle, uintptr(addr), &buf[0], uintptr(size), &read); err != nil {
		return nil, fmt.Errorf("%w: 0x%X: %w", ErrRemoteRead, addr, err)
	}
	if int(read) != size {
		return nil, fmt.Errorf("%w: 0x%X 只读取了 %d/%d 字节", ErrRemoteRead, addr, read, size)
	}
	return buf, nil
}

func (p *winProcess) Close() error {
	if p.handle == 0 {
		return nil
	}
	err := windows.CloseHandle(p.handle)
	p.handle = 0
	return err
}
