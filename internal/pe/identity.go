package pe

import (
	"fmt"
)

// Mismatch describes one identity field that differs between two images.
type Mismatch struct {
	Field     string
	Reference string
	Live      string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: %s -> %s", m.Field, m.Reference, m.Live)
}

// CompareIdentity compares the fields that identify a binary: machine,
// characteristics, optional header layout and the section table. ImageBase is
// not compared since the loader rewrites it.
func CompareIdentity(ref, live *Headers) []Mismatch {
	var out []Mismatch
	add := func(field, r, l string) {
		if r != l {
			out = append(out, Mismatch{Field: field, Reference: r, Live: l})
		}
	}
	hex := func(v uint64) string { return fmt.Sprintf("0x%X", v) }

	add("Machine", getArchitecture(ref.Machine), getArchitecture(live.Machine))
	add("Characteristics", hex(uint64(ref.Characteristics)), hex(uint64(live.Characteristics)))
	add("Magic", hex(uint64(ref.Magic)), hex(uint64(live.Magic)))
	add("TimeDateStamp", hex(uint64(ref.TimeDateStamp)), hex(uint64(live.TimeDateStamp)))
	add("SizeOfImage", hex(uint64(ref.SizeOfImage)), hex(uint64(live.SizeOfImage)))
	add("AddressOfEntryPoint", hex(uint64(ref.EntryPoint)), hex(uint64(live.EntryPoint)))
	add("NumberOfSections", fmt.Sprint(ref.NumberOfSections), fmt.Sprint(live.NumberOfSections))

	if len(ref.Sections) != len(live.Sections) {
		return out
	}
	for i := range ref.Sections {
		r, l := ref.Sections[i], live.Sections[i]
		prefix := fmt.Sprintf("Section[%d]", i)
		add(prefix+".Name", r.Name, l.Name)
		add(prefix+".VirtualAddress", hex(uint64(r.VirtualAddress)), hex(uint64(l.VirtualAddress)))
		add(prefix+".VirtualSize", hex(uint64(r.VirtualSize)), hex(uint64(l.VirtualSize)))
		add(prefix+".Characteristics", sectionFlags(r.Characteristics), sectionFlags(l.Characteristics))
	}
	return out
}

func getArchitecture(machine uint16) string {
	switch machine {
	case MachineI386:
		return "x86 (32位)"
	case MachineAMD64:
		return "x64 (64位)"
	case 0x1c0:
		return "ARM"
	case 0xaa64:
		return "ARM64"
	default:
		return fmt.Sprintf("未知 (0x%X)", machine)
	}
}

func sectionFlags(c uint32) string {
	return fmt.Sprintf("0x%08X %s", c, getSectionPermissions(c))
}

func getSectionPermissions(c uint32) string {
	var perms [3]rune
	perms[0] = '-'
	perms[1] = '-'
	perms[2] = '-'

	if c&ScnMemRead != 0 {
		perms[0] = 'R'
	}
	if c&ScnMemWrite != 0 {
		perms[1] = 'W'
	}
	if c&ScnMemExecute != 0 {
		perms[2] = 'X'
	}

	return string(perms[:])
}
