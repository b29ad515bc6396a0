package pe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNoRelocations is returned when an image must be rebased but has no relocation table.
var ErrNoRelocations = errors.New("镜像没有重定位表")

// RelocationInfo contains base relocation information.
type RelocationInfo struct {
	BlockCount   int
	TotalEntries int
	Applied      int
}

// Relocation types
const (
	IMAGE_REL_BASED_ABSOLUTE = 0
	IMAGE_REL_BASED_HIGH     = 1
	IMAGE_REL_BASED_LOW      = 2
	IMAGE_REL_BASED_HIGHLOW  = 3
	IMAGE_REL_BASED_HIGHADJ  = 4
	IMAGE_REL_BASED_DIR64    = 10
)

// Relocate rebases a virtual-layout image to newBase by applying its base
// relocations in place and updating ImageBase in the header.
func Relocate(img *ImageBuffer, newBase uint64) (*RelocationInfo, error) {
	data := img.Bytes()
	h, err := ParseHeaders(data)
	if err != nil {
		return nil, err
	}

	info := &RelocationInfo{}
	delta := newBase - h.ImageBase
	if delta == 0 {
		return info, nil
	}

	dir := h.Directory(DirectoryBaseReloc)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, ErrNoRelocations
	}

	current := uint64(dir.VirtualAddress)
	end := current + uint64(dir.Size)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("重定位表越界 (0x%X)", end)
	}

	for current+8 <= end {
		pageRVA := binary.LittleEndian.Uint32(data[current : current+4])
		sizeOfBlock := binary.LittleEndian.Uint32(data[current+4 : current+8])

		// Each entry is 2 bytes, header is 8 bytes
		if sizeOfBlock < 8 || current+uint64(sizeOfBlock) > end {
			break
		}
		info.BlockCount++

		for off := current + 8; off+2 <= current+uint64(sizeOfBlock); off += 2 {
			entry := binary.LittleEndian.Uint16(data[off : off+2])
			relocType := entry >> 12
			target := uint64(pageRVA) + uint64(entry&0x0FFF)
			info.TotalEntries++

			switch relocType {
			case IMAGE_REL_BASED_ABSOLUTE:
				continue
			case IMAGE_REL_BASED_HIGHLOW:
				if target+4 > uint64(len(data)) {
					return nil, fmt.Errorf("重定位目标越界 (RVA 0x%X)", target)
				}
				v := binary.LittleEndian.Uint32(data[target : target+4])
				binary.LittleEndian.PutUint32(data[target:target+4], v+uint32(delta))
			case IMAGE_REL_BASED_DIR64:
				if target+8 > uint64(len(data)) {
					return nil, fmt.Errorf("重定位目标越界 (RVA 0x%X)", target)
				}
				v := binary.LittleEndian.Uint64(data[target : target+8])
				binary.LittleEndian.PutUint64(data[target:target+8], v+delta)
			default:
				return nil, fmt.Errorf("不支持的重定位类型: %s", GetRelocationTypeName(relocType))
			}
			info.Applied++
		}

		current += uint64(sizeOfBlock)
	}

	h.SetImageBase(data, newBase)
	return info, nil
}

// GetRelocationTypeName returns the name of a relocation type.
func GetRelocationTypeName(relocType uint16) string {
	switch relocType {
	case IMAGE_REL_BASED_ABSOLUTE:
		return "ABSOLUTE"
	case IMAGE_REL_BASED_HIGH:
		return "HIGH"
	case IMAGE_REL_BASED_LOW:
		return "LOW"
	case IMAGE_REL_BASED_HIGHLOW:
		return "HIGHLOW"
	case IMAGE_REL_BASED_HIGHADJ:
		return "HIGHADJ"
	case IMAGE_REL_BASED_DIR64:
		return "DIR64"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", relocType)
	}
}
