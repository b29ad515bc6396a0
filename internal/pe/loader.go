package pe

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/Binject/debug/pe"
)

// ErrReferenceLoad is returned when an on-disk reference image cannot be loaded.
var ErrReferenceLoad = errors.New("加载参考镜像失败")

// maxImageSize bounds SizeOfImage of files mapped from disk.
const maxImageSize = 1 << 30

// LoadImage reads a PE file from disk and maps it into virtual layout:
// headers at 0 and every section's raw data at its VirtualAddress.
func LoadImage(path string) (*ImageBuffer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReferenceLoad, err)
	}
	return MapImage(raw)
}

// MapImage maps a PE file image held in memory into virtual layout.
func MapImage(raw []byte) (*ImageBuffer, error) {
	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: 解析PE文件失败: %w", ErrReferenceLoad, err)
	}
	defer func() { _ = f.Close() }()

	var sizeOfImage, sizeOfHeaders uint32
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		sizeOfImage, sizeOfHeaders = oh.SizeOfImage, oh.SizeOfHeaders
	case *pe.OptionalHeader64:
		sizeOfImage, sizeOfHeaders = oh.SizeOfImage, oh.SizeOfHeaders
	default:
		return nil, fmt.Errorf("%w: 无法读取可选头", ErrReferenceLoad)
	}
	if sizeOfImage == 0 || sizeOfImage > maxImageSize {
		return nil, fmt.Errorf("%w: SizeOfImage 异常 (0x%X)", ErrReferenceLoad, sizeOfImage)
	}

	data := make([]byte, sizeOfImage)
	hdrSize := min(int(sizeOfHeaders), len(raw), len(data))
	copy(data, raw[:hdrSize])

	for _, s := range f.Sections {
		size := s.Size
		if s.VirtualSize != 0 && s.VirtualSize < size {
			size = s.VirtualSize
		}
		if size == 0 {
			continue
		}
		if uint64(s.Offset)+uint64(size) > uint64(len(raw)) {
			return nil, fmt.Errorf("%w: 节区 %s 原始数据越界", ErrReferenceLoad, s.Name)
		}
		if uint64(s.VirtualAddress)+uint64(size) > uint64(len(data)) {
			return nil, fmt.Errorf("%w: 节区 %s 超出镜像大小", ErrReferenceLoad, s.Name)
		}
		copy(data[s.VirtualAddress:], raw[s.Offset:s.Offset+size])
	}

	img := NewImageBuffer(data)
	if !img.IsValid() {
		return nil, fmt.Errorf("%w: 映射后的头无效", ErrReferenceLoad)
	}
	return img, nil
}
