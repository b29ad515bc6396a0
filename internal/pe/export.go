package pe

import (
	"bytes"
	"fmt"
	"io"

	"github.com/Binject/debug/pe"
)

// Export is one entry of a module's export table.
type Export struct {
	Name    string
	Ordinal uint16
	RVA     uint32
}

// ListExports returns the non-forwarded exports of a virtual-layout image.
// An export is a forwarder when its RVA falls inside the export directory.
func ListExports(img *ImageBuffer) ([]Export, error) {
	h, err := img.Headers()
	if err != nil {
		return nil, fmt.Errorf("解析内存镜像失败: %w", err)
	}
	dir := h.Directory(DirectoryExport)

	f, err := pe.NewFileFromMemory(bytes.NewReader(img.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("解析内存镜像失败: %w", err)
	}
	defer func() { _ = f.Close() }()

	entries, err := f.Exports()
	if err != nil {
		return nil, fmt.Errorf("读取导出表失败: %w", err)
	}

	exports := make([]Export, 0, len(entries))
	for _, e := range entries {
		if e.VirtualAddress == 0 || inDirectory(dir, e.VirtualAddress) {
			continue
		}
		exports = append(exports, Export{
			Name:    e.Name,
			Ordinal: uint16(e.Ordinal),
			RVA:     e.VirtualAddress,
		})
	}
	return exports, nil
}

func inDirectory(dir DataDirectory, rva uint32) bool {
	return rva >= dir.VirtualAddress && uint64(rva) < uint64(dir.VirtualAddress)+uint64(dir.Size)
}

// readCString reads a null-terminated string from the reader.
func readCString(r io.ReaderAt, offset int64) (string, error) {
	var result []byte
	buf := make([]byte, 1)

	for i := 0; i < 256; i++ { // Max 256 chars
		_, err := r.ReadAt(buf, offset+int64(i))
		if err != nil {
			return "", err
		}
		if buf[0] == 0 {
			break
		}
		result = append(result, buf[0])
	}

	return string(result), nil
}
