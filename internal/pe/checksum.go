package pe

import (
	"encoding/binary"
	"fmt"
)

// ChecksumInfo contains PE checksum verification results.
type ChecksumInfo struct {
	Stored   uint32
	Computed uint32
	Valid    bool
}

// VerifyChecksum compares the stored header checksum with a fresh computation.
func VerifyChecksum(data []byte) (*ChecksumInfo, error) {
	h, err := ParseHeaders(data)
	if err != nil {
		return nil, err
	}

	// If checksum is 0, file is not checksummed (common for non-system files)
	if h.CheckSum == 0 {
		return &ChecksumInfo{Valid: true}, nil
	}

	computed := CalculatePEChecksum(data, int64(h.CheckSumOffset()))
	return &ChecksumInfo{
		Stored:   h.CheckSum,
		Computed: computed,
		Valid:    computed == h.CheckSum,
	}, nil
}

// UpdateChecksum recalculates and stores the PE checksum of the image.
func UpdateChecksum(img *ImageBuffer) error {
	data := img.Bytes()
	h, err := ParseHeaders(data)
	if err != nil {
		return fmt.Errorf("计算校验和失败: %w", err)
	}

	off := h.CheckSumOffset()
	binary.LittleEndian.PutUint32(data[off:off+4], CalculatePEChecksum(data, int64(off)))
	return nil
}

// CalculatePEChecksum calculates the PE checksum using the standard algorithm.
// The 4 bytes at checksumOffset are skipped; pass -1 to include everything.
func CalculatePEChecksum(data []byte, checksumOffset int64) uint32 {
	var checksum uint64
	buf := make([]byte, 4)
	filesize := int64(len(data))

	// Process file in 4-byte chunks
	for offset := int64(0); offset < filesize; offset += 4 {
		// Skip checksum field itself
		if checksumOffset >= 0 && offset >= checksumOffset && offset < checksumOffset+4 {
			continue
		}

		n := copy(buf, data[offset:])
		// Handle partial read at end of file
		for i := n; i < 4; i++ {
			buf[i] = 0
		}

		checksum += uint64(binary.LittleEndian.Uint32(buf))

		// Fold high 32 bits into low 32 bits
		if checksum > 0xFFFFFFFF {
			checksum = (checksum & 0xFFFFFFFF) + (checksum >> 32)
		}
	}

	// Final fold
	checksum = (checksum & 0xFFFF) + (checksum >> 16)
	checksum += (checksum >> 16)
	checksum &= 0xFFFF

	// Add file size
	checksum += uint64(filesize)

	return uint32(checksum)
}
