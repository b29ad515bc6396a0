package pe

import "bytes"

// Common function prologues.
var (
	prologue32 = [][]byte{
		{0x55, 0x8B, 0xEC},       // push ebp; mov ebp, esp
		{0x8B, 0xFF, 0x55, 0x8B}, // mov edi, edi; push ebp; mov ...
	}
	prologue64 = [][]byte{
		{0x40, 0x53, 0x48, 0x83, 0xEC}, // push rbx; sub rsp, ...
		{0x48, 0x83, 0xEC, 0x28},       // sub rsp, 28h
		{0x48, 0x89, 0x5C, 0x24},       // mov [rsp+..], rbx
		{0x55, 0x48, 0x89, 0xE5},       // push rbp; mov rbp, rsp
	}
)

// Is64BitCode guesses the bitness of a headerless buffer by counting
// typical 32-bit and 64-bit function prologues.
func Is64BitCode(data []byte) bool {
	count32 := 0
	for _, p := range prologue32 {
		count32 += bytes.Count(data, p)
	}
	count64 := 0
	for _, p := range prologue64 {
		count64 += bytes.Count(data, p)
	}
	return count64 > count32
}
