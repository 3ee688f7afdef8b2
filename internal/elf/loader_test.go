package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// segmentSpec describes one PT_LOAD segment for buildELF64 to emit.
type segmentSpec struct {
	vaddr uint64
	flags uint32
	data  []byte
}

// buildELF64 hand-assembles the smallest valid little-endian ELF64
// executable carrying the given PT_LOAD segments, since debug/elf has no
// encoder and no corpus dependency offers one for this narrow a need.
func buildELF64(t *testing.T, entry uint64, segs []segmentSpec) []byte {
	t.Helper()
	const ehdrSize = 64
	const phdrSize = 56

	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /*64-bit*/, 1 /*LE*/, 1}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.EM_X86_64))
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // version
	binary.Write(&buf, binary.LittleEndian, uint64(entry))
	binary.Write(&buf, binary.LittleEndian, uint64(ehdrSize)) // phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))        // shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))        // flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(phdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(len(segs)))
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // shstrndx

	dataOff := uint64(ehdrSize) + uint64(len(segs))*phdrSize
	offsets := make([]uint64, len(segs))
	for i, seg := range segs {
		offsets[i] = dataOff
		dataOff += uint64(len(seg.data))
	}

	for i, seg := range segs {
		binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD))
		binary.Write(&buf, binary.LittleEndian, seg.flags)
		binary.Write(&buf, binary.LittleEndian, offsets[i])
		binary.Write(&buf, binary.LittleEndian, seg.vaddr)
		binary.Write(&buf, binary.LittleEndian, seg.vaddr)
		binary.Write(&buf, binary.LittleEndian, uint64(len(seg.data)))
		binary.Write(&buf, binary.LittleEndian, uint64(len(seg.data)))
		binary.Write(&buf, binary.LittleEndian, uint64(0x1000)) // align
	}
	for _, seg := range segs {
		buf.Write(seg.data)
	}
	return buf.Bytes()
}

func TestLoadExtractsEntryAndSegments(t *testing.T) {
	code := []byte{0x90, 0x90, 0xc3} // nop nop ret
	data := []byte{0x01, 0x02, 0x03, 0x04}
	image := buildELF64(t, 0x400000, []segmentSpec{
		{vaddr: 0x400000, flags: uint32(elf.PF_R | elf.PF_X), data: code},
		{vaddr: 0x600000, flags: uint32(elf.PF_R | elf.PF_W), data: data},
	})

	img, err := Load(image, 0xffff800000000000)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x400000), img.Entry)
	require.Len(t, img.Regions, 2)

	codeRegion, dataRegion := img.Regions[0], img.Regions[1]
	require.True(t, codeRegion.Executable)
	require.Equal(t, code, codeRegion.Backing[:len(code)])
	require.False(t, dataRegion.Executable)
	require.True(t, dataRegion.Writable)
	require.Equal(t, data, dataRegion.Backing[:len(data)])
}

func TestLoadRejectsCodeOnlyImage(t *testing.T) {
	image := buildELF64(t, 0x400000, []segmentSpec{
		{vaddr: 0x400000, flags: uint32(elf.PF_R | elf.PF_X), data: []byte{0x90, 0x90, 0xc3}},
	})
	_, err := Load(image, 0xffff800000000000)
	require.Error(t, err)
}

func TestLoadRejectsEntryInKernelSpace(t *testing.T) {
	image := buildELF64(t, 0xffff800000001000, []segmentSpec{
		{vaddr: 0xffff800000001000, flags: uint32(elf.PF_R | elf.PF_X), data: []byte{0x90}},
		{vaddr: 0x600000, flags: uint32(elf.PF_R | elf.PF_W), data: []byte{0x01}},
	})
	_, err := Load(image, 0xffff800000000000)
	require.Error(t, err)
}
