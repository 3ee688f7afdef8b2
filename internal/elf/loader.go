// Package elf loads a user-mode executable image into a task's address
// space (§4.F "EXEC"). It uses the standard library's debug/elf decoder
// rather than a third-party library: the corpus's dependency set covers
// container/VM/network formats, not executable-image parsing, and
// debug/elf is the complete, actively maintained reader for exactly this
// format (see DESIGN.md).
package elf

import (
	"debug/elf"
	"fmt"

	"github.com/n4ar/melloos/internal/proctable"
)

const pageSize = 4096

// Image is a loaded executable: its entry point and the memory regions its
// loadable segments occupy.
type Image struct {
	Entry   uintptr
	Regions []proctable.MemoryRegion
}

// alignDown rounds addr down to the nearest page boundary.
func alignDown(addr uintptr) uintptr {
	return addr &^ (pageSize - 1)
}

// alignUp rounds addr up to the nearest page boundary.
func alignUp(addr uintptr) uintptr {
	return (addr + pageSize - 1) &^ (pageSize - 1)
}

// Load parses an ELF64 executable from data and extracts its PT_LOAD segments
// into page-aligned MemoryRegions backed by freshly allocated memory,
// rejecting anything that would place a loadable segment in kernel space
// (§4.F "user/kernel address-space split").
func Load(data []byte, kernelSpaceFloor uintptr) (*Image, error) {
	f, err := elf.NewFile(byteReaderAt(data))
	if err != nil {
		return nil, fmt.Errorf("elf: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("elf: only 64-bit executables are supported")
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("elf: not an executable image (type %s)", f.Type)
	}

	img := &Image{Entry: uintptr(f.Entry)}
	if img.Entry >= kernelSpaceFloor {
		return nil, fmt.Errorf("elf: entry point %#x is not in user space", img.Entry)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		start := alignDown(uintptr(prog.Vaddr))
		end := alignUp(uintptr(prog.Vaddr) + uintptr(prog.Memsz))
		if end <= start {
			continue
		}
		if end > kernelSpaceFloor {
			return nil, fmt.Errorf("elf: loadable segment at %#x-%#x crosses into kernel space", start, end)
		}

		backing := make([]byte, end-start)
		segData, err := readSegment(prog)
		if err != nil {
			return nil, fmt.Errorf("elf: reading segment at %#x: %w", prog.Vaddr, err)
		}
		off := uintptr(prog.Vaddr) - start
		copy(backing[off:], segData)

		img.Regions = append(img.Regions, proctable.MemoryRegion{
			Start:      start,
			Length:     end - start,
			Writable:   prog.Flags&elf.PF_W != 0,
			Executable: prog.Flags&elf.PF_X != 0,
			Backing:    backing,
		})
	}

	var hasCode, hasData bool
	for _, r := range img.Regions {
		if r.Executable {
			hasCode = true
		} else {
			hasData = true
		}
	}
	if !hasCode || !hasData {
		return nil, fmt.Errorf("elf: image must contain at least one code segment and one data segment")
	}
	return img, nil
}

func readSegment(prog *elf.Prog) ([]byte, error) {
	buf := make([]byte, prog.Filesz)
	if _, err := prog.ReaderAt.ReadAt(buf, 0); err != nil && prog.Filesz > 0 {
		return nil, err
	}
	return buf, nil
}

// byteReaderAt adapts a byte slice to io.ReaderAt, matching the reader
// shape debug/elf.NewFile expects.
type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, fmt.Errorf("elf: read past end of image")
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, fmt.Errorf("elf: short read")
	}
	return n, nil
}
