package dumper

import (
	"bytes"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	"dmadump/pkg/pe"
)

// SnapshotBackend serves reads from a raw capture of a contiguous range of
// the target's address space, starting at Base. Modules are found by
// scanning page boundaries for PE headers.
type SnapshotBackend struct {
	Base uint64
	data mmap.MMap
}

// OpenSnapshot maps the capture at path read-only.
func OpenSnapshot(path string, base uint64) (*SnapshotBackend, error) {
	if base&pageMask != 0 {
		return nil, fmt.Errorf("snapshot base 0x%x is not page aligned", base)
	}
	handle, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = handle.Close()
	}()

	data, err := mmap.Map(handle, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("map snapshot %s: %w", path, err)
	}
	return &SnapshotBackend{Base: base, data: data}, nil
}

func (s *SnapshotBackend) ReadMemory(va uint64, buf []byte) (int, error) {
	if va < s.Base || va-s.Base >= uint64(len(s.data)) {
		return 0, fmt.Errorf("0x%x is outside the snapshot: %w", va, ErrUnreadable)
	}
	n := copy(buf, s.data[va-s.Base:])
	if n < len(buf) {
		return n, fmt.Errorf("0x%x is outside the snapshot: %w", va+uint64(n), ErrUnreadable)
	}
	return n, nil
}

// Modules reports every page that starts a valid PE32+ image. A module is
// named after its export directory, or after its address when it has none.
func (s *SnapshotBackend) Modules() ([]ModuleEntry, error) {
	var modules []ModuleEntry
	for offset := 0; offset+pageSize <= len(s.data); {
		if s.data[offset] != 'M' || s.data[offset+1] != 'Z' {
			offset += pageSize
			continue
		}
		img := &pe.Image{Data: s.data[offset:]}
		if img.Validate() != nil {
			offset += pageSize
			continue
		}
		oh, err := img.OptionalHeader()
		if err != nil || oh.SizeOfImage == 0 {
			offset += pageSize
			continue
		}

		base := s.Base + uint64(offset)
		entry := ModuleEntry{Name: fmt.Sprintf("module_%x.dll", base), Base: base, Size: oh.SizeOfImage}
		// The image is in memory layout, so offsets are RVAs.
		if table, err := pe.ReadExports(bytes.NewReader(img.Data)); err == nil && pe.ValidDosFilename(table.Name) {
			entry.Name = table.Name
		}
		modules = append(modules, entry)
		step := pe.AlignUpUInt64(uint64(oh.SizeOfImage), pageSize)
		if step > uint64(len(s.data)-offset) {
			break
		}
		offset += int(step)
	}
	return modules, nil
}

func (s *SnapshotBackend) Close() error {
	return s.data.Unmap()
}
