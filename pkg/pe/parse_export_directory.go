package pe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const maxExports = 0x10000

// ExportTable is the parsed export directory of a module.
type ExportTable struct {
	ImageExportDirectory
	// Name is the module name recorded by the linker.
	Name    string
	Exports []ExportData
}

type ExportData struct {
	Name      string
	Ordinal   uint16
	RVA       RVA
	Forwarder string
}

func (e ExportData) String() string {
	if e.Name == "" {
		return fmt.Sprintf("#%d", e.Ordinal)
	}
	return e.Name
}

// ReadExports parses the export directory of a module. r is addressed by
// RVA, which lets it run over a live module as well as over an Image.
//
// Ordinals are biased by the directory Base. A module without an export
// directory yields an empty table.
func ReadExports(r io.ReaderAt) (*ExportTable, error) {
	var dos ImageDosHeader
	if err := readAt(r, 0, &dos); err != nil {
		return nil, err
	}
	if dos.E_magic != IMAGE_DOS_SIGNATURE {
		return nil, errors.New("DOS Header magic not found")
	}

	var signature uint32
	if err := readAt(r, RVA(dos.E_lfanew), &signature); err != nil {
		return nil, err
	}
	if signature != IMAGE_NT_SIGNATURE {
		return nil, errors.New("invalid NT headers signature")
	}

	var oh ImageOptionalHeader64
	if err := readAt(r, RVA(dos.E_lfanew)+4+IMAGE_SIZEOF_FILE_HEADER, &oh); err != nil {
		return nil, err
	}
	if oh.Magic != IMAGE_NT_OPTIONAL_HDR64_MAGIC {
		return nil, ErrUnsupported
	}

	table := &ExportTable{}
	if oh.NumberOfRvaAndSizes <= IMAGE_DIRECTORY_ENTRY_EXPORT {
		return table, nil
	}
	dir := oh.DataDirectory[IMAGE_DIRECTORY_ENTRY_EXPORT]
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return table, nil
	}

	if err := readAt(r, RVA(dir.VirtualAddress), &table.ImageExportDirectory); err != nil {
		return nil, fmt.Errorf("export directory at 0x%x: %w", dir.VirtualAddress, err)
	}
	exportDir := &table.ImageExportDirectory
	if exportDir.Name != 0 {
		table.Name, _ = readString(r, RVA(exportDir.Name), 0x100)
	}

	numberOfFunctions := MinUInt32(exportDir.NumberOfFunctions, maxExports)
	numberOfNames := MinUInt32(exportDir.NumberOfNames, numberOfFunctions)

	functions := make([]uint32, numberOfFunctions)
	if err := readAt(r, RVA(exportDir.AddressOfFunctions), functions); err != nil {
		return nil, fmt.Errorf("AddressOfFunctions: %w", err)
	}
	names := make([]uint32, numberOfNames)
	ordinals := make([]uint16, numberOfNames)
	if numberOfNames > 0 {
		if err := readAt(r, RVA(exportDir.AddressOfNames), names); err != nil {
			return nil, fmt.Errorf("AddressOfNames: %w", err)
		}
		if err := readAt(r, RVA(exportDir.AddressOfNameOrdinals), ordinals); err != nil {
			return nil, fmt.Errorf("AddressOfNameOrdinals: %w", err)
		}
	}

	forwarder := func(address uint32) string {
		if !dir.Contains(RVA(address)) {
			return ""
		}
		s, _ := readString(r, RVA(address), 0x200)
		return s
	}

	// A hash set for tracking seen ordinals
	named := make(map[uint16]bool)

	for i := uint32(0); i < numberOfNames; i++ {
		index := ordinals[i]
		if uint32(index) >= numberOfFunctions || functions[index] == 0 {
			continue
		}
		name, err := readString(r, RVA(names[i]), 0x200)
		if err != nil || !ValidFuncName(name) {
			continue
		}
		named[index] = true
		table.Exports = append(table.Exports, ExportData{
			Name:      name,
			Ordinal:   uint16(exportDir.Base + uint32(index)),
			RVA:       RVA(functions[index]),
			Forwarder: forwarder(functions[index]),
		})
	}

	// Check for any functions exported by ordinal only
	for i := uint32(0); i < numberOfFunctions; i++ {
		if named[uint16(i)] || functions[i] == 0 {
			continue
		}
		table.Exports = append(table.Exports, ExportData{
			Ordinal:   uint16(exportDir.Base + i),
			RVA:       RVA(functions[i]),
			Forwarder: forwarder(functions[i]),
		})
	}

	return table, nil
}

func readAt(r io.ReaderAt, rva RVA, v interface{}) error {
	size := binary.Size(v)
	if size < 0 {
		return errors.New("value has no fixed size")
	}
	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, int64(rva)); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

// readString reads a NUL-terminated string of at most max bytes, in small
// chunks so that a string ending near an unreadable page still resolves.
func readString(r io.ReaderAt, rva RVA, max int) (string, error) {
	const chunk = 0x40
	var out []byte
	buf := make([]byte, chunk)
	for len(out) < max {
		n, err := r.ReadAt(buf, int64(rva)+int64(len(out)))
		if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf[:n]...)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", io.ErrNoProgress
		}
	}
	return "", errors.New("string exceeds maximum length")
}
