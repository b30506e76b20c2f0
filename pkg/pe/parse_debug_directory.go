package pe

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// CodeView is the PDB 7.0 identity of an image.
type CodeView struct {
	GUID    GUID
	Age     uint32
	PDBPath string
}

// PDBName returns the base name of the PDB path, for either separator.
func (cv *CodeView) PDBName() string {
	return path.Base(strings.ReplaceAll(cv.PDBPath, "\\", "/"))
}

// SymbolKey is the directory name a symbol server stores the PDB under.
func (cv *CodeView) SymbolKey() string {
	guid, _ := cv.GUID.ToString("N")
	return strings.ToUpper(guid) + strings.ToUpper(strconv.FormatUint(uint64(cv.Age), 16))
}

// SymbolURL compiles the download URL of the PDB on server.
func (cv *CodeView) SymbolURL(server string) string {
	name := cv.PDBName()
	return strings.TrimRight(server, "/") + "/" + name + "/" + cv.SymbolKey() + "/" + name
}

// CodeView walks the debug directory and returns the first PDB 7.0 record.
// The record is located through AddressOfRawData since dumped images carry
// no file layout. It returns nil when the image has no such record.
func (img *Image) CodeView() (*CodeView, error) {
	dir, err := img.DataDirectory(IMAGE_DIRECTORY_ENTRY_DEBUG)
	if err != nil {
		return nil, err
	}
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		// Simply no debug directory exists.
		return nil, nil
	}

	for offset := uint32(0); offset+IMAGE_SIZEOF_DEBUG_DIRECTORY <= dir.Size; offset += IMAGE_SIZEOF_DEBUG_DIRECTORY {
		var debugDir ImageDebugDirectory
		if err = img.ReadStructRVA(RVA(dir.VirtualAddress+offset), &debugDir); err != nil {
			return nil, fmt.Errorf("debug directory at 0x%x: %w", dir.VirtualAddress+offset, err)
		}
		if debugDir.Type != IMAGE_DEBUG_TYPE_CODEVIEW || debugDir.AddressOfRawData == 0 {
			continue
		}

		var cvInfoPdb CvInfoPdb70
		const cvInfoPdb70Size = 24
		if debugDir.SizeOfData < cvInfoPdb70Size {
			return nil, errors.New("corrupt PDB 7.0 data")
		}
		if err = img.ReadStructRVA(RVA(debugDir.AddressOfRawData), &cvInfoPdb); err != nil {
			return nil, err
		}
		if cvInfoPdb.CvSignature != CV_PDB_70_SIGNATURE {
			continue
		}

		// Get the symbol file name.
		name, err := img.StringAtRVA(RVA(debugDir.AddressOfRawData + cvInfoPdb70Size))
		if err != nil {
			return nil, err
		}
		return &CodeView{
			GUID:    GuidFromWindowsArray(cvInfoPdb.Signature),
			Age:     cvInfoPdb.Age,
			PDBPath: name,
		}, nil
	}
	return nil, nil
}
