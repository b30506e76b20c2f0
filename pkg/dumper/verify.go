package dumper

import (
	"bytes"
	"fmt"

	binpe "github.com/Binject/debug/pe"
)

// VerifyImports parses a finished dump with an independent PE reader and
// returns its imported symbols as "function:library".
func VerifyImports(data []byte) ([]string, error) {
	f, err := binpe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse dump: %w", err)
	}
	defer f.Close()

	symbols, err := f.ImportedSymbols()
	if err != nil {
		return nil, fmt.Errorf("read dump imports: %w", err)
	}
	return symbols, nil
}
