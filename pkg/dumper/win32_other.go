//go:build !windows
// +build !windows

package dumper

import "errors"

var errNoWin32 = errors.New("the win32 backend is only available on windows")

// Win32Backend is unavailable on this platform.
type Win32Backend struct{}

func OpenWin32(process string) (*Win32Backend, error) {
	return nil, errNoWin32
}

func (b *Win32Backend) ReadMemory(va uint64, buf []byte) (int, error) {
	return 0, errNoWin32
}

func (b *Win32Backend) Modules() ([]ModuleEntry, error) {
	return nil, errNoWin32
}

func (b *Win32Backend) Close() error {
	return nil
}

func EnableDebugPrivilege() error {
	return errNoWin32
}
