//go:build windows
// +build windows

package dumper

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Win32Backend reads a live process through ReadProcessMemory.
type Win32Backend struct {
	process windows.Handle
	pid     uint32
}

// OpenWin32 opens the process named by process, which is either an
// executable name or a pid.
func OpenWin32(process string) (*Win32Backend, error) {
	if process == "" {
		return nil, errors.New("kernel memory is inaccessible by the win32 backend")
	}
	pid, err := findProcess(process)
	if err != nil {
		return nil, err
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_VM_READ, false, pid)
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	return &Win32Backend{process: h, pid: pid}, nil
}

func findProcess(process string) (uint32, error) {
	if pid, err := strconv.ParseUint(process, 10, 32); err == nil {
		return uint32(pid), nil
	}

	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return 0, fmt.Errorf("process snapshot: %w", err)
	}
	defer windows.CloseHandle(snapshot)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	for err = windows.Process32First(snapshot, &entry); err == nil; err = windows.Process32Next(snapshot, &entry) {
		exe := filepath.Base(windows.UTF16ToString(entry.ExeFile[:]))
		if strings.EqualFold(exe, process) {
			return entry.ProcessID, nil
		}
	}
	return 0, fmt.Errorf("process %s not found", process)
}

func (b *Win32Backend) ReadMemory(va uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	var n uintptr
	if err := windows.ReadProcessMemory(b.process, uintptr(va), &buf[0], uintptr(len(buf)), &n); err != nil {
		return int(n), fmt.Errorf("read 0x%x: %w", va, err)
	}
	return int(n), nil
}

func (b *Win32Backend) Modules() ([]ModuleEntry, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, b.pid)
	if err != nil {
		return nil, fmt.Errorf("module snapshot: %w", err)
	}
	defer windows.CloseHandle(snapshot)

	var modules []ModuleEntry
	var entry windows.ModuleEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	for err = windows.Module32First(snapshot, &entry); err == nil; err = windows.Module32Next(snapshot, &entry) {
		modules = append(modules, ModuleEntry{
			Name: windows.UTF16ToString(entry.Module[:]),
			Path: windows.UTF16ToString(entry.ExePath[:]),
			Base: uint64(entry.ModBaseAddr),
			Size: entry.ModBaseSize,
		})
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("no modules in process %d: %w", b.pid, err)
	}
	return modules, nil
}

func (b *Win32Backend) Close() error {
	return windows.CloseHandle(b.process)
}

// EnableDebugPrivilege enables SeDebugPrivilege on the current process
// token.
func EnableDebugPrivilege() error {
	var token windows.Token
	err := windows.OpenProcessToken(windows.CurrentProcess(), windows.TOKEN_QUERY|windows.TOKEN_ADJUST_PRIVILEGES, &token)
	if err != nil {
		return err
	}
	defer token.Close()

	var luid windows.LUID
	name, err := windows.UTF16PtrFromString("SeDebugPrivilege")
	if err != nil {
		return err
	}
	if err = windows.LookupPrivilegeValue(nil, name, &luid); err != nil {
		return err
	}
	privileges := windows.Tokenprivileges{PrivilegeCount: 1}
	privileges.Privileges[0] = windows.LUIDAndAttributes{Luid: luid, Attributes: windows.SE_PRIVILEGE_ENABLED}
	return windows.AdjustTokenPrivileges(token, false, &privileges, uint32(unsafe.Sizeof(privileges)), nil, nil)
}
