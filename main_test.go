package main

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"dmadump/pkg/config"
	"dmadump/pkg/dumper"
	"dmadump/pkg/pe/petest"
)

func clearEnv(t *testing.T) {
	for _, name := range []string{"DMADUMP_METHOD", "DMADUMP_IAT", "DMADUMP_OUTPUT", "DMADUMP_DEBUG", "DMADUMP_SNAPSHOT", "DMADUMP_SNAPSHOT_BASE"} {
		t.Setenv(name, "")
	}
}

func TestParseArgs(t *testing.T) {
	clearEnv(t)
	t.Setenv("DMADUMP_IAT", "dynamic")
	t.Setenv("DMADUMP_OUTPUT", "from-env")

	c, err := parseArgs([]string{"dmadump", "-p", "app.exe", "-m", "app.exe", "-o", "dumps", "-v"})
	if err != nil {
		t.Fatal(err)
	}
	want := &config.Config{
		Process:   "app.exe",
		Module:    "app.exe",
		Resolvers: []string{"dynamic"},
		Method:    config.MethodWin32,
		OutputDir: "dumps",
		Debug:     true,
	}
	if !reflect.DeepEqual(c, want) {
		t.Errorf("parseArgs = %+v", c)
	}

	if _, err := parseArgs([]string{"dmadump", "-p", "app.exe"}); err == nil {
		t.Error("expected an error without a module")
	}
	if _, err := parseArgs([]string{"dmadump", "-m", "a.dll", "-t", "snapshot"}); err == nil {
		t.Error("expected an error without a snapshot file")
	}
}

func TestRunSnapshot(t *testing.T) {
	clearEnv(t)
	const base = 0x7ffa10000000
	capture := make([]byte, 0x8000)

	k32 := petest.New(base,
		petest.Section{Name: ".text", VirtualAddress: 0x1000, Size: 0x1000, Characteristics: petest.Code},
		petest.Section{Name: ".rdata", VirtualAddress: 0x2000, Size: 0x1000, Characteristics: petest.ReadOnly},
	)
	petest.WriteExports(k32, 0x2000, "KERNEL32.dll", 1,
		petest.Export{Name: "Sleep", RVA: 0x1010},
		petest.Export{Name: "ExitProcess", RVA: 0x1020},
	)
	copy(capture, k32)

	app := petest.New(base+0x4000,
		petest.Section{Name: ".text", VirtualAddress: 0x1000, Size: 0x1000, Characteristics: petest.Code},
		petest.Section{Name: ".rdata", VirtualAddress: 0x2000, Size: 0x1000, Characteristics: petest.ReadOnly},
		petest.Section{Name: ".data", VirtualAddress: 0x3000, Size: 0x1000, Characteristics: petest.Data},
	)
	petest.WriteImports(app, 0x2000, petest.Library{Name: "KERNEL32.dll", Functions: []petest.Function{{Name: "Sleep"}}})
	binary.LittleEndian.PutUint64(app[0x3010:], base+0x1020)
	copy(app[0x1100:], petest.DirectCall(0x1100, 0x3010))
	copy(capture[0x4000:], app)

	dir := t.TempDir()
	snapshot := filepath.Join(dir, "capture.bin")
	if err := os.WriteFile(snapshot, capture, 0o600); err != nil {
		t.Fatal(err)
	}

	code := run([]string{"dmadump", "-t", "snapshot", "-s", snapshot, "-b", "0x7ffa10000000",
		"-m", "module_7ffa10004000.dll", "-i", "dynamic", "-o", dir})
	if code != 0 {
		t.Fatalf("run returned %d", code)
	}

	data, err := os.ReadFile(filepath.Join(dir, "module_7ffa10004000.dump.dll"))
	if err != nil {
		t.Fatal(err)
	}
	symbols, err := dumper.VerifyImports(data)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"Sleep:KERNEL32.dll": true, "ExitProcess:KERNEL32.dll": true}
	for _, s := range symbols {
		delete(want, s)
	}
	if len(want) != 0 {
		t.Errorf("dump is missing %v, has %v", want, symbols)
	}
}
