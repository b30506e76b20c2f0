// Package config holds the settings of one dump run. Defaults are read
// from DMADUMP_* environment variables and overridden by command line
// flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xyproto/env/v2"

	"dmadump/pkg/iat"
)

const (
	MethodWin32    = "win32"
	MethodSnapshot = "snapshot"
)

// Methods lists the memory acquisition methods.
var Methods = []string{MethodWin32, MethodSnapshot}

type Config struct {
	Process string
	Module  string
	// Resolvers names the import resolvers to run. No resolvers means the
	// import table is left untouched.
	Resolvers    []string
	Method       string
	Snapshot     string
	SnapshotBase uint64
	OutputDir    string
	Debug        bool
}

// Default returns the configuration described by the environment.
func Default() (*Config, error) {
	// env caches variables on first use.
	env.Load()

	c := &Config{
		Method:    env.Str("DMADUMP_METHOD", MethodWin32),
		Snapshot:  env.Str("DMADUMP_SNAPSHOT"),
		OutputDir: env.Str("DMADUMP_OUTPUT", "."),
		Debug:     env.Bool("DMADUMP_DEBUG"),
	}
	if resolvers := env.Str("DMADUMP_IAT"); resolvers != "" {
		c.Resolvers = SplitList(resolvers)
	}
	if base := env.Str("DMADUMP_SNAPSHOT_BASE"); base != "" {
		v, err := ParseAddress(base)
		if err != nil {
			return nil, fmt.Errorf("DMADUMP_SNAPSHOT_BASE: %w", err)
		}
		c.SnapshotBase = v
	}
	return c, nil
}

// SplitList splits a comma separated list, dropping empty and repeated
// entries.
func SplitList(s string) []string {
	var list []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" && !contains(list, item) {
			list = append(list, item)
		}
	}
	return list
}

// ParseAddress parses a hexadecimal address with or without a 0x prefix.
func ParseAddress(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}

func (c *Config) Validate() error {
	if c.Module == "" {
		return errors.New("no module given")
	}
	switch c.Method {
	case MethodWin32:
		if c.Process == "" {
			return errors.New("the win32 method needs a process")
		}
	case MethodSnapshot:
		if c.Snapshot == "" {
			return errors.New("the snapshot method needs a snapshot file")
		}
	default:
		return fmt.Errorf("unknown method %q, expected one of %s", c.Method, strings.Join(Methods, ", "))
	}
	known := iat.ResolverNames()
	for _, r := range c.Resolvers {
		if !contains(known, r) {
			return fmt.Errorf("unknown import resolver %q, expected one of %s", r, strings.Join(known, ", "))
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// OutputPath is where the dump of the module is written: foo.dll is saved
// as foo.dump.dll.
func (c *Config) OutputPath() string {
	name := filepath.Base(c.Module)
	ext := filepath.Ext(name)
	return filepath.Join(c.OutputDir, strings.TrimSuffix(name, ext)+".dump"+ext)
}
