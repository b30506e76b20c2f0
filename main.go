/**
 * dmadump
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 * @file main.go
 */

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/akamensky/argparse"

	"dmadump/pkg/config"
	"dmadump/pkg/dumper"
	"dmadump/pkg/iat"
	"dmadump/pkg/log"
	"dmadump/pkg/pe"
)

const symbolServer = "http://msdl.microsoft.com/download/symbols"

func parseArgs(args []string) (*config.Config, error) {
	c, err := config.Default()
	if err != nil {
		return nil, err
	}

	parser := argparse.NewParser(filepath.Base(args[0]), "Dumps a module from a process and rebuilds its imports.")
	process := parser.String("p", "process", &argparse.Options{Help: "target process name or pid"})
	module := parser.String("m", "module", &argparse.Options{Required: true, Help: "target module to dump"})
	resolvers := parser.StringList("i", "iat", &argparse.Options{Help: "import resolver to run, repeatable (dynamic)"})
	method := parser.Selector("t", "method", config.Methods, &argparse.Options{Default: c.Method, Help: "memory acquisition method"})
	snapshot := parser.String("s", "snapshot", &argparse.Options{Default: c.Snapshot, Help: "raw capture of the target address space"})
	base := parser.String("b", "base", &argparse.Options{Help: "address the snapshot starts at, in hex"})
	output := parser.String("o", "output", &argparse.Options{Default: c.OutputDir, Help: "directory the dump is written to"})
	debug := parser.Flag("v", "debug", &argparse.Options{Help: "show debug output"})

	if err := parser.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, parser.Usage(err))
		return nil, err
	}

	c.Process = *process
	c.Module = *module
	c.Method = *method
	c.Snapshot = *snapshot
	c.OutputDir = *output
	c.Debug = c.Debug || *debug
	if len(*resolvers) > 0 {
		c.Resolvers = config.SplitList(strings.Join(*resolvers, ","))
	}
	if *base != "" {
		if c.SnapshotBase, err = config.ParseAddress(*base); err != nil {
			return nil, err
		}
	}
	return c, c.Validate()
}

func openBackend(c *config.Config, logger log.Logger) (dumper.Backend, error) {
	if c.Method == config.MethodSnapshot {
		logger.Infof("mapping snapshot %s at 0x%x...", c.Snapshot, c.SnapshotBase)
		s, err := dumper.OpenSnapshot(c.Snapshot, c.SnapshotBase)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	if runtime.GOOS == "windows" {
		if err := dumper.EnableDebugPrivilege(); err != nil {
			logger.Warnf("failed to enable SeDebugPrivilege: %v", err)
		}
	}
	logger.Infof("looking for process %s...", c.Process)
	w, err := dumper.OpenWin32(c.Process)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func dumpModule(c *config.Config, d *dumper.Dumper, logger log.Logger) error {
	logger.Infof("loading module information...")
	modules, err := d.LoadModuleInfo()
	if err != nil {
		return err
	}

	logger.Infof("looking for module %s...", c.Module)
	m, err := d.Module(c.Module)
	if err != nil {
		return err
	}
	logger.Infof("found %s at 0x%X (size: 0x%x)", m.Name, m.ImageBase, m.ImageSize)

	logger.Infof("reading image data...")
	img, err := d.DumpModule(m)
	if err != nil {
		return err
	}

	if cv, err := img.CodeView(); err != nil {
		logger.Debugf("no debug information: %v", err)
	} else if cv != nil {
		logger.Infof("%s: %s %x %s", cv.PDBPath, cv.GUID, cv.Age, cv.SymbolURL(symbolServer))
	}

	if len(c.Resolvers) > 0 {
		rebuildImports(c, img, modules, logger)
	}

	path := c.OutputPath()
	logger.Infof("saving dump to %s...", path)
	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write dump: %w", err)
	}
	return nil
}

// rebuildImports rewires the imports of img. A failed rebuild leaves the
// dump as it was read.
func rebuildImports(c *config.Config, img *pe.Image, catalog iat.Catalog, logger log.Logger) {
	builder := iat.NewBuilder(catalog, logger)
	for _, name := range c.Resolvers {
		r, err := iat.NewResolver(name, builder)
		if err != nil {
			logger.Warnf("%v", err)
			continue
		}
		builder.AddResolver(r)
	}

	rebuilt := &pe.Image{Data: append([]byte(nil), img.Data...)}
	stats, err := builder.Rebuild(rebuilt)
	if err != nil {
		logger.Warnf("failed to rebuild imports: %v", err)
		return
	}
	img.Data = rebuilt.Data
	logger.Successf("rebuilt %d imports from %d libraries (%d resolved, %d stubs, %d slots redirected, %d references patched)",
		stats.Functions, stats.Libraries, stats.ResolvedImports, stats.StubsBuilt, stats.SlotsRedirected, stats.ReferencesPatched)

	symbols, err := dumper.VerifyImports(img.Data)
	if err != nil {
		logger.Warnf("rebuilt image does not parse: %v", err)
		return
	}
	logger.Debugf("rebuilt import table lists %d named imports", len(symbols))
}

func run(args []string) int {
	c, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger := log.New(os.Stdout, c.Debug)

	backend, err := openBackend(c, logger)
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	d := dumper.New(backend, logger)
	defer d.Close()

	if err := dumpModule(c, d, logger); err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	logger.Successf("dumped %s", c.Module)
	return 0
}

func main() {
	os.Exit(run(os.Args))
}
