// Passer CLI - loads a compiled unit and runs its root fiber to completion
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chazu/passer/host"
	"github.com/chazu/passer/manifest"
	"github.com/chazu/passer/vm"
	"github.com/chazu/passer/vm/unitfile"
	"github.com/chazu/passer/vm/unitstore"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	configDir := flag.String("config", ".", "Directory to search upwards for "+manifest.FileName)
	verbosity := flag.Int("v", -1, "Log verbosity (overrides the manifest)")
	disasm := flag.Bool("disasm", false, "Print the unit's disassembly instead of running it")
	storePath := flag.String("store", "", "Unit store database (overrides the manifest)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: passer [options] [unit%s|hash|name]\n\n", unitfile.Extension)
		fmt.Fprintf(os.Stderr, "Runs a compiled unit's main function, printing each yielded value and the result.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  passer hello.pbu                  # Run a unit file\n")
		fmt.Fprintf(os.Stderr, "  passer -store units.db hello.pbu  # Run it and keep a copy in the store\n")
		fmt.Fprintf(os.Stderr, "  passer -store units.db hello      # Run the latest stored unit named hello\n")
		fmt.Fprintf(os.Stderr, "  passer -disasm hello.pbu          # Show the bytecode\n")
	}
	flag.Parse()

	m, err := loadManifest(*configDir)
	if err != nil {
		fatalf("%v", err)
	}
	if err := applyFlags(m, *verbosity, *storePath); err != nil {
		fatalf("%v", err)
	}
	configureLogging(m)

	target := m.UnitPath()
	if flag.NArg() > 1 {
		flag.Usage()
		os.Exit(2)
	} else if flag.NArg() == 1 {
		target = flag.Arg(0)
	}
	if target == "" {
		flag.Usage()
		os.Exit(2)
	}

	unit, err := resolveUnit(target, m.StorePath())
	if err != nil {
		fatalf("%v", err)
	}

	if *disasm {
		fmt.Print(unit.Disassemble())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, m.VMConfig(), unit)
	stop()
	os.Exit(code)
}

func loadManifest(dir string) (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return manifest.Default(dir), nil
	}
	return m, nil
}

// applyFlags overrides manifest settings from the command line. A store
// path given on the command line is relative to the working directory,
// like the unit argument.
func applyFlags(m *manifest.Manifest, verbosity int, storePath string) error {
	if verbosity >= 0 {
		m.Log.Verbosity = verbosity
	}
	if storePath != "" {
		abs, err := filepath.Abs(storePath)
		if err != nil {
			return err
		}
		m.Program.Store = abs
	}
	return nil
}

func configureLogging(m *manifest.Manifest) {
	if path := m.LogPath(); path != "" {
		commonlog.Configure(m.Log.Verbosity, &path)
	} else {
		commonlog.Configure(m.Log.Verbosity, nil)
	}
}

// resolveUnit reads target as a unit file when it exists on disk, and
// otherwise as a hash or name in the store. Units read from disk are
// added to the store when one is configured.
func resolveUnit(target, storePath string) (*vm.CompiledUnit, error) {
	if _, err := os.Stat(target); err == nil {
		unit, err := unitfile.ReadFile(target)
		if err != nil {
			return nil, err
		}
		if storePath != "" {
			store, err := unitstore.Open(storePath)
			if err != nil {
				return nil, err
			}
			defer store.Close()
			if _, err := store.Put(unit); err != nil {
				return nil, err
			}
		}
		return unit, nil
	}

	if storePath == "" {
		return nil, fmt.Errorf("%s: no such unit file and no unit store configured", target)
	}
	store, err := unitstore.Open(storePath)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	hash, err := unitstore.ParseHash(target)
	if err != nil {
		hash, err = store.Lookup(strings.TrimSuffix(target, unitfile.Extension))
		if err != nil {
			return nil, err
		}
	}
	return store.Get(hash)
}

// run executes the unit's root fiber and returns the process exit code.
func run(ctx context.Context, cfg vm.Config, unit *vm.CompiledUnit) int {
	machine := vm.New(cfg)
	registerNatives(machine)
	worker := host.NewWorker(machine)
	defer worker.Stop()

	root, err := worker.Load(ctx, unit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	out, text, err := worker.Run(ctx, root, func(yielded string) {
		fmt.Printf("yield: %s\n", yielded)
	})
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "Interrupted")
		return 130
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	case out.Status == vm.Failed:
		fmt.Fprintln(os.Stderr, out.Err.Traceback())
		return 1
	}
	fmt.Println(text)
	return 0
}

// registerNatives installs the host functions units can reference.
func registerNatives(machine *vm.VM) {
	machine.RegisterNative("print", -1, func(v *vm.VM, args []vm.Value) (vm.Value, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = v.Inspect(a)
		}
		fmt.Println(strings.Join(parts, " "))
		return vm.Unit, nil
	})
	machine.RegisterNative("inspect", 1, func(v *vm.VM, args []vm.Value) (vm.Value, error) {
		return v.Heap().NewString(v.Inspect(args[0])), nil
	})
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
