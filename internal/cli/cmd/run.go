package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/pombredanne/ducky/internal/cli"
	"github.com/pombredanne/ducky/internal/config"
	"github.com/pombredanne/ducky/internal/log"
	"github.com/pombredanne/ducky/internal/machine"
)

// stringList collects repeated occurrences of a flag, the way --machine-in
// and --set both need to.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// Runner builds the "run" command: load a machine-config document, apply
// command-line overrides, boot and run a machine.Machine to completion.
// Grounded on the teacher's executor command (internal/cli/cmd/exec.go) --
// same load/build/run/report shape -- generalized from the teacher's
// hardcoded LC-3/hex-encoding pipeline to a configuration-driven machine
// and the spec's own binary object format.
func Runner() cli.Command {
	return &runner{log: log.DefaultLogger()}
}

type runner struct {
	machineIn  stringList
	machineOut string
	sets       stringList
	debug      bool
	profile    string
	guestOut   bool

	log *log.Logger
}

func (*runner) Description() string {
	return "boot and run a machine from a configuration document"
}

func (*runner) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `run config.ini

Boots a machine from a configuration document and runs it to completion.`)

	return err
}

func (r *runner) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.Var(&r.machineIn, "machine-in", "binary to load (repeatable)")
	fs.StringVar(&r.machineOut, "machine-out", "", "file to write the final machine snapshot to")
	fs.Var(&r.sets, "set", "override a config value: section:key=value (repeatable)")
	fs.BoolVar(&r.debug, "debug", false, "enable debug logging")
	fs.StringVar(&r.profile, "profile", "", "write a CPU profile to `file`")
	fs.BoolVar(&r.guestOut, "g", false, "enable guest stdout capture")

	return fs
}

// Run implements cli.Command. It maps machine construction and execution
// errors to the exit codes spec.md §6 assigns: 0 normal halt, 1 fatal
// fault, 2 configuration error, 3 timeout, N passed through from HLT N.
func (r *runner) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if r.debug {
		log.LogLevel.Set(slog.LevelDebug)
	}

	if len(args) == 0 {
		logger.Error("run: missing machine-config path")
		return 2
	}

	if r.profile != "" {
		f, err := os.Create(r.profile)
		if err != nil {
			logger.Error("run: profile", "err", err)
			return 1
		}
		defer f.Close()

		if err := pprof.StartCPUProfile(f); err != nil {
			logger.Error("run: profile", "err", err)
			return 1
		}
		defer pprof.StopCPUProfile()
	}

	doc, err := config.Load(args[0])
	if err != nil {
		logger.Error("run: config", "err", err)
		return 2
	}

	for _, spec := range r.sets {
		if err := applySet(doc, spec); err != nil {
			logger.Error("run: set", "err", err)
			return 2
		}
	}

	for i, path := range r.machineIn {
		doc.Sections = append(doc.Sections, config.Section{
			Name:   fmt.Sprintf("binary-cmdline-%d", i),
			Params: map[string]string{"path": path},
		})
	}

	m, err := machine.New(doc)
	if err != nil {
		return exitCode(logger, err)
	}

	if r.guestOut {
		m.SetConsoleOutput(out)
	}

	m.SnapshotPath = r.machineOut

	budget := machineBudget(doc)

	code, err := m.Run(ctx, budget)
	if err != nil {
		return exitCode(logger, err)
	}

	if r.machineOut != "" {
		if err := m.Save(r.machineOut); err != nil {
			logger.Error("run: machine-out", "err", err)
			return 1
		}
	}

	return code
}

// machineBudget reads the optional instruction/wall-clock budget keys from
// the [machine] section. Absent or zero means unbounded, per spec.md §5.
func machineBudget(doc *config.Document) machine.Budget {
	sec, ok := doc.Section("machine")
	if !ok {
		return machine.Budget{}
	}

	instructions, _ := sec.Int("instruction-budget", 0)
	wallClockMS, _ := sec.Int("wall-clock-budget-ms", 0)

	return machine.Budget{
		Instructions: uint64(instructions),
		WallClock:    time.Duration(wallClockMS) * time.Millisecond,
	}
}

// applySet parses a "section:key=value" override and writes it into doc,
// creating the section if it doesn't already exist.
func applySet(doc *config.Document, spec string) error {
	section, kv, ok := strings.Cut(spec, ":")
	if !ok {
		return fmt.Errorf("--set %q: want section:key=value", spec)
	}

	key, value, ok := strings.Cut(kv, "=")
	if !ok {
		return fmt.Errorf("--set %q: want section:key=value", spec)
	}

	for i := range doc.Sections {
		if doc.Sections[i].Name == section {
			doc.Sections[i].Params[key] = value
			return nil
		}
	}

	doc.Sections = append(doc.Sections, config.Section{
		Name:   section,
		Params: map[string]string{key: value},
	})

	return nil
}

// exitCode maps a machine construction/run error to spec.md §6's exit-code
// taxonomy.
func exitCode(logger *log.Logger, err error) int {
	switch {
	case errors.Is(err, config.ErrConfiguration):
		logger.Error("run: configuration error", "err", err)
		return 2
	case errors.Is(err, machine.ErrTimeout):
		logger.Warn("run: timeout")
		return 3
	default:
		logger.Error("run: fatal", "err", err)
		return 1
	}
}
