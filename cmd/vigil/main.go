package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zboralski/vigil/internal/config"
	"github.com/zboralski/vigil/internal/disasm"
	vlog "github.com/zboralski/vigil/internal/log"
	"github.com/zboralski/vigil/internal/os/windows"
	"github.com/zboralski/vigil/internal/record"
	"github.com/zboralski/vigil/internal/session"
	"github.com/zboralski/vigil/internal/ui/colorize"
	"github.com/zboralski/vigil/internal/vmi"
	"github.com/zboralski/vigil/internal/vmi/ucvmi"
)

var (
	configPath string
	debug      bool
	cfg        *config.Config

	dbPath        string
	spawnCount    int
	spawnInterval time.Duration

	disasmAddr uint64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vigil",
		Short: "Breakpoint-based virtual machine introspection",
		Long: `Vigil plants breakpoint traps inside a running guest kernel, intercepts
execution at the trapped addresses, and resumes the guest by emulating the
overwritten instruction, so the guest never observes the modification.

The built-in "emu" target boots a synthetic Windows guest under Unicorn
Engine, useful for exercising the full trap pipeline without a hypervisor.

Examples:
  vigil processes                   # List guest processes
  vigil monitor --db events.db      # Record process creations
  vigil disasm 48895c2420          # Classify an instruction`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = debug
			}
			vlog.Init(cfg.Debug)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "vigil.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "verbose debug output")

	processesCmd := &cobra.Command{
		Use:   "processes",
		Short: "List the guest's active processes",
		Args:  cobra.NoArgs,
		RunE:  runProcesses,
	}
	rootCmd.AddCommand(processesCmd)

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch process creations until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runMonitor,
	}
	monitorCmd.Flags().StringVar(&dbPath, "db", "", "SQLite database to record events to")
	monitorCmd.Flags().IntVar(&spawnCount, "count", 5, "synthetic processes to spawn (emu target)")
	monitorCmd.Flags().DurationVar(&spawnInterval, "interval", time.Second, "spawn interval (emu target)")
	rootCmd.AddCommand(monitorCmd)

	disasmCmd := &cobra.Command{
		Use:   "disasm <hex bytes>",
		Short: "Decode an instruction and show how it would be replayed",
		Args:  cobra.ExactArgs(1),
		RunE:  runDisasm,
	}
	disasmCmd.Flags().Uint64Var(&disasmAddr, "addr", 0x1000, "instruction address")
	rootCmd.AddCommand(disasmCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openGuest attaches to the configured target. Only the built-in synthetic
// guest is wired up; a live hypervisor transport plugs in here.
func openGuest() (vmi.Driver, error) {
	if cfg.Target != "emu" {
		return nil, fmt.Errorf("unknown target %q (only the built-in \"emu\" guest is available)", cfg.Target)
	}
	return ucvmi.New(vlog.L)
}

func runProcesses(cmd *cobra.Command, args []string) error {
	g, err := openGuest()
	if err != nil {
		return err
	}
	defer g.Close()

	procs, err := windows.ListProcesses(g, vlog.L)
	if err != nil {
		return err
	}

	fmt.Printf("%-8s %-20s %s\n", "PID", "NAME", "EPROCESS")
	for _, p := range procs {
		fmt.Printf("%-8d %-20s %s\n", p.PID, p.Name, colorize.Address(p.Object))
	}
	return nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	g, err := openGuest()
	if err != nil {
		return err
	}
	defer g.Close()

	if dbPath == "" {
		dbPath = cfg.Database
	}
	var store *record.Store
	if dbPath != "" {
		store, err = record.Open(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	s, err := session.New(g, vlog.L)
	if err != nil {
		return err
	}
	defer s.Close()

	mon := windows.NewProcessCreateMonitor(func(ev windows.ProcessEvent) {
		fmt.Printf("%s pid=%d ppid=%d %s\n",
			ev.Time.Format("15:04:05.000"), ev.PID, ev.PPID,
			colorize.Detail(ev.CmdLine))
		if store != nil {
			if err := store.RecordProcess(s.ID(), ev); err != nil {
				vlog.L.Warn("record failed", zap.Error(err))
			}
		}
	}, vlog.L)
	if err := s.AddMonitor(mon); err != nil {
		return err
	}

	var running atomic.Bool
	running.Store(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "stopping...")
		running.Store(false)
	}()

	// the synthetic guest creates its own activity
	if emu, ok := g.(*ucvmi.Guest); ok {
		go func() {
			names := []string{"notepad.exe", "calc.exe", "cmd.exe", "powershell.exe", "mspaint.exe"}
			for i := 0; i < spawnCount && running.Load(); i++ {
				name := names[i%len(names)]
				emu.SpawnProcess(name, `C:\Windows\System32\`+name, name)
				time.Sleep(spawnInterval)
			}
			time.Sleep(spawnInterval)
			running.Store(false)
		}()
	}

	if err := s.Run(&running); err != nil {
		return err
	}

	if store != nil {
		n, err := store.CountProcesses(s.ID())
		if err == nil {
			fmt.Printf("recorded %d events to %s\n", n, dbPath)
		}
	}
	return nil
}

func runDisasm(cmd *cobra.Command, args []string) error {
	code, err := hex.DecodeString(strings.ReplaceAll(args[0], " ", ""))
	if err != nil {
		return fmt.Errorf("bad hex: %w", err)
	}

	text := disasm.Text(code, disasmAddr, disasm.Bits64)
	fmt.Printf("%s  %s  %s\n",
		colorize.Address(disasmAddr),
		colorize.HexBytes(fmt.Sprintf("%-16x", code)),
		colorize.Instruction(text))

	strategy, err := disasm.Analyze(code, disasmAddr, disasm.Bits64)
	if err != nil {
		fmt.Printf("replay: %s\n", colorize.Error("one-shot only: "+err.Error()))
		return nil
	}
	if strategy == nil {
		fmt.Printf("replay: %s\n", colorize.Error("one-shot only: outside the replayable set"))
		return nil
	}
	fmt.Printf("replay: %s\n", strategy)
	return nil
}
