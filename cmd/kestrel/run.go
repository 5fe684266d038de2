package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kestrelvm/kestrel/bytecode"
	"github.com/kestrelvm/kestrel/snapshot"
	"github.com/kestrelvm/kestrel/vm"
	"github.com/kestrelvm/kestrel/wire"
)

var (
	runHeapBytes   int64
	runTasks       int64
	runSteps       uint64
	runSnapshotOut string
)

var runCmd = &cobra.Command{
	Use:   "run <module.kbc> <entry> [args...]",
	Short: "Run a module entry point in a fresh sandbox",
	Long: `Run loads an encoded module, spawns the named entry point in a new
sandbox, waits for it to finish, and prints the result. Arguments are
parsed as integers or floats when they look like numbers, strings
otherwise.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runModule,
}

func init() {
	runCmd.Flags().Int64Var(&runHeapBytes, "heap", 0, "heap limit in bytes (0 uses config default)")
	runCmd.Flags().Int64Var(&runTasks, "tasks", 0, "task limit (0 uses config default)")
	runCmd.Flags().Uint64Var(&runSteps, "steps", 0, "step budget (0 uses config default)")
	runCmd.Flags().StringVarP(&runSnapshotOut, "snapshot-out", "o", "", "freeze the sandbox to this file after the entry finishes")
	rootCmd.AddCommand(runCmd)
}

// parseArg turns a command-line token into a wire value.
func parseArg(s string) wire.Value {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return wire.FromInt(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return wire.FromFloat(f)
	}
	return wire.FromString(s)
}

func parseArgs(tokens []string) []wire.Value {
	args := make([]wire.Value, len(tokens))
	for i, tok := range tokens {
		args[i] = parseArg(tok)
	}
	return args
}

func runLimits(cfg vm.ResourceLimits) vm.ResourceLimits {
	if runHeapBytes != 0 {
		cfg.HeapBytes = runHeapBytes
	}
	if runTasks != 0 {
		cfg.Tasks = runTasks
	}
	if runSteps != 0 {
		cfg.Steps = runSteps
	}
	return cfg
}

func runModule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	module, err := bytecode.Decode(data)
	if err != nil {
		return err
	}

	machine := vm.NewMachine(cfg.SchedulerOptions())
	machine.Start()
	defer machine.Close()

	sb := machine.NewSandbox(vm.SandboxOptions{Limits: runLimits(cfg.DefaultLimits())})
	sb.Load(module)

	h, err := sb.RunEntry(args[1], parseArgs(args[2:]))
	if err != nil {
		return err
	}
	result, err := h.Await(cmd.Context())
	if err != nil {
		return err
	}
	if !result.IsNull() {
		fmt.Println(result)
	}

	if runSnapshotOut != "" {
		blob, err := snapshot.Freeze(sb, data)
		if err != nil {
			return err
		}
		if err := os.WriteFile(runSnapshotOut, blob, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "snapshot written to %s (%d bytes)\n", runSnapshotOut, len(blob))
	}
	return nil
}

var resumeCmd = &cobra.Command{
	Use:   "resume <snapshot.ksnp> <entry> [args...]",
	Short: "Restore a snapshot and run an entry point in it",
	Long: `Resume thaws a snapshot into a fresh sandbox, carrying over its
globals and spent step budget, then runs the named entry point.`,
	Args: cobra.MinimumNArgs(2),
	RunE: resumeSnapshot,
}

func init() {
	resumeCmd.Flags().Int64Var(&runHeapBytes, "heap", 0, "override the snapshot's heap limit")
	resumeCmd.Flags().Int64Var(&runTasks, "tasks", 0, "override the snapshot's task limit")
	resumeCmd.Flags().Uint64Var(&runSteps, "steps", 0, "override the snapshot's step budget")
	resumeCmd.Flags().StringVarP(&runSnapshotOut, "snapshot-out", "o", "", "re-freeze to this file afterwards")
	rootCmd.AddCommand(resumeCmd)
}

func resumeSnapshot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	blob, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	machine := vm.NewMachine(cfg.SchedulerOptions())
	machine.Start()
	defer machine.Close()

	opts := snapshot.ThawOptions{}
	if runHeapBytes != 0 || runTasks != 0 || runSteps != 0 {
		img, err := snapshot.Decode(blob)
		if err != nil {
			return err
		}
		limits := vm.ResourceLimits{HeapBytes: img.HeapLimit, Tasks: img.TaskLimit, Steps: img.StepLimit}
		opts.Limits = &limits
		*opts.Limits = runLimits(*opts.Limits)
	}
	sb, err := snapshot.Thaw(machine, blob, opts)
	if err != nil {
		return err
	}

	h, err := sb.RunEntry(args[1], parseArgs(args[2:]))
	if err != nil {
		return err
	}
	result, err := h.Await(cmd.Context())
	if err != nil {
		return err
	}
	if !result.IsNull() {
		fmt.Println(result)
	}

	if runSnapshotOut != "" {
		img, err := snapshot.Decode(blob)
		if err != nil {
			return err
		}
		out, err := snapshot.Freeze(sb, img.Module)
		if err != nil {
			return err
		}
		if err := os.WriteFile(runSnapshotOut, out, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "snapshot written to %s (%d bytes)\n", runSnapshotOut, len(out))
	}
	return nil
}
