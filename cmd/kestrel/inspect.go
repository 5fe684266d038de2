package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kestrelvm/kestrel/bytecode"
	"github.com/kestrelvm/kestrel/snapshot"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Describe an encoded module or snapshot",
	Long: `Inspect decodes a .kbc module or .ksnp snapshot, verifies its
checksum, and prints a summary.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	if module, merr := bytecode.Decode(data); merr == nil {
		return printModule(module, len(data))
	}
	if img, serr := snapshot.Decode(data); serr == nil {
		return printSnapshot(img, len(data))
	}
	return fmt.Errorf("%s is neither a valid module nor a valid snapshot", args[0])
}

func printModule(m *bytecode.Module, size int) error {
	fmt.Printf("module %q (%d bytes)\n", m.ModuleName, size)
	names := make([]string, 0, len(m.Functions))
	for name := range m.Functions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fn := m.Functions[name]
		fmt.Printf("  %s/%d: %d bytes of code, %d literals\n",
			name, fn.NumParams, len(fn.Code), len(fn.Literals))
	}
	return nil
}

func printSnapshot(img *snapshot.Image, size int) error {
	fmt.Printf("snapshot (%d bytes)\n", size)
	fmt.Printf("  module: %d bytes\n", len(img.Module))
	fmt.Printf("  globals: %d\n", len(img.Globals))
	fmt.Printf("  limits: heap=%d tasks=%d steps=%d\n", img.HeapLimit, img.TaskLimit, img.StepLimit)
	fmt.Printf("  steps spent: %d\n", img.StepsSpent)

	if module, err := bytecode.Decode(img.Module); err == nil {
		fmt.Printf("  entry points: ")
		names := make([]string, 0, len(module.Functions))
		for name := range module.Functions {
			names = append(names, name)
		}
		sort.Strings(names)
		for i, name := range names {
			if i > 0 {
				fmt.Printf(", ")
			}
			fmt.Printf("%s", name)
		}
		fmt.Println()
	}
	return nil
}
