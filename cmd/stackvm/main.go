// Command stackvm is the CLI front end over the engine pipeline: compile
// assembly text to a linked image, run it, or print a disassembly listing.
// Subcommand structure and flag wiring follow ajroetker-goat's single
// cobra.Command-per-tool convention (main.go), expanded to three
// subcommands since this tool has more than one mode of operation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stackvm",
		Short: "compile and run stack-machine assembly",
	}
	root.AddCommand(compileCmd())
	root.AddCommand(runCmd())
	root.AddCommand(disasmCmd())
	return root
}
