package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.stackvm.dev/stackvm/internal/engine"
)

func compileCmd() *cobra.Command {
	var flags engineFlags
	cmd := &cobra.Command{
		Use:   "compile <source>",
		Short: "load, verify, and link an assembly source file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(args[0])
			if err != nil {
				return err
			}
			log := flags.logger()
			defer log.Sync()

			opts := engine.OptionsFromConfig(flags.config(), flags.callStackSize, log)
			e, err := engine.Compile(src, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compiled %d function(s), image size %d bytes\n", len(e.Funcs), len(e.Image.Memory.Bytes()))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
