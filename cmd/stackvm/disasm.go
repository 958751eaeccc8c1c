package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.stackvm.dev/stackvm/internal/disasm"
	"go.stackvm.dev/stackvm/internal/engine"
)

func disasmCmd() *cobra.Command {
	var flags engineFlags
	var signature string
	cmd := &cobra.Command{
		Use:   "disasm <source>",
		Short: "print the emitted machine-code listing for one or all functions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(args[0])
			if err != nil {
				return err
			}
			log := flags.logger()
			defer log.Sync()

			opts := engine.OptionsFromConfig(flags.config(), flags.callStackSize, log)
			opts.Lazy = false // disasm needs every function compiled up front
			e, err := engine.Compile(src, opts)
			if err != nil {
				return err
			}

			for _, mf := range e.Funcs {
				sig := mf.Def.Signature()
				if signature != "" && sig != signature {
					continue
				}
				res := e.Results[sig]
				listing, err := disasm.Listing(mf, res)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), listing)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&signature, "function", "", "only disassemble the named function signature")
	return cmd
}
