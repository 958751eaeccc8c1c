package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"go.stackvm.dev/stackvm/internal/engine"
	"go.stackvm.dev/stackvm/internal/inspect"
)

func runCmd() *cobra.Command {
	var flags engineFlags
	var inspectUI bool
	cmd := &cobra.Command{
		Use:   "run <source>",
		Short: "compile and execute a program's entry point",
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

			if !inspectUI {
				code, err := e.Run()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exit: %d\n", code)
				return nil
			}
			return runWithInspector(e)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&inspectUI, "inspect", false, "show a live TUI of call-stack depth and heap occupancy while running")
	return cmd
}

// runWithInspector runs the program on a goroutine while a bubbletea
// program on the main goroutine polls engine state and renders it, the
// same producer/consumer shape wippyai-wasm-runtime's interactive command
// uses for its component loader progress view.
func runWithInspector(e *engine.Engine) error {
	statsCh := make(chan inspect.Stats)
	done := make(chan struct {
		code int32
		err  error
	}, 1)

	go func() {
		code, err := e.Run()
		done <- struct {
			code int32
			err  error
		}{code, err}
	}()

	go func() {
		defer close(statsCh)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				hs := e.Heap.Stats()
				statsCh <- inspect.Stats{
					CallDepth:     e.CallStk.Depth(),
					CallCapacity:  e.CallStk.Capacity(),
					YoungUsed:     hs.YoungUsed,
					YoungCapacity: hs.YoungCapacity,
					OldUsed:       hs.OldUsed,
					OldCapacity:   hs.OldCapacity,
					DirtyCards:    hs.DirtyCards,
					TotalCards:    hs.TotalCards,
				}
			case result := <-done:
				event := "finished"
				if result.err != nil {
					event = result.err.Error()
				} else {
					event = fmt.Sprintf("exit %d", result.code)
				}
				hs := e.Heap.Stats()
				statsCh <- inspect.Stats{
					CallDepth:     e.CallStk.Depth(),
					CallCapacity:  e.CallStk.Capacity(),
					YoungUsed:     hs.YoungUsed,
					YoungCapacity: hs.YoungCapacity,
					OldUsed:       hs.OldUsed,
					OldCapacity:   hs.OldCapacity,
					DirtyCards:    hs.DirtyCards,
					TotalCards:    hs.TotalCards,
					LastEvent:     event,
				}
				return
			}
		}
	}()

	model := inspect.New(statsCh)
	_, err := tea.NewProgram(model).Run()
	return err
}
