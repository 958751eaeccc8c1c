// Package disasm renders a per-function textual listing of emitted machine
// code for the `stackvm disasm` subcommand: byte offset, raw bytes, and the
// managed instruction each span of native code corresponds to. There is no
// disassembler in the source this module was adapted from; the approach —
// build the listing as a string, then run it through an assembly
// pretty-printer — is grounded on ajroetker-goat/parser_amd64.go's
// generated-.s-file formatting via asmfmt.Format.
package disasm

import (
	"fmt"
	"strings"

	"github.com/klauspost/asmfmt"

	"go.stackvm.dev/stackvm/internal/codegen"
	"go.stackvm.dev/stackvm/internal/core"
)

// Listing renders one function's emitted code alongside its originating
// managed instructions.
func Listing(mf *core.ManagedFunction, result *codegen.Result) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "TEXT %s\n", mf.Def.Signature())

	for i, inst := range mf.Instructions {
		start := result.InstrOffsets[i]
		end := len(result.Code)
		if i+1 < len(result.InstrOffsets) {
			end = result.InstrOffsets[i+1]
		}
		fmt.Fprintf(&b, "  ; [%04d] %s\n", i, inst.OpCode)
		writeHexRows(&b, result.Code[start:end], start)
	}

	for _, fx := range result.CallFixups {
		fmt.Fprintf(&b, "  ; fixup @%04x -> %s\n", fx.DispOffset, fx.TargetSignature)
	}
	for _, fx := range result.CheckFixups {
		fmt.Fprintf(&b, "  ; check @%04x -> %s\n", fx.DispOffset, fx.Kind)
	}

	formatted, err := asmfmt.Format(strings.NewReader(b.String()))
	if err != nil {
		// Not every comment-heavy listing parses as valid Plan9 assembly
		// syntax (asmfmt expects a real .s file); fall back to the raw
		// text rather than failing the whole command over formatting.
		return b.String(), nil
	}
	return string(formatted), nil
}

func writeHexRows(b *strings.Builder, code []byte, baseOffset int) {
	const perRow = 8
	for i := 0; i < len(code); i += perRow {
		end := i + perRow
		if end > len(code) {
			end = len(code)
		}
		fmt.Fprintf(b, "    %04x: % x\n", baseOffset+i, code[i:end])
	}
}
