package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestDisasmCmdPrintsListingForEveryFunction(t *testing.T) {
	cmd := disasmCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{writeSourceFile(t, trivialSource)})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "main()") {
		t.Fatalf("output = %q, want the listing to name main()", out.String())
	}
}

func TestDisasmCmdFiltersBySignature(t *testing.T) {
	src := `
func main() Void {
	.locals 0
	call helper()
	ret
}
func helper() Int {
	.locals 0
	ldint 1
	ret
}
`
	cmd := disasmCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--function", "helper()", writeSourceFile(t, src)})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.Contains(out.String(), "main()") || !strings.Contains(out.String(), "helper()") {
		t.Fatalf("output = %q, want only helper()'s listing", out.String())
	}
}
