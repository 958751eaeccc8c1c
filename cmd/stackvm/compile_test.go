package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const trivialSource = `
func main() Int {
	.locals 0
	ldint 42
	ret
}
`

func writeSourceFile(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog.asm")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestCompileCmdReportsFunctionCount(t *testing.T) {
	cmd := compileCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{writeSourceFile(t, trivialSource)})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "compiled 1 function(s)") {
		t.Fatalf("output = %q, want it to report one compiled function", out.String())
	}
}

func TestCompileCmdPropagatesVerifyErrors(t *testing.T) {
	cmd := compileCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{writeSourceFile(t, "func main() Void {\n\t.locals 0\n\tpop\n\tret\n}\n")})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected an error compiling a program that pops an empty stack")
	}
}

func TestCompileCmdReadsFromStdin(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	origStdin := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = origStdin }()

	go func() {
		_, _ = w.Write([]byte(trivialSource))
		w.Close()
	}()

	cmd := compileCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"-"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "compiled 1 function(s)") {
		t.Fatalf("output = %q, want it to report one compiled function", out.String())
	}
}
