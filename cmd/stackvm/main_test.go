package main

import "testing"

func TestRootCmdRegistersAllSubcommands(t *testing.T) {
	root := rootCmd()
	want := map[string]bool{"compile": false, "run": false, "disasm": false}
	for _, c := range root.Commands() {
		name := c.Name()
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("rootCmd() is missing the %q subcommand", name)
		}
	}
}
