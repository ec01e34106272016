package cli

import (
	"bytes"
	"testing"
)

func TestNewRootCommand_HasExpectedBasics(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.Use != "workforge" {
		t.Fatalf("expected Use to be 'workforge', got %q", cmd.Use)
	}
	if cmd.Short == "" {
		t.Fatalf("expected Short description to be non-empty")
	}

	for _, name := range []string{"version", "run", "status", "catalog"} {
		if _, _, err := cmd.Find([]string{name}); err != nil {
			t.Fatalf("expected to find %q subcommand, got error: %v", name, err)
		}
	}
}

func TestVersionCommand_PrintsVersion(t *testing.T) {
	cmd := NewRootCommand()

	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected no error executing 'version' command, got: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("expected version output, got empty buffer")
	}
}
