package cli

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"cruncher/internal/adapter"
	"cruncher/internal/adapter/mock"
)

func testEnv() Env {
	return Env{Registry: adapter.NewRegistry(mock.Plugin())}
}

// execute runs a fresh command tree so flag values never leak between runs.
func execute(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	env := testEnv()
	root := &cobra.Command{Use: "cruncher", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().String("home", home, "")
	root.PersistentFlags().String("config-type", StoreFile, "")
	root.AddCommand(NewConfigCommand(env), NewQueryCommand(env), NewPluginsCommand(env), NewReplCommand(env))

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustExecute(t *testing.T, home string, args ...string) string {
	t.Helper()
	out, err := execute(t, home, args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func TestConfigCommands(t *testing.T) {
	home := t.TempDir()

	steps := []struct {
		args []string
		want string
	}{
		{[]string{"config", "show"}, "No configuration"},
		{[]string{"config", "init"}, "Default configuration written."},
		{[]string{"config", "init"}, "Configuration already exists."},
		{[]string{"config", "connector", "add", "web", "--type", "mock", "--param", "events=10"}, "Connector web saved."},
		{[]string{"config", "connector", "list"}, "events=10"},
		{[]string{"config", "profile", "set", "web-only", "web"}, "Profile web-only saved."},
		{[]string{"config", "profile", "list"}, "web-only  web"},
		{[]string{"config", "validate"}, "Configuration is valid: 2 connectors, 2 profiles."},
		{[]string{"config", "show", "-o", "json"}, `"name": "web"`},
		{[]string{"config", "show"}, "name: web"},
		{[]string{"config", "profile", "rm", "web-only"}, "Profile web-only removed."},
		{[]string{"config", "connector", "rm", "web"}, "Connector web removed."},
		{[]string{"config", "validate"}, "1 connectors, 1 profiles."},
	}
	for _, s := range steps {
		out := mustExecute(t, home, s.args...)
		if !strings.Contains(out, s.want) {
			t.Errorf("%v: output %q missing %q", s.args, out, s.want)
		}
	}
}

func TestConfigValidateFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup [][]string
		want  string
	}{
		{
			name:  "no config",
			setup: nil,
			want:  "no configuration",
		},
		{
			name: "unknown plugin",
			setup: [][]string{
				{"config", "init"},
				{"config", "connector", "add", "x", "--type", "nope"},
			},
			want: "unknown plugin",
		},
		{
			name: "dangling profile",
			setup: [][]string{
				{"config", "init"},
				{"config", "profile", "set", "p", "missing"},
			},
			want: `unknown connector "missing"`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			for _, args := range tc.setup {
				mustExecute(t, home, args...)
			}
			_, err := execute(t, home, "config", "validate")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("validate error = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestConfigSQLiteStore(t *testing.T) {
	home := t.TempDir()
	mustExecute(t, home, "--config-type", StoreSQLite, "config", "init")
	out := mustExecute(t, home, "--config-type", StoreSQLite, "config", "connector", "list")
	if !strings.Contains(out, "local") {
		t.Errorf("connector list = %q, want the bootstrap connector", out)
	}
}

func TestQueryCommand(t *testing.T) {
	out := mustExecute(t, "", "--config-type", StoreMemory, "query", "--format", "csv", "| stats count as n")
	header, value, ok := strings.Cut(strings.TrimSpace(out), "\n")
	if !ok || header != "n" {
		t.Fatalf("csv = %q, want an n column", out)
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 4990 || n > 5000 {
		t.Errorf("count = %q, want the mock's ~5000 events", value)
	}

	out = mustExecute(t, "", "--config-type", StoreMemory, "query", "--limit", "2", "")
	if lines := strings.Count(out, "\n"); lines != 2 {
		t.Errorf("limited query printed %d lines, want 2:\n%s", lines, out)
	}

	out = mustExecute(t, "", "--config-type", StoreMemory, "query", "| stats count as n")
	if !strings.HasPrefix(out, "n\n") {
		t.Errorf("text table = %q, want the n header first", out)
	}
}

func TestQueryCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"format", []string{"query", "--format", "xml", "x"}, "unknown format"},
		{"range", []string{"query", "--from", "2026-05-02T00:00:00Z", "--to", "2026-05-01T00:00:00Z", "x"}, "is after"},
		{"time", []string{"query", "--from", "tomorrow", "x"}, "--from"},
		{"limit", []string{"query", "--limit", "-1", "x"}, "invalid --limit"},
		{"parse", []string{"query", "a | table"}, "parse error"},
		{"instance", []string{"query", "--instance", "nope", "x"}, "unknown instance"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			args := append([]string{"--config-type", StoreMemory}, tc.args...)
			_, err := execute(t, "", args...)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestPluginsCommand(t *testing.T) {
	out := mustExecute(t, "", "plugins")
	if !strings.Contains(out, "mock") {
		t.Errorf("plugins = %q, want mock", out)
	}
	out = mustExecute(t, "", "plugins", "-o", "json")
	if !strings.Contains(out, `"ref": "mock"`) || !strings.Contains(out, `"events"`) {
		t.Errorf("plugins json = %q", out)
	}
}

func TestReplCommand(t *testing.T) {
	out := mustExecute(t, "", "--config-type", StoreMemory, "repl")
	if !strings.Contains(out, "cruncher REPL") {
		t.Errorf("repl output = %q", out)
	}
}
