package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"tracecheck/internal/diagserver"
	"tracecheck/internal/harness"
)

// execArgs runs the root command and returns the exit status and stdout.
func execArgs(t *testing.T, args ...string) (int, string) {
	t.Helper()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	return execute(), out.String()
}

// resetFlags puts every flag back to its default so commands can be
// executed more than once in a test binary.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// writeConfig writes a configuration whose sockets live in a fresh temp dir.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	sockets, err := os.MkdirTemp("", "tc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockets) })

	path := filepath.Join(dir, "config.toml")
	body := fmt.Sprintf("[diagnostics]\nsocket_dir = %q\njoin_timeout = \"10s\"\n%s", sockets, extra)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func socketDirOf(t *testing.T, configPath string) string {
	t.Helper()
	var c struct {
		Diagnostics struct {
			SocketDir string `toml:"socket_dir"`
		} `toml:"diagnostics"`
	}
	_, err := toml.DecodeFile(configPath, &c)
	require.NoError(t, err)
	return c.Diagnostics.SocketDir
}

func TestConfigGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.toml")
	code, out := execArgs(t, "config", "generate", "-o", path)
	require.Equal(t, 0, code)
	assert.Contains(t, out, path)

	code, out = execArgs(t, "--config", path, "config", "validate")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Configuration is valid")
}

func TestInvalidConfigExitsWithConfigStatus(t *testing.T) {
	path := writeConfig(t, "[scenario]\ntolerance = 2.0\n")
	code, _ := execArgs(t, "--config", path, "run")
	assert.Equal(t, 5, code)

	code, _ = execArgs(t, "--config", filepath.Join(t.TempDir(), "missing.toml"), "run")
	assert.Equal(t, 5, code)
}

func TestRunPassesAndWritesReport(t *testing.T) {
	path := writeConfig(t, "[scenario]\nevent_count = 200\nwriters = 2\n")
	report := filepath.Join(t.TempDir(), "report.yaml")

	code, out := execArgs(t, "--config", path, "--report", report, "run", "--buffer-sizes", "1,2")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "PASS MyEventSource @ 1 MB")
	assert.Contains(t, out, "PASS MyEventSource @ 2 MB")

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	var reports []harness.Report
	require.NoError(t, yaml.Unmarshal(data, &reports))
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.True(t, r.Passed)
		assert.Equal(t, 200, r.Counts["MyEventSource"])
	}
}

func TestCollectMismatchAgainstSelf(t *testing.T) {
	path := writeConfig(t, "[[session.expect]]\nprovider = \"Silent\"\ncount = -1\n")
	sockets := socketDirOf(t, path)

	srv, err := diagserver.Start(context.Background(), diagserver.Options{Dir: sockets})
	require.NoError(t, err)
	defer srv.Close()

	code, out := execArgs(t, "--config", path, "collect",
		"--pid", strconv.Itoa(srv.PID()), "--provider", "Silent", "--duration", "20ms")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "FAIL pid")
	assert.Contains(t, out, "mismatch")
}

func TestCollectPassesAgainstSelf(t *testing.T) {
	path := writeConfig(t, "[[session.expect]]\nprovider = \"Busy\"\ncount = -1\n")
	srv, err := diagserver.Start(context.Background(), diagserver.Options{Dir: socketDirOf(t, path)})
	require.NoError(t, err)
	defer srv.Close()

	es := srv.NewEventSource("Busy")
	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				es.WriteEvent(1, nil)
			}
		}
	}()

	code, out := execArgs(t, "--config", path, "collect",
		"--pid", strconv.Itoa(srv.PID()), "--provider", "Busy", "--duration", "200ms")
	assert.Equal(t, 0, code, out)
	assert.Contains(t, out, "PASS pid")
}

func TestCollectWithoutTarget(t *testing.T) {
	path := writeConfig(t, "")
	code, _ := execArgs(t, "--config", path, "collect", "--pid", "2147483000", "--duration", "0s")
	assert.Equal(t, 2, code)
}

func TestCollectRequiresPID(t *testing.T) {
	path := writeConfig(t, "")
	code, _ := execArgs(t, "--config", path, "collect")
	assert.Equal(t, 1, code)
}
