package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochflow/pkg/client"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "epochflow", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"run"}, {"log", "dump"}, {"health"}, {"publish"}, {"version"}} {
		t.Run(strings.Join(path, " "), func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"version", "--format", "xml"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version", "--format", "json"})
	require.NoError(t, cmd.Execute())

	var v map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &v))
	assert.Equal(t, Version, v["version"])
}

func TestLogDump_MissingPartition(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"log", "dump", "--data-dir", t.TempDir(), "--partition", "7"})
	assert.Error(t, cmd.Execute())
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// TestRunNode starts a node, drives it through the client commands, stops it
// and dumps the resulting log.
func TestRunNode(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
node:
  host: 127.0.0.1
cluster:
  partition_count: 1
storage:
  fsync: never
metrics:
  enabled: false
`), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := freePort(t)
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		cmd := &cobra.Command{}
		cmd.SetContext(ctx)
		done <- runNode(cmd, &RunOptions{
			RootOptions: &RootOptions{Format: "text"},
			ConfigPath:  configPath,
			DataDir:     dir,
			Port:        port,
			ready:       func(addr string) { ready <- addr },
		})
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("node exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("node did not become ready")
	}
	base := "http://" + addr

	c := client.New(base)
	key, err := c.CreateJob(ctx, "payment")
	require.NoError(t, err)

	// health
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"health", "--addr", base})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "status:  ok")
	assert.Contains(t, out.String(), "partition 1: PROCESSING")

	// publish
	root = NewRootCommand()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"publish", "orderApproved", "order-1", "--addr", base, "--variables", `{"ok":true}`, "--format", "json"})
	require.NoError(t, root.Execute())
	var published map[string]int64
	require.NoError(t, json.Unmarshal(out.Bytes(), &published))
	assert.Positive(t, published["key"])

	root = NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"publish", "orderApproved", "order-1", "--addr", base, "--variables", `{nope`})
	assert.Error(t, root.Execute())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("node did not stop")
	}

	// log dump
	root = NewRootCommand()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"log", "dump", "--data-dir", dir, "--partition", "1"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "EVENT JOB.CREATED key="+strconv.FormatInt(key, 10))
	assert.Contains(t, out.String(), "MESSAGE.PUBLISHED")

	root = NewRootCommand()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"log", "dump", "--data-dir", dir, "--from", "2", "--limit", "1", "--format", "json"})
	require.NoError(t, root.Execute())
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	var rec struct {
		Position int64 `json:"position"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, int64(2), rec.Position)
}
