package subprocess

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutput(t *testing.T) {
	var lines []string
	cmd := exec.Command("sh", "-c", "echo out; echo err >&2")
	tail, err := Run(context.Background(), cmd, 5*time.Second, func(line string) {
		lines = append(lines, strings.TrimSpace(line))
	})
	require.NoError(t, err)
	require.Contains(t, lines, "out")
	require.Contains(t, lines, "err")
	require.Contains(t, tail, "err")
	require.NotContains(t, tail, "out")
}

func TestRunTimeoutKillsGroup(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 30")
	start := time.Now()
	_, err := Run(context.Background(), cmd, 200*time.Millisecond, nil)
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	cmd := exec.Command("sh", "-c", "sleep 30")
	_, err := Run(ctx, cmd, 0, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunExitCode(t *testing.T) {
	cmd := exec.Command("sh", "-c", "echo bad >&2; exit 3")
	tail, err := Run(context.Background(), cmd, 5*time.Second, nil)
	require.Error(t, err)
	require.Contains(t, tail, "bad")
}
