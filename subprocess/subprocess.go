// Package subprocess runs external commands in their own process group so
// that cancellation and timeouts kill the whole child tree, not just the
// immediate child.
package subprocess

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/sublingo/sublingo-api/log"
)

// LineSink receives one line of child output at a time.
type LineSink func(line string)

func streamOutput(src io.Reader, sink LineSink) {
	s := bufio.NewReader(src)
	for {
		line, err := s.ReadString('\n')
		if len(line) > 0 && sink != nil {
			sink(line)
		}
		if err != nil {
			if err != io.EOF {
				log.LogNoTaskID("streamOutput read error", "err", err)
			}
			return
		}
	}
}

// Run executes cmd under a watchdog with both output streams forwarded to
// the same sink.
func Run(ctx context.Context, cmd *exec.Cmd, timeout time.Duration, sink LineSink) (stderrTail string, err error) {
	return RunSplit(ctx, cmd, timeout, sink, sink)
}

// RunSplit executes cmd under a watchdog. The child is placed in a new
// process group; when ctx is cancelled or timeout elapses the entire group
// is sent SIGKILL. Output lines are forwarded to the per-stream sinks when
// non-nil, and the stderr tail is returned alongside any error for
// diagnosis.
func RunSplit(ctx context.Context, cmd *exec.Cmd, timeout time.Duration, stdoutSink, stderrSink LineSink) (stderrTail string, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var tail bytes.Buffer
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stderr pipe: %s", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stdout pipe: %s", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		streamOutput(stderrPipe, func(line string) {
			appendTail(&tail, line)
			if stderrSink != nil {
				stderrSink(line)
			}
		})
	}()
	go streamOutput(stdoutPipe, stdoutSink)

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case err = <-waitDone:
	case <-ctx.Done():
		KillGroup(cmd)
		<-waitDone
		err = ctx.Err()
	}
	<-stderrDone

	return tail.String(), err
}

// KillGroup signals the child's whole process group. Safe on an already
// finished command.
func KillGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, perr := syscall.Getpgid(cmd.Process.Pid)
	if perr != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

const maxTailBytes = 8 * 1024

func appendTail(buf *bytes.Buffer, line string) {
	buf.WriteString(line)
	if buf.Len() > maxTailBytes {
		b := buf.Bytes()
		trimmed := make([]byte, maxTailBytes)
		copy(trimmed, b[len(b)-maxTailBytes:])
		buf.Reset()
		buf.Write(trimmed)
	}
}
