// Package host owns the lifecycle of a subprocess-backed port: lazy launch,
// idle disconnection, transparent reconnect.
package host

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// Launcher abstracts the process-spawning facility. The core only needs the
// resulting bidirectional byte channel.
type Launcher interface {
	Launch() (io.ReadWriteCloser, error)
}

// CommandLauncher starts a helper process and exposes its stdin/stdout as
// the channel. The helper's stderr is passed through for its own logging.
type CommandLauncher struct {
	Path string
	Args []string
}

func (l *CommandLauncher) Launch() (io.ReadWriteCloser, error) {
	cmd := exec.Command(l.Path, l.Args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("host: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("host: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("host: start %s: %w", l.Path, err)
	}
	return &processConn{cmd: cmd, in: stdin, out: stdout}, nil
}

const reapGrace = 3 * time.Second

// processConn is the live channel to one helper process.
type processConn struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out io.ReadCloser
}

func (c *processConn) Read(p []byte) (int, error)  { return c.out.Read(p) }
func (c *processConn) Write(p []byte) (int, error) { return c.in.Write(p) }

// Close ends the conversation: closing stdin asks the helper to exit; if it
// lingers past the grace period it is killed.
func (c *processConn) Close() error {
	c.in.Close()
	c.out.Close()

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case <-done:
		return nil
	case <-time.After(reapGrace):
		c.cmd.Process.Kill()
		<-done
		return nil
	}
}
