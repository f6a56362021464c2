package host

import (
	"io"
	"os"
)

// Stdio returns the process's own stdin/stdout as a channel, for running the
// helper side of the framed boundary.
func Stdio() io.ReadWriteCloser {
	return &stdioConn{}
}

type stdioConn struct{}

func (*stdioConn) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (*stdioConn) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

func (*stdioConn) Close() error {
	os.Stdin.Close()
	return os.Stdout.Close()
}
