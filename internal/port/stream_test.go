package port

import (
	"io"
	"testing"
	"time"

	"github.com/webextio/hostlink/internal/testutil/testlog"
	"github.com/webextio/hostlink/internal/wire"
)

// duplex joins one pipe per direction into an io.ReadWriteCloser.
type duplex struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (d *duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplex) Write(p []byte) (int, error) { return d.w.Write(p) }
func (d *duplex) Close() error {
	d.w.Close()
	return d.r.Close()
}

func newDuplexPair() (*duplex, *duplex) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &duplex{r: ar, w: aw}, &duplex{r: br, w: bw}
}

func waitMessage(t *testing.T, ch <-chan wire.Message) wire.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for message")
		return wire.Message{}
	}
}

func waitReason(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for disconnect")
		return nil
	}
}

func TestStreamPortDeliversBothDirections(t *testing.T) {
	testlog.Start(t)
	dc, ds := newDuplexPair()
	client := NewStreamPort(dc, StreamConfig{})
	server := NewStreamPort(ds, StreamConfig{})
	defer client.Disconnect()
	defer server.Disconnect()

	clientGot := make(chan wire.Message, 1)
	serverGot := make(chan wire.Message, 1)
	client.Observe(func(m wire.Message) { clientGot <- m })
	server.Observe(func(m wire.Message) { serverGot <- m })

	if err := client.Send(wire.Message{ID: "c1"}); err != nil {
		t.Fatalf("client send: %v", err)
	}
	if got := waitMessage(t, serverGot); got.ID != "c1" {
		t.Fatalf("server got %+v", got)
	}

	if err := server.Send(wire.Message{ID: "s1"}); err != nil {
		t.Fatalf("server send: %v", err)
	}
	if got := waitMessage(t, clientGot); got.ID != "s1" {
		t.Fatalf("client got %+v", got)
	}
}

func TestStreamPortIntentionalDisconnectIsNilReason(t *testing.T) {
	testlog.Start(t)
	dc, ds := newDuplexPair()
	client := NewStreamPort(dc, StreamConfig{})
	server := NewStreamPort(ds, StreamConfig{})

	clientReason := make(chan error, 1)
	serverReason := make(chan error, 1)
	client.ObserveDisconnect(func(err error) { clientReason <- err })
	server.ObserveDisconnect(func(err error) { serverReason <- err })

	if err := client.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := waitReason(t, clientReason); err != nil {
		t.Fatalf("intentional close must carry nil reason, got %v", err)
	}
	if err := waitReason(t, serverReason); err == nil {
		t.Fatalf("remote side must see a cause")
	}

	if err := client.Send(wire.Message{ID: "late"}); err == nil {
		t.Fatalf("send after disconnect must fail")
	}
	// Disconnect stays idempotent
	if err := client.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
}

func TestStreamPortDisconnectFiresAtMostOnce(t *testing.T) {
	testlog.Start(t)
	dc, _ := newDuplexPair()
	p := NewStreamPort(dc, StreamConfig{})

	fired := make(chan error, 4)
	p.ObserveDisconnect(func(err error) { fired <- err })

	p.Disconnect()
	p.Disconnect()
	<-p.Done()

	waitReason(t, fired)
	select {
	case err := <-fired:
		t.Fatalf("disconnect observer fired twice: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamPortSubscriptionCancel(t *testing.T) {
	testlog.Start(t)
	dc, ds := newDuplexPair()
	client := NewStreamPort(dc, StreamConfig{})
	server := NewStreamPort(ds, StreamConfig{})
	defer client.Disconnect()
	defer server.Disconnect()

	first := make(chan wire.Message, 2)
	second := make(chan wire.Message, 2)
	sub := server.Observe(func(m wire.Message) { first <- m })
	server.Observe(func(m wire.Message) { second <- m })

	if err := client.Send(wire.Message{ID: "a"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitMessage(t, first)
	waitMessage(t, second)

	sub.Cancel()
	sub.Cancel() // idempotent

	if err := client.Send(wire.Message{ID: "b"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitMessage(t, second)
	select {
	case m := <-first:
		t.Fatalf("cancelled observer still invoked: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}
