package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/webextio/hostlink/internal/port"
	"github.com/webextio/hostlink/internal/testutil/testlog"
	"github.com/webextio/hostlink/internal/wire"
)

func testConfig() Config {
	return Config{
		ResponseTimeout: 5 * time.Second,
		SplitThreshold:  64 * 1024,
		FragmentTTL:     time.Minute,
		JanitorMin:      time.Second,
	}
}

func pipePeers(t *testing.T, clientCfg, serverCfg Config) (*Peer, *Peer) {
	t.Helper()
	a, b := port.NewPipePair()
	t.Cleanup(func() { a.Disconnect() })
	return NewPeer(a, clientCfg), NewPeer(b, serverCfg)
}

func TestRequestReplyRoundTrip(t *testing.T) {
	testlog.Start(t)
	client, server := pipePeers(t, testConfig(), testConfig())
	server.OnRequest(func(m wire.Message) (any, error) {
		return map[string]any{"echo": m.BodyString("kind")}, nil
	})

	reply, err := client.Request(context.Background(),
		wire.Message{Body: map[string]any{"kind": "save"}})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var result struct {
		Echo string `json:"echo"`
	}
	if err := json.Unmarshal(reply.Reply, &result); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if result.Echo != "save" {
		t.Fatalf("unexpected echo %q", result.Echo)
	}
}

func TestRequestDoesNotMutateCallerMessage(t *testing.T) {
	testlog.Start(t)
	client, server := pipePeers(t, testConfig(), testConfig())
	server.OnRequest(func(m wire.Message) (any, error) { return nil, nil })

	msg := wire.Message{Body: map[string]any{"kind": "save"}}
	if _, err := client.Request(context.Background(), msg); err != nil {
		t.Fatalf("request: %v", err)
	}
	if msg.ID != "" {
		t.Fatalf("caller's message gained a correlation id: %q", msg.ID)
	}
	// the caller may reuse it
	if _, err := client.Request(context.Background(), msg); err != nil {
		t.Fatalf("reuse: %v", err)
	}
}

func TestConcurrentRequestsResolveIndependently(t *testing.T) {
	testlog.Start(t)
	client, server := pipePeers(t, testConfig(), testConfig())

	var mu sync.Mutex
	seen := make(map[string]bool)
	server.OnRequest(func(m wire.Message) (any, error) {
		mu.Lock()
		seen[m.ID] = true
		mu.Unlock()
		n := int(m.Body["n"].(float64))
		// uneven handler latency; every future must still match its own id
		time.Sleep(time.Duration(5-n) * 20 * time.Millisecond)
		return map[string]any{"n": n}, nil
	})

	const requests = 5
	results := make([]int, requests)
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := client.Request(context.Background(),
				wire.Message{Body: map[string]any{"n": i}})
			if err != nil {
				t.Errorf("request %d: %v", i, err)
				return
			}
			var out struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(reply.Reply, &out); err != nil {
				t.Errorf("decode %d: %v", i, err)
				return
			}
			results[i] = out.N
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		if got != i {
			t.Fatalf("request %d resolved with %d", i, got)
		}
	}
	if len(seen) != requests {
		t.Fatalf("expected %d distinct correlation ids, got %d", requests, len(seen))
	}
}

func TestTimeoutIsolationDropsLateReply(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.ResponseTimeout = 50 * time.Millisecond
	client, server := pipePeers(t, cfg, testConfig())

	release := make(chan struct{})
	server.OnRequest(func(m wire.Message) (any, error) {
		<-release
		return map[string]any{"late": true}, nil
	})

	_, err := client.Request(context.Background(),
		wire.Message{Body: map[string]any{"kind": "slow"}})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if client.Busy() {
		t.Fatalf("timed-out request still tracked")
	}

	// let the late reply arrive; it must be dropped, not resurrect anything,
	// and the peer must keep working
	close(release)
	time.Sleep(100 * time.Millisecond)

	server.OnRequest(func(m wire.Message) (any, error) { return nil, nil })
	if _, err := client.Request(context.Background(), wire.Message{Body: map[string]any{"kind": "ok"}}); err != nil {
		t.Fatalf("peer unusable after late reply: %v", err)
	}
}

func TestDisconnectRejectsAllPending(t *testing.T) {
	testlog.Start(t)
	a, b := port.NewPipePair()
	client := NewPeer(a, testConfig())
	server := NewPeer(b, testConfig())

	blocked := make(chan struct{})
	server.OnRequest(func(m wire.Message) (any, error) {
		<-blocked
		return nil, nil
	})
	defer close(blocked)

	const outstanding = 3
	errs := make(chan error, outstanding)
	for i := 0; i < outstanding; i++ {
		go func() {
			_, err := client.Request(context.Background(),
				wire.Message{Body: map[string]any{"kind": "hang"}})
			errs <- err
		}()
	}
	// wait until all three are tracked
	deadline := time.Now().Add(5 * time.Second)
	for client.reqs.Size() < outstanding {
		if time.Now().After(deadline) {
			t.Fatalf("requests never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	a.Disconnect()
	for i := 0; i < outstanding; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrDisconnected) {
				t.Fatalf("expected ErrDisconnected, got %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("pending request %d not rejected", i)
		}
	}
	if client.Busy() {
		t.Fatalf("pending table not emptied on disconnect")
	}
}

func TestHandlerErrorBecomesErrorReply(t *testing.T) {
	testlog.Start(t)
	client, server := pipePeers(t, testConfig(), testConfig())
	server.OnRequest(func(m wire.Message) (any, error) {
		return nil, fmt.Errorf("document missing")
	})

	_, err := client.Request(context.Background(),
		wire.Message{Body: map[string]any{"kind": "save"}})
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
	if !strings.Contains(err.Error(), "document missing") {
		t.Fatalf("error lost the remote description: %v", err)
	}
}

func TestHandlerPanicBecomesErrorReply(t *testing.T) {
	testlog.Start(t)
	client, server := pipePeers(t, testConfig(), testConfig())
	server.OnRequest(func(m wire.Message) (any, error) {
		panic("boom")
	})

	_, err := client.Request(context.Background(),
		wire.Message{Body: map[string]any{"kind": "save"}})
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
	if !strings.Contains(err.Error(), "handler panic") {
		t.Fatalf("panic not surfaced: %v", err)
	}
}

func TestPingAnsweredWithoutHandler(t *testing.T) {
	testlog.Start(t)
	// the server peer gets no handler at all: pings are answered below the
	// application layer
	client, _ := pipePeers(t, testConfig(), testConfig())

	reply, err := client.Request(context.Background(), wire.Message{})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if string(reply.Reply) != `{}` {
		t.Fatalf("ping reply should be empty object, got %s", reply.Reply)
	}
}

func TestMissingHandlerYieldsErrorReply(t *testing.T) {
	testlog.Start(t)
	client, _ := pipePeers(t, testConfig(), testConfig())

	_, err := client.Request(context.Background(),
		wire.Message{Body: map[string]any{"kind": "save"}})
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
	if !strings.Contains(err.Error(), "no handler registered") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReplyWithDiagnosticStillResolves(t *testing.T) {
	testlog.Start(t)
	a, b := port.NewPipePair()
	defer a.Disconnect()
	client := NewPeer(a, testConfig())

	// bare port on the far side: answer with both a reply and a diagnostic
	b.Observe(func(m wire.Message) {
		b.Send(wire.Message{
			ID:    m.ID,
			Reply: json.RawMessage(`{"ok":true}`),
			Error: "saved with warnings",
		})
	})

	reply, err := client.Request(context.Background(),
		wire.Message{Body: map[string]any{"kind": "save"}})
	if err != nil {
		t.Fatalf("diagnostic must not reject the future: %v", err)
	}
	if reply.Error != "saved with warnings" {
		t.Fatalf("diagnostic lost: %+v", reply)
	}
}

func TestEchoLoopIsBroken(t *testing.T) {
	testlog.Start(t)
	a, b := port.NewPipePair()
	defer a.Disconnect()
	client := NewPeer(a, testConfig())

	calls := make(chan string, 4)
	client.OnRequest(func(m wire.Message) (any, error) {
		calls <- m.ID
		return nil, nil
	})

	// the same correlation id arriving twice in a row as a fresh request
	for i := 0; i < 2; i++ {
		if err := b.Send(wire.Message{ID: "dup", Body: map[string]any{"kind": "x"}}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatalf("first request never reached the handler")
	}
	select {
	case id := <-calls:
		t.Fatalf("echo-looped request reached the handler: %s", id)
	case <-time.After(200 * time.Millisecond):
	}
}

// streamDuplex joins one pipe per direction for framed transport tests.
type streamDuplex struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (d *streamDuplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *streamDuplex) Write(p []byte) (int, error) { return d.w.Write(p) }
func (d *streamDuplex) Close() error {
	d.w.Close()
	return d.r.Close()
}

func TestFragmentationEndToEndOverStream(t *testing.T) {
	testlog.Start(t)
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	clientPort := port.NewStreamPort(&streamDuplex{r: ar, w: aw}, port.StreamConfig{})
	serverPort := port.NewStreamPort(&streamDuplex{r: br, w: bw}, port.StreamConfig{})
	defer clientPort.Disconnect()
	defer serverPort.Disconnect()

	// a raw observer sees the carriers themselves
	fragments := make(chan wire.Message, 64)
	serverPort.Observe(func(m wire.Message) {
		if m.IsFragment() {
			fragments <- m
		}
	})

	cfg := testConfig()
	cfg.SplitThreshold = 128
	client := NewPeer(clientPort, cfg)
	server := NewPeer(serverPort, testConfig())
	server.OnRequest(func(m wire.Message) (any, error) {
		return map[string]any{"len": len(m.BodyString("data"))}, nil
	})

	payload := strings.Repeat("0123456789", 60)
	reply, err := client.Request(context.Background(),
		wire.Message{Body: map[string]any{"data": payload}})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var out struct {
		Len int `json:"len"`
	}
	if err := json.Unmarshal(reply.Reply, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Len != len(payload) {
		t.Fatalf("payload truncated: got %d want %d", out.Len, len(payload))
	}
	if len(fragments) < 2 {
		t.Fatalf("expected the request to travel as fragments, saw %d", len(fragments))
	}
}

func TestBusyTracksOutstandingWork(t *testing.T) {
	testlog.Start(t)
	client, server := pipePeers(t, testConfig(), testConfig())

	release := make(chan struct{})
	server.OnRequest(func(m wire.Message) (any, error) {
		<-release
		return nil, nil
	})

	if client.Busy() {
		t.Fatalf("fresh peer must be idle")
	}
	done := make(chan struct{})
	go func() {
		client.Request(context.Background(), wire.Message{Body: map[string]any{"kind": "x"}})
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !client.Busy() {
		if time.Now().After(deadline) {
			t.Fatalf("request never marked the peer busy")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	<-done
	if client.Busy() {
		t.Fatalf("peer still busy after resolution")
	}
}

func TestHandlersRunInSendOrder(t *testing.T) {
	testlog.Start(t)
	client, server := pipePeers(t, testConfig(), testConfig())

	const n = 50
	var mu sync.Mutex
	var seen []string
	all := make(chan struct{})
	server.OnRequest(func(m wire.Message) (any, error) {
		mu.Lock()
		seen = append(seen, m.Content)
		if len(seen) == n {
			close(all)
		}
		mu.Unlock()
		return nil, nil
	})

	for i := 0; i < n; i++ {
		if err := client.Post(wire.Message{Content: fmt.Sprintf("%03d", i)}); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	select {
	case <-all:
	case <-time.After(5 * time.Second):
		mu.Lock()
		t.Fatalf("handler saw only %d of %d messages", len(seen), n)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range seen {
		if want := fmt.Sprintf("%03d", i); got != want {
			t.Fatalf("handler order broken at %d: got %q, want %q", i, got, want)
		}
	}
}
