package publish

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"oae-pad-notifier/pkg/notifier"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Server behaviours for fakeRedis.
const (
	modeOK   = "ok"   // Answer normally
	modeBusy = "busy" // Answer PING with an error reply
	modeDrop = "drop" // Read a command, then hang up
)

// fakeRedis speaks enough RESP for PING, TYPE and LPUSH.
type fakeRedis struct {
	ln net.Listener

	mu     sync.Mutex
	mode   string
	types  map[string]string
	pushed map[string][]string
	conns  []net.Conn
}

func newFakeRedis(t *testing.T) *fakeRedis {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeRedis{
		ln:     ln,
		mode:   modeOK,
		types:  make(map[string]string),
		pushed: make(map[string][]string),
	}
	go f.accept()
	t.Cleanup(func() {
		_ = ln.Close()
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, c := range f.conns {
			_ = c.Close()
		}
	})
	return f
}

func (f *fakeRedis) addr() string { return f.ln.Addr().String() }

func (f *fakeRedis) setMode(mode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
}

func (f *fakeRedis) list(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pushed[key]...)
}

func (f *fakeRedis) accept() {
	for {
		c, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, c)
		f.mu.Unlock()
		go f.serve(c)
	}
}

func (f *fakeRedis) serve(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	for {
		args, err := readCommand(r)
		if err != nil || len(args) == 0 {
			return
		}
		reply, ok := f.reply(args)
		if !ok {
			return
		}
		if _, err := io.WriteString(c, reply); err != nil {
			return
		}
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "*") {
		return strings.Fields(line), nil
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, fmt.Errorf("array header %q: %w", line, err)
	}
	args := make([]string, 0, n)
	for range n {
		hdr, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimRight(hdr, "\r\n")[1:])
		if err != nil {
			return nil, fmt.Errorf("bulk header %q: %w", hdr, err)
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func (f *fakeRedis) reply(args []string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := strings.ToUpper(args[0])
	switch f.mode {
	case modeDrop:
		return "", false
	case modeBusy:
		if cmd == "PING" {
			return "-ERR busy\r\n", true
		}
	}

	switch cmd {
	case "PING":
		return "+PONG\r\n", true
	case "TYPE":
		kind := f.types[args[1]]
		if kind == "" {
			kind = "none"
		}
		return "+" + kind + "\r\n", true
	case "LPUSH":
		f.pushed[args[1]] = append(f.pushed[args[1]], args[2:]...)
		return fmt.Sprintf(":%d\r\n", len(f.pushed[args[1]])), true
	default:
		// HELLO and CLIENT SETINFO: go-redis falls back to RESP2.
		return "-ERR unknown command '" + args[0] + "'\r\n", true
	}
}

func newTestRedis(f *fakeRedis) *Redis {
	return NewRedis(RedisConfig{
		Addr:         f.addr(),
		Backoff:      8 * time.Millisecond,
		PingInterval: 10 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRedisDeclareAndSend(t *testing.T) {
	f := newFakeRedis(t)
	r := newTestRedis(f)
	t.Cleanup(func() { _ = r.Close() })

	ctx := context.Background()
	if err := r.Dial(ctx, Handlers{Ready: func() {}, Error: func(error) {}, Closed: func() {}}); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := r.Declare(ctx, DefaultDestination); err != nil {
		t.Fatalf("Declare() error = %v", err)
	}

	ev := notifier.Event{ID: "ev-1", ContentID: "content1", UserID: "user1"}
	payload, err := ev.Payload()
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}
	if err := r.Send(ctx, DefaultDestination, ev, payload); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := f.list(DefaultDestination)
	if len(got) != 1 || got[0] != `{"contentId":"content1","userId":"user1"}` {
		t.Errorf("list = %v", got)
	}
}

func TestRedisDeclareRejectsNonList(t *testing.T) {
	f := newFakeRedis(t)
	f.types[DefaultDestination] = "string"
	r := newTestRedis(f)
	t.Cleanup(func() { _ = r.Close() })

	ctx := context.Background()
	if err := r.Dial(ctx, Handlers{Ready: func() {}, Error: func(error) {}, Closed: func() {}}); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	err := r.Declare(ctx, DefaultDestination)
	if err == nil || !strings.Contains(err.Error(), "string") {
		t.Errorf("Declare() error = %v, want non-list rejection", err)
	}
}

func TestRedisDialFailsWithoutServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	r := NewRedis(RedisConfig{Addr: addr, Backoff: 8 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := r.Dial(context.Background(), Handlers{}); err == nil {
		t.Error("Dial() error = nil with nothing listening")
	}
}

func TestRedisPublisherRecoversAfterErrorThenHangup(t *testing.T) {
	f := newFakeRedis(t)
	r := newTestRedis(f)
	p := New(r, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = p.Close() })

	p.Start(context.Background())
	waitReady(t, p)

	f.setMode(modeBusy)
	waitFor(t, "error state", func() bool { return p.State() == Errored })

	// The server now hangs up on every command; the client sees EOF.
	f.setMode(modeDrop)
	time.Sleep(100 * time.Millisecond)
	if s := p.State(); s == Ready {
		t.Fatalf("state = %v while the server hangs up", s)
	}

	f.setMode(modeOK)
	waitReady(t, p)

	p.Publish(context.Background(), notifier.Event{ID: "ev-2", ContentID: "content2", UserID: "user2"})
	if got := f.list(DefaultDestination); len(got) != 1 {
		t.Errorf("list = %v after recovery, want one notification", got)
	}
}

func TestRedisWatcherMapsPingResults(t *testing.T) {
	f := newFakeRedis(t)
	r := newTestRedis(f)
	t.Cleanup(func() { _ = r.Close() })

	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), events...)
	}

	h := Handlers{
		Ready:  func() { record("ready") },
		Error:  func(error) { record("error") },
		Closed: func() { record("closed") },
	}
	if err := r.Dial(context.Background(), h); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	f.setMode(modeDrop)
	waitFor(t, "error event", func() bool { return len(snapshot()) >= 1 })
	f.setMode(modeOK)
	waitFor(t, "ready event", func() bool { return len(snapshot()) >= 2 })

	got := snapshot()
	if got[0] != "error" || got[1] != "ready" {
		t.Errorf("events = %v, want [error ready]", got)
	}

	// Closing the broker stops the watcher without reporting anything.
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(snapshot()); n != 2 {
		t.Errorf("events after Close = %v", snapshot())
	}
}
