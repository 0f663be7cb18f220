package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type acceptResult struct {
	conn net.Conn
	err  error
}

// fakeListener hands out queued results and blocks once the queue is empty.
type fakeListener struct {
	results   chan acceptResult
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeListener(results ...acceptResult) *fakeListener {
	l := &fakeListener{
		results: make(chan acceptResult, len(results)),
		closed:  make(chan struct{}),
	}
	for _, r := range results {
		l.results <- r
	}
	return l
}

func (l *fakeListener) Accept() (net.Conn, error) {
	select {
	case r := <-l.results:
		return r.conn, r.err
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *fakeListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeListener) Addr() net.Addr { return MockAddr{"(listener)"} }

func acceptErrno(errno syscall.Errno) error {
	return &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", errno)}
}

type recordingCycle struct {
	started int
	conns   chan net.Conn
}

func (c *recordingCycle) OnServerStart() { c.started++ }

func (c *recordingCycle) OnRequest(conn net.Conn) {
	conn.Close()
	c.conns <- conn
}

func TestServeRetriesTransientAcceptErrors(t *testing.T) {
	conn := newMockConn("")
	ln := newFakeListener(
		acceptResult{err: acceptErrno(syscall.EMFILE)},
		acceptResult{err: acceptErrno(syscall.ENFILE)},
		acceptResult{err: acceptErrno(syscall.ENOMEM)},
		acceptResult{conn: conn},
	)
	cycle := &recordingCycle{conns: make(chan net.Conn, 1)}
	s := NewServer(cycle, zerolog.Nop())
	var mu sync.Mutex
	var delays []time.Duration
	s.sleep = func(d time.Duration) {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	select {
	case got := <-cycle.conns:
		if got != conn {
			t.Errorf("handed %v, want the accepted conn", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connection never handed to the cycle")
	}
	select {
	case err := <-done:
		t.Fatalf("loop terminated: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve after cancel = %v, want nil", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 3 {
		t.Fatalf("got %d retries, want 3", len(delays))
	}
	for _, d := range delays {
		if d != time.Second {
			t.Errorf("retry delay %v, want 1s", d)
		}
	}
	if cycle.started != 1 {
		t.Errorf("OnServerStart called %d times, want 1", cycle.started)
	}
}

func TestServeFatalAcceptError(t *testing.T) {
	cause := acceptErrno(syscall.EBADF)
	ln := newFakeListener(acceptResult{err: cause})
	s := NewServer(&recordingCycle{conns: make(chan net.Conn, 1)}, zerolog.Nop())
	s.sleep = func(time.Duration) { t.Error("fatal error must not be retried") }

	err := s.Serve(context.Background(), ln)
	var serr *Error
	if !errors.As(err, &serr) || !serr.Fatal {
		t.Fatalf("got %v, want a fatal *Error", err)
	}
	if !errors.Is(err, syscall.EBADF) {
		t.Errorf("cause lost: %v", err)
	}
}

func TestIsTransientAcceptError(t *testing.T) {
	for errno, want := range map[syscall.Errno]bool{
		syscall.EMFILE:       true,
		syscall.ENFILE:       true,
		syscall.ENOMEM:       true,
		syscall.EBADF:        false,
		syscall.ECONNABORTED: false,
	} {
		if got := isTransientAcceptError(acceptErrno(errno)); got != want {
			t.Errorf("%v: got %v, want %v", errno, got, want)
		}
	}
	if isTransientAcceptError(net.ErrClosed) {
		t.Error("net.ErrClosed is not transient")
	}
}

type panickingCycle struct{}

func (panickingCycle) OnServerStart()          { panic("start") }
func (panickingCycle) OnRequest(conn net.Conn) { panic("request") }

func TestServeRecoversCyclePanics(t *testing.T) {
	conn := newMockConn("")
	ln := newFakeListener(acceptResult{conn: conn})
	s := NewServer(panickingCycle{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	deadline := time.Now().Add(5 * time.Second)
	for conn.Closed() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if conn.Closed() == 0 {
		t.Error("connection not closed after handler panic")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve = %v, want nil", err)
	}
}

func dialAndSend(t *testing.T, addr, request string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatal(err)
	}
	return conn
}

func TestServeConnectionIsolation(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	k := KernelFunc(func(req *AppRequest) (AppResponse, error) {
		if req.Path == "/boom" {
			close(entered)
			<-release
			panic("boom")
		}
		return plainKernel("ok")(req)
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(newTestCycle(k), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	a := dialAndSend(t, ln.Addr().String(), "GET /boom HTTP/1.1\r\n\r\n")
	defer a.Close()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("kernel never entered")
	}
	if n := s.ActiveConns(); n != 1 {
		t.Errorf("ActiveConns = %d, want 1", n)
	}

	b := dialAndSend(t, ln.Addr().String(), "GET /ok HTTP/1.1\r\n\r\n")
	defer b.Close()
	b.SetDeadline(time.Now().Add(5 * time.Second))
	res, err := readResponseSync(b)
	if err != nil {
		t.Fatal(err)
	}
	ExpectEqual(t, "200", itoaStatus(res))
	ExpectEqual(t, "ok", string(res.Body))

	close(release)
	a.SetDeadline(time.Now().Add(5 * time.Second))
	res, err = readResponseSync(a)
	if err != nil {
		t.Fatal(err)
	}
	ExpectEqual(t, "500", itoaStatus(res))

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve = %v, want nil", err)
	}
}

func TestListenAndServe(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	s := NewServer(newTestCycle(plainKernel("hello")), zerolog.Nop())
	s.Host = "127.0.0.1"
	s.Port = port
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	var conn net.Conn
	for i := 0; i < 100; i++ {
		if conn, err = net.Dial("tcp", addr); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	res, err := readResponseSync(conn)
	if err != nil {
		t.Fatal(err)
	}
	ExpectEqual(t, "hello", string(res.Body))

	cancel()
	if err := <-done; err != nil {
		t.Errorf("ListenAndServe = %v, want nil", err)
	}
}
