package comm_test

import (
	"bytes"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nasa-jpl/scopesrv/comm"
)

func tcpEchoServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted")
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }() // use goroutines to handle multiple connections
		}
	}()
	return ln.Addr().String()
}

func countingMaker(addr string, made *int32) comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		atomic.AddInt32(made, 1)
		return net.Dial("tcp", addr)
	}
}

func TestPoolFillsToCapacity(t *testing.T) {
	var made int32
	pool := comm.NewPool(3, time.Second, countingMaker(tcpEchoServer(t), &made))
	for i := 0; i < 3; i++ {
		if _, err := pool.Get(); err != nil {
			t.Fatal("could not get connection:", err)
		}
	}
	if pool.Active() != 3 {
		t.Errorf("expected 3 active connections, got %d", pool.Active())
	}
}

func TestPoolReusesReleased(t *testing.T) {
	var made int32
	pool := comm.NewPool(3, time.Second, countingMaker(tcpEchoServer(t), &made))
	for i := 0; i < 5; i++ {
		conn, err := pool.Get()
		if err != nil {
			t.Fatal("could not get connection:", err)
		}
		pool.Put(conn)
	}
	if made != 1 {
		t.Errorf("expected one connection to be dialed and reused, %d were dialed", made)
	}
	if pool.Size() != 1 {
		t.Errorf("expected pool size 1, got %d", pool.Size())
	}
}

func TestPoolReleasesExpire(t *testing.T) {
	var made int32
	pool := comm.NewPool(3, 10*time.Millisecond, countingMaker(tcpEchoServer(t), &made))
	conn, err := pool.Get()
	if err != nil {
		t.Fatal("could not get connection:", err)
	}
	pool.Put(conn)
	time.Sleep(200 * time.Millisecond)
	if pool.Size() != 0 {
		t.Errorf("expected idle connection to be reclaimed, size is %d", pool.Size())
	}
}

func TestPoolMaintainsSize(t *testing.T) {
	var made int32
	pool := comm.NewPool(2, time.Second, countingMaker(tcpEchoServer(t), &made))
	held := []io.ReadWriter{}
	for i := 0; i < 2; i++ {
		rw, err := pool.Get()
		if err != nil {
			t.Fatal("could not get connection:", err)
		}
		held = append(held, rw)
	}
	newConn := make(chan io.ReadWriter, 1)
	// now that they are all taken out, try to get a new one
	go func() {
		rw, _ := pool.Get()
		newConn <- rw
	}()
	select {
	case <-newConn:
		t.Fatal("failed to prevent pool overflow")
	case <-time.After(100 * time.Millisecond):
	}
	pool.Put(held[0])
	select {
	case <-newConn:
	case <-time.After(time.Second):
		t.Fatal("blocked Get did not receive the returned connection")
	}
}

func TestReturnWithErrorDestroys(t *testing.T) {
	var made int32
	pool := comm.NewPool(1, time.Second, countingMaker(tcpEchoServer(t), &made))
	conn, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.ReturnWithError(conn, io.ErrUnexpectedEOF)
	if pool.Size() != 0 {
		t.Errorf("expected bad connection to be destroyed, size is %d", pool.Size())
	}
	conn, err = pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.ReturnWithError(conn, nil)
	if made != 2 {
		t.Errorf("expected a fresh dial after destroy, %d dials", made)
	}
}

func TestPoolClosed(t *testing.T) {
	var made int32
	pool := comm.NewPool(1, time.Second, countingMaker(tcpEchoServer(t), &made))
	conn, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.Put(conn)
	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Get(); err != comm.ErrPoolClosed {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestTerminatorRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() { io.Copy(b, b) }()
	rw := comm.NewTerminator(comm.NewTimeout(a, time.Second), '\n', '\n')
	if _, err := io.WriteString(rw, "*IDN?"); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	n, err := rw.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], []byte("*IDN?\n")) {
		t.Errorf("expected echo with terminator, got %q", buf[:n])
	}
}

func TestTerminatorBufferFull(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() { b.Write([]byte("0123456789")) }()
	rw := comm.NewTerminator(a, '\n', '\n')
	buf := make([]byte, 4)
	_, err := rw.Read(buf)
	if err != comm.ErrTerminatorNotFound {
		t.Errorf("expected ErrTerminatorNotFound, got %v", err)
	}
}

func TestTimeoutExpires(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	rw := comm.NewTimeout(a, 20*time.Millisecond)
	buf := make([]byte, 4)
	_, err := rw.Read(buf)
	nerr, ok := err.(net.Error)
	if !ok || !nerr.Timeout() {
		t.Errorf("expected a timeout error, got %v", err)
	}
}

func TestWithDefaultPort(t *testing.T) {
	cases := map[string]string{
		"192.168.0.10":      "192.168.0.10:5025",
		"192.168.0.10:1234": "192.168.0.10:1234",
		"scope.lab":         "scope.lab:5025",
		"[fe80::1]":         "[fe80::1]:5025",
	}
	for in, want := range cases {
		if got := comm.WithDefaultPort(in, comm.DefaultSCPIPort); got != want {
			t.Errorf("WithDefaultPort(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBackingOffTCPConnMakerDials(t *testing.T) {
	maker := comm.BackingOffTCPConnMaker(tcpEchoServer(t), time.Second)
	conn, err := maker()
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
}

func TestBackingOffTCPConnMakerRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	start := time.Now()
	_, err = comm.BackingOffTCPConnMaker(addr, time.Second)()
	if err == nil {
		t.Fatal("expected dial to a closed port to fail")
	}
	if time.Since(start) > time.Second {
		t.Error("refused connection should not be retried")
	}
}
