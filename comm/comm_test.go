package comm_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/RuLzkin/kawanolab-tools/comm"
)

func tcpEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal("could not listen, test aborted:", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }()
		}
	}()
	return ln.Addr().String()
}

func echoMaker(t *testing.T) comm.CreationFunc {
	addr := tcpEchoServer(t)
	return func() (io.ReadWriteCloser, error) {
		return net.Dial("tcp", addr)
	}
}

func TestPoolGetToCapacity(t *testing.T) {
	const size = 3
	pool := comm.NewPool(size, time.Second, echoMaker(t))
	for i := 0; i < size; i++ {
		conn, err := pool.Get()
		if err != nil {
			t.Fatal("could not get connection:", err)
		}
		if conn == nil {
			t.Fatal("got nil connection without error")
		}
	}
	if pool.Active() != size {
		t.Errorf("expected %d active connections, got %d", size, pool.Active())
	}
}

func TestPoolReusesReturned(t *testing.T) {
	pool := comm.NewPool(1, time.Minute, echoMaker(t))
	conn, err := pool.Get()
	if err != nil {
		t.Fatal("could not get connection:", err)
	}
	pool.Put(conn)
	conn2, err := pool.Get()
	if err != nil {
		t.Fatal("could not get connection:", err)
	}
	if conn2 != conn {
		t.Error("pool made a new connection instead of reusing the idle one")
	}
	if pool.Size() != 1 {
		t.Errorf("expected pool size 1, got %d", pool.Size())
	}
}

func TestPoolReclaimsIdle(t *testing.T) {
	pool := comm.NewPool(1, 10*time.Millisecond, echoMaker(t))
	conn, err := pool.Get()
	if err != nil {
		t.Fatal("could not get connection:", err)
	}
	pool.Put(conn)
	time.Sleep(100 * time.Millisecond)
	if pool.Size() != 0 {
		t.Errorf("expected idle connection to be reclaimed, pool size %d", pool.Size())
	}
}

func TestPoolBlocksAtCapacity(t *testing.T) {
	const size = 3
	pool := comm.NewPool(size, time.Second, echoMaker(t))
	for i := 0; i < size; i++ {
		if _, err := pool.Get(); err != nil {
			t.Fatal("could not get connection:", err)
		}
	}
	extra := make(chan io.ReadWriter, 1)
	go func() {
		rw, _ := pool.Get()
		extra <- rw
	}()
	select {
	case <-extra:
		t.Fatal("pool handed out more connections than its capacity")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestReturnWithErrorDiscardsFaulted(t *testing.T) {
	pool := comm.NewPool(1, time.Minute, echoMaker(t))
	conn, err := pool.Get()
	if err != nil {
		t.Fatal("could not get connection:", err)
	}
	pool.ReturnWithError(conn, errors.New("io exploded"))
	if pool.Size() != 0 {
		t.Errorf("faulted connection kept in pool, size %d", pool.Size())
	}
	conn, err = pool.Get()
	if err != nil {
		t.Fatal("could not get connection:", err)
	}
	pool.ReturnWithError(conn, nil)
	if pool.Size() != 1 {
		t.Errorf("healthy connection not kept in pool, size %d", pool.Size())
	}
}

func TestCloseAllEmptiesPool(t *testing.T) {
	pool := comm.NewPool(2, time.Minute, echoMaker(t))
	a, err := pool.Get()
	if err != nil {
		t.Fatal("could not get connection:", err)
	}
	b, err := pool.Get()
	if err != nil {
		t.Fatal("could not get connection:", err)
	}
	pool.Put(a)
	pool.Put(b)
	if err := pool.CloseAll(); err != nil {
		t.Error("close of idle connections errored:", err)
	}
	if pool.Size() != 0 {
		t.Errorf("expected empty pool after CloseAll, size %d", pool.Size())
	}
}

func TestTerminatorAppendsOnWrite(t *testing.T) {
	buf := &bytes.Buffer{}
	term := comm.NewTerminator(buf, '\n', '\n')
	n, err := io.WriteString(term, "MEAS?")
	if err != nil {
		t.Fatal("write failed:", err)
	}
	if n != len("MEAS?") {
		t.Errorf("expected n == %d, got %d", len("MEAS?"), n)
	}
	if got := buf.String(); got != "MEAS?\n" {
		t.Errorf("expected %q on the wire, got %q", "MEAS?\n", got)
	}
	// a message already carrying the terminator is not doubled
	buf.Reset()
	io.WriteString(term, "MEAS?\n")
	if got := buf.String(); got != "MEAS?\n" {
		t.Errorf("terminator doubled: %q", got)
	}
}

func TestTerminatorStripsOnRead(t *testing.T) {
	buf := bytes.NewBufferString("+1.25E+00\n")
	term := comm.NewTerminator(buf, '\n', '\n')
	p := make([]byte, 64)
	n, err := term.Read(p)
	if err != nil {
		t.Fatal("read failed:", err)
	}
	if got := string(p[:n]); got != "+1.25E+00" {
		t.Errorf("expected stripped reply %q, got %q", "+1.25E+00", got)
	}
}

func TestTerminatorLongReply(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, 5000)
	buf := &bytes.Buffer{}
	buf.Write(payload)
	buf.WriteByte('\n')
	term := comm.NewTerminator(buf, '\n', '\n')

	// read the way the protocol layer does: grow until a short read
	// signals the terminator was consumed
	p := make([]byte, 1500)
	n := 0
	for {
		m, err := term.Read(p[n:])
		if err != nil {
			t.Fatal("read failed:", err)
		}
		n += m
		if n < len(p) {
			break
		}
		p = append(p, make([]byte, 1500)...)
	}
	if !bytes.Equal(p[:n], payload) {
		t.Errorf("expected %d payload bytes, got %d", len(payload), n)
	}
}

func TestTimeoutAppliesDeadline(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	wrap := comm.NewTerminator(c1, '\n', '\n')
	rw, err := comm.NewTimeout(wrap, 25*time.Millisecond)
	if err != nil {
		t.Fatal("could not apply timeout:", err)
	}
	p := make([]byte, 8)
	if _, err := rw.Read(p); err == nil {
		t.Error("expected a deadline error reading from a silent peer")
	}
}

func TestTimeoutPassthroughWithoutDeadlines(t *testing.T) {
	buf := &bytes.Buffer{}
	rw, err := comm.NewTimeout(buf, time.Second)
	if err != nil {
		t.Fatal("timeout wrap errored on deadline-free transport:", err)
	}
	if rw != io.ReadWriter(buf) {
		t.Error("expected deadline-free transport to pass through unchanged")
	}
}
