/*Package comm provides connection management for communication with lab hardware.

The expected usage is:
 1. build a CreationFunc for the transport the instrument lives on,
    e.g. BackingOffTCPConnMaker for LAN instruments or SerialConnMaker
    for RS-232 ones.
 2. wrap it in a Pool, almost always of size 1; instrument sessions are
    exclusive and the pool serializes access to them.
 3. per operation, Get a connection, wrap it with NewTerminator and
    NewTimeout, do the IO, and give it back with ReturnWithError so a
    connection that faulted is discarded instead of reused.

Higher level protocol logic (SCPI framing, error queues) lives in
package scpi, which embeds these pieces.
*/
package comm

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// BackingOffTCPConnMaker returns a CreationFunc which dials addr with
// an exponential backoff.  Benchtop instruments drop or refuse
// connections when thrashed, so each attempt waits a little longer,
// up to about three times the per-dial timeout in total.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, timeout)
			return err
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * timeout,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, fmt.Errorf("connection to %s failed: %w", addr, err)
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc which opens the serial port
// described by conf.  Read timeouts on serial lines come from
// conf.ReadTimeout; NewTimeout is a no-op for them.
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

// deadliner is the deadline-bearing subset of net.Conn.
type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// NewTimeout applies a fresh read and write deadline of now+timeout to
// rw.  Wrappers forward the deadline to the connection they hold.
// Transports without deadline support, serial ports in particular,
// pass through unchanged.
func NewTimeout(rw io.ReadWriter, timeout time.Duration) (io.ReadWriter, error) {
	d, ok := rw.(deadliner)
	if !ok {
		return rw, nil
	}
	deadline := time.Now().Add(timeout)
	if err := d.SetReadDeadline(deadline); err != nil {
		return rw, err
	}
	if err := d.SetWriteDeadline(deadline); err != nil {
		return rw, err
	}
	return rw, nil
}

// Terminator wraps a ReadWriter, appending the Tx terminator to writes
// that lack it and consuming replies up to the Rx terminator, which is
// stripped.  Create them with NewTerminator, one per operation.
type Terminator struct {
	rw io.ReadWriter
	tx byte
	rx byte
}

// NewTerminator returns a Terminator with the given write and read
// termination bytes.
func NewTerminator(rw io.ReadWriter, tx, rx byte) *Terminator {
	return &Terminator{rw: rw, tx: tx, rx: rx}
}

// Write sends b followed by the Tx terminator.  The terminator is not
// duplicated if b already ends with it.
func (t *Terminator) Write(b []byte) (int, error) {
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	if len(buf) == 0 || buf[len(buf)-1] != t.tx {
		buf = append(buf, t.tx)
	}
	n, err := t.rw.Write(buf)
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

// Read fills p until the Rx terminator is seen or p is full.  When the
// terminator is found it is consumed and n < len(p) is returned; a
// full p with n == len(p) means the reply continues and Read should be
// called again with more room.  Replies are request/response lockstep,
// so no data follows the terminator.
func (t *Terminator) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := t.rw.Read(p[n:])
		if m > 0 {
			if i := bytes.IndexByte(p[n:n+m], t.rx); i >= 0 {
				return n + i, nil
			}
			n += m
		}
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// SetReadDeadline forwards the deadline to the wrapped connection
// when it supports one.
func (t *Terminator) SetReadDeadline(tt time.Time) error {
	if d, ok := t.rw.(deadliner); ok {
		return d.SetReadDeadline(tt)
	}
	return nil
}

// SetWriteDeadline forwards the deadline to the wrapped connection
// when it supports one.
func (t *Terminator) SetWriteDeadline(tt time.Time) error {
	if d, ok := t.rw.(deadliner); ok {
		return d.SetWriteDeadline(tt)
	}
	return nil
}
