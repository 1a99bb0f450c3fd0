/*Package comm provides connection makers, a connection pool, and io
wrappers for communication with lab hardware.

Most usages of this package will boil down to:
	1.  make a CreationFunc for the remote with BackingOffTCPConnMaker or
		SerialConnMaker
	2.  wrap it in a Pool of size one; the pool dials lazily and re-dials
		after a connection goes bad
	3.  for each request, Get a connection, wrap it with NewTimeout and
		NewTerminator, and hand it back with ReturnWithError

A minimal example for a sensor that responds to "RD?" with its reading:

	pool := comm.NewPool(1, time.Minute, comm.BackingOffTCPConnMaker(addr, time.Second))

	func read() (_ string, err error) {
		conn, err := pool.Get()
		if err != nil {
			return "", err
		}
		defer func() { pool.ReturnWithError(conn, err) }()
		rw := comm.NewTerminator(comm.NewTimeout(conn, time.Second), '\n', '\n')
		if _, err = io.WriteString(rw, "RD?"); err != nil {
			return "", err
		}
		buf := make([]byte, 64)
		n, err := rw.Read(buf)
		return string(buf[:n]), err
	}
*/
package comm

import (
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

var (
	// ErrTerminatorNotFound is generated when the read buffer fills before
	// the termination byte arrives
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrPoolClosed is generated by Get after the pool has been closed
	ErrPoolClosed = errors.New("connection pool is closed")
)

// DefaultSCPIPort is appended to TCP addresses which carry no port
const DefaultSCPIPort = "5025"

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// WithDefaultPort returns addr with port appended if it has none
func WithDefaultPort(addr, port string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), port)
}

// BackingOffTCPConnMaker returns a CreationFunc that dials addr over TCP,
// retrying with an exponential backoff.  Refused connections are not retried;
// the remote is there but not listening and will not start to.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var (
			conn    net.Conn
			refused error
		)
		op := func() error {
			c, err := net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "refused") {
					refused = err
					return nil
				}
				return err
			}
			conn = c
			return nil
		}
		// the instruments do not like being connection thrashed
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if refused != nil {
			return nil, errors.Wrapf(refused, "dial %s", addr)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "connection timeout to %s", addr)
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc that opens a serial port
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		port, err := serial.OpenPort(conf)
		if err != nil {
			return nil, errors.Wrapf(err, "open serial port %s", conf.Name)
		}
		return port, nil
	}
}

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Timeout bounds every Read and Write on the wrapped connection by a deadline.
// Connections which do not support deadlines (serial ports, which carry
// their own read timeout) are passed through unchanged.
type Timeout struct {
	rw io.ReadWriter
	d  time.Duration
}

// NewTimeout wraps rw so each call must complete within d
func NewTimeout(rw io.ReadWriter, d time.Duration) *Timeout {
	return &Timeout{rw: rw, d: d}
}

// Read reads from the connection with a read deadline
func (t *Timeout) Read(p []byte) (int, error) {
	if dl, ok := t.rw.(deadliner); ok {
		if err := dl.SetReadDeadline(time.Now().Add(t.d)); err != nil {
			return 0, err
		}
	}
	return t.rw.Read(p)
}

// Write writes to the connection with a write deadline
func (t *Timeout) Write(p []byte) (int, error) {
	if dl, ok := t.rw.(deadliner); ok {
		if err := dl.SetWriteDeadline(time.Now().Add(t.d)); err != nil {
			return 0, err
		}
	}
	return t.rw.Write(p)
}

// Terminator appends Tx to every write and reads until Rx
type Terminator struct {
	rw io.ReadWriter
	rx byte
	tx byte
}

// NewTerminator wraps rw with the given receipt and transmission terminators
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, rx: rx, tx: tx}
}

// Write sends p followed by the Tx terminator in a single call
func (t *Terminator) Write(p []byte) (int, error) {
	buf := make([]byte, len(p), len(p)+1)
	copy(buf, p)
	buf = append(buf, t.tx)
	n, err := t.rw.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// Read fills p until the Rx terminator is seen.  The terminator is included
// in the returned bytes.
func (t *Terminator) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := t.rw.Read(p[n:])
		n += m
		if n > 0 && p[n-1] == t.rx {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
	return n, ErrTerminatorNotFound
}
