// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopesrv/comm"
)

const (
	// DefaultTimeout bounds each request/response when SCPI.Timeout is zero
	DefaultTimeout = 5 * time.Second

	tcpFrameSize = 4096

	errorQuery = ":SYSTem:ERRor?"
)

// ErrBadBlock is generated when a reply is not a definite length block
var ErrBadBlock = errors.New("malformed definite length block")

// Error is an entry popped from the instrument's error queue
type Error struct {
	Code    int
	Message string
}

// Error satisfies the error interface
func (e *Error) Error() string {
	return "instrument error " + strconv.Itoa(e.Code) + ": " + e.Message
}

// FaultCode returns the instrument's numeric error code
func (e *Error) FaultCode() int {
	return e.Code
}

// ParseError decodes an error queue entry such as `-222,"Data out of range"`.
// A zero code means the queue was empty and nil is returned.
func ParseError(s string) error {
	s = strings.TrimSpace(s)
	code, msg := s, ""
	if i := strings.IndexByte(s, ','); i >= 0 {
		code, msg = s[:i], s[i+1:]
	}
	c, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return errors.Errorf("unparseable error queue reply %q", s)
	}
	if c == 0 {
		return nil
	}
	return &Error{Code: c, Message: strings.Trim(strings.TrimSpace(msg), `"`)}
}

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// Timeout bounds each request/response; DefaultTimeout if zero
	Timeout time.Duration
}

func (s *SCPI) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

// exchange sends cmd and, if query, reads one terminated reply.
// With handshake the command is bracketed by a queue clear and an error
// query, and the error reply is split off the end of the response.
func (s *SCPI) exchange(d time.Duration, handshake, query bool, cmd string) (_ []byte, err error) {
	conn, err := s.Pool.Get()
	if err != nil {
		return nil, errors.Wrap(err, "scpi")
	}
	defer func() { s.Pool.ReturnWithError(conn, transportError(err)) }()
	wrap := comm.NewTerminator(comm.NewTimeout(conn, d), '\n', '\n')
	if handshake {
		cmd = "*CLS;" + cmd + ";" + errorQuery
	}
	if _, err = io.WriteString(wrap, cmd); err != nil {
		return nil, errors.Wrapf(err, "write %q", cmd)
	}
	if !query && !handshake {
		return nil, nil
	}
	buf := make([]byte, tcpFrameSize)
	n, err := wrap.Read(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "read reply to %q", cmd)
	}
	resp := trimTerminators(buf[:n])
	if !handshake {
		return resp, nil
	}
	body, queue := "", string(resp)
	if i := strings.LastIndexByte(queue, ';'); i >= 0 {
		body, queue = queue[:i], queue[i+1:]
	}
	if ferr := ParseError(queue); ferr != nil {
		return nil, ferr
	}
	return []byte(body), nil
}

// transportError filters err down to the errors that mean the connection
// is no longer usable.  Instrument faults leave it intact.
func transportError(err error) error {
	if _, ok := errors.Cause(err).(*Error); ok {
		return nil
	}
	return err
}

func trimTerminators(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	_, err := s.exchange(s.timeout(), s.Handshaking, false, strings.Join(cmds, " "))
	return err
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	return s.exchange(s.timeout(), s.Handshaking, true, strings.Join(cmds, " "))
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	return string(resp), err
}

// ReadStringWithin is ReadString with a one-off timeout, for queries
// whose reply is deliberately held back by the device, such as *OPC?
func (s *SCPI) ReadStringWithin(d time.Duration, cmds ...string) (string, error) {
	resp, err := s.exchange(d, false, true, strings.Join(cmds, " "))
	return string(resp), err
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	return f, errors.Wrapf(err, "parse reply to %q", strings.Join(cmds, " "))
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean.  ON and OFF are accepted
// in addition to 1 and 0.
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(strings.TrimSpace(resp)) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(resp))
	return b, errors.Wrapf(err, "parse reply to %q", strings.Join(cmds, " "))
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer.  Integers sent in
// float notation (1E+4) are accepted.
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	resp = strings.TrimSpace(resp)
	if i, err := strconv.Atoi(resp); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse reply to %q", strings.Join(cmds, " "))
	}
	return int(f), nil
}

// Raw sends a command to the scope and returns a response if it was a query,
// else a blank string.  Raw never handshakes.
func (s *SCPI) Raw(str string) (string, error) {
	resp, err := s.exchange(s.timeout(), false, strings.Contains(str, "?"), str)
	return string(resp), err
}

// ReadBlock sends a query and reads an IEEE 488.2 definite length block,
// #<n><length><data>, returning the data
func (s *SCPI) ReadBlock(cmd string) (_ []byte, err error) {
	conn, err := s.Pool.Get()
	if err != nil {
		return nil, errors.Wrap(err, "scpi")
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	wrap := comm.NewTimeout(conn, s.timeout())
	if _, err = io.WriteString(wrap, cmd+"\n"); err != nil {
		return nil, errors.Wrapf(err, "write %q", cmd)
	}
	data, err := readBlock(wrap)
	return data, errors.Wrapf(err, "read block reply to %q", cmd)
}

func readBlock(r io.Reader) ([]byte, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	if head[0] != '#' || head[1] < '1' || head[1] > '9' {
		return nil, ErrBadBlock
	}
	digits := make([]byte, int(head[1]-'0'))
	if _, err := io.ReadFull(r, digits); err != nil {
		return nil, err
	}
	length, err := strconv.Atoi(string(digits))
	if err != nil || length < 0 {
		return nil, ErrBadBlock
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	// the block is followed by the message terminator
	if _, err := io.ReadFull(r, head[:1]); err != nil {
		return nil, err
	}
	return data, nil
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	str, err := s.Raw(errorQuery)
	if err != nil {
		return err
	}
	return ParseError(str)
}

// AllErrors returns all errors from the device as a list
func (s *SCPI) AllErrors() []error {
	var errs []error
	for {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		if _, ok := err.(*Error); !ok {
			// transport trouble; the queue cannot be drained
			break
		}
	}
	return errs
}

// AllErrorsString is equivalent to AllErrors, but joining by newline
// if there were no errors, the error return value is nil, otherwise
// it is the first error in the list and has no particular meaning
func (s *SCPI) AllErrorsString() (string, error) {
	errs := s.AllErrors()
	if len(errs) == 0 {
		return "", nil
	}
	strs := make([]string, len(errs))
	for i := 0; i < len(errs); i++ {
		strs[i] = errs[i].Error()
	}
	return strings.Join(strs, "\n"), errs[0]
}
