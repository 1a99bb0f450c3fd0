package scpi_test

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nasa-jpl/scopesrv/comm"
	"github.com/nasa-jpl/scopesrv/scpi"
)

// fakeInstrument answers each newline terminated command with the reply from
// respond; an empty reply sends nothing.  Received commands are recorded.
type fakeInstrument struct {
	sync.Mutex
	respond func(cmd string) string
	got     []string
}

func (f *fakeInstrument) commands() []string {
	f.Lock()
	defer f.Unlock()
	return append([]string(nil), f.got...)
}

func (f *fakeInstrument) serve(t *testing.T) *scpi.SCPI {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					line = strings.TrimSuffix(line, "\n")
					f.Lock()
					f.got = append(f.got, line)
					respond := f.respond
					f.Unlock()
					if reply := respond(line); reply != "" {
						io.WriteString(conn, reply)
					}
				}
			}(conn)
		}
	}()
	pool := comm.NewPool(1, time.Second, comm.BackingOffTCPConnMaker(ln.Addr().String(), time.Second))
	t.Cleanup(func() { pool.Close() })
	return &scpi.SCPI{Pool: pool, Timeout: time.Second}
}

func TestReadFloat(t *testing.T) {
	f := &fakeInstrument{respond: func(string) string { return "1.5E-3\n" }}
	s := f.serve(t)
	v, err := s.ReadFloat("TIMebase:RANGe?")
	if err != nil {
		t.Fatal(err)
	}
	if v != 1.5e-3 {
		t.Errorf("expected 1.5e-3, got %v", v)
	}
	if cmds := f.commands(); len(cmds) != 1 || cmds[0] != "TIMebase:RANGe?" {
		t.Errorf("unexpected commands sent %v", cmds)
	}
}

func TestReadBoolAndInt(t *testing.T) {
	replies := map[string]string{
		"CHANnel1:STATe?": "ON\n",
		"CHANnel2:STATe?": "0\n",
		"ACQuire:POINts?": "1E+4\n",
	}
	f := &fakeInstrument{respond: func(cmd string) string { return replies[cmd] }}
	s := f.serve(t)
	on, err := s.ReadBool("CHANnel1:STATe?")
	if err != nil || !on {
		t.Errorf("expected ON to parse true, got %v %v", on, err)
	}
	off, err := s.ReadBool("CHANnel2:STATe?")
	if err != nil || off {
		t.Errorf("expected 0 to parse false, got %v %v", off, err)
	}
	n, err := s.ReadInt("ACQuire:POINts?")
	if err != nil || n != 10000 {
		t.Errorf("expected 10000, got %v %v", n, err)
	}
}

func TestHandshakeOK(t *testing.T) {
	f := &fakeInstrument{respond: func(string) string { return "0,\"No error\"\n" }}
	s := f.serve(t)
	s.Handshaking = true
	if err := s.Write("CHANnel1:SCALe", "0.5"); err != nil {
		t.Fatal(err)
	}
	want := "*CLS;CHANnel1:SCALe 0.5;:SYSTem:ERRor?"
	if cmds := f.commands(); len(cmds) != 1 || cmds[0] != want {
		t.Errorf("expected %q to be sent, got %v", want, cmds)
	}
}

func TestHandshakeQuerySplitsErrorReply(t *testing.T) {
	f := &fakeInstrument{respond: func(string) string { return "0.25;+0,\"No error\"\n" }}
	s := f.serve(t)
	s.Handshaking = true
	v, err := s.ReadFloat("CHANnel1:SCALe?")
	if err != nil {
		t.Fatal(err)
	}
	if v != 0.25 {
		t.Errorf("expected 0.25, got %v", v)
	}
}

func TestHandshakeReportsFault(t *testing.T) {
	f := &fakeInstrument{respond: func(string) string { return "-222,\"Data out of range\"\n" }}
	s := f.serve(t)
	s.Handshaking = true
	err := s.Write("CHANnel1:SCALe", "-1")
	ferr, ok := err.(*scpi.Error)
	if !ok {
		t.Fatalf("expected *scpi.Error, got %T %v", err, err)
	}
	if ferr.FaultCode() != -222 || ferr.Message != "Data out of range" {
		t.Errorf("bad decode %+v", ferr)
	}
	// an instrument fault does not cost the connection
	if s.Pool.Size() != 1 {
		t.Errorf("expected the connection to be kept, pool size %d", s.Pool.Size())
	}
}

func TestRawDoesNotHandshake(t *testing.T) {
	f := &fakeInstrument{respond: func(cmd string) string {
		if strings.HasSuffix(cmd, "?") {
			return "Rohde&Schwarz,RTO,1329.7002k04/100938,4.70.1.0\n"
		}
		return ""
	}}
	s := f.serve(t)
	s.Handshaking = true
	id, err := s.Raw("*IDN?")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, "Rohde&Schwarz") {
		t.Errorf("unexpected identity %q", id)
	}
	reply, err := s.Raw("STOP")
	if err != nil || reply != "" {
		t.Errorf("expected blank reply to a command, got %q %v", reply, err)
	}
	// a query behind the command guarantees the fake saw both
	if _, err := s.Raw("*OPC?"); err != nil {
		t.Fatal(err)
	}
	if cmds := f.commands(); cmds[0] != "*IDN?" || cmds[1] != "STOP" {
		t.Errorf("raw commands were decorated %v", cmds)
	}
}

func TestReadBlock(t *testing.T) {
	payload := []byte{0, 25, '\n', 231, 50}
	f := &fakeInstrument{respond: func(string) string {
		return "#15" + string(payload) + "\n"
	}}
	s := f.serve(t)
	data, err := s.ReadBlock("CHANnel1:DATA?")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("expected %v, got %v", payload, data)
	}
	// the connection stays in sync after a binary reply
	f.Lock()
	f.respond = func(string) string { return "1\n" }
	f.Unlock()
	if v, err := s.ReadInt("*OPC?"); err != nil || v != 1 {
		t.Errorf("expected follow-up query to succeed, got %v %v", v, err)
	}
}

func TestReadBlockMalformed(t *testing.T) {
	f := &fakeInstrument{respond: func(string) string { return "12345\n" }}
	s := f.serve(t)
	_, err := s.ReadBlock("CHANnel1:DATA?")
	if err == nil {
		t.Fatal("expected malformed block to error")
	}
}

func TestParseError(t *testing.T) {
	if err := scpi.ParseError(`0,"No error"`); err != nil {
		t.Errorf("zero code should be nil, got %v", err)
	}
	if err := scpi.ParseError("+0"); err != nil {
		t.Errorf("+0 should be nil, got %v", err)
	}
	err := scpi.ParseError(`-113,"Undefined header;FOO"`)
	ferr, ok := err.(*scpi.Error)
	if !ok || ferr.Code != -113 || ferr.Message != "Undefined header;FOO" {
		t.Errorf("bad decode %#v", err)
	}
	if err := scpi.ParseError("garbage"); err == nil {
		t.Error("expected unparseable reply to error")
	}
}

func TestAllErrors(t *testing.T) {
	queue := []string{`-222,"Data out of range"`, `-113,"Undefined header"`, `0,"No error"`}
	i := 0
	f := &fakeInstrument{respond: func(string) string {
		r := queue[i]
		if i < len(queue)-1 {
			i++
		}
		return r + "\n"
	}}
	s := f.serve(t)
	str, err := s.AllErrorsString()
	if err == nil {
		t.Fatal("expected the first error to be returned")
	}
	if strings.Count(str, "\n") != 1 {
		t.Errorf("expected two errors joined, got %q", str)
	}
}
