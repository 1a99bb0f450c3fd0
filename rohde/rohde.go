// Package rohde provides drivers for Rohde & Schwarz RTM and RTO series
// oscilloscopes over SCPI, and the controller variants that match their
// behavior
package rohde

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/nasa-jpl/scopesrv/comm"
	"github.com/nasa-jpl/scopesrv/oscilloscope"
	"github.com/nasa-jpl/scopesrv/scpi"
)

const (
	// codesPerDivision is the vertical resolution of 8 bit INT readout
	codesPerDivision = 25

	// operation condition bits: waiting for trigger, measuring
	opcWaitTrigger = 1 << 3
	opcMeasuring   = 1 << 4

	idleTimeout = 10 * time.Minute

	serialBaud = 115200
)

// ErrUnknownSeries is generated by ParseSeries for an unknown type name
var ErrUnknownSeries = errors.New("unknown oscilloscope series")

var (
	// RTM is the continuous-run variant.  Acquisitions are started with RUN
	// and the scope drops the connection when the run is interrupted, which
	// is a normal end of acquisition.  The record length is fixed by the
	// time base.  Stop re-arms the trigger system.
	RTM = oscilloscope.Variant{
		Name:              "rohde-rtm",
		Trigger:           oscilloscope.TriggerContinuous,
		Completion:        oscilloscope.BusyWait,
		Faults:            oscilloscope.FaultPolicy{Completion: []error{io.EOF, io.ErrUnexpectedEOF}},
		RecordLengthFixed: true,
		Couplings:         []string{"DC", "AC", "GND"},
		TriggerCouplings:  []string{"DC", "AC", "HF"},
		StopMode:          oscilloscope.StopRearm,
	}

	// RTO is the display-managed variant.  The display is turned off during
	// acquisitions and back on when the connection is torn down.  The
	// BusyWait expert toggle selects the blocking *OPC? strategy.
	RTO = oscilloscope.Variant{
		Name:             "rohde-rto",
		Trigger:          oscilloscope.TriggerSingle,
		Completion:       oscilloscope.BusyWait,
		BusyWaitToggle:   true,
		Display:          oscilloscope.DisplayPolicy{PowerOffDuringRun: true},
		Couplings:        []string{"DC", "DCLIMIT", "AC"},
		TriggerCouplings: []string{"DC", "AC", "HF"},
		StopMode:         oscilloscope.StopNoop,
	}
)

// commands is the command table of a series
type commands struct {
	timePosition string
	trigger      string
	source       string // channel source mnemonic, formatted with the channel
	display      string // empty if the display is not managed

	// couplings maps a coupling name to its mnemonic
	couplings        map[string]string
	triggerCouplings map[string]string
}

var (
	rtmCommands = commands{
		timePosition:     "TIMebase:POSition",
		trigger:          "TRIGger:A",
		source:           "CH%d",
		couplings:        map[string]string{"DC": "DCLimit", "AC": "ACLimit", "GND": "GND"},
		triggerCouplings: map[string]string{"DC": "DC", "AC": "AC", "HF": "HFReject"},
	}
	rtoCommands = commands{
		timePosition:     "TIMebase:HORizontal:POSition",
		trigger:          "TRIGger1",
		source:           "CHAN%d",
		display:          "SYSTem:DISPlay:UPDate",
		couplings:        map[string]string{"DC": "DC", "DCLIMIT": "DCLimit", "AC": "AC"},
		triggerCouplings: map[string]string{"DC": "DC", "AC": "AC", "HF": "HFReject"},
	}
)

// Series is a family of R&S oscilloscopes
type Series int

const (
	// RTMSeries is the RTM2000/RTM3000 family
	RTMSeries Series = iota

	// RTOSeries is the RTO2000 family
	RTOSeries
)

// ParseSeries decodes a series from a configuration type name,
// rtm, rohde-rtm, rto, or rohde-rto
func ParseSeries(s string) (Series, error) {
	switch strings.TrimPrefix(strings.ToLower(s), "rohde-") {
	case "rtm":
		return RTMSeries, nil
	case "rto":
		return RTOSeries, nil
	}
	return 0, errors.Wrapf(ErrUnknownSeries, "%q", s)
}

func (s Series) String() string {
	if s == RTOSeries {
		return "RTO"
	}
	return "RTM"
}

// Variant is the controller variant of the series
func (s Series) Variant() oscilloscope.Variant {
	if s == RTOSeries {
		return RTO
	}
	return RTM
}

func (s Series) commands() commands {
	if s == RTOSeries {
		return rtoCommands
	}
	return rtmCommands
}

// Factory returns a Factory of scopes of the series with the given
// communication timeout
func (s Series) Factory(timeout time.Duration) oscilloscope.Factory {
	return func(host string) oscilloscope.Instrument {
		return NewScope(host, s, timeout)
	}
}

// Scope is a remote R&S oscilloscope.  It implements oscilloscope.Instrument.
type Scope struct {
	scpi.SCPI

	series Series
	cmds   commands
}

var _ oscilloscope.Instrument = (*Scope)(nil)

// NewScope creates a new scope instance.  addr is a host or host:port
// reached over TCP (port 5025 if omitted), or a serial device such as
// /dev/ttyUSB0 or COM3.  No connection is made until Open.
func NewScope(addr string, s Series, timeout time.Duration) *Scope {
	var maker comm.CreationFunc
	if isSerial(addr) {
		maker = comm.SerialConnMaker(&serial.Config{Name: addr, Baud: serialBaud, ReadTimeout: timeout})
	} else {
		maker = comm.BackingOffTCPConnMaker(comm.WithDefaultPort(addr, comm.DefaultSCPIPort), timeout)
	}
	pool := comm.NewPool(1, idleTimeout, maker)
	return &Scope{
		SCPI:   scpi.SCPI{Pool: pool, Handshaking: true, Timeout: timeout},
		series: s,
		cmds:   s.commands(),
	}
}

func isSerial(addr string) bool {
	return strings.HasPrefix(addr, "/dev/") || strings.HasPrefix(strings.ToUpper(addr), "COM")
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// short is the short form of a SCPI mnemonic, its leading capitals
func short(mnemonic string) string {
	for i, r := range mnemonic {
		if r < 'A' || r > 'Z' {
			return mnemonic[:i]
		}
	}
	return mnemonic
}

// lookup decodes a mnemonic reply against a name->mnemonic table
func lookup(table map[string]string, reply string) (string, error) {
	reply = strings.ToUpper(strings.TrimSpace(reply))
	for name, m := range table {
		if reply == strings.ToUpper(m) || reply == short(m) {
			return name, nil
		}
	}
	return "", errors.Errorf("unknown mnemonic %q", reply)
}

// Open connects and configures 8 bit binary waveform readout
func (s *Scope) Open() error {
	return errors.Wrap(s.Write("FORMat:DATA INT,8"), "configure readout")
}

// Close releases the connection
func (s *Scope) Close() error {
	return s.Pool.Close()
}

// Identity returns the *IDN? string
func (s *Scope) Identity() (string, error) {
	idn, err := s.ReadString("*IDN?")
	return strings.TrimSpace(idn), err
}

// Start begins an acquisition
func (s *Scope) Start(mode oscilloscope.TriggerMode) error {
	if mode == oscilloscope.TriggerContinuous {
		return s.Write("RUN")
	}
	return s.Write("RUNSingle")
}

// Stop halts the acquisition
func (s *Scope) Stop() error {
	return s.Write("STOP")
}

// Acquiring reads the operation condition register; the scope is acquiring
// while waiting for a trigger or measuring
func (s *Scope) Acquiring() (bool, error) {
	cond, err := s.ReadInt("STATus:OPERation:CONDition?")
	if err != nil {
		return false, err
	}
	return cond&(opcWaitTrigger|opcMeasuring) != 0, nil
}

// WaitComplete issues *OPC?, which the scope answers when the pending
// acquisition completes.  The connection is held until then.
func (s *Scope) WaitComplete(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	resp, err := s.ReadStringWithin(timeout, "*OPC?")
	if err != nil {
		return err
	}
	if strings.TrimSpace(resp) != "1" {
		return errors.Errorf("unexpected *OPC? reply %q", resp)
	}
	return nil
}

// SetDisplay turns display updates on or off.  It does nothing on series
// whose display is not managed.
func (s *Scope) SetDisplay(on bool) error {
	if s.cmds.display == "" {
		return nil
	}
	return s.Write(s.cmds.display, onOff(on))
}

// RawWaveform transfers the record of a channel and converts it to divisions
func (s *Scope) RawWaveform(ch int) ([]float64, error) {
	buf, err := s.ReadBlock(fmt.Sprintf("CHANnel%d:DATA?", ch))
	if err != nil {
		return nil, err
	}
	codes := make([]int8, len(buf))
	for i, b := range buf {
		codes[i] = int8(b)
	}
	return oscilloscope.CodesToDivisions(codes, codesPerDivision), nil
}

// GetTimeRange returns the acquisition time range in seconds
func (s *Scope) GetTimeRange() (float64, error) {
	return s.ReadFloat("TIMebase:RANGe?")
}

// SetTimeRange sets the acquisition time range in seconds
func (s *Scope) SetTimeRange(v float64) error {
	return s.Write(fmt.Sprintf("TIMebase:RANGe %E", v))
}

// GetTimePosition returns the horizontal position in seconds
func (s *Scope) GetTimePosition() (float64, error) {
	return s.ReadFloat(s.cmds.timePosition + "?")
}

// SetTimePosition sets the horizontal position in seconds
func (s *Scope) SetTimePosition(v float64) error {
	return s.Write(fmt.Sprintf("%s %E", s.cmds.timePosition, v))
}

// GetRecordLength returns the number of samples in a record
func (s *Scope) GetRecordLength() (int, error) {
	return s.ReadInt("ACQuire:POINts?")
}

// SetRecordLength sets the number of samples in a record
func (s *Scope) SetRecordLength(n int) error {
	return s.Write("ACQuire:POINts " + strconv.Itoa(n))
}

// GetChannelEnabled returns true if a channel is active
func (s *Scope) GetChannelEnabled(ch int) (bool, error) {
	return s.ReadBool(fmt.Sprintf("CHANnel%d:STATe?", ch))
}

// SetChannelEnabled activates or deactivates a channel
func (s *Scope) SetChannelEnabled(ch int, on bool) error {
	return s.Write(fmt.Sprintf("CHANnel%d:STATe %s", ch, onOff(on)))
}

// GetChannelCoupling returns the input coupling of a channel
func (s *Scope) GetChannelCoupling(ch int) (string, error) {
	resp, err := s.ReadString(fmt.Sprintf("CHANnel%d:COUPling?", ch))
	if err != nil {
		return "", err
	}
	return lookup(s.cmds.couplings, resp)
}

// SetChannelCoupling sets the input coupling of a channel
func (s *Scope) SetChannelCoupling(ch int, coupling string) error {
	m, ok := s.cmds.couplings[coupling]
	if !ok {
		return errors.Errorf("%s does not support coupling %q", s.series, coupling)
	}
	return s.Write(fmt.Sprintf("CHANnel%d:COUPling %s", ch, m))
}

// GetChannelPosition returns the vertical position of a channel in divisions
func (s *Scope) GetChannelPosition(ch int) (float64, error) {
	return s.ReadFloat(fmt.Sprintf("CHANnel%d:POSition?", ch))
}

// SetChannelPosition sets the vertical position of a channel in divisions
func (s *Scope) SetChannelPosition(ch int, div float64) error {
	return s.Write(fmt.Sprintf("CHANnel%d:POSition %E", ch, div))
}

// GetChannelScale returns the vertical scale of a channel in volts per division
func (s *Scope) GetChannelScale(ch int) (float64, error) {
	return s.ReadFloat(fmt.Sprintf("CHANnel%d:SCALe?", ch))
}

// SetChannelScale sets the vertical scale of a channel in volts per division
func (s *Scope) SetChannelScale(ch int, voltsPerDiv float64) error {
	return s.Write(fmt.Sprintf("CHANnel%d:SCALe %E", ch, voltsPerDiv))
}

// GetTriggerSource returns the trigger source, a channel or
// oscilloscope.ExternalTrigger
func (s *Scope) GetTriggerSource() (int, error) {
	resp, err := s.ReadString(s.cmds.trigger + ":SOURce?")
	if err != nil {
		return 0, err
	}
	resp = strings.ToUpper(strings.TrimSpace(resp))
	if strings.HasPrefix(resp, "EXT") {
		return oscilloscope.ExternalTrigger, nil
	}
	i := strings.LastIndexFunc(resp, func(r rune) bool { return r < '0' || r > '9' })
	ch, err := strconv.Atoi(resp[i+1:])
	if err != nil || ch < 1 || ch > oscilloscope.NumChannels {
		return 0, errors.Errorf("unsupported trigger source %q", resp)
	}
	return ch, nil
}

// SetTriggerSource sets the trigger source
func (s *Scope) SetTriggerSource(src int) error {
	m := "EXTernanalog"
	if src != oscilloscope.ExternalTrigger {
		m = fmt.Sprintf(s.cmds.source, src)
	}
	return s.Write(s.cmds.trigger+":SOURce", m)
}

var slopes = map[oscilloscope.Slope]string{
	oscilloscope.Rising:  "POSitive",
	oscilloscope.Falling: "NEGative",
	oscilloscope.Either:  "EITHer",
}

// GetTriggerSlope returns the edge trigger slope
func (s *Scope) GetTriggerSlope() (oscilloscope.Slope, error) {
	resp, err := s.ReadString(s.cmds.trigger + ":EDGE:SLOPe?")
	if err != nil {
		return 0, err
	}
	resp = strings.ToUpper(strings.TrimSpace(resp))
	for sl, m := range slopes {
		if resp == short(m) || resp == strings.ToUpper(m) {
			return sl, nil
		}
	}
	return 0, errors.Errorf("unknown trigger slope %q", resp)
}

// SetTriggerSlope sets the edge trigger slope
func (s *Scope) SetTriggerSlope(sl oscilloscope.Slope) error {
	m, ok := slopes[sl]
	if !ok {
		return errors.Errorf("unknown trigger slope %d", sl)
	}
	return s.Write(s.cmds.trigger+":EDGE:SLOPe", m)
}

// GetTriggerLevel returns the trigger level of a source in volts
func (s *Scope) GetTriggerLevel(src int) (float64, error) {
	return s.ReadFloat(fmt.Sprintf("%s:LEVel%d?", s.cmds.trigger, src))
}

// SetTriggerLevel sets the trigger level of a source in volts
func (s *Scope) SetTriggerLevel(src int, volts float64) error {
	return s.Write(fmt.Sprintf("%s:LEVel%d %E", s.cmds.trigger, src, volts))
}

// GetTriggerCoupling returns the trigger input coupling
func (s *Scope) GetTriggerCoupling() (string, error) {
	resp, err := s.ReadString(s.cmds.trigger + ":EDGE:COUPling?")
	if err != nil {
		return "", err
	}
	return lookup(s.cmds.triggerCouplings, resp)
}

// SetTriggerCoupling sets the trigger input coupling
func (s *Scope) SetTriggerCoupling(coupling string) error {
	m, ok := s.cmds.triggerCouplings[coupling]
	if !ok {
		return errors.Errorf("%s does not support trigger coupling %q", s.series, coupling)
	}
	return s.Write(s.cmds.trigger+":EDGE:COUPling", m)
}
