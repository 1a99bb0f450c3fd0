package oscilloscope

import (
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockFault is an instrument fault raised by MockInstrument
type MockFault struct {
	Code int
}

func (f MockFault) Error() string {
	return "mock instrument fault " + strconv.Itoa(f.Code)
}

// FaultCode returns the fault's code
func (f MockFault) FaultCode() int {
	return f.Code
}

// mockTimeout is a transport timeout, it satisfies net.Error
type mockTimeout struct{}

func (mockTimeout) Error() string   { return "mock instrument i/o timeout" }
func (mockTimeout) Timeout() bool   { return true }
func (mockTimeout) Temporary() bool { return true }

// MockInstrument is an in-memory Instrument.  Acquisitions complete
// AcquireFor after Start, or never if Never is set.  Every call is counted,
// and Fail may inject an error into any of them.
type MockInstrument struct {
	mu sync.Mutex

	// Host is the address the mock was built for
	Host string

	// AcquireFor is the duration of an acquisition
	AcquireFor time.Duration

	// Never makes acquisitions run until stopped
	Never bool

	// Fail is consulted at the top of every call with the method name;
	// a non-nil return is returned by the call
	Fail func(op string) error

	// CodesPerDivision is the ADC resolution of RawWaveform
	CodesPerDivision float64

	settings Settings
	open     bool
	running  bool
	acqEnd   time.Time
	display  bool
	calls    map[string]int
	log      []string
	busy     int
	overlaps int
}

// NewMockInstrument returns a mock with a plausible initial configuration:
// a 1 ms window of 1000 samples, channel one enabled at 1 V/div
func NewMockInstrument(host string) *MockInstrument {
	m := &MockInstrument{
		Host:             host,
		AcquireFor:       10 * time.Millisecond,
		CodesPerDivision: 25,
		display:          true,
		calls:            make(map[string]int),
	}
	m.settings.TimeRange = 1e-3
	m.settings.RecordLength = 1000
	for i := range m.settings.Channels {
		m.settings.Channels[i] = ChannelSettings{Coupling: "DC", Scale: 1}
	}
	m.settings.Channels[0].Enabled = true
	m.settings.TriggerSource = 1
	m.settings.TriggerSlope = Rising
	m.settings.TriggerCoupling = "DC"
	return m
}

// MockFactory is a Factory of MockInstruments, it remembers the last one made
type MockFactory struct {
	mu   sync.Mutex
	last *MockInstrument

	// Configure, if not nil, is applied to each mock as it is made
	Configure func(*MockInstrument)
}

// New builds a mock for host
func (f *MockFactory) New(host string) Instrument {
	m := NewMockInstrument(host)
	if f.Configure != nil {
		f.Configure(m)
	}
	f.mu.Lock()
	f.last = m
	f.mu.Unlock()
	return m
}

// Last is the most recently built mock
func (f *MockFactory) Last() *MockInstrument {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// enter records a call and checks for overlapping use.  The returned
// function must be called when the call ends.
func (m *MockInstrument) enter(op string) (func(), error) {
	m.mu.Lock()
	m.calls[op]++
	m.log = append(m.log, op)
	m.busy++
	if m.busy > 1 {
		m.overlaps++
	}
	fail := m.Fail
	m.mu.Unlock()
	exit := func() {
		m.mu.Lock()
		m.busy--
		m.mu.Unlock()
	}
	if fail != nil {
		if err := fail(op); err != nil {
			exit()
			return nil, err
		}
	}
	return exit, nil
}

// SetFail replaces Fail while the mock is in use
func (m *MockInstrument) SetFail(fn func(op string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fail = fn
}

// Count is the number of times a method was called
func (m *MockInstrument) Count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Calls is the sequence of methods called
func (m *MockInstrument) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.log...)
}

// Overlaps is the number of calls made while another was in progress
func (m *MockInstrument) Overlaps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlaps
}

// IsOpen is true between Open and Close
func (m *MockInstrument) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// DisplayOn is the state of the local display
func (m *MockInstrument) DisplayOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.display
}

// Settings is the mock's configuration
func (m *MockInstrument) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Open opens the mock
func (m *MockInstrument) Open() error {
	exit, err := m.enter("Open")
	if err != nil {
		return err
	}
	defer exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = true
	return nil
}

// Close closes the mock
func (m *MockInstrument) Close() error {
	exit, err := m.enter("Close")
	if err != nil {
		return err
	}
	defer exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	m.running = false
	return nil
}

// call is enter, failing with io.ErrClosedPipe when the mock is not open
func (m *MockInstrument) call(op string) (func(), error) {
	exit, err := m.enter(op)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	open := m.open
	m.mu.Unlock()
	if !open {
		exit()
		return nil, io.ErrClosedPipe
	}
	return exit, nil
}

// Identity returns a fixed identity naming the host
func (m *MockInstrument) Identity() (string, error) {
	exit, err := m.call("Identity")
	if err != nil {
		return "", err
	}
	defer exit()
	return "Mock,Oscilloscope," + m.Host + ",1.0", nil
}

// Start begins an acquisition
func (m *MockInstrument) Start(mode TriggerMode) error {
	exit, err := m.call("Start")
	if err != nil {
		return err
	}
	defer exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	m.acqEnd = time.Now().Add(m.AcquireFor)
	return nil
}

// Stop ends an acquisition
func (m *MockInstrument) Stop() error {
	exit, err := m.call("Stop")
	if err != nil {
		return err
	}
	defer exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

// acquiring is true while the acquisition runs.  m.mu must be held.
func (m *MockInstrument) acquiring() bool {
	if !m.running {
		return false
	}
	if !m.Never && !time.Now().Before(m.acqEnd) {
		m.running = false
	}
	return m.running
}

// Acquiring is true while an acquisition runs
func (m *MockInstrument) Acquiring() (bool, error) {
	exit, err := m.call("Acquiring")
	if err != nil {
		return false, err
	}
	defer exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquiring(), nil
}

// WaitComplete blocks until the acquisition completes, or returns a
// timeout error after timeout
func (m *MockInstrument) WaitComplete(timeout time.Duration) error {
	exit, err := m.call("WaitComplete")
	if err != nil {
		return err
	}
	defer exit()
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		acq := m.acquiring()
		m.mu.Unlock()
		if !acq {
			return nil
		}
		if !time.Now().Before(deadline) {
			return mockTimeout{}
		}
		time.Sleep(time.Millisecond)
	}
}

// SetDisplay powers the display on or off
func (m *MockInstrument) SetDisplay(on bool) error {
	op := "DisplayOff"
	if on {
		op = "DisplayOn"
	}
	exit, err := m.call(op)
	if err != nil {
		return err
	}
	defer exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.display = on
	return nil
}

// Raw answers *IDN? and echoes queries, commands return nothing
func (m *MockInstrument) Raw(cmd string) (string, error) {
	exit, err := m.call("Raw")
	if err != nil {
		return "", err
	}
	defer exit()
	cmd = strings.TrimSpace(cmd)
	switch {
	case strings.EqualFold(cmd, "*IDN?"):
		return "Mock,Oscilloscope," + m.Host + ",1.0", nil
	case strings.HasSuffix(cmd, "?"):
		return cmd, nil
	}
	return "", nil
}

// RawWaveform returns a sine wave of a few cycles in divisions, quantized
// to the ADC resolution, with a phase that depends on the channel
func (m *MockInstrument) RawWaveform(ch int) ([]float64, error) {
	exit, err := m.call("RawWaveform")
	if err != nil {
		return nil, err
	}
	defer exit()
	m.mu.Lock()
	n := m.settings.RecordLength
	m.mu.Unlock()
	codes := make([]int8, n)
	for i := range codes {
		codes[i] = int8(math.Round(100 * math.Sin(2*math.Pi*3*float64(i)/float64(n)+float64(ch))))
	}
	return CodesToDivisions(codes, m.CodesPerDivision), nil
}

// access runs fn on the settings as one call named op
func (m *MockInstrument) access(op string, fn func(st *Settings)) error {
	exit, err := m.call(op)
	if err != nil {
		return err
	}
	defer exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.settings)
	return nil
}

func (m *MockInstrument) GetTimeRange() (v float64, err error) {
	err = m.access("GetTimeRange", func(st *Settings) { v = st.TimeRange })
	return
}

func (m *MockInstrument) SetTimeRange(v float64) error {
	return m.access("SetTimeRange", func(st *Settings) { st.TimeRange = v })
}

func (m *MockInstrument) GetTimePosition() (v float64, err error) {
	err = m.access("GetTimePosition", func(st *Settings) { v = st.TimePosition })
	return
}

func (m *MockInstrument) SetTimePosition(v float64) error {
	return m.access("SetTimePosition", func(st *Settings) { st.TimePosition = v })
}

func (m *MockInstrument) GetRecordLength() (v int, err error) {
	err = m.access("GetRecordLength", func(st *Settings) { v = st.RecordLength })
	return
}

func (m *MockInstrument) SetRecordLength(v int) error {
	return m.access("SetRecordLength", func(st *Settings) { st.RecordLength = v })
}

func (m *MockInstrument) GetChannelEnabled(ch int) (v bool, err error) {
	err = m.access("GetChannelEnabled", func(st *Settings) { v = st.Channels[ch-1].Enabled })
	return
}

func (m *MockInstrument) SetChannelEnabled(ch int, v bool) error {
	return m.access("SetChannelEnabled", func(st *Settings) { st.Channels[ch-1].Enabled = v })
}

func (m *MockInstrument) GetChannelCoupling(ch int) (v string, err error) {
	err = m.access("GetChannelCoupling", func(st *Settings) { v = st.Channels[ch-1].Coupling })
	return
}

func (m *MockInstrument) SetChannelCoupling(ch int, v string) error {
	return m.access("SetChannelCoupling", func(st *Settings) { st.Channels[ch-1].Coupling = v })
}

func (m *MockInstrument) GetChannelPosition(ch int) (v float64, err error) {
	err = m.access("GetChannelPosition", func(st *Settings) { v = st.Channels[ch-1].Position })
	return
}

// SetChannelPosition coerces to the ±5 division screen
func (m *MockInstrument) SetChannelPosition(ch int, v float64) error {
	return m.access("SetChannelPosition", func(st *Settings) {
		st.Channels[ch-1].Position = math.Max(-5, math.Min(5, v))
	})
}

func (m *MockInstrument) GetChannelScale(ch int) (v float64, err error) {
	err = m.access("GetChannelScale", func(st *Settings) { v = st.Channels[ch-1].Scale })
	return
}

// SetChannelScale coerces to [1 mV, 10 V] per division
func (m *MockInstrument) SetChannelScale(ch int, v float64) error {
	return m.access("SetChannelScale", func(st *Settings) {
		st.Channels[ch-1].Scale = math.Max(1e-3, math.Min(10, v))
	})
}

func (m *MockInstrument) GetTriggerSource() (v int, err error) {
	err = m.access("GetTriggerSource", func(st *Settings) { v = st.TriggerSource })
	return
}

func (m *MockInstrument) SetTriggerSource(v int) error {
	return m.access("SetTriggerSource", func(st *Settings) { st.TriggerSource = v })
}

func (m *MockInstrument) GetTriggerSlope() (v Slope, err error) {
	err = m.access("GetTriggerSlope", func(st *Settings) { v = st.TriggerSlope })
	return
}

func (m *MockInstrument) SetTriggerSlope(v Slope) error {
	return m.access("SetTriggerSlope", func(st *Settings) { st.TriggerSlope = v })
}

func (m *MockInstrument) GetTriggerLevel(src int) (v float64, err error) {
	err = m.access("GetTriggerLevel", func(st *Settings) { v = st.TriggerLevels[src-1] })
	return
}

func (m *MockInstrument) SetTriggerLevel(src int, v float64) error {
	return m.access("SetTriggerLevel", func(st *Settings) { st.TriggerLevels[src-1] = v })
}

func (m *MockInstrument) GetTriggerCoupling() (v string, err error) {
	err = m.access("GetTriggerCoupling", func(st *Settings) { v = st.TriggerCoupling })
	return
}

func (m *MockInstrument) SetTriggerCoupling(v string) error {
	return m.access("SetTriggerCoupling", func(st *Settings) { st.TriggerCoupling = v })
}
