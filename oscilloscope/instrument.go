package oscilloscope

import "time"

const (
	// NumChannels is the number of analog input channels
	NumChannels = 4

	// ExternalTrigger is the trigger source of the external trigger input
	ExternalTrigger = NumChannels + 1

	// HorizontalDivisions is the number of divisions across the screen
	HorizontalDivisions = 10
)

// TriggerMode is the way an acquisition is started
type TriggerMode int

const (
	// TriggerSingle captures one record
	TriggerSingle TriggerMode = iota

	// TriggerContinuous keeps acquiring, the instrument is polled until idle
	TriggerContinuous
)

// Instrument is the driver for one oscilloscope.  Channels and trigger
// sources are numbered from one.  Implementations are not required to be
// concurrent safe; the Controller serializes every call.
type Instrument interface {
	// Open establishes the connection and prepares the instrument for
	// binary waveform readout
	Open() error

	// Close releases the connection
	Close() error

	// Identity returns the instrument's self-reported identity string
	Identity() (string, error)

	// Start begins an acquisition
	Start(TriggerMode) error

	// Stop forces the instrument to idle
	Stop() error

	// Acquiring is true while an acquisition is in progress
	Acquiring() (bool, error)

	// WaitComplete blocks until the pending operation is complete,
	// or the timeout elapses
	WaitComplete(timeout time.Duration) error

	// SetDisplay powers the instrument's local display on or off
	SetDisplay(on bool) error

	// Raw sends cmd verbatim, returning the reply for queries
	Raw(cmd string) (string, error)

	// RawWaveform returns the last record of a channel in divisions
	RawWaveform(ch int) ([]float64, error)

	GetTimeRange() (float64, error)
	SetTimeRange(float64) error
	GetTimePosition() (float64, error)
	SetTimePosition(float64) error
	GetRecordLength() (int, error)
	SetRecordLength(int) error

	GetChannelEnabled(ch int) (bool, error)
	SetChannelEnabled(ch int, on bool) error
	GetChannelCoupling(ch int) (string, error)
	SetChannelCoupling(ch int, coupling string) error
	GetChannelPosition(ch int) (float64, error)
	SetChannelPosition(ch int, div float64) error
	GetChannelScale(ch int) (float64, error)
	SetChannelScale(ch int, voltsPerDiv float64) error

	GetTriggerSource() (int, error)
	SetTriggerSource(src int) error
	GetTriggerSlope() (Slope, error)
	SetTriggerSlope(Slope) error
	GetTriggerLevel(src int) (float64, error)
	SetTriggerLevel(src int, volts float64) error
	GetTriggerCoupling() (string, error)
	SetTriggerCoupling(string) error
}

// Factory builds an Instrument for a host address
type Factory func(host string) Instrument

// Fault is an error reported by the instrument itself, as opposed to the
// transport, carrying the instrument's numeric code
type Fault interface {
	error
	FaultCode() int
}
