package oscilloscope

import (
	"net"

	"github.com/pkg/errors"
)

// CompletionStrategy selects how the end of an acquisition is detected
type CompletionStrategy int

const (
	// BusyWait polls the instrument at a bounded interval.  Each poll is a
	// short exchange, so the connection remains available between polls.
	BusyWait CompletionStrategy = iota

	// Blocking issues a single operation-complete query which is not
	// answered until the acquisition ends.  The connection is held for the
	// whole acquisition and every other instrument operation waits behind
	// it.  It is never a default.
	Blocking
)

func (c CompletionStrategy) String() string {
	if c == Blocking {
		return "blocking"
	}
	return "busy-wait"
}

// StopMode is the meaning of Stop after a completed acquisition
type StopMode int

const (
	// StopNoop returns to Connected without commanding the instrument
	StopNoop StopMode = iota

	// StopRearm issues the stop command to re-arm the trigger system and
	// remains in Stopped with the data kept
	StopRearm
)

// FaultClass is the outcome of classifying an error seen during a run
type FaultClass int

const (
	// FaultNone is no error
	FaultNone FaultClass = iota

	// FaultCompletion is an error the variant treats as normal completion
	FaultCompletion

	// FaultInstrument is a fault reported by the instrument
	FaultInstrument

	// FaultTransient is a transport timeout which may clear
	FaultTransient

	// FaultTransport is any other transport failure
	FaultTransport
)

func (f FaultClass) String() string {
	return [...]string{"none", "completion", "instrument", "transient", "transport"}[f]
}

// FaultPolicy decides which errors seen while polling are promoted to
// acquisition errors and which are normal completion signals
type FaultPolicy struct {
	// Completion errors are matched with errors.Is
	Completion []error

	// CompletionCodes are instrument fault codes treated as completion
	CompletionCodes []int
}

// Classify sorts err into a FaultClass
func (p FaultPolicy) Classify(err error) FaultClass {
	if err == nil {
		return FaultNone
	}
	for _, c := range p.Completion {
		if errors.Is(err, c) {
			return FaultCompletion
		}
	}
	var f Fault
	if errors.As(err, &f) {
		for _, code := range p.CompletionCodes {
			if f.FaultCode() == code {
				return FaultCompletion
			}
		}
		return FaultInstrument
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return FaultTransient
	}
	return FaultTransport
}

// DisplayPolicy is the variant's management of the instrument's display
type DisplayPolicy struct {
	// PowerOffDuringRun turns the display off before every run, and
	// guarantees it is turned back on when the connection is torn down
	PowerOffDuringRun bool
}

// Variant is the bundle of behaviors that distinguish one instrument family
// from another.  New families are new values; the Controller does not change.
type Variant struct {
	// Name identifies the variant in logs and metrics
	Name string

	// Trigger is the acquisition start mode
	Trigger TriggerMode

	// Completion is the initial completion strategy
	Completion CompletionStrategy

	// BusyWaitToggle exposes the BusyWait expert attribute, which selects
	// between BusyWait (true) and Blocking (false) at runtime
	BusyWaitToggle bool

	// Faults is the acquisition error tolerance
	Faults FaultPolicy

	// Display is the display power management
	Display DisplayPolicy

	// RecordLengthFixed makes RecordLength read-only
	RecordLengthFixed bool

	// Couplings is the set of valid channel couplings
	Couplings []string

	// TriggerCouplings is the set of valid trigger input couplings
	TriggerCouplings []string

	// StopMode is the behavior of Stop from Stopped
	StopMode StopMode
}

// Generic is the baseline variant: single shot, busy-wait, no tolerated
// faults, no display management
var Generic = Variant{
	Name:             "generic",
	Trigger:          TriggerSingle,
	Completion:       BusyWait,
	Couplings:        []string{"DC", "AC", "GND"},
	TriggerCouplings: []string{"DC", "AC", "HF"},
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
