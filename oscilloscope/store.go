package oscilloscope

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ChannelSettings is the vertical configuration of one channel
type ChannelSettings struct {
	Enabled  bool
	Coupling string

	// Position is the vertical offset in divisions
	Position float64

	// Scale is in volts per division, always > 0
	Scale float64
}

// Settings is the configuration of the instrument, as last read from or
// written to it.  Channels and TriggerLevels are indexed from zero, channel
// one is Channels[0]; TriggerLevels[ExternalTrigger-1] is the external input.
type Settings struct {
	TimeRange    float64
	TimePosition float64
	RecordLength int

	Channels [NumChannels]ChannelSettings

	TriggerSource   int
	TriggerSlope    Slope
	TriggerLevels   [ExternalTrigger]float64
	TriggerCoupling string
}

// TimeBase is the horizontal scale in seconds per division
func (s Settings) TimeBase() float64 {
	return s.TimeRange / HorizontalDivisions
}

// SampleInterval is the time between samples in seconds for the time base.
// RecordLength × SampleInterval == TimeRange.
func (s Settings) SampleInterval() float64 {
	if s.RecordLength <= 0 {
		return 0
	}
	return s.TimeBase() * HorizontalDivisions / float64(s.RecordLength)
}

type pendingWrite struct {
	attr  attribute
	value interface{}
}

// Store is the attribute store of one device.  It caches the instrument's
// configuration and the last acquisition.  Reads never touch the
// instrument; the Controller is responsible for keeping the store in sync.
// It is concurrent safe.
type Store struct {
	mu    sync.RWMutex
	attrs []attribute
	index map[string]attribute

	host       string
	identifier string
	settings   Settings
	busyWait   bool

	// derived, recomputed on commit
	timeBase       float64
	sampleInterval float64

	raw      [NumChannels][]float64
	volts    [NumChannels][]float64
	vertical [NumChannels]ChannelSettings
	timeAxis []float64
	acquired bool

	updated  time.Time
	captured time.Time
	pending  []pendingWrite
}

// NewStore returns an empty store exposing the attributes of a variant
func NewStore(v Variant) *Store {
	attrs := attributeTable(v)
	s := &Store{
		attrs:    attrs,
		index:    make(map[string]attribute, len(attrs)),
		busyWait: v.Completion == BusyWait,
		timeAxis: []float64{},
	}
	for _, a := range attrs {
		s.index[a.Name] = a
	}
	return s
}

// Descriptors lists every attribute, in display order
func (s *Store) Descriptors() []Descriptor {
	out := make([]Descriptor, len(s.attrs))
	for i, a := range s.attrs {
		out[i] = a.Descriptor
	}
	return out
}

// Descriptor returns the descriptor of the named attribute
func (s *Store) Descriptor(name string) (Descriptor, bool) {
	a, ok := s.index[name]
	return a.Descriptor, ok
}

func (s *Store) lookup(name string) (attribute, error) {
	a, ok := s.index[name]
	if !ok {
		return a, newError(name, ErrValidation, errors.New("unknown attribute"))
	}
	return a, nil
}

// Read returns the cached value of an attribute.  Values are float64, int,
// bool, string, or []float64 according to the descriptor's Type.  Waveforms
// which have not been acquired return ErrNotAvailable, unknown names
// ErrValidation.
func (s *Store) Read(name string) (interface{}, error) {
	a, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch a.key {
	case attrState, attrStatus:
		return nil, newError(name, ErrNotAvailable, errors.New("maintained by the controller"))
	case attrWaveform, attrRawWaveform:
		buf := s.raw[a.idx-1]
		if a.key == attrWaveform {
			buf = s.volts[a.idx-1]
		}
		if !s.acquired || buf == nil {
			return nil, newError(name, ErrNotAvailable, nil)
		}
		return append([]float64(nil), buf...), nil
	case attrTimeAxis:
		return append([]float64{}, s.timeAxis...), nil
	}
	return s.value(a), nil
}

// value is the cached value of a scalar attribute.  s.mu must be held.
func (s *Store) value(a attribute) interface{} {
	st := &s.settings
	switch a.key {
	case attrHost:
		return s.host
	case attrIdentifier:
		return s.identifier
	case attrTimeRange:
		return st.TimeRange
	case attrTimePosition:
		return st.TimePosition
	case attrRecordLength:
		return st.RecordLength
	case attrTimeBase:
		return s.timeBase
	case attrChannelEnabled:
		return st.Channels[a.idx-1].Enabled
	case attrChannelCoupling:
		return st.Channels[a.idx-1].Coupling
	case attrChannelPosition:
		return st.Channels[a.idx-1].Position
	case attrChannelScale:
		return st.Channels[a.idx-1].Scale
	case attrTriggerSource:
		return st.TriggerSource
	case attrTriggerSlope:
		return st.TriggerSlope.String()
	case attrTriggerLevel:
		return st.TriggerLevels[a.idx-1]
	case attrTriggerCoupling:
		return st.TriggerCoupling
	case attrBusyWait:
		return s.busyWait
	}
	return nil
}

// commit stores a validated value and recomputes derived quantities
func (s *Store) commit(a attribute, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.settings
	switch a.key {
	case attrHost:
		s.host = value.(string)
	case attrTimeRange:
		st.TimeRange = value.(float64)
	case attrTimePosition:
		st.TimePosition = value.(float64)
	case attrRecordLength:
		st.RecordLength = value.(int)
	case attrChannelEnabled:
		st.Channels[a.idx-1].Enabled = value.(bool)
	case attrChannelCoupling:
		st.Channels[a.idx-1].Coupling = value.(string)
	case attrChannelPosition:
		st.Channels[a.idx-1].Position = value.(float64)
	case attrChannelScale:
		st.Channels[a.idx-1].Scale = value.(float64)
	case attrTriggerSource:
		st.TriggerSource = value.(int)
	case attrTriggerSlope:
		st.TriggerSlope, _ = ParseSlope(value.(string))
	case attrTriggerLevel:
		st.TriggerLevels[a.idx-1] = value.(float64)
	case attrTriggerCoupling:
		st.TriggerCoupling = value.(string)
	case attrBusyWait:
		s.busyWait = value.(bool)
		return
	default:
		return
	}
	s.recompute()
	s.updated = time.Now()
}

// recompute refreshes the derived quantities.  s.mu must be held.
func (s *Store) recompute() {
	s.timeBase = s.settings.TimeBase()
	s.sampleInterval = s.settings.SampleInterval()
}

// load replaces the cached configuration with a fresh read of the instrument
func (s *Store) load(st Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = st
	s.recompute()
	s.updated = time.Now()
}

func (s *Store) setIdentifier(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identifier = id
}

// publish stores the records of an acquisition captured under snap.
// raw holds nil for channels which were not captured.
func (s *Store) publish(snap Settings, raw [NumChannels][]float64) {
	n := 0
	var volts [NumChannels][]float64
	for i, r := range raw {
		if r == nil {
			continue
		}
		volts[i] = ToVolts(r, snap.Channels[i].Position, snap.Channels[i].Scale)
		if n == 0 {
			n = len(r)
		}
	}
	axis := TimeAxis(snap.TimeRange, snap.TimePosition, n)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = raw
	s.volts = volts
	s.vertical = snap.Channels
	s.timeAxis = axis
	s.acquired = true
	s.captured = time.Now()
}

// clearWaveforms discards the last acquisition
func (s *Store) clearWaveforms() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = [NumChannels][]float64{}
	s.volts = [NumChannels][]float64{}
	s.timeAxis = []float64{}
	s.acquired = false
}

// queue defers a write until the end of the acquisition.
// A later write to the same attribute replaces an earlier one.
func (s *Store) queue(a attribute, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pending {
		if s.pending[i].attr.Name == a.Name {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.pending = append(s.pending, pendingWrite{attr: a, value: value})
}

// takePending removes and returns the queued writes in the order made
func (s *Store) takePending() []pendingWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = nil
	return p
}

// Pending is the number of writes queued for the end of the acquisition
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Settings returns a copy of the cached configuration
func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Host is the connection target
func (s *Store) Host() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.host
}

// BusyWait is the state of the expert completion strategy toggle
func (s *Store) BusyWait() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.busyWait
}

// SampleInterval is the derived time between samples in seconds
func (s *Store) SampleInterval() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sampleInterval
}

// Updated is the time the cached configuration was last synchronized
func (s *Store) Updated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

// Waveform assembles the last acquisition for export
func (s *Store) Waveform() (*Waveform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.acquired {
		return nil, newError("waveform", ErrNotAvailable, nil)
	}
	wav := &Waveform{Time: append([]float64(nil), s.timeAxis...)}
	for i, r := range s.raw {
		if r == nil {
			continue
		}
		wav.Channels = append(wav.Channels, Channel{
			Number:   i + 1,
			Raw:      append([]float64(nil), r...),
			Position: s.vertical[i].Position,
			Scale:    s.vertical[i].Scale,
		})
	}
	if len(wav.Channels) == 0 {
		return nil, newError("waveform", ErrNotAvailable, errors.New("no channel was enabled"))
	}
	return wav, nil
}

// Captured is the time of the last published acquisition
func (s *Store) Captured() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.captured
}
