package oscilloscope

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ValueType is the type of an attribute's value.  The names are the keys
// of the JSON payloads used by the HTTP surface.
type ValueType string

const (
	// TypeFloat is a float64
	TypeFloat ValueType = "f64"

	// TypeInt is an int
	TypeInt ValueType = "int"

	// TypeBool is a bool
	TypeBool ValueType = "bool"

	// TypeString is a string
	TypeString ValueType = "str"

	// TypeFloats is a []float64
	TypeFloats ValueType = "f64s"
)

// Access is who may write an attribute, and when
type Access int

const (
	// ReadOnly attributes are never written by clients
	ReadOnly Access = iota

	// ReadWrite attributes are written while connected
	ReadWrite

	// WriteDisconnected attributes are written only while disconnected
	WriteDisconnected
)

func (a Access) String() string {
	switch a {
	case ReadWrite:
		return "read-write"
	case WriteDisconnected:
		return "write-disconnected"
	default:
		return "read-only"
	}
}

// MarshalText encodes the access as its name
func (a Access) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes an access from its name
func (a *Access) UnmarshalText(b []byte) error {
	for _, cand := range []Access{ReadOnly, ReadWrite, WriteDisconnected} {
		if cand.String() == string(b) {
			*a = cand
			return nil
		}
	}
	return errors.Errorf("unknown access %q", b)
}

// Descriptor describes one attribute
type Descriptor struct {
	Name   string    `json:"name"`
	Type   ValueType `json:"type"`
	Unit   string    `json:"unit,omitempty"`
	Access Access    `json:"access"`

	// Live attributes are applied immediately while Running,
	// others are queued until the acquisition ends
	Live bool `json:"live"`

	// Choices enumerates the valid values of a string attribute
	Choices []string `json:"choices,omitempty"`
}

type attrKey int

const (
	attrHost attrKey = iota
	attrIdentifier
	attrState
	attrStatus
	attrTimeRange
	attrTimePosition
	attrRecordLength
	attrTimeBase
	attrTimeAxis
	attrChannelEnabled
	attrChannelCoupling
	attrChannelPosition
	attrChannelScale
	attrWaveform
	attrRawWaveform
	attrTriggerSource
	attrTriggerSlope
	attrTriggerLevel
	attrTriggerCoupling
	attrBusyWait
)

// attribute is a descriptor bound to the setting it reads and writes.
// idx is the channel or trigger source for indexed attributes.
type attribute struct {
	Descriptor
	key attrKey
	idx int
}

const (
	minTimeRange    = 1e-8
	maxTimeRange    = 1.
	maxTimePosition = 1.
	maxRecordLength = 100_000_000
)

var slopeNames = []string{Falling.String(), Rising.String(), Either.String()}

// attributeTable builds the attributes exposed for a variant, in display order
func attributeTable(v Variant) []attribute {
	rw := func(name string, key attrKey, typ ValueType, unit string) attribute {
		return attribute{Descriptor: Descriptor{Name: name, Type: typ, Unit: unit, Access: ReadWrite}, key: key}
	}
	ro := func(name string, key attrKey, typ ValueType, unit string) attribute {
		return attribute{Descriptor: Descriptor{Name: name, Type: typ, Unit: unit, Access: ReadOnly}, key: key}
	}
	indexed := func(a attribute, i int) attribute {
		a.Name += strconv.Itoa(i)
		a.idx = i
		return a
	}

	host := rw("Host", attrHost, TypeString, "")
	host.Access = WriteDisconnected
	recl := rw("RecordLength", attrRecordLength, TypeInt, "samples")
	if v.RecordLengthFixed {
		recl.Access = ReadOnly
	}
	out := []attribute{
		host,
		ro("Identifier", attrIdentifier, TypeString, ""),
		ro("State", attrState, TypeString, ""),
		ro("Status", attrStatus, TypeString, ""),
		rw("TimeRange", attrTimeRange, TypeFloat, "s"),
		rw("TimePosition", attrTimePosition, TypeFloat, "s"),
		recl,
		ro("TimeBase", attrTimeBase, TypeFloat, "s/div"),
		ro("TimeAxis", attrTimeAxis, TypeFloats, "s"),
	}
	coupling := rw("ChannelCoupling", attrChannelCoupling, TypeString, "")
	coupling.Choices = v.Couplings
	for ch := 1; ch <= NumChannels; ch++ {
		out = append(out,
			indexed(rw("ChannelEnabled", attrChannelEnabled, TypeBool, ""), ch),
			indexed(coupling, ch),
			indexed(rw("ChannelPosition", attrChannelPosition, TypeFloat, "div"), ch),
			indexed(rw("ChannelScale", attrChannelScale, TypeFloat, "V/div"), ch))
	}
	for ch := 1; ch <= NumChannels; ch++ {
		out = append(out,
			indexed(ro("Waveform", attrWaveform, TypeFloats, "V"), ch),
			indexed(ro("RawWaveform", attrRawWaveform, TypeFloats, "div"), ch))
	}
	slope := rw("TriggerSlope", attrTriggerSlope, TypeString, "")
	slope.Choices = slopeNames
	tcoupling := rw("TriggerCoupling", attrTriggerCoupling, TypeString, "")
	tcoupling.Choices = v.TriggerCouplings
	out = append(out, rw("TriggerSource", attrTriggerSource, TypeInt, ""), slope, tcoupling)
	for src := 1; src <= ExternalTrigger; src++ {
		lvl := indexed(rw("TriggerLevel", attrTriggerLevel, TypeFloat, "V"), src)
		lvl.Live = true
		out = append(out, lvl)
	}
	if v.BusyWaitToggle {
		bw := rw("BusyWait", attrBusyWait, TypeBool, "")
		bw.Live = true
		out = append(out, bw)
	}
	return out
}

// normalize coerces a client value to the attribute's Go type
func (a attribute) normalize(value interface{}) (interface{}, error) {
	switch a.Type {
	case TypeFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		}
	case TypeInt:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v == math.Trunc(v) && math.Abs(v) < math.MaxInt32 {
				return int(v), nil
			}
		}
	case TypeBool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case TypeString:
		if v, ok := value.(string); ok {
			return v, nil
		}
	}
	return nil, errors.Errorf("expected %s, got %T", a.Type, value)
}

// validate checks a normalized value against the attribute's constraints,
// returning the canonical form of the value
func (a attribute) validate(value interface{}) (interface{}, error) {
	value, err := a.normalize(value)
	if err != nil {
		return nil, err
	}
	finite := func(f float64) error {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.Errorf("%v is not finite", f)
		}
		return nil
	}
	switch a.key {
	case attrHost:
		if strings.TrimSpace(value.(string)) == "" {
			return nil, errors.New("host must not be empty")
		}
		return strings.TrimSpace(value.(string)), nil
	case attrTimeRange:
		f := value.(float64)
		if !(f >= minTimeRange && f <= maxTimeRange) {
			return nil, errors.Errorf("time range %g outside [%g, %g] s", f, minTimeRange, maxTimeRange)
		}
	case attrTimePosition:
		f := value.(float64)
		if !(f >= -maxTimePosition && f <= maxTimePosition) {
			return nil, errors.Errorf("time position %g outside [%g, %g] s", f, -maxTimePosition, maxTimePosition)
		}
	case attrRecordLength:
		n := value.(int)
		if n <= 0 || n > maxRecordLength {
			return nil, errors.Errorf("record length %d outside (0, %d]", n, maxRecordLength)
		}
	case attrChannelScale:
		f := value.(float64)
		if err := finite(f); err != nil {
			return nil, err
		}
		if f <= 0 {
			return nil, errors.Errorf("scale %g must be > 0", f)
		}
	case attrChannelPosition, attrTriggerLevel:
		if err := finite(value.(float64)); err != nil {
			return nil, err
		}
	case attrChannelCoupling, attrTriggerCoupling:
		s := strings.ToUpper(strings.TrimSpace(value.(string)))
		if !contains(a.Choices, s) {
			return nil, errors.Errorf("coupling %q not one of %v", value, a.Choices)
		}
		return s, nil
	case attrTriggerSlope:
		if _, ok := ParseSlope(value.(string)); !ok {
			return nil, errors.Errorf("slope %q not one of %v", value, slopeNames)
		}
	case attrTriggerSource:
		src := value.(int)
		if src < 1 || src > ExternalTrigger {
			return nil, errors.Errorf("trigger source %d does not reference a channel (1-%d) or the external input (%d)",
				src, NumChannels, ExternalTrigger)
		}
	}
	return value, nil
}

// set applies a validated value to the instrument
func (a attribute) set(inst Instrument, value interface{}) error {
	switch a.key {
	case attrTimeRange:
		return inst.SetTimeRange(value.(float64))
	case attrTimePosition:
		return inst.SetTimePosition(value.(float64))
	case attrRecordLength:
		return inst.SetRecordLength(value.(int))
	case attrChannelEnabled:
		return inst.SetChannelEnabled(a.idx, value.(bool))
	case attrChannelCoupling:
		return inst.SetChannelCoupling(a.idx, value.(string))
	case attrChannelPosition:
		return inst.SetChannelPosition(a.idx, value.(float64))
	case attrChannelScale:
		return inst.SetChannelScale(a.idx, value.(float64))
	case attrTriggerSource:
		return inst.SetTriggerSource(value.(int))
	case attrTriggerSlope:
		s, _ := ParseSlope(value.(string))
		return inst.SetTriggerSlope(s)
	case attrTriggerLevel:
		return inst.SetTriggerLevel(a.idx, value.(float64))
	case attrTriggerCoupling:
		return inst.SetTriggerCoupling(value.(string))
	default:
		return errors.Errorf("%s is not an instrument setting", a.Name)
	}
}

// get reads the attribute's current value back from the instrument
func (a attribute) get(inst Instrument) (interface{}, error) {
	switch a.key {
	case attrTimeRange:
		return inst.GetTimeRange()
	case attrTimePosition:
		return inst.GetTimePosition()
	case attrRecordLength:
		return inst.GetRecordLength()
	case attrChannelEnabled:
		return inst.GetChannelEnabled(a.idx)
	case attrChannelCoupling:
		return inst.GetChannelCoupling(a.idx)
	case attrChannelPosition:
		return inst.GetChannelPosition(a.idx)
	case attrChannelScale:
		return inst.GetChannelScale(a.idx)
	case attrTriggerSource:
		return inst.GetTriggerSource()
	case attrTriggerSlope:
		s, err := inst.GetTriggerSlope()
		return s.String(), err
	case attrTriggerLevel:
		return inst.GetTriggerLevel(a.idx)
	case attrTriggerCoupling:
		return inst.GetTriggerCoupling()
	default:
		return nil, errors.Errorf("%s is not an instrument setting", a.Name)
	}
}
