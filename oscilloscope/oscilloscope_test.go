package oscilloscope_test

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	pkgerrors "github.com/pkg/errors"

	"github.com/nasa-jpl/scopesrv/oscilloscope"
)

func TestToVolts(t *testing.T) {
	raw := []float64{-4, -0.04, 0, 1.5, 4}
	p, s := 0.5, 0.2
	got := oscilloscope.ToVolts(raw, p, s)
	want := make([]float64, len(raw))
	for i := range raw {
		want[i] = (raw[i] - p) * s
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ToVolts mismatch (-want +got):\n%s", diff)
	}
	if len(oscilloscope.ToVolts(nil, 0, 1)) != 0 {
		t.Error("expected an empty record")
	}
}

func TestCodesToDivisions(t *testing.T) {
	got := oscilloscope.CodesToDivisions([]int8{-128, -25, 0, 25, 127}, 25)
	want := []float64{-5.12, -1, 0, 1, 5.08}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CodesToDivisions mismatch (-want +got):\n%s", diff)
	}
}

func TestTimeAxis(t *testing.T) {
	axis := oscilloscope.TimeAxis(1, 0.25, 5)
	want := []float64{-0.25, 0, 0.25, 0.5, 0.75}
	if diff := cmp.Diff(want, axis); diff != "" {
		t.Errorf("TimeAxis mismatch (-want +got):\n%s", diff)
	}
}

func testWaveform() *oscilloscope.Waveform {
	return &oscilloscope.Waveform{
		Time: []float64{-1, 0, 1},
		Channels: []oscilloscope.Channel{
			{Number: 1, Raw: []float64{1, 2, 3}, Scale: 2},
			{Number: 3, Raw: []float64{0, 1, 0}, Position: 1, Scale: 0.5},
		},
	}
}

func TestEncodeCSV(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := testWaveform().EncodeCSV(buf); err != nil {
		t.Fatal(err)
	}
	expected := "time,ch1,ch3\n-1,2,-0.5\n0,4,0\n1,6,-0.5\n"
	if buf.String() != expected {
		t.Errorf("expected\n%s\ngot\n%s", expected, buf.String())
	}
}

func TestEncodeFITS(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := testWaveform().EncodeFITS(buf); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "SIMPLE  =") {
		t.Error("output is not a FITS file")
	}
	if buf.Len()%2880 != 0 {
		t.Errorf("FITS files are made of 2880 byte blocks, got %d bytes", buf.Len())
	}
	if !strings.Contains(buf.String(), "NCHAN") {
		t.Error("channel count missing from the header")
	}
}

func TestEncodeEmpty(t *testing.T) {
	empty := &oscilloscope.Waveform{}
	if err := empty.EncodeCSV(io.Discard); err != oscilloscope.ErrNoData {
		t.Errorf("expected ErrNoData, got %v", err)
	}
	ragged := testWaveform()
	ragged.Time = ragged.Time[:2]
	if err := ragged.EncodeFITS(io.Discard); err == nil {
		t.Error("expected a channel with the wrong length to be refused")
	}
}

func TestClassify(t *testing.T) {
	policy := oscilloscope.FaultPolicy{
		Completion:      []error{io.EOF},
		CompletionCodes: []int{-300},
	}
	cases := []struct {
		name string
		err  error
		want oscilloscope.FaultClass
	}{
		{"nil", nil, oscilloscope.FaultNone},
		{"listed", io.EOF, oscilloscope.FaultCompletion},
		{"listed wrapped", pkgerrors.Wrap(io.EOF, "read"), oscilloscope.FaultCompletion},
		{"listed code", oscilloscope.MockFault{Code: -300}, oscilloscope.FaultCompletion},
		{"fault", oscilloscope.MockFault{Code: -222}, oscilloscope.FaultInstrument},
		{"fault wrapped", pkgerrors.Wrap(oscilloscope.MockFault{Code: -222}, "set"), oscilloscope.FaultInstrument},
		{"timeout", os.ErrDeadlineExceeded, oscilloscope.FaultTransient},
		{"other", errors.New("connection reset"), oscilloscope.FaultTransport},
		{"unlisted", io.ErrUnexpectedEOF, oscilloscope.FaultTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := policy.Classify(tc.err); got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
	if (oscilloscope.FaultPolicy{}).Classify(io.EOF) != oscilloscope.FaultTransport {
		t.Error("the zero policy tolerates nothing")
	}
}

func TestErrorKinds(t *testing.T) {
	kinds := []error{
		oscilloscope.ErrConnection,
		oscilloscope.ErrValidation,
		oscilloscope.ErrInstrumentRejected,
		oscilloscope.ErrAcquisition,
		oscilloscope.ErrAcquisitionTimeout,
		oscilloscope.ErrDisconnected,
		oscilloscope.ErrState,
		oscilloscope.ErrNotAvailable,
		oscilloscope.ErrAborted,
	}
	retryable := map[error]bool{
		oscilloscope.ErrConnection:         true,
		oscilloscope.ErrAcquisitionTimeout: true,
		oscilloscope.ErrAborted:            true,
	}
	for _, k := range kinds {
		err := &oscilloscope.Error{Op: "op", Kind: k, Err: io.EOF}
		matched := 0
		for _, other := range kinds {
			if errors.Is(err, other) {
				matched++
			}
		}
		if matched != 1 {
			t.Errorf("%v matched %d kinds", k, matched)
		}
		if !errors.Is(err, io.EOF) {
			t.Errorf("%v lost its cause", k)
		}
		if oscilloscope.Retryable(err) != retryable[k] {
			t.Errorf("%v: expected retryable=%v", k, retryable[k])
		}
	}
}

func TestParseSlope(t *testing.T) {
	for _, s := range []oscilloscope.Slope{oscilloscope.Falling, oscilloscope.Rising, oscilloscope.Either} {
		got, ok := oscilloscope.ParseSlope(s.String())
		if !ok || got != s {
			t.Errorf("%s did not round trip", s)
		}
	}
	if _, ok := oscilloscope.ParseSlope("rising"); ok {
		t.Error("slope names are case sensitive")
	}
}

func TestDescriptors(t *testing.T) {
	names := func(v oscilloscope.Variant) map[string]oscilloscope.Descriptor {
		m := map[string]oscilloscope.Descriptor{}
		for _, d := range oscilloscope.NewStore(v).Descriptors() {
			m[d.Name] = d
		}
		return m
	}
	generic := names(oscilloscope.Generic)
	// 4 header, 5 time base, 16 channel, 8 waveform, 3 trigger, 5 levels
	if len(generic) != 41 {
		t.Errorf("expected 41 attributes, got %d", len(generic))
	}
	if _, ok := generic["BusyWait"]; ok {
		t.Error("BusyWait exposed without the toggle")
	}
	if generic["RecordLength"].Access != oscilloscope.ReadWrite {
		t.Error("RecordLength should be writable")
	}
	if generic["Host"].Access != oscilloscope.WriteDisconnected {
		t.Error("Host should be writable only while disconnected")
	}
	if !generic["TriggerLevel5"].Live || generic["ChannelScale1"].Live {
		t.Error("only trigger levels are live")
	}
	if diff := cmp.Diff([]string{"DC", "AC", "GND"}, generic["ChannelCoupling4"].Choices); diff != "" {
		t.Errorf("coupling choices (-want +got):\n%s", diff)
	}

	toggled := names(displayManaged)
	if bw, ok := toggled["BusyWait"]; !ok || bw.Type != oscilloscope.TypeBool {
		t.Error("expected a BusyWait bool attribute")
	}
	if names(continuousRun)["RecordLength"].Access != oscilloscope.ReadOnly {
		t.Error("RecordLength should be read-only on a fixed record length variant")
	}
}
