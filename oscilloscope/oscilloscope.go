/*Package oscilloscope provides a generic controller for remote oscilloscopes.

A Controller owns the lifecycle of one instrument,

	Disconnected -> Connected -> Running -> Stopped
	                   ^            |  ^        |
	                   +------------+  +--------+

the attribute store which caches its configuration, and the conversion of
raw records in divisions to calibrated waveforms in volts.  Instrument
families differ in how acquisitions are started, how their completion is
detected, which faults are tolerated, and whether the display is managed;
those differences are expressed as a Variant value handed to NewController.

The instrument itself is reached through the Instrument interface, which
the rohde package implements over SCPI.  MockInstrument is an in-memory
implementation for tests and for running a server without hardware.
*/
package oscilloscope

import (
	"bufio"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopesrv/util"
)

// ErrNoData is generated when encoding a waveform with no channels
var ErrNoData = errors.New("waveform holds no channels")

// ToVolts converts a record in divisions to volts, (raw-position)*scale
func ToVolts(raw []float64, position, scale float64) []float64 {
	out := make([]float64, len(raw))
	for i, r := range raw {
		out[i] = (r - position) * scale
	}
	return out
}

// CodesToDivisions converts signed ADC codes to divisions
func CodesToDivisions(codes []int8, codesPerDivision float64) []float64 {
	out := make([]float64, len(codes))
	for i, c := range codes {
		out[i] = float64(c) / codesPerDivision
	}
	return out
}

// TimeAxis is the time of each of n samples of a record spanning timeRange
// seconds centered on timePosition
func TimeAxis(timeRange, timePosition float64, n int) []float64 {
	return util.Linspace(timePosition-timeRange/2, timePosition+timeRange/2, n)
}

// Channel is the record of one channel and the vertical settings it was
// captured with
type Channel struct {
	// Number is the channel number, from one
	Number int

	// Raw is the record in divisions
	Raw []float64

	// Position is the vertical position in divisions
	Position float64

	// Scale is the vertical scale in volts per division
	Scale float64
}

// Physical computes the data scaled to volts
func (c Channel) Physical() []float64 {
	return ToVolts(c.Raw, c.Position, c.Scale)
}

// Waveform describes a waveform recording from a scope
type Waveform struct {
	// Time is the time of each sample in seconds relative to the trigger
	Time []float64

	// Channels holds the per-channel records, in channel order
	Channels []Channel
}

func (wav *Waveform) check() error {
	if len(wav.Channels) == 0 {
		return ErrNoData
	}
	n := len(wav.Time)
	for _, c := range wav.Channels {
		if len(c.Raw) != n {
			return errors.Errorf("channel %d has %d samples, time axis has %d", c.Number, len(c.Raw), n)
		}
	}
	return nil
}

// EncodeCSV converts the waveform data to physical units
// and writes it to a CSV in streaming fashion
func (wav *Waveform) EncodeCSV(w io.Writer) error {
	if err := wav.check(); err != nil {
		return err
	}
	data := make([][]float64, len(wav.Channels))
	row := make([]string, len(wav.Channels)+1)
	row[0] = "time"
	for j, c := range wav.Channels {
		data[j] = c.Physical()
		row[j+1] = "ch" + strconv.Itoa(c.Number)
	}

	bw := bufio.NewWriter(w)
	writer := csv.NewWriter(bw)
	if err := writer.Write(row); err != nil {
		return err
	}
	for i, t := range wav.Time {
		row[0] = strconv.FormatFloat(t, 'G', -1, 64)
		for j := range data {
			row[j+1] = strconv.FormatFloat(data[j][i], 'G', -1, 64)
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

// EncodeFITS writes the waveform in volts as a float64 image of
// (samples x channels), with the time span and per-channel vertical
// settings in the header
func (wav *Waveform) EncodeFITS(w io.Writer) error {
	if err := wav.check(); err != nil {
		return err
	}
	n, nch := len(wav.Time), len(wav.Channels)
	cards := []fitsio.Card{
		{Name: "NCHAN", Value: nch, Comment: "number of channels"},
	}
	if n > 0 {
		cards = append(cards,
			fitsio.Card{Name: "TSTART", Value: wav.Time[0], Comment: "time of first sample [s]"},
			fitsio.Card{Name: "TSTOP", Value: wav.Time[n-1], Comment: "time of last sample [s]"})
	}
	buf := make([]float64, 0, n*nch)
	for j, c := range wav.Channels {
		k := strconv.Itoa(j + 1)
		cards = append(cards,
			fitsio.Card{Name: "CHAN" + k, Value: c.Number, Comment: "channel number of row " + k},
			fitsio.Card{Name: "SCALE" + k, Value: c.Scale, Comment: "vertical scale [V/div]"},
			fitsio.Card{Name: "POS" + k, Value: c.Position, Comment: "vertical position [div]"})
		buf = append(buf, c.Physical()...)
	}

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{n, nch})
	defer im.Close()
	if err = im.Header().Append(cards...); err != nil {
		return err
	}
	if err = im.Write(buf); err != nil {
		return err
	}
	return fits.Write(im)
}
