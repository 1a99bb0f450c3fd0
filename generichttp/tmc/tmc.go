// Package tmc provides an HTTP interface to test and measurement devices
package tmc

import (
	"context"
	"go/types"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/scopesrv/generichttp"
	"github.com/nasa-jpl/scopesrv/oscilloscope"
	"github.com/nasa-jpl/scopesrv/server"
)

// Oscilloscope describes an attribute based oscilloscope with an
// acquisition lifecycle.  *oscilloscope.Controller implements it.
type Oscilloscope interface {
	// Connect opens the instrument and loads its settings
	Connect(context.Context) error

	// Refresh reloads the settings from the instrument
	Refresh(context.Context) error

	// Run performs one acquisition
	Run(context.Context) error

	// Stop ends an acquisition
	Stop(context.Context) error

	// Disconnect closes the instrument, it never fails
	Disconnect()

	// Execute sends a raw command
	Execute(context.Context, string) (string, error)

	// Descriptors lists the attributes
	Descriptors() []oscilloscope.Descriptor

	// Read returns an attribute's value
	Read(string) (interface{}, error)

	// Write sets an attribute's value
	Write(context.Context, string, interface{}) error

	// State is the lifecycle state
	State() oscilloscope.State

	// Status is the human readable status line
	Status() string

	// Waveform is the last acquisition
	Waveform() (*oscilloscope.Waveform, error)
}

// HTTPOscilloscope wraps an oscilloscope in an HTTP route table
type HTTPOscilloscope struct {
	scope Oscilloscope

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// NewHTTPOscilloscope returns a new HTTP wrapper around an oscilloscope
func NewHTTPOscilloscope(o Oscilloscope) HTTPOscilloscope {
	h := HTTPOscilloscope{scope: o}
	h.RouteTable = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/attributes"}:        h.Attributes,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/attribute/{name}"}:  h.GetAttribute,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/attribute/{name}"}: h.SetAttribute,

		generichttp.MethodPath{Method: http.MethodPost, Path: "/connect"}: generichttp.Call(func(r *http.Request) error {
			return o.Connect(r.Context())
		}),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/refresh"}: generichttp.Call(func(r *http.Request) error {
			return o.Refresh(r.Context())
		}),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/run"}: generichttp.Call(func(r *http.Request) error {
			return o.Run(r.Context())
		}),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}: generichttp.Call(func(r *http.Request) error {
			return o.Stop(r.Context())
		}),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/disconnect"}: generichttp.Call(func(*http.Request) error {
			o.Disconnect()
			return nil
		}),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/execute"}: h.Execute,

		generichttp.MethodPath{Method: http.MethodGet, Path: "/state"}: generichttp.GetString(func() (string, error) {
			return o.State().String(), nil
		}),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}: generichttp.GetString(func() (string, error) {
			return o.Status(), nil
		}),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/waveform.csv"}:  h.WaveformCSV,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/waveform.fits"}: h.WaveformFITS,
	}
	return h
}

// RT satisfies the generichttp.HTTPer interface
func (h HTTPOscilloscope) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Attributes replies with the list of attribute descriptors
func (h HTTPOscilloscope) Attributes(w http.ResponseWriter, r *http.Request) {
	server.RespondJSON(w, h.scope.Descriptors())
}

func (h HTTPOscilloscope) descriptor(name string) (oscilloscope.Descriptor, bool) {
	for _, d := range h.scope.Descriptors() {
		if d.Name == name {
			return d, true
		}
	}
	return oscilloscope.Descriptor{}, false
}

// GetAttribute replies with the value of the attribute named in the URL
func (h HTTPOscilloscope) GetAttribute(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d, ok := h.descriptor(name)
	if !ok {
		http.Error(w, "unknown attribute "+name, http.StatusNotFound)
		return
	}
	v, err := h.scope.Read(name)
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	generichttp.Respond(w, r, d.Type, v)
}

// SetAttribute writes the value in the body to the attribute named in the URL
func (h HTTPOscilloscope) SetAttribute(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d, ok := h.descriptor(name)
	if !ok {
		http.Error(w, "unknown attribute "+name, http.StatusNotFound)
		return
	}
	v, err := generichttp.Decode(r, d.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = h.scope.Write(r.Context(), name, v); err != nil {
		generichttp.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Execute sends {"str": command} to the instrument and replies with
// {"str": reply}
func (h HTTPOscilloscope) Execute(w http.ResponseWriter, r *http.Request) {
	v, err := generichttp.Decode(r, oscilloscope.TypeString)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reply, err := h.scope.Execute(r.Context(), v.(string))
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	hp := server.HumanPayload{T: types.String, String: reply}
	hp.EncodeAndRespond(w, r)
}

// WaveformCSV replies with the last acquisition as a CSV table
func (h HTTPOscilloscope) WaveformCSV(w http.ResponseWriter, r *http.Request) {
	wf, err := h.scope.Waveform()
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="waveform.csv"`)
	if err = wf.EncodeCSV(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// WaveformFITS replies with the last acquisition as a FITS file
func (h HTTPOscilloscope) WaveformFITS(w http.ResponseWriter, r *http.Request) {
	wf, err := h.scope.Waveform()
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/fits")
	w.Header().Set("Content-Disposition", `attachment; filename="waveform.fits"`)
	if err = wf.EncodeFITS(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
