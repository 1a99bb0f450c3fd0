// Package generichttp defines route tables and the typed JSON handlers
// used to wrap devices in an HTTP interface
package generichttp

import (
	"encoding/json"
	"go/types"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopesrv/oscilloscope"
	"github.com/nasa-jpl/scopesrv/server"
)

// MethodPath is a struct containing an HTTP method and a URL path
type MethodPath struct {
	Method, Path string
}

// RouteTable maps method/path pairs to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the routes in the table as "METHOD /path", sorted
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.Method+" "+k.Path)
	}
	sort.Strings(routes)
	return routes
}

// Bind adds every route in the table to r
func (rt RouteTable) Bind(r chi.Router) {
	for mp, fcn := range rt {
		r.MethodFunc(mp.Method, mp.Path, fcn)
	}
}

// HTTPer is anything which exposes a route table
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize converts a URL stem into the pattern a sub-router is
// mounted on.  "omc/scope" and "/omc/scope/" both become "/omc/scope"
func SubMuxSanitize(str string) string {
	return "/" + strings.Trim(str, "/*")
}

// Status maps an error to the HTTP status code which best describes it
func Status(err error) int {
	switch {
	case errors.Is(err, oscilloscope.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, oscilloscope.ErrDisconnected),
		errors.Is(err, oscilloscope.ErrState),
		errors.Is(err, oscilloscope.ErrAborted):
		return http.StatusConflict
	case errors.Is(err, oscilloscope.ErrInstrumentRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, oscilloscope.ErrAcquisitionTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, oscilloscope.ErrNotAvailable):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error replies with the error's message and the status given by Status
func Error(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), Status(err))
}

// Respond encodes a value returned by a device as the payload matching kind
func Respond(w http.ResponseWriter, r *http.Request, kind oscilloscope.ValueType, v interface{}) {
	var hp server.HumanPayload
	ok := true
	switch kind {
	case oscilloscope.TypeFloat:
		hp.T = types.Float64
		hp.Float, ok = v.(float64)
	case oscilloscope.TypeInt:
		hp.T = types.Int
		hp.Int, ok = v.(int)
	case oscilloscope.TypeString:
		hp.T = types.String
		hp.String, ok = v.(string)
	case oscilloscope.TypeBool:
		hp.T = types.Bool
		hp.Bool, ok = v.(bool)
	case oscilloscope.TypeFloats:
		hp.T = types.Invalid
		hp.Floats, ok = v.([]float64)
	default:
		ok = false
	}
	if !ok {
		http.Error(w, "value does not match its declared type "+string(kind), http.StatusInternalServerError)
		return
	}
	hp.EncodeAndRespond(w, r)
}

// Decode parses a {"<kind>": value} body into the Go value for kind
func Decode(r *http.Request, kind oscilloscope.ValueType) (interface{}, error) {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	var err error
	switch kind {
	case oscilloscope.TypeFloat:
		p := server.FloatT{}
		err = dec.Decode(&p)
		return p.F64, err
	case oscilloscope.TypeInt:
		p := server.IntT{}
		err = dec.Decode(&p)
		return p.Int, err
	case oscilloscope.TypeString:
		p := server.StrT{}
		err = dec.Decode(&p)
		return p.Str, err
	case oscilloscope.TypeBool:
		p := server.BoolT{}
		err = dec.Decode(&p)
		return p.Bool, err
	case oscilloscope.TypeFloats:
		p := server.FloatsT{}
		err = dec.Decode(&p)
		return p.F64s, err
	}
	return nil, errors.Errorf("no payload for type %q", kind)
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			Error(w, err)
			return
		}
		hp := server.HumanPayload{T: types.String, String: s}
		hp.EncodeAndRespond(w, r)
	}
}

// SetString parses a JSON input of {'str': value} and calls fcn with it
func SetString(fcn func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := server.StrT{}
		err := json.NewDecoder(r.Body).Decode(&s)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(s.Str)
		if err != nil {
			Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			Error(w, err)
			return
		}
		hp := server.HumanPayload{T: types.Bool, Bool: b}
		hp.EncodeAndRespond(w, r)
	}
}

// SetBool parses a JSON input of {'bool': value} and calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := server.BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(b.Bool)
		if err != nil {
			Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Call invokes fcn with the request's context and replies 200 if it succeeds
func Call(fcn func(r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fcn(r); err != nil {
			Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
