// Package server contains the JSON payloads exchanged with HTTP clients.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
)

// FloatT is a struct with a single F64 field
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single Int field
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single Str field
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single Bool field
type BoolT struct {
	Bool bool `json:"bool"`
}

// FloatsT is a struct with a single F64s field, used for tabular attributes
type FloatsT struct {
	F64s []float64 `json:"f64s"`
}

// HumanPayload holds one value of a basic kind and knows how to send it.
// T selects which field is encoded; Floats is used when T is types.Invalid
// and the payload is a slice.
type HumanPayload struct {
	T      types.BasicKind
	Float  float64
	Int    int
	String string
	Bool   bool
	Floats []float64
}

// Value returns the payload's typed wrapper, e.g. FloatT for types.Float64
func (hp HumanPayload) Value() interface{} {
	switch hp.T {
	case types.Float64:
		return FloatT{F64: hp.Float}
	case types.Int:
		return IntT{Int: hp.Int}
	case types.String:
		return StrT{Str: hp.String}
	case types.Bool:
		return BoolT{Bool: hp.Bool}
	default:
		f := hp.Floats
		if f == nil {
			f = []float64{}
		}
		return FloatsT{F64s: f}
	}
}

// EncodeAndRespond encodes the payload to JSON and writes it to w.
// It replies 500 if encoding fails.
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	buf, err := json.Marshal(hp.Value())
	if err != nil {
		fstr := fmt.Sprintf("error encoding payload to json %q", err)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(append(buf, '\n'))
}

// RespondJSON encodes v as JSON and writes it to w with status 200
func RespondJSON(w http.ResponseWriter, v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(append(buf, '\n'))
}
