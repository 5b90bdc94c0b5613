// Package httputil holds the JSON response helpers of the status server.
package httputil

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// PathVar is chi.URLParam.
func PathVar(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// QueryBool parses a boolean query parameter. Missing or malformed values
// give def.
func QueryBool(r *http.Request, name string, def bool) bool {
	b, err := strconv.ParseBool(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return b
}

// WriteJSON encodes v as indented JSON with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.MarshalWrite(w, v, jsontext.Multiline(true))
}

// OkJSON writes v with 200.
func OkJSON(w http.ResponseWriter, v any) {
	WriteJSON(w, http.StatusOK, v)
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// Fail writes an ErrorResponse. An empty message uses the status text.
func Fail(w http.ResponseWriter, r *http.Request, code int, message string) {
	if message == "" {
		message = http.StatusText(code)
	}
	WriteJSON(w, code, ErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// BadRequest writes err with 400.
func BadRequest(w http.ResponseWriter, r *http.Request, err error) {
	Fail(w, r, http.StatusBadRequest, err.Error())
}

// NotFound writes err with 404.
func NotFound(w http.ResponseWriter, r *http.Request, err error) {
	Fail(w, r, http.StatusNotFound, err.Error())
}

// InternalError writes err with 500.
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	Fail(w, r, http.StatusInternalServerError, err.Error())
}
