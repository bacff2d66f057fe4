// faults.go: request fault boundary converting failures into typed responses
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dirrest

import (
	"encoding/json"
	"net/http"
	"runtime"
)

// Handler is the handler signature feature plugins implement. A handler
// either writes a success response itself or returns an error; it never
// formats an HTTP error response directly. The fault boundary is the single
// conversion point from failures to typed HTTP responses.
type Handler func(http.ResponseWriter, *http.Request) error

// ErrorEnvelope is the JSON body of every error response the service emits.
type ErrorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Boundary wraps plugin handlers so that any failure, whether returned as an
// error or thrown as a panic after I/O has already started, becomes exactly
// one well-formed HTTP error response.
//
// Classification: errors built by the constructors in errors.go pass through
// with their kind and status; anything else is wrapped as Internal. The
// original cause of an Internal error is logged with a stack trace where
// available and never exposed to the client.
//
// The boundary is mandatory. The host mounts only wrapped handlers; there is
// no escape hatch, so an unwrapped panic can never crash the process or
// leave a connection hanging.
type Boundary struct {
	logger Logger
}

// NewBoundary creates a fault boundary that reports causes to logger.
func NewBoundary(logger Logger) *Boundary {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &Boundary{logger: logger}
}

// Wrap converts a plugin Handler into an http.HandlerFunc guarded by the
// boundary.
func (b *Boundary) Wrap(h Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gw := &guardedWriter{ResponseWriter: w}
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 64<<10)
				n := runtime.Stack(buf, false)
				b.logger.Error("Panic recovered in request handler",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(buf[:n]))
				b.emit(gw, NewInternalError("handler panic", nil))
			}
		}()

		if err := h(gw, r); err != nil {
			b.emit(gw, err)
		}
	}
}

// emit writes the typed error envelope, unless the handler already started a
// response. A second response head is never sent: if headers are out the
// failure is only logged and the connection is left to the HTTP server to
// tear down.
func (b *Boundary) emit(gw *guardedWriter, err error) {
	kind := KindOf(err)
	status := HTTPStatus(kind)

	message := err.Error()
	if kind == KindInternal {
		// The raw cause stays in the logs.
		b.logger.Error("Request failed with internal error", "cause", err)
		message = "internal error"
	} else if status >= http.StatusInternalServerError {
		b.logger.Warn("Request failed with upstream error", "kind", string(kind), "cause", err)
	}

	if gw.wrote {
		b.logger.Error("Response already started, dropping error envelope",
			"kind", string(kind))
		return
	}

	gw.Header().Set("Content-Type", "application/json")
	gw.WriteHeader(status)
	_ = json.NewEncoder(gw).Encode(ErrorEnvelope{
		Error:   string(kind),
		Message: message,
	})
}

// WriteJSON writes a success response with the given status and JSON body.
// Handlers use this for all non-error output so that content type and
// encoding stay uniform across plugins.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return nil
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return NewInternalError("encode response", err)
	}
	return nil
}

// guardedWriter tracks whether a response head has been sent so the boundary
// can guarantee it never writes a second one.
type guardedWriter struct {
	http.ResponseWriter
	wrote bool
}

func (g *guardedWriter) WriteHeader(status int) {
	g.wrote = true
	g.ResponseWriter.WriteHeader(status)
}

func (g *guardedWriter) Write(p []byte) (int, error) {
	g.wrote = true
	return g.ResponseWriter.Write(p)
}
