// plugin.go: plugin contract and injected service context
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dirrest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Plugin is the capability contract every feature module implements.
//
// Plugins are compiled in and registered with the host at process start;
// there is no runtime discovery. A plugin contributes routes through the Mux
// it is handed and reaches shared services only through the ServiceContext,
// never through globals. Plugins must not know about each other.
type Plugin interface {
	// Name returns the plugin identity, unique within a running process.
	Name() string

	// Mount contributes the plugin's routes and middleware. It is called
	// exactly once, by the host, at startup. Mount-time errors are fatal:
	// the process must not start with a partially mounted plugin.
	Mount(mux *Mux, sc *ServiceContext) error
}

// ServiceContext is the bundle of shared services injected into every
// plugin at mount time. It is created once at startup and is read-only from
// the plugin's perspective; the handles it carries are shared, not owned,
// and live for the whole process.
type ServiceContext struct {
	Config    *Config
	Directory *DirectoryClient
	Cache     *Fabric
	Logger    Logger
	Boundary  *Boundary
}

// NewServiceContext assembles the injection bundle. A nil logger selects the
// default (silent) logger; the boundary is derived from the same logger so
// fault reports and plugin logs end up in the same sink.
func NewServiceContext(config *Config, directory *DirectoryClient, cache *Fabric, logger Logger) *ServiceContext {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &ServiceContext{
		Config:    config,
		Directory: directory,
		Cache:     cache,
		Logger:    logger,
		Boundary:  NewBoundary(logger),
	}
}

// Mux is the route surface handed to plugins.
//
// Every handler registered through it passes through the fault boundary;
// there is deliberately no way to mount a raw http.HandlerFunc, so no route
// in the process can escape error classification and panic recovery.
//
// Routing is tree-based, so the dispatch of distinct patterns does not
// depend on registration order. Middleware is the exception: Use applies
// only to routes registered after it on the same router, so gating plugins
// must be registered with the host ahead of the plugins they guard.
type Mux struct {
	router   chi.Router
	boundary *Boundary
}

func newMux(router chi.Router, boundary *Boundary) *Mux {
	return &Mux{router: router, boundary: boundary}
}

// Get registers a boundary-wrapped GET handler.
func (m *Mux) Get(pattern string, h Handler) {
	m.router.Get(pattern, m.boundary.Wrap(h))
}

// Post registers a boundary-wrapped POST handler.
func (m *Mux) Post(pattern string, h Handler) {
	m.router.Post(pattern, m.boundary.Wrap(h))
}

// Put registers a boundary-wrapped PUT handler.
func (m *Mux) Put(pattern string, h Handler) {
	m.router.Put(pattern, m.boundary.Wrap(h))
}

// Delete registers a boundary-wrapped DELETE handler.
func (m *Mux) Delete(pattern string, h Handler) {
	m.router.Delete(pattern, m.boundary.Wrap(h))
}

// Route mounts a sub-router under pattern and calls fn with it. The
// sub-router shares the same boundary.
func (m *Mux) Route(pattern string, fn func(sub *Mux)) {
	m.router.Route(pattern, func(r chi.Router) {
		fn(newMux(r, m.boundary))
	})
}

// Use appends catch-all middleware. The middleware wraps every route
// registered after this call, across plugins; chi rejects middleware added
// after the first route, which surfaces gate-ordering mistakes at mount
// time instead of silently leaving routes unguarded.
func (m *Mux) Use(middleware ...func(http.Handler) http.Handler) {
	m.router.Use(middleware...)
}

// URLParam returns the named route parameter from a request routed through
// a Mux pattern such as "/users/{id}".
func URLParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}
