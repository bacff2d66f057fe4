// host_test.go: Tests for the plugin host and registry lifecycle
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dirrest

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPlugin contributes a single GET route for host tests.
type testPlugin struct {
	name     string
	mountErr error
	mounted  int
}

func (p *testPlugin) Name() string { return p.name }

func (p *testPlugin) Mount(mux *Mux, sc *ServiceContext) error {
	p.mounted++
	if p.mountErr != nil {
		return p.mountErr
	}
	mux.Get("/"+p.name, func(w http.ResponseWriter, r *http.Request) error {
		return WriteJSON(w, http.StatusOK, map[string]string{"plugin": p.name})
	})
	return nil
}

func newTestContext(t *testing.T) (*ServiceContext, *TestLogger) {
	t.Helper()
	logger := NewTestLogger()
	sc := NewServiceContext(DefaultConfig(), nil, NewFabric(FabricConfig{}), logger)
	return sc, logger
}

func TestHost_RegisterAndStart(t *testing.T) {
	sc, logger := newTestContext(t)
	host := NewHost(sc)

	alpha := &testPlugin{name: "alpha"}
	beta := &testPlugin{name: "beta"}
	require.NoError(t, host.Register(alpha))
	require.NoError(t, host.Register(beta))

	handler, err := host.Start()
	require.NoError(t, err)
	require.NotNil(t, handler)

	assert.Equal(t, 1, alpha.mounted)
	assert.Equal(t, 1, beta.mounted)
	assert.Equal(t, []string{"alpha", "beta"}, host.PluginNames())
	assert.True(t, logger.HasMessage("INFO", "Mounted plugin"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alpha", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/beta", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHost_DuplicateNameIsConflict(t *testing.T) {
	sc, _ := newTestContext(t)
	host := NewHost(sc)

	require.NoError(t, host.Register(&testPlugin{name: "alpha"}))
	err := host.Register(&testPlugin{name: "alpha"})
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))

	// The first registration must stay intact.
	assert.Equal(t, []string{"alpha"}, host.PluginNames())
}

func TestHost_RegisterAfterStartFails(t *testing.T) {
	sc, _ := newTestContext(t)
	host := NewHost(sc)
	require.NoError(t, host.Register(&testPlugin{name: "alpha"}))

	_, err := host.Start()
	require.NoError(t, err)

	err = host.Register(&testPlugin{name: "late"})
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, []string{"alpha"}, host.PluginNames())
}

func TestHost_MountFailureAbortsStart(t *testing.T) {
	sc, _ := newTestContext(t)
	host := NewHost(sc)
	require.NoError(t, host.Register(&testPlugin{name: "alpha"}))
	require.NoError(t, host.Register(&testPlugin{
		name:     "broken",
		mountErr: NewInternalError("bad wiring", nil),
	}))

	handler, err := host.Start()
	require.Error(t, err)
	assert.Nil(t, handler)
	assert.Nil(t, host.Handler())
}

func TestHost_StartTwiceFails(t *testing.T) {
	sc, _ := newTestContext(t)
	host := NewHost(sc)
	require.NoError(t, host.Register(&testPlugin{name: "alpha"}))

	_, err := host.Start()
	require.NoError(t, err)
	_, err = host.Start()
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestHost_RoutesAreBoundaryGuarded(t *testing.T) {
	sc, logger := newTestContext(t)
	host := NewHost(sc)

	require.NoError(t, host.Register(&panickingPlugin{}))
	handler, err := host.Start()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/unstable", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, logger.HasMessage("ERROR", "Panic recovered in request handler"))
}

// panickingPlugin mounts a route whose handler always panics.
type panickingPlugin struct{}

func (p *panickingPlugin) Name() string { return "unstable" }

func (p *panickingPlugin) Mount(mux *Mux, sc *ServiceContext) error {
	mux.Get("/unstable", func(w http.ResponseWriter, r *http.Request) error {
		panic("route handler exploded")
	})
	return nil
}

func TestHost_MiddlewarePluginGuardsLaterRoutes(t *testing.T) {
	sc, _ := newTestContext(t)
	host := NewHost(sc)

	var gateSaw int
	gate := &middlewarePlugin{name: "gate", fn: func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gateSaw++
			next.ServeHTTP(w, r)
		})
	}}
	require.NoError(t, host.Register(gate))
	require.NoError(t, host.Register(&testPlugin{name: "alpha"}))

	handler, err := host.Start()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alpha", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, gateSaw)
}

// middlewarePlugin contributes only middleware, like a gating plugin.
type middlewarePlugin struct {
	name string
	fn   func(http.Handler) http.Handler
}

func (p *middlewarePlugin) Name() string { return p.name }

func (p *middlewarePlugin) Mount(mux *Mux, sc *ServiceContext) error {
	mux.Use(p.fn)
	return nil
}
