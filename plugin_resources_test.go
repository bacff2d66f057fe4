// plugin_resources_test.go: Tests for the directory-backed CRUD plugins
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dirrest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resourceHost builds a host serving the users plugin over a fake directory
// connection.
func resourceHost(t *testing.T, conn *fakeConn) (http.Handler, *ServiceContext) {
	t.Helper()

	directory := testDirectoryClient(conn)
	config := DefaultConfig()
	sc := NewServiceContext(config, directory, NewFabric(FabricConfig{}), NewTestLogger())

	host := NewHost(sc)
	require.NoError(t, host.Register(UsersPlugin()))
	handler, err := host.Start()
	require.NoError(t, err)
	return handler, sc
}

func aliceResult() *ldap.SearchResult {
	return &ldap.SearchResult{Entries: []*ldap.Entry{
		ldapEntry("uid=alice,ou=users,dc=example,dc=org", map[string][]string{
			"uid":  {"alice"},
			"mail": {"alice@example.org"},
		}),
	}}
}

func TestResourcePlugin_GetReadsThroughCache(t *testing.T) {
	conn := &fakeConn{}
	conn.searchFn = func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
		assert.Contains(t, req.Filter, "(uid=alice)")
		assert.Contains(t, req.Filter, "(objectClass=inetOrgPerson)")
		return aliceResult(), nil
	}
	handler, sc := resourceHost(t, conn)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alice@example.org")
	assert.Equal(t, 1, conn.searches)

	// Second read is served from the fabric.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, conn.searches)
	assert.True(t, sc.Cache.Has("dir:users:alice"))
}

func TestResourcePlugin_GetUnknownIs404(t *testing.T) {
	conn := &fakeConn{}
	conn.searchFn = func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
		return &ldap.SearchResult{}, nil
	}
	handler, _ := resourceHost(t, conn)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/ghost", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NotFound")
}

func TestResourcePlugin_ListPagesThroughResults(t *testing.T) {
	conn := &fakeConn{}
	conn.searchFn = func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
		if conn.searches == 1 {
			return &ldap.SearchResult{
				Entries:  []*ldap.Entry{ldapEntry("uid=a,ou=users,dc=example,dc=org", nil)},
				Controls: []ldap.Control{&ldap.ControlPaging{Cookie: []byte("next")}},
			}, nil
		}
		return &ldap.SearchResult{
			Entries:  []*ldap.Entry{ldapEntry("uid=b,ou=users,dc=example,dc=org", nil)},
			Controls: []ldap.Control{&ldap.ControlPaging{}},
		}, nil
	}
	handler, _ := resourceHost(t, conn)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "uid=a,ou=users")
	assert.Contains(t, rec.Body.String(), "uid=b,ou=users")
	assert.Equal(t, 2, conn.searches)
}

func TestResourcePlugin_CreateShapesDN(t *testing.T) {
	conn := &fakeConn{}
	handler, _ := resourceHost(t, conn)

	body := strings.NewReader(`{"uid": "bob", "Mail": ["bob@example.org"], "cn": "Bob"}`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users", body))
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, conn.adds, 1)
	add := conn.adds[0]
	assert.Equal(t, "uid=bob,ou=users,dc=example,dc=org", add.DN)

	attrs := map[string][]string{}
	for _, a := range add.Attributes {
		attrs[a.Type] = a.Vals
	}
	assert.Equal(t, []string{"bob@example.org"}, attrs["mail"], "payload keys are lowercased")
	assert.Equal(t, []string{"Bob"}, attrs["cn"], "single strings become one-element lists")
	assert.Contains(t, attrs["objectclass"], "inetOrgPerson", "default object classes are applied")
}

func TestResourcePlugin_CreateWithoutIdentifierIs400(t *testing.T) {
	conn := &fakeConn{}
	handler, _ := resourceHost(t, conn)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users",
		strings.NewReader(`{"mail": "nobody@example.org"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, conn.adds)
}

func TestResourcePlugin_CreateMalformedBodyIs400(t *testing.T) {
	conn := &fakeConn{}
	handler, _ := resourceHost(t, conn)

	tests := []struct {
		name string
		body string
	}{
		{"NotJSON", "not json at all"},
		{"NonStringValue", `{"uid": 42}`},
		{"MixedList", `{"uid": ["bob", 7]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users",
				strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, conn.adds)
}

func TestResourcePlugin_UpdateInvalidatesCache(t *testing.T) {
	conn := &fakeConn{}
	conn.searchFn = func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
		return aliceResult(), nil
	}
	handler, sc := resourceHost(t, conn)

	// Prime the cache.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, sc.Cache.Has("dir:users:alice"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/users/alice",
		strings.NewReader(`{"mail": "new@example.org"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, conn.modifies, 1)
	assert.Equal(t, "uid=alice,ou=users,dc=example,dc=org", conn.modifies[0].DN)
	assert.False(t, sc.Cache.Has("dir:users:alice"), "writes invalidate the read cache")
}

func TestResourcePlugin_UpdateCannotRename(t *testing.T) {
	conn := &fakeConn{}
	handler, _ := resourceHost(t, conn)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/users/alice",
		strings.NewReader(`{"uid": "malice"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, conn.modifies)
}

func TestResourcePlugin_Delete(t *testing.T) {
	conn := &fakeConn{}
	conn.searchFn = func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
		return aliceResult(), nil
	}
	handler, sc := resourceHost(t, conn)

	// Prime the cache so invalidation is observable.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/alice", nil))
	require.True(t, sc.Cache.Has("dir:users:alice"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/users/alice", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Len(t, conn.deletes, 1)
	assert.Equal(t, "uid=alice,ou=users,dc=example,dc=org", conn.deletes[0].DN)
	assert.False(t, sc.Cache.Has("dir:users:alice"))
}

func TestResourcePlugin_DirectoryConflictSurfaces409(t *testing.T) {
	conn := &fakeConn{
		writeErr: ldap.NewError(ldap.LDAPResultEntryAlreadyExists, assert.AnError),
	}
	handler, _ := resourceHost(t, conn)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users",
		strings.NewReader(`{"uid": "bob"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "Conflict")
}

func TestResourcePlugin_DNEscaping(t *testing.T) {
	conn := &fakeConn{}
	handler, _ := resourceHost(t, conn)

	body := strings.NewReader(`{"uid": "o'brien, pat"}`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users", body))
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, conn.adds, 1)
	assert.Equal(t, `uid=o'brien\, pat,ou=users,dc=example,dc=org`, conn.adds[0].DN)
}

func TestNormalizeValues(t *testing.T) {
	values, err := normalizeValues([]byte(`"single"`))
	require.NoError(t, err)
	assert.Equal(t, []string{"single"}, values)

	values, err = normalizeValues([]byte(`["a", "b"]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, values)

	_, err = normalizeValues([]byte(`{"nested": true}`))
	require.Error(t, err)
}

func TestResourcePlugin_PresetNames(t *testing.T) {
	assert.Equal(t, "users", UsersPlugin().Name())
	assert.Equal(t, "groups", GroupsPlugin().Name())
	assert.Equal(t, "organizations", OrganizationsPlugin().Name())
}

func TestResourcePlugin_MisconfiguredMountFails(t *testing.T) {
	sc := NewServiceContext(DefaultConfig(), nil, NewFabric(FabricConfig{}), NewTestLogger())
	host := NewHost(sc)
	require.NoError(t, host.Register(NewResourcePlugin(ResourceConfig{Name: "broken"})))

	_, err := host.Start()
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
}
