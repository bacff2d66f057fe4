// directory.go: resilient LDAP directory client with lazy paged search
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dirrest

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// DirectoryConfig holds the connection parameters for the directory backend.
type DirectoryConfig struct {
	// URI is the backend address, e.g. "ldaps://directory.example.org:636".
	URI string `json:"uri" yaml:"uri"`

	// BindDN and BindPassword are the service credentials.
	BindDN       string `json:"bind_dn" yaml:"bind_dn"`
	BindPassword string `json:"bind_password" yaml:"bind_password"`

	// BaseDN is the search base for all queries.
	BaseDN string `json:"base_dn" yaml:"base_dn"`

	// ConnectTimeout bounds dialing and every backend round trip.
	// Zero selects the default of 10s.
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`

	// ConnectRetries is the number of connect attempts on transient network
	// failure before surfacing ServiceUnavailable. Zero selects the default
	// of 3. Rejected credentials are never retried.
	ConnectRetries int `json:"connect_retries" yaml:"connect_retries"`

	// PageSize is the default page size for paged searches.
	// Zero selects the default of 100.
	PageSize int `json:"page_size" yaml:"page_size"`
}

func (c *DirectoryConfig) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 3
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
}

// DirectoryEntry is an immutable snapshot of one directory entry.
//
// Attribute names are normalized to lowercase and values are always a list,
// even when the backend holds a single value. A fresh copy is produced for
// every query result; callers never receive a live backend handle.
type DirectoryEntry struct {
	DN         string              `json:"dn"`
	Attributes map[string][]string `json:"attributes"`
}

// First returns the first value of the named attribute, or "" when absent.
func (e DirectoryEntry) First(name string) string {
	values := e.Attributes[strings.ToLower(name)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// fromLDAPEntry normalizes a backend entry into a DirectoryEntry.
func fromLDAPEntry(entry *ldap.Entry) DirectoryEntry {
	attrs := make(map[string][]string, len(entry.Attributes))
	for _, attr := range entry.Attributes {
		values := make([]string, len(attr.Values))
		copy(values, attr.Values)
		attrs[strings.ToLower(attr.Name)] = values
	}
	return DirectoryEntry{DN: entry.DN, Attributes: attrs}
}

// WriteMode selects the corrective operation applied by Write.
type WriteMode string

const (
	WriteCreate WriteMode = "create"
	WriteUpdate WriteMode = "update"
	WriteDelete WriteMode = "delete"
)

// SearchPage is one page of a paginated search.
type SearchPage struct {
	Entries []DirectoryEntry
	HasMore bool
}

// SearchPages is a lazy, finite, non-restartable sequence of search pages.
//
// Each page is fetched from the backend only when Next is called, so memory
// and backend load stay bounded by one page regardless of result-set size,
// and page N+1 is never in flight before page N was consumed. Concatenating
// all pages in emission order reproduces the full result set exactly once
// per entry, assuming no concurrent external mutation.
//
// The consumer must either drain the sequence or call Abandon; both release
// the underlying connection and its server-side cursor. A fetch error
// poisons the sequence: subsequent Next calls return the same error and no
// automatic resume is attempted, because paged-search cookies are not
// durable and a blind retry could skip or duplicate entries. Restarting the
// search is the caller's decision.
type SearchPages struct {
	fetch   func(ctx context.Context) ([]DirectoryEntry, bool, error)
	release func()

	releaseOnce sync.Once
	done        bool
	err         error
}

func newSearchPages(fetch func(ctx context.Context) ([]DirectoryEntry, bool, error), release func()) *SearchPages {
	if release == nil {
		release = func() {}
	}
	return &SearchPages{fetch: fetch, release: release}
}

// Next fetches and returns the next page. It returns (nil, nil) after the
// final page has been emitted.
func (p *SearchPages) Next(ctx context.Context) (*SearchPage, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		p.fail(NewServiceUnavailableError("paged search cancelled", err))
		return nil, p.err
	}

	entries, hasMore, err := p.fetch(ctx)
	if err != nil {
		p.fail(err)
		return nil, p.err
	}
	if !hasMore {
		p.done = true
		p.releaseOnce.Do(p.release)
	}
	return &SearchPage{Entries: entries, HasMore: hasMore}, nil
}

// Abandon stops the sequence early and releases the cursor. Safe to call
// multiple times and after the sequence is drained.
func (p *SearchPages) Abandon() {
	p.done = true
	p.releaseOnce.Do(p.release)
}

func (p *SearchPages) fail(err error) {
	p.err = err
	p.done = true
	p.releaseOnce.Do(p.release)
}

// DirectoryClient issues searches and writes against the directory backend.
//
// Connections are not pooled: every logical operation acquires its own
// connection and releases it when done (for paged searches, when the page
// sequence is drained or abandoned). Concurrent requests therefore never
// share a live connection object.
type DirectoryClient struct {
	config DirectoryConfig
	logger Logger

	// dial is swapped in tests; production uses dialLDAP.
	dial func(ctx context.Context) (ldapConn, error)
}

// ldapConn is the slice of *ldap.Conn the client relies on.
type ldapConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	Del(req *ldap.DelRequest) error
	Close() error
}

// NewDirectoryClient creates a directory client from config. A nil logger
// selects the default logger.
func NewDirectoryClient(config DirectoryConfig, logger Logger) *DirectoryClient {
	config.setDefaults()
	if logger == nil {
		logger = DefaultLogger()
	}
	c := &DirectoryClient{config: config, logger: logger}
	c.dial = c.dialLDAP
	return c
}

func (c *DirectoryClient) dialLDAP(ctx context.Context) (ldapConn, error) {
	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := ldap.DialURL(c.config.URI, ldap.DialWithDialer(dialer))
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(c.config.ConnectTimeout)
	return conn, nil
}

// connect establishes and binds a fresh connection.
//
// Transient network failures are retried with bounded exponential backoff
// before surfacing ServiceUnavailable. A credential rejection surfaces
// Unauthorized immediately: retrying a wrong password cannot help and only
// risks a lockout.
func (c *DirectoryClient) connect(ctx context.Context) (ldapConn, error) {
	var lastErr error
	for attempt := 1; attempt <= c.config.ConnectRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, NewServiceUnavailableError("directory connect cancelled", err)
		}

		conn, err := c.dial(ctx)
		if err != nil {
			lastErr = err
			c.logger.Warn("Directory connect failed",
				"attempt", attempt,
				"uri", c.config.URI,
				"error", err)
			if attempt < c.config.ConnectRetries {
				if err := sleepContext(ctx, connectBackoff(attempt)); err != nil {
					return nil, NewServiceUnavailableError("directory connect cancelled", err)
				}
			}
			continue
		}

		if err := conn.Bind(c.config.BindDN, c.config.BindPassword); err != nil {
			_ = conn.Close()
			if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
				return nil, NewUnauthorizedError("directory bind rejected")
			}
			lastErr = err
			c.logger.Warn("Directory bind failed", "attempt", attempt, "error", err)
			if attempt < c.config.ConnectRetries {
				if err := sleepContext(ctx, connectBackoff(attempt)); err != nil {
					return nil, NewServiceUnavailableError("directory connect cancelled", err)
				}
			}
			continue
		}

		return conn, nil
	}
	return nil, NewServiceUnavailableError("directory unreachable", lastErr)
}

// connectBackoff returns the delay before retry attempt+1: 250ms doubling
// per attempt, capped at 2s.
func connectBackoff(attempt int) time.Duration {
	delay := 250 * time.Millisecond << (attempt - 1)
	if delay > 2*time.Second {
		delay = 2 * time.Second
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Search runs an unpaginated search and returns the full result list.
func (c *DirectoryClient) Search(ctx context.Context, filter string, attributes []string) ([]DirectoryEntry, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	req := ldap.NewSearchRequest(
		c.config.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter, attributes, nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, classifyDirectoryError("search", err)
	}

	entries := make([]DirectoryEntry, 0, len(res.Entries))
	for _, entry := range res.Entries {
		entries = append(entries, fromLDAPEntry(entry))
	}
	return entries, nil
}

// SearchPaged starts a paginated search and returns its lazy page sequence.
// A pageSize of 0 selects the configured default. The connection backing
// the sequence is released when the sequence is drained, abandoned, or
// poisoned by a fetch error.
func (c *DirectoryClient) SearchPaged(ctx context.Context, filter string, attributes []string, pageSize int) (*SearchPages, error) {
	if pageSize <= 0 {
		pageSize = c.config.PageSize
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	paging := ldap.NewControlPaging(uint32(pageSize))
	fetch := func(ctx context.Context) ([]DirectoryEntry, bool, error) {
		req := ldap.NewSearchRequest(
			c.config.BaseDN,
			ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
			filter, attributes, []ldap.Control{paging},
		)
		res, err := conn.Search(req)
		if err != nil {
			return nil, false, classifyDirectoryError("paged search", err)
		}

		entries := make([]DirectoryEntry, 0, len(res.Entries))
		for _, entry := range res.Entries {
			entries = append(entries, fromLDAPEntry(entry))
		}

		var cookie []byte
		if ctrl := ldap.FindControl(res.Controls, ldap.ControlTypePaging); ctrl != nil {
			if pagingResult, ok := ctrl.(*ldap.ControlPaging); ok {
				cookie = pagingResult.Cookie
			}
		}
		paging.SetCookie(cookie)
		return entries, len(cookie) > 0, nil
	}
	release := func() { _ = conn.Close() }

	return newSearchPages(fetch, release), nil
}

// Write applies one corrective operation to the directory.
//
// Failure mapping: a uniqueness violation on create surfaces Conflict,
// update/delete of a missing entry surfaces NotFound, schema violations
// surface BadRequest, and transport failures surface ServiceUnavailable.
// Updates replace attribute values wholesale, so every write is an absolute
// assignment and re-running it is safe.
func (c *DirectoryClient) Write(ctx context.Context, entry DirectoryEntry, mode WriteMode) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	switch mode {
	case WriteCreate:
		req := ldap.NewAddRequest(entry.DN, nil)
		for name, values := range entry.Attributes {
			req.Attribute(name, values)
		}
		if err := conn.Add(req); err != nil {
			return classifyDirectoryError("create", err)
		}
	case WriteUpdate:
		req := ldap.NewModifyRequest(entry.DN, nil)
		for name, values := range entry.Attributes {
			req.Replace(name, values)
		}
		if err := conn.Modify(req); err != nil {
			return classifyDirectoryError("update", err)
		}
	case WriteDelete:
		req := ldap.NewDelRequest(entry.DN, nil)
		if err := conn.Del(req); err != nil {
			return classifyDirectoryError("delete", err)
		}
	default:
		return NewBadRequestError(fmt.Sprintf("unknown write mode %q", mode))
	}
	return nil
}

// Ping verifies that the backend is reachable and the bind credentials are
// accepted, then releases the connection. Used by startup checks.
func (c *DirectoryClient) Ping(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}

// BaseDN returns the configured search base.
func (c *DirectoryClient) BaseDN() string {
	return c.config.BaseDN
}

// classifyDirectoryError maps backend result codes onto the typed error
// hierarchy. Unmapped codes count as ServiceUnavailable when the transport
// failed and BadRequest when the server rejected the operation outright.
func classifyDirectoryError(op string, err error) error {
	switch {
	case ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists):
		return NewConflictError("entry already exists")
	case ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject):
		return NewNotFoundError("directory entry")
	case ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials),
		ldap.IsErrorWithCode(err, ldap.LDAPResultInsufficientAccessRights):
		return NewUnauthorizedError("directory " + op + " rejected")
	case ldap.IsErrorWithCode(err, ldap.LDAPResultObjectClassViolation),
		ldap.IsErrorWithCode(err, ldap.LDAPResultConstraintViolation),
		ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidAttributeSyntax),
		ldap.IsErrorWithCode(err, ldap.LDAPResultUndefinedAttributeType),
		ldap.IsErrorWithCode(err, ldap.LDAPResultNamingViolation):
		return NewBadRequestError("directory " + op + ": " + ldapResultText(err))
	case ldap.IsErrorWithCode(err, ldap.LDAPResultBusy),
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable),
		ldap.IsErrorWithCode(err, ldap.ErrorNetwork):
		return NewServiceUnavailableError("directory "+op+" failed", err)
	default:
		return NewServiceUnavailableError("directory "+op+" failed", err)
	}
}

func ldapResultText(err error) string {
	if ldapErr, ok := err.(*ldap.Error); ok {
		return ldap.LDAPResultCodeMap[ldapErr.ResultCode]
	}
	return err.Error()
}
