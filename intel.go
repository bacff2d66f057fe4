// intel.go: threat-intelligence decision client and fail-open ban gate
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dirrest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// IntelConfig configures the threat-intelligence integration.
type IntelConfig struct {
	// Enabled switches the ban gate on. When false the gate mounts nothing.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// URL is the base address of the decision API.
	URL string `json:"url" yaml:"url"`

	// APIKey is sent in the X-Api-Key header.
	APIKey string `json:"api_key" yaml:"api_key"`

	// Timeout bounds each decision lookup. Zero selects the default of 2s:
	// the gate sits on the hot path of every request, so a slow intel
	// service must degrade to fail-open quickly.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

func (c *IntelConfig) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
}

// Decision is one verdict object returned by the decision API.
type Decision struct {
	Type  string `json:"type"`
	Scope string `json:"scope"`
	Value string `json:"value"`
}

// IsBan reports whether this decision blocks traffic.
func (d Decision) IsBan() bool {
	return d.Type == "ban"
}

// IntelClient queries the threat-intelligence decision API.
type IntelClient struct {
	config IntelConfig
	client *http.Client
}

// NewIntelClient creates a decision API client.
func NewIntelClient(config IntelConfig) *IntelClient {
	config.setDefaults()
	return &IntelClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Decisions returns the active decisions for ip. A JSON "null" body means
// no decisions. Timeouts surface GatewayTimeout and any other upstream
// failure surfaces BadGateway; the caller decides whether to fail open.
func (c *IntelClient) Decisions(ctx context.Context, ip string) ([]Decision, error) {
	endpoint := c.config.URL + "/decisions?ip=" + url.QueryEscape(ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewInternalError("build decision request", err)
	}
	if c.config.APIKey != "" {
		req.Header.Set("X-Api-Key", c.config.APIKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, NewGatewayTimeoutError("threat-intel", err)
		}
		return nil, NewBadGatewayError("threat-intel", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return nil, NewBadGatewayError("threat-intel",
			fmt.Errorf("decision API returned status %d", res.StatusCode))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, NewBadGatewayError("threat-intel", err)
	}

	var decisions []Decision
	if err := json.Unmarshal(body, &decisions); err != nil {
		return nil, NewBadGatewayError("threat-intel", err)
	}
	return decisions, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}

// BanGate is the gating plugin that blocks requests from banned IPs.
//
// It contributes catch-all middleware, so it must be registered with the
// host before every plugin whose routes it guards; chi rejects middleware
// added after the first route, which turns an ordering mistake into a
// mount-time failure.
//
// Availability policy: when the decision API is unreachable or errors, the
// gate fails open and lets the request through, and nothing is cached for
// that IP so the next request asks again. Blocking all traffic whenever the
// intel service is down would trade the whole directory service for a
// secondary control, so the gate prefers availability over strictness.
//
// Verdicts are cached in the shared fabric under "intel:<ip>", both bans
// and clean results, which rate-limits the decision API to one lookup per
// IP per cache TTL.
type BanGate struct{}

// NewBanGate creates the ban gate plugin.
func NewBanGate() *BanGate {
	return &BanGate{}
}

// Name implements Plugin.
func (g *BanGate) Name() string {
	return "bangate"
}

// Mount implements Plugin.
func (g *BanGate) Mount(mux *Mux, sc *ServiceContext) error {
	if !sc.Config.Intel.Enabled {
		sc.Logger.Info("Threat-intel gate disabled")
		return nil
	}

	client := NewIntelClient(sc.Config.Intel)
	logger := sc.Logger.With("plugin", g.Name())
	deny := sc.Boundary.Wrap(func(http.ResponseWriter, *http.Request) error {
		return NewForbiddenError("source address is banned")
	})

	mux.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if ip == "" {
				next.ServeHTTP(w, r)
				return
			}

			key := "intel:" + ip
			banned, cached := GetAs[bool](sc.Cache, key)
			if !cached {
				decisions, err := client.Decisions(r.Context(), ip)
				if err != nil {
					// Fail open, and do not cache: the next request
					// should ask again once the service recovers.
					logger.Warn("Decision lookup failed, failing open",
						"ip", ip, "error", err)
					next.ServeHTTP(w, r)
					return
				}
				banned = hasBan(decisions)
				sc.Cache.Set(key, banned)
			}

			if banned {
				deny(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	return nil
}

func hasBan(decisions []Decision) bool {
	for _, d := range decisions {
		if d.IsBan() {
			return true
		}
	}
	return false
}

// clientIP extracts the peer address of a request, without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
