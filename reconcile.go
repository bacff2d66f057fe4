// reconcile.go: quota reconciliation between the directory and the mail API
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dirrest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// QuotaConfig configures the quota reconciliation job.
type QuotaConfig struct {
	// URL is the base address of the external quota API.
	URL string `json:"url" yaml:"url"`

	// Token, when set, is sent as a bearer token.
	Token string `json:"token" yaml:"token"`

	// Timeout bounds each quota API call. Zero selects the default of 10s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// IdentityAttr is the directory attribute holding the shared identity
	// key. Zero value selects "uid".
	IdentityAttr string `json:"identity_attr" yaml:"identity_attr"`

	// QuotaAttr is the directory attribute holding the authoritative quota.
	// Zero value selects "mailquota".
	QuotaAttr string `json:"quota_attr" yaml:"quota_attr"`

	// Filter selects the source entries. Zero value selects all entries
	// that carry the quota attribute.
	Filter string `json:"filter" yaml:"filter"`

	// DryRun records intended changes without writing to the target.
	DryRun bool `json:"dry_run" yaml:"dry_run"`
}

func (c *QuotaConfig) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.IdentityAttr == "" {
		c.IdentityAttr = "uid"
	}
	if c.QuotaAttr == "" {
		c.QuotaAttr = "mailquota"
	}
	if c.Filter == "" {
		c.Filter = "(" + c.QuotaAttr + "=*)"
	}
}

// QuotaClient talks to the external quota API.
type QuotaClient struct {
	config QuotaConfig
	client *http.Client
}

// NewQuotaClient creates a quota API client.
func NewQuotaClient(config QuotaConfig) *QuotaClient {
	config.setDefaults()
	return &QuotaClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// quotaEndpoint builds the per-identity quota URL. Identities come from
// directory attributes and may contain characters with URL meaning, so the
// path segment is escaped.
func (c *QuotaClient) quotaEndpoint(identity string) string {
	return c.config.URL + "/quota/users/" + url.PathEscape(identity) + "/size"
}

// Fetch returns the target quota for identity. The second return value is
// false when the target system does not know the identity (HTTP 404), which
// is an expected condition, not an error.
func (c *QuotaClient) Fetch(ctx context.Context, identity string) (int64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.quotaEndpoint(identity), nil)
	if err != nil {
		return 0, false, NewInternalError("build quota request", err)
	}
	c.authorize(req)

	res, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return 0, false, NewGatewayTimeoutError("quota API", err)
		}
		return 0, false, NewBadGatewayError("quota API", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusNotFound {
		return 0, false, nil
	}
	if res.StatusCode != http.StatusOK {
		return 0, false, NewBadGatewayError("quota API",
			fmt.Errorf("fetch for %q returned status %d", identity, res.StatusCode))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, false, NewBadGatewayError("quota API", err)
	}
	value, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, false, NewBadGatewayError("quota API", err)
	}
	return value, true, nil
}

// Store sets the target quota for identity to an absolute value. Setting an
// absolute value rather than a delta is what makes a reconciliation pass
// safe to re-run.
func (c *QuotaClient) Store(ctx context.Context, identity string, quota int64) error {
	body := bytes.NewBufferString(strconv.FormatInt(quota, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.quotaEndpoint(identity), body)
	if err != nil {
		return NewInternalError("build quota request", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	c.authorize(req)

	res, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return NewGatewayTimeoutError("quota API", err)
		}
		return NewBadGatewayError("quota API", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		return NewBadGatewayError("quota API",
			fmt.Errorf("store for %q returned status %d", identity, res.StatusCode))
	}
	return nil
}

func (c *QuotaClient) authorize(req *http.Request) {
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
}

// QuotaRecord is the transient comparison state for one source record
// during a reconciliation pass. It is never persisted.
type QuotaRecord struct {
	Identity    string
	SourceQuota int64
	TargetQuota int64
	TargetKnown bool
}

// SyncSummary is the terminal report of one reconciliation pass.
type SyncSummary struct {
	Checked int `json:"checked"`
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

func (s SyncSummary) String() string {
	return fmt.Sprintf("checked=%d synced=%d skipped=%d errors=%d",
		s.Checked, s.Synced, s.Skipped, s.Errors)
}

// Reconciler pages through the directory (the source of truth for quotas),
// diffs each record against the external quota API, and applies corrective
// writes.
//
// Failure isolation: one record's failure is counted and logged, never
// raised; the pass continues with the next record. Only a source
// pagination failure aborts the pass, because past that point the source
// stream cannot be trusted to be complete. An identity missing on the
// target is a skip with a warning, not an error: the target system not yet
// provisioning that identity is expected.
//
// In dry-run mode intended changes are logged and counted as synced but
// nothing is written. The pass is idempotent either way, since every
// corrective write sets an absolute value.
//
// The reconciler is independent of the plugin host; it runs in its own
// process and uses only the directory client's paged search and the quota
// client.
type Reconciler struct {
	api    *QuotaClient
	config QuotaConfig
	logger Logger
}

// NewReconciler creates a reconciler writing through api.
func NewReconciler(api *QuotaClient, config QuotaConfig, logger Logger) *Reconciler {
	config.setDefaults()
	if logger == nil {
		logger = DefaultLogger()
	}
	return &Reconciler{api: api, config: config, logger: logger}
}

// Run executes one reconciliation pass over the given source page sequence
// and returns the terminal summary. The returned error is non-nil only for
// a fatal source failure; per-record errors are reported in the summary.
func (r *Reconciler) Run(ctx context.Context, pages *SearchPages) (SyncSummary, error) {
	var summary SyncSummary
	defer pages.Abandon()

	for {
		page, err := pages.Next(ctx)
		if err != nil {
			return summary, err
		}
		if page == nil {
			break
		}

		for _, entry := range page.Entries {
			r.reconcileEntry(ctx, entry, &summary)
		}

		if !page.HasMore {
			break
		}
	}

	r.logger.Info("Reconciliation pass complete",
		"checked", summary.Checked,
		"synced", summary.Synced,
		"skipped", summary.Skipped,
		"errors", summary.Errors,
		"dry_run", r.config.DryRun)
	return summary, nil
}

func (r *Reconciler) reconcileEntry(ctx context.Context, entry DirectoryEntry, summary *SyncSummary) {
	identity := entry.First(r.config.IdentityAttr)
	if identity == "" {
		r.logger.Warn("Source entry has no identity attribute", "dn", entry.DN)
		summary.Skipped++
		return
	}
	summary.Checked++

	rawQuota := entry.First(r.config.QuotaAttr)
	sourceQuota, err := strconv.ParseInt(rawQuota, 10, 64)
	if err != nil {
		r.logger.Error("Source quota is not numeric",
			"identity", identity, "value", rawQuota)
		summary.Errors++
		return
	}

	record := QuotaRecord{Identity: identity, SourceQuota: sourceQuota}
	record.TargetQuota, record.TargetKnown, err = r.api.Fetch(ctx, identity)
	if err != nil {
		r.logger.Error("Target quota lookup failed",
			"identity", identity, "error", err)
		summary.Errors++
		return
	}
	if !record.TargetKnown {
		r.logger.Warn("Identity not provisioned on target, skipping",
			"identity", identity)
		summary.Skipped++
		return
	}
	if record.TargetQuota == record.SourceQuota {
		return
	}

	if r.config.DryRun {
		r.logger.Info("Would sync quota",
			"identity", identity,
			"from", record.TargetQuota,
			"to", record.SourceQuota)
		summary.Synced++
		return
	}

	if err := r.api.Store(ctx, identity, record.SourceQuota); err != nil {
		r.logger.Error("Corrective write failed",
			"identity", identity, "error", err)
		summary.Errors++
		return
	}
	r.logger.Info("Synced quota",
		"identity", identity,
		"from", record.TargetQuota,
		"to", record.SourceQuota)
	summary.Synced++
}
