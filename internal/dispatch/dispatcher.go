// Package dispatch selects accounts for inbound requests, drives the Kiro
// adapter, and turns upstream failures into cooldown and failover decisions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/store"
)

// ErrNoHealthyAccounts is returned when no account is eligible to serve a
// request.
var ErrNoHealthyAccounts = errors.New("no healthy accounts available")

// Error carries the HTTP status the front-end should reply with.
type Error struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// Call describes one dispatched upstream request. BuildBody runs per
// attempted account because the body embeds account-specific fields
// (profileArn for social auth).
type Call struct {
	Model     string
	BuildBody func(acc *store.Account) ([]byte, error)
}

// Client is the slice of the Kiro adapter the dispatcher drives.
type Client interface {
	SendStream(ctx context.Context, opts *kiro.CallOptions) (io.ReadCloser, error)
	Refresh(ctx context.Context, creds kiro.RefreshCredentials) (*kiro.RefreshResult, error)
	GetUsageLimits(ctx context.Context, opts *kiro.CallOptions) (*kiro.UsageLimits, error)
}

// Dispatcher owns the round-robin cursor and the cooldown map. Both live
// under one mutex, which is never held across I/O; everything the selection
// needs is cloned before the lock is released.
type Dispatcher struct {
	store  store.AccountStore
	client Client
	logger *slog.Logger

	cooldown      time.Duration
	refreshBefore time.Duration
	quotaResetUTC bool

	mu        sync.Mutex
	cursor    int
	cooldowns map[string]time.Time // account id → disabledUntil

	// refreshGroup deduplicates concurrent refreshes of the same account.
	refreshGroup singleflight.Group
}

// Options configures the dispatcher.
type Options struct {
	Store         store.AccountStore
	Client        Client
	Logger        *slog.Logger
	Cooldown      time.Duration
	RefreshBefore time.Duration
	QuotaResetUTC bool
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cooldown := opts.Cooldown
	if cooldown == 0 {
		cooldown = 60 * time.Second
	}
	refreshBefore := opts.RefreshBefore
	if refreshBefore == 0 {
		refreshBefore = 5 * time.Minute
	}
	return &Dispatcher{
		store:         opts.Store,
		client:        opts.Client,
		logger:        logger,
		cooldown:      cooldown,
		refreshBefore: refreshBefore,
		quotaResetUTC: opts.QuotaResetUTC,
		cooldowns:     make(map[string]time.Time),
	}
}

// Do selects an eligible account, ensures its token is fresh, and sends the
// request, failing over on retryable upstream errors. The returned reader is
// the upstream response body; the caller owns it. Once the caller starts
// writing its own response, further failures are terminal and must not
// re-enter Do.
func (d *Dispatcher) Do(ctx context.Context, call *Call) (io.ReadCloser, *store.Account, error) {
	eligible, err := d.eligibleAccounts(ctx)
	if err != nil {
		return nil, nil, &Error{Status: http.StatusBadGateway, Message: fmt.Sprintf("account store unavailable: %v", err)}
	}
	if len(eligible) == 0 {
		return nil, nil, ErrNoHealthyAccounts
	}

	d.mu.Lock()
	start := d.cursor % len(eligible)
	d.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < len(eligible); attempt++ {
		acc := eligible[(start+attempt)%len(eligible)]

		d.mu.Lock()
		d.cursor++
		d.mu.Unlock()

		body, err := d.tryAccount(ctx, &acc, call)
		if err == nil {
			d.recordSuccess(ctx, acc.ID)
			return body, &acc, nil
		}

		disposition, abort := d.classify(ctx, &acc, err)
		lastErr = disposition
		if abort {
			return nil, &acc, disposition
		}
	}

	if dispErr, ok := lastErr.(*Error); ok {
		return nil, nil, dispErr
	}
	return nil, nil, &Error{Status: http.StatusBadGateway, Message: fmt.Sprintf("all accounts failed: %v", lastErr)}
}

// tryAccount refreshes the token if needed and performs the upstream send.
func (d *Dispatcher) tryAccount(ctx context.Context, acc *store.Account, call *Call) (io.ReadCloser, error) {
	if err := d.ensureFreshToken(ctx, acc, false); err != nil {
		return nil, err
	}

	reqBody, err := call.BuildBody(acc)
	if err != nil {
		return nil, &Error{Status: http.StatusBadRequest, Message: err.Error()}
	}

	opts := &kiro.CallOptions{
		Region:     acc.Credentials.EffectiveRegion(),
		Model:      call.Model,
		Token:      acc.Credentials.AccessToken,
		ProfileARN: acc.Credentials.ProfileARN,
		ClientID:   acc.Credentials.ClientID,
		AccountID:  acc.ID,
		Body:       reqBody,
		RefreshToken: func(ctx context.Context) (string, error) {
			if err := d.ensureFreshToken(ctx, acc, true); err != nil {
				return "", err
			}
			return acc.Credentials.AccessToken, nil
		},
	}
	return d.client.SendStream(ctx, opts)
}

// classify applies the per-error disposition table. It returns the error to
// report and whether the failover loop must abort.
//
//	no status (local/network)  no cooldown, abort, 502
//	400                        no cooldown, abort, 400
//	402                        quota_exhausted until next month, continue
//	401/403/429/5xx/other      cooldown, continue
func (d *Dispatcher) classify(ctx context.Context, acc *store.Account, err error) (error, bool) {
	var dispErr *Error
	if errors.As(err, &dispErr) {
		return dispErr, true
	}

	var refreshErr *kiro.RefreshError
	if errors.As(err, &refreshErr) {
		// A failed refresh disqualifies this account for this request only:
		// no cooldown on first occurrence, and the rest of the pool still
		// gets its turn. Surfaces as 401 only when every account failed.
		status := http.StatusUnauthorized
		if refreshErr.Kind == kiro.RefreshNetwork {
			status = http.StatusBadGateway
		}
		d.recordFailure(ctx, acc.ID, refreshErr.Error(), false)
		return &Error{Status: status, Message: refreshErr.Error()}, false
	}

	var apiErr *kiro.APIError
	if !errors.As(err, &apiErr) {
		// Local or network failure: the account is not at fault.
		return &Error{Status: http.StatusBadGateway, Message: err.Error()}, true
	}

	switch {
	case apiErr.IsBadRequest():
		// Request-shape bug; another account would reject it the same way.
		return &Error{Status: http.StatusBadRequest, Message: string(apiErr.Body)}, true

	case apiErr.IsPaymentRequired():
		until := d.nextMonthStart()
		d.logger.Warn("account quota exhausted",
			"account", acc.ID,
			"until", until.Format(time.RFC3339),
		)
		if updateErr := d.store.Update(ctx, acc.ID, func(a *store.Account) {
			a.Status = store.StatusQuotaExhausted
			a.QuotaExhaustedUntil = until.Format(time.RFC3339)
			a.LastError = string(apiErr.Body)
			a.ErrorCount++
		}); updateErr != nil {
			d.logger.Warn("failed to persist quota state", "account", acc.ID, "error", updateErr)
		}
		return &Error{Status: http.StatusBadGateway, Message: string(apiErr.Body)}, false

	default:
		d.mu.Lock()
		d.cooldowns[acc.ID] = time.Now().Add(d.cooldown)
		d.mu.Unlock()
		d.recordFailure(ctx, acc.ID, string(apiErr.Body), true)
		return &Error{Status: http.StatusBadGateway, Message: string(apiErr.Body)}, false
	}
}

// eligibleAccounts snapshots the pool and filters to accounts that can serve
// right now. Expired cooldowns are cleared; elapsed quota windows reset the
// account to active through the store.
func (d *Dispatcher) eligibleAccounts(ctx context.Context) ([]store.Account, error) {
	accounts, err := d.store.List(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var eligible []store.Account

	d.mu.Lock()
	for id, until := range d.cooldowns {
		if !now.Before(until) {
			delete(d.cooldowns, id)
		}
	}
	cooldowns := make(map[string]time.Time, len(d.cooldowns))
	for id, until := range d.cooldowns {
		cooldowns[id] = until
	}
	d.mu.Unlock()

	for _, acc := range accounts {
		if !acc.Usable() {
			continue
		}
		if until, ok := cooldowns[acc.ID]; ok && now.Before(until) {
			continue
		}
		if acc.Status == store.StatusQuotaExhausted {
			quotaUntil := acc.QuotaUntilTime()
			if quotaUntil.IsZero() || now.Before(quotaUntil) {
				continue
			}
			// Quota window elapsed: reset through the store.
			if err := d.store.Update(ctx, acc.ID, func(a *store.Account) {
				a.Status = store.StatusActive
				a.QuotaExhaustedUntil = ""
			}); err != nil {
				d.logger.Warn("failed to reset quota state", "account", acc.ID, "error", err)
			}
			acc.Status = store.StatusActive
			acc.QuotaExhaustedUntil = ""
		}
		eligible = append(eligible, acc)
	}

	return eligible, nil
}

// ensureFreshToken refreshes credentials when the access token is empty,
// near expiry, or when force is set (the one-shot refresh after 403, and the
// background near-expiry reconciliation). Concurrent
// refreshes of one account collapse into a single upstream call.
func (d *Dispatcher) ensureFreshToken(ctx context.Context, acc *store.Account, force bool) error {
	creds := &acc.Credentials
	if !force && creds.AccessToken != "" && time.Until(creds.ExpiresAtTime()) > d.refreshBefore {
		return nil
	}
	if creds.RefreshToken == "" {
		return &kiro.RefreshError{Kind: kiro.RefreshMissingToken}
	}

	result, err, _ := d.refreshGroup.Do(acc.ID, func() (interface{}, error) {
		res, err := d.client.Refresh(ctx, kiro.RefreshCredentials{
			RefreshToken: creds.RefreshToken,
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Region:       creds.EffectiveRegion(),
			Social:       creds.IsSocial(),
		})
		if err != nil {
			return nil, err
		}

		// The refresher returns a value; persisting is the caller's job.
		if err := d.store.Update(ctx, acc.ID, func(a *store.Account) {
			a.Credentials.AccessToken = res.AccessToken
			if res.RefreshToken != "" {
				a.Credentials.RefreshToken = res.RefreshToken
			}
			if res.ProfileARN != "" {
				a.Credentials.ProfileARN = res.ProfileARN
			}
			a.Credentials.ExpiresAt = res.ExpiresAt.UTC().Format(time.RFC3339)
		}); err != nil {
			d.logger.Warn("failed to persist refreshed credentials", "account", acc.ID, "error", err)
		}
		return res, nil
	})
	if err != nil {
		return err
	}

	res := result.(*kiro.RefreshResult)
	creds.AccessToken = res.AccessToken
	if res.RefreshToken != "" {
		creds.RefreshToken = res.RefreshToken
	}
	if res.ProfileARN != "" {
		creds.ProfileARN = res.ProfileARN
	}
	creds.ExpiresAt = res.ExpiresAt.UTC().Format(time.RFC3339)
	return nil
}

func (d *Dispatcher) recordSuccess(ctx context.Context, id string) {
	if err := d.store.Update(ctx, id, func(a *store.Account) {
		a.Status = store.StatusActive
		a.UsageCount++
		a.LastUsed = time.Now().UTC().Format(time.RFC3339)
	}); err != nil {
		d.logger.Warn("failed to record success", "account", id, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, id, message string, markError bool) {
	if err := d.store.Update(ctx, id, func(a *store.Account) {
		if markError {
			a.Status = store.StatusError
		}
		a.LastError = message
		a.ErrorCount++
	}); err != nil {
		d.logger.Warn("failed to record failure", "account", id, "error", err)
	}
}

// nextMonthStart returns the first instant of the next calendar month, in
// local time by default or UTC when configured.
func (d *Dispatcher) nextMonthStart() time.Time {
	loc := time.Local
	if d.quotaResetUTC {
		loc = time.UTC
	}
	now := time.Now().In(loc)
	year, month, _ := now.Date()
	return time.Date(year, month+1, 1, 0, 0, 0, 0, loc)
}

// Penalize puts an account into cooldown after a post-dispatch failure (an
// unintelligible stream discovered only while reading the response).
func (d *Dispatcher) Penalize(id, reason string) {
	d.mu.Lock()
	d.cooldowns[id] = time.Now().Add(d.cooldown)
	d.mu.Unlock()
	d.recordFailure(context.Background(), id, reason, true)
}

// CooldownRemaining reports the remaining cooldown for an account, for the
// admin surface.
func (d *Dispatcher) CooldownRemaining(id string) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.cooldowns[id]
	if !ok {
		return 0
	}
	remaining := time.Until(until)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// NearExpiryThreshold is the background-reconciliation window: accounts
// whose tokens expire within it are refreshed ahead of demand.
const NearExpiryThreshold = 10 * time.Minute

// ReconcileTokens refreshes every usable account whose token is within the
// near-expiry window. Run periodically so interactive requests rarely pay
// for a refresh inline.
func (d *Dispatcher) ReconcileTokens(ctx context.Context) {
	accounts, err := d.store.List(ctx)
	if err != nil {
		d.logger.Warn("token reconciliation skipped", "error", err)
		return
	}
	for _, acc := range accounts {
		if !acc.Usable() {
			continue
		}
		creds := acc.Credentials
		if creds.AccessToken != "" && time.Until(creds.ExpiresAtTime()) > NearExpiryThreshold {
			continue
		}
		if err := d.ensureFreshToken(ctx, &acc, true); err != nil {
			d.logger.Warn("background refresh failed", "account", acc.ID, "error", err)
		}
	}
}

// RefreshUsage queries getUsageLimits for every usable account and persists
// the snapshot.
func (d *Dispatcher) RefreshUsage(ctx context.Context) error {
	accounts, err := d.store.List(ctx)
	if err != nil {
		return err
	}

	var lastErr error
	for _, acc := range accounts {
		if !acc.Usable() {
			continue
		}
		if err := d.ensureFreshToken(ctx, &acc, false); err != nil {
			lastErr = err
			continue
		}
		limits, err := d.client.GetUsageLimits(ctx, &kiro.CallOptions{
			Region:     acc.Credentials.EffectiveRegion(),
			Token:      acc.Credentials.AccessToken,
			ProfileARN: profileARNForUsage(&acc),
			ClientID:   acc.Credentials.ClientID,
			AccountID:  acc.ID,
		})
		if err != nil {
			d.logger.Warn("usage limits query failed", "account", acc.ID, "error", err)
			lastErr = err
			continue
		}
		limit, current := limits.Limit, limits.Current
		if err := d.store.Update(ctx, acc.ID, func(a *store.Account) {
			a.UsageLimit = &limit
			a.UsageCurrent = &current
			if limits.Email != "" {
				a.Email = limits.Email
			}
		}); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// profileARNForUsage attaches the profileArn query parameter only for social
// accounts.
func profileARNForUsage(acc *store.Account) string {
	if acc.Credentials.IsSocial() {
		return acc.Credentials.ProfileARN
	}
	return ""
}
