package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/store"
)

// memStore is an in-memory AccountStore for dispatcher tests.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]store.Account
}

func newMemStore(accounts ...store.Account) *memStore {
	s := &memStore{accounts: make(map[string]store.Account)}
	for _, acc := range accounts {
		s.accounts[acc.ID] = acc
	}
	return s
}

func (s *memStore) List(ctx context.Context) ([]store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Account, 0, len(s.accounts))
	// Deterministic order for round-robin assertions.
	for _, id := range sortedIDs(s.accounts) {
		out = append(out, s.accounts[id])
	}
	return out, nil
}

func sortedIDs(m map[string]store.Account) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	return ids
}

func (s *memStore) Get(ctx context.Context, id string) (*store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return &acc, nil
}

func (s *memStore) Put(ctx context.Context, acc *store.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acc.ID] = *acc
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	return nil
}

func (s *memStore) Update(ctx context.Context, id string, fn func(*store.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return store.ErrAccountNotFound
	}
	fn(&acc)
	s.accounts[id] = acc
	return nil
}

func (s *memStore) Close() error { return nil }

// fakeClient scripts upstream behavior per account.
type fakeClient struct {
	mu           sync.Mutex
	sendErrs     map[string]error // account id → error (nil = success)
	sendCalls    []string
	refreshCalls int
	refreshErr   error
	refreshErrs  map[string]error // refresh token → error
}

func (c *fakeClient) SendStream(ctx context.Context, opts *kiro.CallOptions) (io.ReadCloser, error) {
	c.mu.Lock()
	c.sendCalls = append(c.sendCalls, opts.AccountID)
	err := c.sendErrs[opts.AccountID]
	c.mu.Unlock()
	if err != nil {
		var apiErr *kiro.APIError
		if errors.As(err, &apiErr) && apiErr.IsForbidden() && opts.RefreshToken != nil {
			// Mirror the adapter's one-shot refresh retry so the dispatcher
			// sees the terminal failure only.
			if _, refreshErr := opts.RefreshToken(ctx); refreshErr != nil {
				return nil, refreshErr
			}
		}
		return nil, err
	}
	return io.NopCloser(strings.NewReader(`{"content":"ok"}`)), nil
}

func (c *fakeClient) Refresh(ctx context.Context, creds kiro.RefreshCredentials) (*kiro.RefreshResult, error) {
	c.mu.Lock()
	c.refreshCalls++
	err := c.refreshErr
	if err == nil {
		err = c.refreshErrs[creds.RefreshToken]
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &kiro.RefreshResult{
		AccessToken: "fresh-token",
		ExpiresIn:   3600,
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func (c *fakeClient) GetUsageLimits(ctx context.Context, opts *kiro.CallOptions) (*kiro.UsageLimits, error) {
	return &kiro.UsageLimits{Limit: 100, Current: 1}, nil
}

func freshAccount(id string) store.Account {
	return store.Account{
		ID:     id,
		Status: store.StatusActive,
		Credentials: store.Credentials{
			AccessToken:  "token-" + id,
			RefreshToken: "refresh-" + id,
			ExpiresAt:    time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			AuthMethod:   store.AuthMethodSocial,
		},
	}
}

func testCall() *Call {
	return &Call{
		Model: "claude-sonnet-4-5",
		BuildBody: func(acc *store.Account) ([]byte, error) {
			return []byte(`{}`), nil
		},
	}
}

func newTestDispatcher(s store.AccountStore, c Client) *Dispatcher {
	return New(Options{
		Store:    s,
		Client:   c,
		Cooldown: time.Minute,
	})
}

func TestDispatcher_HappyPath(t *testing.T) {
	st := newMemStore(freshAccount("a"))
	fc := &fakeClient{}
	d := newTestDispatcher(st, fc)

	body, acc, err := d.Do(context.Background(), testCall())
	require.NoError(t, err)
	defer func() { _ = body.Close() }()

	assert.Equal(t, "a", acc.ID)
	assert.Zero(t, fc.refreshCalls)
	assert.Zero(t, d.CooldownRemaining("a"))

	updated, err := st.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.UsageCount)
}

func TestDispatcher_NoAccounts(t *testing.T) {
	d := newTestDispatcher(newMemStore(), &fakeClient{})
	_, _, err := d.Do(context.Background(), testCall())
	assert.ErrorIs(t, err, ErrNoHealthyAccounts)
}

func TestDispatcher_AccountWithoutRefreshTokenIneligible(t *testing.T) {
	acc := freshAccount("a")
	acc.Credentials.RefreshToken = ""
	d := newTestDispatcher(newMemStore(acc), &fakeClient{})

	_, _, err := d.Do(context.Background(), testCall())
	assert.ErrorIs(t, err, ErrNoHealthyAccounts)
}

func TestDispatcher_RoundRobinFairness(t *testing.T) {
	st := newMemStore(freshAccount("a"), freshAccount("b"), freshAccount("c"))
	fc := &fakeClient{}
	d := newTestDispatcher(st, fc)

	counts := make(map[string]int)
	for i := 0; i < 9; i++ {
		body, acc, err := d.Do(context.Background(), testCall())
		require.NoError(t, err)
		_ = body.Close()
		counts[acc.ID]++
	}

	// Over N successful requests against K healthy accounts the spread
	// between the most- and least-used account is at most one.
	minCount, maxCount := 9, 0
	for _, id := range []string{"a", "b", "c"} {
		if counts[id] < minCount {
			minCount = counts[id]
		}
		if counts[id] > maxCount {
			maxCount = counts[id]
		}
	}
	assert.LessOrEqual(t, maxCount-minCount, 1, "counts: %v", counts)
}

func TestDispatcher_ExpiredTokenRefreshedBeforeSend(t *testing.T) {
	acc := freshAccount("a")
	acc.Credentials.AccessToken = ""
	st := newMemStore(acc)
	fc := &fakeClient{}
	d := newTestDispatcher(st, fc)

	body, _, err := d.Do(context.Background(), testCall())
	require.NoError(t, err)
	_ = body.Close()

	assert.Equal(t, 1, fc.refreshCalls)
	updated, err := st.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", updated.Credentials.AccessToken)
}

func TestDispatcher_RefreshFailureFailsOver(t *testing.T) {
	stale := freshAccount("a")
	stale.Credentials.AccessToken = ""
	st := newMemStore(stale, freshAccount("b"))
	fc := &fakeClient{refreshErrs: map[string]error{
		"refresh-a": &kiro.RefreshError{Kind: kiro.RefreshHTTP, StatusCode: http.StatusBadRequest},
	}}
	d := newTestDispatcher(st, fc)

	// A's refresh fails but B still serves the request.
	body, acc, err := d.Do(context.Background(), testCall())
	require.NoError(t, err)
	_ = body.Close()
	assert.Equal(t, "b", acc.ID)

	// No cooldown for the refresh failure; A stays eligible next round.
	assert.Zero(t, d.CooldownRemaining("a"))
	failed, err := st.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.NotEqual(t, store.StatusDisabled, failed.Status)
	assert.NotEmpty(t, failed.LastError)
}

func TestDispatcher_RefreshFailureEverywhereSurfaces401(t *testing.T) {
	stale := freshAccount("a")
	stale.Credentials.AccessToken = ""
	st := newMemStore(stale)
	fc := &fakeClient{refreshErrs: map[string]error{
		"refresh-a": &kiro.RefreshError{Kind: kiro.RefreshHTTP, StatusCode: http.StatusBadRequest},
	}}
	d := newTestDispatcher(st, fc)

	_, _, err := d.Do(context.Background(), testCall())
	var dispErr *Error
	require.ErrorAs(t, err, &dispErr)
	assert.Equal(t, http.StatusUnauthorized, dispErr.Status)
}

func TestDispatcher_QuotaExhaustedFailsOver(t *testing.T) {
	st := newMemStore(freshAccount("a"), freshAccount("b"))
	fc := &fakeClient{sendErrs: map[string]error{
		"a": &kiro.APIError{StatusCode: http.StatusPaymentRequired, Body: []byte("quota")},
	}}
	d := newTestDispatcher(st, fc)

	body, acc, err := d.Do(context.Background(), testCall())
	require.NoError(t, err)
	_ = body.Close()
	assert.Equal(t, "b", acc.ID)

	// A is parked until the first instant of next month.
	exhausted, err := st.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, store.StatusQuotaExhausted, exhausted.Status)

	until := exhausted.QuotaUntilTime()
	require.False(t, until.IsZero())
	assert.Equal(t, 1, until.Day())
	assert.True(t, until.After(time.Now()))

	// The next request skips A without calling upstream for it.
	fc.mu.Lock()
	fc.sendCalls = nil
	fc.mu.Unlock()
	body, acc, err = d.Do(context.Background(), testCall())
	require.NoError(t, err)
	_ = body.Close()
	assert.Equal(t, "b", acc.ID)
	fc.mu.Lock()
	assert.Equal(t, []string{"b"}, fc.sendCalls)
	fc.mu.Unlock()
}

func TestDispatcher_RateLimitSetsCooldownAndFailsOver(t *testing.T) {
	st := newMemStore(freshAccount("a"), freshAccount("b"))
	fc := &fakeClient{sendErrs: map[string]error{
		"a": &kiro.APIError{StatusCode: http.StatusTooManyRequests, Body: []byte("slow down")},
	}}
	d := newTestDispatcher(st, fc)

	body, acc, err := d.Do(context.Background(), testCall())
	require.NoError(t, err)
	_ = body.Close()
	assert.Equal(t, "b", acc.ID)
	assert.Positive(t, d.CooldownRemaining("a"))
}

func TestDispatcher_AllAccountsInCooldown(t *testing.T) {
	st := newMemStore(freshAccount("a"), freshAccount("b"))
	fc := &fakeClient{sendErrs: map[string]error{
		"a": &kiro.APIError{StatusCode: http.StatusTooManyRequests},
		"b": &kiro.APIError{StatusCode: http.StatusTooManyRequests},
	}}
	d := newTestDispatcher(st, fc)

	// First request burns both accounts into cooldown.
	_, _, err := d.Do(context.Background(), testCall())
	require.Error(t, err)

	// Second request finds nothing eligible and never reaches upstream.
	fc.mu.Lock()
	fc.sendCalls = nil
	fc.mu.Unlock()
	_, _, err = d.Do(context.Background(), testCall())
	assert.ErrorIs(t, err, ErrNoHealthyAccounts)
	fc.mu.Lock()
	assert.Empty(t, fc.sendCalls)
	fc.mu.Unlock()
}

func TestDispatcher_BadRequestAbortsWithoutCooldown(t *testing.T) {
	st := newMemStore(freshAccount("a"), freshAccount("b"))
	fc := &fakeClient{sendErrs: map[string]error{
		"a": &kiro.APIError{StatusCode: http.StatusBadRequest, Body: []byte("bad shape")},
		"b": &kiro.APIError{StatusCode: http.StatusBadRequest, Body: []byte("bad shape")},
	}}
	d := newTestDispatcher(st, fc)

	_, _, err := d.Do(context.Background(), testCall())
	var dispErr *Error
	require.ErrorAs(t, err, &dispErr)
	assert.Equal(t, http.StatusBadRequest, dispErr.Status)

	// Only one account was attempted; neither went into cooldown.
	fc.mu.Lock()
	assert.Len(t, fc.sendCalls, 1)
	fc.mu.Unlock()
	assert.Zero(t, d.CooldownRemaining("a"))
	assert.Zero(t, d.CooldownRemaining("b"))
}

func TestDispatcher_NetworkErrorAbortsWithoutCooldown(t *testing.T) {
	st := newMemStore(freshAccount("a"), freshAccount("b"))
	fc := &fakeClient{sendErrs: map[string]error{
		"a": errors.New("dial tcp: connection refused"),
	}}
	d := newTestDispatcher(st, fc)

	_, _, err := d.Do(context.Background(), testCall())
	var dispErr *Error
	require.ErrorAs(t, err, &dispErr)
	assert.Equal(t, http.StatusBadGateway, dispErr.Status)
	assert.Zero(t, d.CooldownRemaining("a"))
}

func TestDispatcher_QuotaWindowElapsedResetsAccount(t *testing.T) {
	acc := freshAccount("a")
	acc.Status = store.StatusQuotaExhausted
	acc.QuotaExhaustedUntil = time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	st := newMemStore(acc)
	d := newTestDispatcher(st, &fakeClient{})

	body, got, err := d.Do(context.Background(), testCall())
	require.NoError(t, err)
	_ = body.Close()
	assert.Equal(t, "a", got.ID)

	updated, err := st.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, updated.Status)
	assert.Empty(t, updated.QuotaExhaustedUntil)
}

func TestDispatcher_DisabledAccountSkipped(t *testing.T) {
	a := freshAccount("a")
	a.Status = store.StatusDisabled
	st := newMemStore(a, freshAccount("b"))
	fc := &fakeClient{}
	d := newTestDispatcher(st, fc)

	body, acc, err := d.Do(context.Background(), testCall())
	require.NoError(t, err)
	_ = body.Close()
	assert.Equal(t, "b", acc.ID)
}

func TestDispatcher_NextMonthStartUTC(t *testing.T) {
	d := New(Options{Store: newMemStore(), Client: &fakeClient{}, QuotaResetUTC: true})

	until := d.nextMonthStart()
	assert.Equal(t, 1, until.Day())
	assert.Equal(t, 0, until.Hour())
	assert.Equal(t, time.UTC, until.Location())
	assert.True(t, until.After(time.Now()))
}

func TestDispatcher_ReconcileTokensRefreshesNearExpiry(t *testing.T) {
	near := freshAccount("near")
	near.Credentials.ExpiresAt = time.Now().Add(2 * time.Minute).UTC().Format(time.RFC3339)
	far := freshAccount("far")
	st := newMemStore(near, far)
	fc := &fakeClient{}
	d := newTestDispatcher(st, fc)

	d.ReconcileTokens(context.Background())

	assert.Equal(t, 1, fc.refreshCalls)
	updated, err := st.Get(context.Background(), "near")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", updated.Credentials.AccessToken)
	untouched, err := st.Get(context.Background(), "far")
	require.NoError(t, err)
	assert.Equal(t, "token-far", untouched.Credentials.AccessToken)
}

func TestDispatcher_RefreshUsagePersistsSnapshot(t *testing.T) {
	st := newMemStore(freshAccount("a"))
	d := newTestDispatcher(st, &fakeClient{})

	require.NoError(t, d.RefreshUsage(context.Background()))
	acc, err := st.Get(context.Background(), "a")
	require.NoError(t, err)
	require.NotNil(t, acc.UsageLimit)
	assert.Equal(t, int64(100), *acc.UsageLimit)
	require.NotNil(t, acc.UsageCurrent)
	assert.Equal(t, int64(1), *acc.UsageCurrent)
}
