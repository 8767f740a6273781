package kiro

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// KiroVersion simulates the Kiro IDE version embedded in the user-agent.
	KiroVersion = "1.0.0"

	// nodeVersion and osRelease fill the runtime slots of the user-agent.
	// Upstream inspects the user-agent format, so the shape must match the
	// desktop client exactly even though the gateway is not Node.
	nodeVersion = "20.16.0"
	osRelease   = "6.1.0"

	// defaultMachineSeed seeds the machine id when no account material is
	// available.
	defaultMachineSeed = "KIRO_DEFAULT_MACHINE"

	// bashToolDescription replaces oversized Bash descriptions carrying the
	// Claude Code banner, which upstream rejects.
	bashToolDescription = "Executes a given bash command in a persistent shell session with optional timeout, returning its output."
)

// generateURLTemplate and streamURLTemplate are the Kiro generate endpoints;
// the streaming variant serves the amazonq model family.
const (
	generateURLTemplate = "https://codewhisperer.%s.amazonaws.com/generateAssistantResponse"
	streamURLTemplate   = "https://codewhisperer.%s.amazonaws.com/SendMessageStreaming"
	usageURLTemplate    = "https://q.%s.amazonaws.com/getUsageLimits"
)

// APIError is an error response from the Kiro upstream, carrying the HTTP
// status so the dispatcher can classify it.
type APIError struct {
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("kiro API error: status %d, body: %s", e.StatusCode, string(e.Body))
}

// IsRateLimited returns true for 429 responses.
func (e *APIError) IsRateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// IsForbidden returns true for 403 responses.
func (e *APIError) IsForbidden() bool { return e.StatusCode == http.StatusForbidden }

// IsPaymentRequired returns true for 402 responses (quota exhausted).
func (e *APIError) IsPaymentRequired() bool { return e.StatusCode == http.StatusPaymentRequired }

// IsBadRequest returns true for 400 responses.
func (e *APIError) IsBadRequest() bool { return e.StatusCode == http.StatusBadRequest }

// IsServerError returns true for 5xx responses.
func (e *APIError) IsServerError() bool { return e.StatusCode >= 500 }

// retryable reports whether the adapter's backoff loop should retry.
func (e *APIError) retryable() bool { return e.IsRateLimited() || e.IsServerError() }

// Client is the HTTP adapter for the Kiro API. One client is shared across
// requests; its transport keeps per-host connection pools alive.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	retryBase  time.Duration
	maxRetries int
}

// ClientOptions configures the Kiro HTTP adapter.
type ClientOptions struct {
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Timeout             time.Duration
	RetryBaseDelay      time.Duration
	MaxRetries          int
	Logger              *slog.Logger
}

// NewClient creates a new Kiro API client with connection pooling.
func NewClient(opts ClientOptions) *Client {
	maxConns := opts.MaxConns
	if maxConns == 0 {
		maxConns = 100
	}
	transport := &http.Transport{
		MaxIdleConns:        maxConns,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:     maxConns,
		IdleConnTimeout:     opts.IdleConnTimeout,
		DisableKeepAlives:   false,
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retryBase := opts.RetryBaseDelay
	if retryBase == 0 {
		retryBase = time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		logger:     logger,
		retryBase:  retryBase,
		maxRetries: maxRetries,
	}
}

// CallOptions identifies the account and credentials for one upstream call.
type CallOptions struct {
	Region     string
	Model      string
	Token      string
	ProfileARN string
	ClientID   string
	AccountID  string
	Body       []byte

	// RefreshToken is invoked once when upstream answers 403; it must return
	// a fresh access token. Nil disables the forced-refresh retry.
	RefreshToken func(ctx context.Context) (string, error)
}

// SendStream sends the request and returns the upstream response body for
// streaming consumption. The caller must close the returned reader.
//
// Retry policy: 403 forces one credential refresh and a single retry; 429 and
// 5xx back off exponentially up to the configured attempt count; any other
// error surfaces immediately with its HTTP status attached.
func (c *Client) SendStream(ctx context.Context, opts *CallOptions) (io.ReadCloser, error) {
	refreshed := false
	token := opts.Token

	for attempt := 0; ; attempt++ {
		body, err := c.send(ctx, opts, token)
		if err == nil {
			return body, nil
		}

		apiErr, ok := err.(*APIError)
		if !ok {
			return nil, err
		}

		if apiErr.IsForbidden() && !refreshed && opts.RefreshToken != nil {
			refreshed = true
			newToken, refreshErr := opts.RefreshToken(ctx)
			if refreshErr != nil {
				return nil, fmt.Errorf("forced refresh after 403 failed: %w", refreshErr)
			}
			token = newToken
			continue
		}

		if apiErr.retryable() && attempt < c.maxRetries {
			delay := c.retryBase * (1 << attempt)
			c.logger.Warn("retrying upstream call",
				"status", apiErr.StatusCode,
				"attempt", attempt+1,
				"delay", delay.String(),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		return nil, apiErr
	}
}

// send performs a single upstream POST.
func (c *Client) send(ctx context.Context, opts *CallOptions, token string) (io.ReadCloser, error) {
	endpoint := buildGenerateURL(opts.Region, opts.Model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(opts.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(req, token, opts)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		c.logger.Warn("kiro API error",
			"status", resp.StatusCode,
			"endpoint", endpoint,
			"body", string(body),
		)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	return resp.Body, nil
}

func (c *Client) setHeaders(req *http.Request, token string, opts *CallOptions) {
	machineID := MachineID(opts.AccountID, opts.ProfileARN, opts.ClientID)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("amz-sdk-invocation-id", uuid.New().String())
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("x-amzn-kiro-agent-mode", "vibe")
	req.Header.Set("x-amz-user-agent",
		fmt.Sprintf("aws-sdk-js/1.0.0 KiroIDE-%s-%s", KiroVersion, machineID))
	req.Header.Set("User-Agent", UserAgent(machineID))
}

// UserAgent builds the desktop-client user-agent string. The format is
// inspected upstream and must not change.
func UserAgent(machineID string) string {
	return fmt.Sprintf(
		"aws-sdk-js/1.0.0 ua/2.1 os/%s#%s lang/js md/nodejs#%s api/codewhispererruntime#1.0.0 m/E KiroIDE-%s-%s",
		runtime.GOOS, osRelease, nodeVersion, KiroVersion, machineID)
}

// MachineID derives the stable machine identifier: hex SHA-256 of the first
// non-empty among account uuid, profileArn, and clientId, falling back to a
// constant seed.
func MachineID(accountID, profileARN, clientID string) string {
	seed := defaultMachineSeed
	for _, candidate := range []string{accountID, profileARN, clientID} {
		if candidate != "" {
			seed = candidate
			break
		}
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// buildGenerateURL picks the generate endpoint for a model: the amazonq
// family uses SendMessageStreaming, everything else generateAssistantResponse.
func buildGenerateURL(region, model string) string {
	if region == "" {
		region = "us-east-1"
	}
	if strings.HasPrefix(model, "amazonq") {
		return fmt.Sprintf(streamURLTemplate, region)
	}
	return fmt.Sprintf(generateURLTemplate, region)
}

// UsageLimits is the subset of the getUsageLimits response the gateway
// surfaces.
type UsageLimits struct {
	Limit   int64
	Current int64
	Email   string
}

// GetUsageLimits queries the per-account agentic request quota.
func (c *Client) GetUsageLimits(ctx context.Context, opts *CallOptions) (*UsageLimits, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	q := url.Values{}
	q.Set("isEmailRequired", "true")
	q.Set("origin", "AI_EDITOR")
	q.Set("resourceType", "AGENTIC_REQUEST")
	if opts.ProfileARN != "" {
		q.Set("profileArn", opts.ProfileARN)
	}
	endpoint := fmt.Sprintf(usageURLTemplate, region) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage request: %w", err)
	}
	c.setHeaders(req, opts.Token, opts)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	return parseUsageLimits(body)
}

// Close releases idle connections held by the transport.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// sanitizeToolDescription replaces the Bash tool's description when it
// carries the Claude Code banner; upstream rejects the oversized original.
// All other tools pass through untouched.
func sanitizeToolDescription(name, description string) string {
	if name == "Bash" && strings.Contains(description, "Claude Code") {
		return bashToolDescription
	}
	return description
}
