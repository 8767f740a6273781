package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// refreshURLTemplate is the social-auth refresh endpoint.
	refreshURLTemplate = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	// refreshIdCURLTemplate is the AWS Identity Center refresh endpoint.
	refreshIdCURLTemplate = "https://oidc.%s.amazonaws.com/token"
	// RefreshTimeout bounds a single refresh round trip.
	RefreshTimeout = 15 * time.Second
)

// RefreshErrorKind classifies refresh failures.
type RefreshErrorKind string

const (
	// RefreshMissingToken means the credentials carry no refresh token.
	RefreshMissingToken RefreshErrorKind = "missingRefresh"
	// RefreshNetwork means the refresh endpoint was unreachable.
	RefreshNetwork RefreshErrorKind = "network"
	// RefreshHTTP means the refresh endpoint answered with an error status.
	RefreshHTTP RefreshErrorKind = "http"
	// RefreshMalformed means the response did not contain an access token.
	RefreshMalformed RefreshErrorKind = "malformedResponse"
)

// RefreshError is a classified credential refresh failure.
type RefreshError struct {
	Kind       RefreshErrorKind
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *RefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token refresh failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("token refresh failed (%s): status %d", e.Kind, e.StatusCode)
}

// Unwrap returns the underlying error.
func (e *RefreshError) Unwrap() error { return e.Err }

// RefreshCredentials identifies the account material needed for a refresh.
type RefreshCredentials struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	Region       string
	Social       bool
}

// RefreshResult is the outcome of a successful refresh. The refresher fills
// ExpiresAt as now plus ExpiresIn; the caller persists the result through the
// account store, and the refresher itself never writes.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // seconds
	ProfileARN   string
	ExpiresAt    time.Time
}

// refreshResponse accepts both the desktop endpoint's camelCase fields and
// the OIDC endpoint's snake_case fields.
type refreshResponse struct {
	AccessToken   string `json:"accessToken"`
	AccessTokenS  string `json:"access_token"`
	RefreshToken  string `json:"refreshToken"`
	RefreshTokenS string `json:"refresh_token"`
	ExpiresIn     int64  `json:"expiresIn"`
	ExpiresInS    int64  `json:"expires_in"`
	ProfileARN    string `json:"profileArn,omitempty"`
}

// Refresh exchanges a refresh token for a fresh access token. Social
// credentials use the desktop endpoint; everything else goes through the AWS
// Identity Center OIDC endpoint with client id and secret.
func (c *Client) Refresh(ctx context.Context, creds RefreshCredentials) (*RefreshResult, error) {
	if creds.RefreshToken == "" {
		return nil, &RefreshError{Kind: RefreshMissingToken}
	}

	region := creds.Region
	if region == "" {
		region = "us-east-1"
	}

	var refreshURL string
	var reqBody map[string]string
	if creds.Social {
		refreshURL = fmt.Sprintf(refreshURLTemplate, region)
		reqBody = map[string]string{"refreshToken": creds.RefreshToken}
	} else {
		refreshURL = fmt.Sprintf(refreshIdCURLTemplate, region)
		reqBody = map[string]string{
			"refreshToken": creds.RefreshToken,
			"clientId":     creds.ClientID,
			"clientSecret": creds.ClientSecret,
			"grantType":    "refresh_token",
		}
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &RefreshError{Kind: RefreshMalformed, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, RefreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, &RefreshError{Kind: RefreshNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("refreshing token", "url", refreshURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RefreshError{Kind: RefreshNetwork, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RefreshError{Kind: RefreshNetwork, Err: err}
	}

	if resp.StatusCode >= 400 {
		c.logger.Warn("token refresh failed",
			"status", resp.StatusCode,
			"body", string(body),
		)
		return nil, &RefreshError{Kind: RefreshHTTP, StatusCode: resp.StatusCode}
	}

	var parsed refreshResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &RefreshError{Kind: RefreshMalformed, Err: err}
	}

	result := &RefreshResult{
		AccessToken:  firstNonEmpty(parsed.AccessToken, parsed.AccessTokenS),
		RefreshToken: firstNonEmpty(parsed.RefreshToken, parsed.RefreshTokenS),
		ExpiresIn:    parsed.ExpiresIn,
		ProfileARN:   parsed.ProfileARN,
	}
	if result.ExpiresIn == 0 {
		result.ExpiresIn = parsed.ExpiresInS
	}
	if result.AccessToken == "" {
		return nil, &RefreshError{Kind: RefreshMalformed, Err: fmt.Errorf("response has no access token")}
	}
	result.ExpiresAt = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)

	c.logger.Info("token refreshed successfully")
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
