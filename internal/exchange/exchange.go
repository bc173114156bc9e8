// Package exchange implements the OAuth 2.0 Token Exchange grant (RFC 8693).
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-logr/logr"
)

const (
	GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	TokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"
)

// Request carries the parameters of a single exchange.
type Request struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	SubjectToken string
	Audience     string
	Scopes       string
}

type tokenExchangeResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// StatusError is returned when the token endpoint answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("token exchange failed with status %d: %s", e.StatusCode, e.Body)
}

// Client performs token exchanges.
type Client struct {
	httpClient *http.Client
	log        logr.Logger
}

// NewClient creates a Client. A nil httpClient uses http.DefaultClient.
func NewClient(httpClient *http.Client, log logr.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		log:        log.WithName("token-exchange"),
	}
}

// Exchange exchanges the subject token for a new token with the requested
// audience. The exchanging client must be in the subject token's audience.
func (c *Client) Exchange(ctx context.Context, req Request) (string, error) {
	log := c.log.WithValues("tokenUrl", req.TokenURL, "clientId", req.ClientID, "audience", req.Audience)
	log.V(1).Info("Starting token exchange", "scopes", req.Scopes)

	data := url.Values{}
	data.Set("client_id", req.ClientID)
	data.Set("client_secret", req.ClientSecret)
	data.Set("grant_type", GrantTypeTokenExchange)
	data.Set("requested_token_type", TokenTypeAccessToken)
	data.Set("subject_token", req.SubjectToken)
	data.Set("subject_token_type", TokenTypeAccessToken)
	data.Set("audience", req.Audience)
	if req.Scopes != "" {
		data.Set("scope", req.Scopes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token exchange request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("token exchange request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token exchange response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tokenResp tokenExchangeResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("parse token exchange response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("token exchange response has no access_token")
	}

	log.V(1).Info("Successfully exchanged token", "expiresIn", tokenResp.ExpiresIn)
	return tokenResp.AccessToken, nil
}
