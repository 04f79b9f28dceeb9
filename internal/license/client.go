package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxRefreshBody = 1 << 20

// RefreshResponse is the license server reply to a refresh request. Exp and
// RefreshAt override the values derived from the returned token when set.
type RefreshResponse struct {
	Token       string          `json:"token,omitempty"`
	Expiry      *int64          `json:"exp,omitempty"`
	RefreshAt   *int64          `json:"refresh_at,omitempty"`
	RevokedJTIs []string        `json:"revoked_jtis,omitempty"`
	TrustStore  json.RawMessage `json:"trust_store,omitempty"`
}

// RefreshClient talks to the license server.
type RefreshClient struct {
	baseURL string
	http    *http.Client
}

// NewRefreshClient creates a client for the license server at baseURL.
func NewRefreshClient(baseURL string) *RefreshClient {
	return &RefreshClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 15 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
					return fmt.Errorf("redirect to disallowed scheme: %s", req.URL.Scheme)
				}
				return nil
			},
		},
	}
}

// Refresh posts the current token to /v1/entitlements/refresh.
func (c *RefreshClient) Refresh(ctx context.Context, tok string) (*RefreshResponse, error) {
	body, err := json.Marshal(map[string]string{"token": tok})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/entitlements/refresh", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Code: CodeRefreshFailed, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Code: CodeRefreshFailed, Message: fmt.Sprintf("Refresh failed (%d)", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRefreshBody))
	if err != nil {
		return nil, &Error{Code: CodeRefreshFailed, Message: "read refresh response: " + err.Error()}
	}
	var out RefreshResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &Error{Code: CodeRefreshFailed, Message: "decode refresh response: " + err.Error()}
	}
	return &out, nil
}
