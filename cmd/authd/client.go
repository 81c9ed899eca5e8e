// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ziedak/neurotracker-auth/internal/refresh"
	"github.com/ziedak/neurotracker-auth/internal/retry"
)

// httpTokenClient exchanges refresh tokens against a JSON token
// endpoint. The shape is intentionally minimal; deployments with an IdP
// that speaks a different dialect implement refresh.TokenClient
// themselves.
type httpTokenClient struct {
	url    string
	client *http.Client
}

func newHTTPTokenClient(url string, timeout time.Duration) *httpTokenClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpTokenClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// RefreshToken posts the refresh token and decodes the rotated pair.
// A 401 marks the refresh token dead, which the manager treats as
// terminal rather than retryable.
func (c *httpTokenClient) RefreshToken(ctx context.Context, refreshToken string) (*refresh.TokenResponse, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, retry.Permanent(refresh.ErrRefreshTokenExpired)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, retry.Permanent(fmt.Errorf("token endpoint rejected refresh: status %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("token endpoint unavailable: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading refresh response: %w", err)
	}
	var tr refresh.TokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("decoding refresh response: %w", err)
	}
	return &tr, nil
}
