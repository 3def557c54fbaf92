package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-authgate/session-cli/apierr"
	"github.com/go-authgate/session-cli/refresh"
	"github.com/go-authgate/session-cli/session"
)

// Envelope is the backend's response body.
type Envelope[T any] struct {
	Status   int    `json:"status"`
	Message  string `json:"message"`
	Metadata T      `json:"metadata"`
}

type refreshMetadata struct {
	AccessToken string        `json:"accessToken"`
	User        *session.User `json:"user"`
}

// httpRefresher calls the refresh endpoint. The refresh credential is the
// server's cookie, so the request carries no bearer token and no body.
// It goes straight to the base HTTP client: never retried, never throttled.
type httpRefresher struct {
	c *Client
}

func (r httpRefresher) Refresh(ctx context.Context) (*refresh.Result, error) {
	c := r.c
	req, err := c.newRequest(ctx, http.MethodPost, c.refreshPath, nil, &requestOptions{}, "")
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	var env Envelope[refreshMetadata]
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		return nil, apierr.Classify(resp.StatusCode, raw)
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to parse refresh response: %w", err)
	}

	return &refresh.Result{
		AccessToken: env.Metadata.AccessToken,
		User:        env.Metadata.User,
	}, nil
}
