// Package sessions queries the Etherpad HTTP API for the authors connected to a pad.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	DefaultAPIVersion = "1.2.1"

	codeOK          = 0
	codeBadArgument = 1 // e.g. "padID does not exist"
)

// APIError is a non-zero code returned by the Etherpad API.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("etherpad api code %d: %s", e.Code, e.Message)
}

// Config holds Etherpad client settings.
type Config struct {
	BaseURL    string // e.g. http://localhost:9001
	APIKey     string
	APIVersion string
	Attempts   uint
	Delay      time.Duration
}

// Etherpad lists live pad sessions through the Etherpad API.
type Etherpad struct {
	client     *http.Client
	logger     *slog.Logger
	baseURL    string
	apiKey     string
	apiVersion string
	attempts   uint
	delay      time.Duration
}

// New creates an Etherpad API client.
func New(client *http.Client, cfg Config, logger *slog.Logger) *Etherpad {
	e := &Etherpad{
		client:     client,
		logger:     logger,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		apiVersion: cfg.APIVersion,
		attempts:   cfg.Attempts,
		delay:      cfg.Delay,
	}
	if e.apiVersion == "" {
		e.apiVersion = DefaultAPIVersion
	}
	if e.attempts == 0 {
		e.attempts = 3
	}
	if e.delay <= 0 {
		e.delay = 500 * time.Millisecond
	}
	return e
}

type padUsersResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *struct {
		PadUsers []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"padUsers"`
	} `json:"data"`
}

// ConnectedAuthors returns the author ids with a live session on documentID.
// A pad Etherpad does not know about has no sessions, so it yields an empty set.
func (e *Etherpad) ConnectedAuthors(ctx context.Context, documentID string) (map[string]struct{}, error) {
	q := url.Values{}
	q.Set("apikey", e.apiKey)
	q.Set("padID", documentID)
	endpoint := fmt.Sprintf("%s/api/%s/padUsers?%s", e.baseURL, e.apiVersion, q.Encode())

	var body padUsersResponse
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")

			startTime := time.Now()
			resp, err := e.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				e.logger.Warn("Etherpad request failed, will retry",
					"pad_id", documentID,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					e.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				e.logger.Warn("Etherpad returned non-OK status, will retry", "pad_id", documentID, "status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			body = padUsersResponse{}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode padUsers: %w", err))
			}

			e.logger.Debug("Etherpad request completed",
				"pad_id", documentID,
				"code", body.Code,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(e.attempts),
		retry.Delay(e.delay),
		retry.MaxDelay(4*e.delay),
		retry.MaxJitter(e.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Info("Retrying padUsers after error", "pad_id", documentID, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("padUsers %s: %w", documentID, err)
	}

	switch body.Code {
	case codeOK:
	case codeBadArgument:
		e.logger.Info("Pad unknown to etherpad, treating as empty", "pad_id", documentID, "message", body.Message)
		return map[string]struct{}{}, nil
	default:
		return nil, &APIError{Code: body.Code, Message: body.Message}
	}

	live := make(map[string]struct{})
	if body.Data == nil {
		return live, nil
	}
	for _, u := range body.Data.PadUsers {
		if u.ID != "" {
			live[u.ID] = struct{}{}
		}
	}
	return live, nil
}

// IsAPIError reports whether err carries an Etherpad API error code.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
