// Package player talks to the recording player service, which owns published
// recordings after their source meeting is gone.
package player

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/conferencetools/bbb-loadbalancer/pkg/rcp"
	"github.com/conferencetools/bbb-loadbalancer/pkg/version"
)

const defaultTimeout = 10 * time.Second

// Client is an HTTP client for the player's internal API. Requests are JSON
// bodies signed with the salted checksum protocol.
type Client struct {
	apiURL string
	secret string
	http   *http.Client
}

func New(apiURL, secret string) *Client {
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		secret: secret,
		http:   &http.Client{Timeout: defaultTimeout},
	}
}

// NewWithHTTP creates a client sharing an existing http.Client. Test hook.
func NewWithHTTP(apiURL, secret string, httpClient *http.Client) *Client {
	c := New(apiURL, secret)
	c.http = httpClient
	return c
}

// GetRecordings fetches the recordings with the given internal ids. The
// player answers with a <recordings> XML fragment ready to embed into an
// API envelope; an empty result set yields an empty fragment.
func (c *Client) GetRecordings(ctx context.Context, recordIDs []string) (string, error) {
	payload := map[string]any{"recordings": recordIDs}
	payload["checksum"] = rcp.Sign(payload, c.secret, rcp.SaltGetRecordings)

	body, err := c.post(ctx, "getRecordings", payload)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// DeleteRecordings asks the player to delete the given recordings. It
// reports whether the player acknowledged the deletion.
func (c *Client) DeleteRecordings(ctx context.Context, recordIDs []string) (bool, error) {
	payload := map[string]any{"recordings": recordIDs}
	payload["checksum"] = rcp.Sign(payload, c.secret, rcp.SaltDeleteRecordings)

	body, err := c.post(ctx, "deleteRecordings", payload)
	if err != nil {
		return false, err
	}

	var result struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("decode deleteRecordings response: %w", err)
	}
	return result.Success, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL+"/"+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.AppName+"/"+version.Full())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("player %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read player %s response: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("player %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	return body, nil
}
