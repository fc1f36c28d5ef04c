// Package bbb implements the client side of the BigBlueButton API: URL
// normalization, checksum-signed query construction, transport, and XML
// response parsing.
package bbb

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoResponse marks a transport-level failure talking to an upstream
// server. The gateway converts it into a noResponse error envelope.
var ErrNoResponse = errors.New("upstream did not respond")

// DefaultTimeout is the inherited operational socket timeout.
const DefaultTimeout = 5 * time.Second

// Client is a stateless helper for one upstream BBB server.
type Client struct {
	apiURL string
	secret string
	http   *http.Client
}

// NewClient creates a client for the server at rawURL. The URL is normalized
// to the canonical https://<host>/bigbluebutton/api/ form.
func NewClient(rawURL, secret string) *Client {
	return &Client{
		apiURL: NormalizeURL(rawURL),
		secret: secret,
		http:   &http.Client{Timeout: DefaultTimeout},
	}
}

// NewClientWithHTTP creates a client sharing an existing http.Client, so the
// poller can pool connections across probes.
func NewClientWithHTTP(rawURL, secret string, httpClient *http.Client) *Client {
	return &Client{
		apiURL: NormalizeURL(rawURL),
		secret: secret,
		http:   httpClient,
	}
}

// NewClientWithBase creates a client that uses apiURL verbatim, without
// normalization. Callers that already hold a normalized URL (and tests
// talking to plain-http servers) use this.
func NewClientWithBase(apiURL, secret string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		apiURL: apiURL,
		secret: secret,
		http:   httpClient,
	}
}

// NormalizeURL ensures the https:// prefix, strips any trailing path, and
// appends /bigbluebutton/api/. It is idempotent.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "http://")
	raw = strings.TrimPrefix(raw, "https://")
	if idx := strings.IndexByte(raw, '/'); idx >= 0 {
		raw = raw[:idx]
	}
	return "https://" + raw + "/bigbluebutton/api/"
}

// Host returns the bare hostname of the server, as used by the shell probes.
func (c *Client) Host() string {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// APIURL returns the normalized base URL of the server's API.
func (c *Client) APIURL() string {
	return c.apiURL
}

// Checksum computes the BBB request signature:
// sha1_hex(call + encoded_query + secret).
func Checksum(call, query, secret string) string {
	sum := sha1.Sum([]byte(call + query + secret))
	return hex.EncodeToString(sum[:])
}

// BuildAPIURL produces <base><call>?<query>&checksum=<hex> with the query
// string in parameter insertion order.
func BuildAPIURL(apiURL, secret, call string, params *Params) string {
	if params == nil {
		params = NewParams()
	}
	query := params.Encode()
	return apiURL + call + "?" + query + "&checksum=" + Checksum(call, query, secret)
}

// URL builds the signed request URL for call against this server.
func (c *Client) URL(call string, params *Params) string {
	return BuildAPIURL(c.apiURL, c.secret, call, params)
}

// Do issues a GET request for call and parses the XML response.
func (c *Client) Do(ctx context.Context, call string, params *Params) (*Doc, error) {
	return c.send(ctx, call, params, nil)
}

// DoPost issues a form-encoded POST request for call and parses the XML
// response.
func (c *Client) DoPost(ctx context.Context, call string, params, body *Params) (*Doc, error) {
	if body == nil {
		body = NewParams()
	}
	return c.send(ctx, call, params, body)
}

func (c *Client) send(ctx context.Context, call string, params, body *Params) (*Doc, error) {
	reqURL := c.URL(call, params)

	var req *http.Request
	var err error
	if body == nil {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", call, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNoResponse, call, c.apiURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %v", ErrNoResponse, call, err)
	}

	return ParseResponse(data)
}
