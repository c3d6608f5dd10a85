// Package upstreamclient implements the upstream client (C7): a single
// proxied POST to the provider's messages endpoint with the auth header
// swapped onto a pool-selected upstream credential, and a byte-for-byte
// relay of the response back to the caller.
package upstreamclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// hopByHopHeaders is compared case-insensitively; http.Header keys are
// already canonicalized, so textproto.CanonicalMIMEHeaderKey form is
// enough here.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// KeySource supplies the next upstream credential to authenticate with.
type KeySource interface {
	NextKey() (string, error)
}

// Client forwards a single request to the upstream messages endpoint.
type Client struct {
	httpClient       *http.Client
	baseURL          string
	anthropicVersion string
	keySource        KeySource
}

// New constructs a Client. Connection reuse is disabled deliberately: the
// upstream pool rotates credentials per call, and long idle connections to
// a provider endpoint are not worth keeping warm across different keys.
func New(baseURL, anthropicVersion string, keySource KeySource, requestTimeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
		baseURL:          strings.TrimRight(baseURL, "/"),
		anthropicVersion: anthropicVersion,
		keySource:        keySource,
	}
}

// Forward issues the single upstream POST and relays the response onto w.
// The request body is passed through unmodified; no content transformation
// of any kind happens here.
func (c *Client) Forward(ctx context.Context, w http.ResponseWriter, body []byte, stream bool) (int, error) {
	apiKey, err := c.keySource.NextKey()
	if err != nil {
		return 0, fmt.Errorf("upstream key unavailable: %w", err)
	}

	url := c.baseURL + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, newBodyReader(body))
	if err != nil {
		return 0, err
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", c.anthropicVersion)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error().Str("component", "upstream_client").Err(err).Msg("upstream request failed")
		return 0, err
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)

	if stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(resp.StatusCode)
		return resp.StatusCode, relayStreaming(w, resp.Body)
	}

	w.WriteHeader(resp.StatusCode)
	_, err = io.Copy(w, resp.Body)
	return resp.StatusCode, err
}

func newBodyReader(body []byte) io.Reader {
	return strings.NewReader(string(body))
}

func copyResponseHeaders(dst, src http.Header) {
	extra := connectionHeaderNames(src)
	for key, values := range src {
		if hopByHopHeaders[key] || extra[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// connectionHeaderNames returns the set of header names the upstream's own
// Connection header lists for removal, beyond the fixed hop-by-hop set.
func connectionHeaderNames(src http.Header) map[string]bool {
	names := make(map[string]bool)
	for _, line := range src.Values("Connection") {
		for _, name := range strings.Split(line, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				names[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	return names
}

// relayStreaming copies the upstream body to w one chunk at a time,
// flushing after each, so server-sent events reach the client as they
// arrive rather than after buffering.
func relayStreaming(w http.ResponseWriter, body io.Reader) error {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
