package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client injects messages into a sidecar through its HTTP ingress
type Client struct {
	serverURL  *url.URL
	client     *http.Client
	retryCount int
}

// NewClient creates a client for the ingress at endpoint (host:port or a full URL)
func NewClient(endpoint string, timeout time.Duration, retryCount int) (*Client, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if retryCount < 1 {
		retryCount = 1
	}

	return &Client{
		serverURL: parsedURL,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     timeout,
			},
		},
		retryCount: retryCount,
	}, nil
}

// Send posts body with bodyType to destination. Connection errors and 503 responses
// are retried, other failures are returned as is.
func (c *Client) Send(ctx context.Context, destination, bodyType string, body []byte) error {
	requestURL := c.serverURL.JoinPath(url.PathEscape(destination)).String()

	var lastErr error
	for i := 0; i < c.retryCount; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(50<<(i-1)) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		retry, err := c.post(ctx, requestURL, bodyType, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
		Logger.Debugf("Attempt %d/%d to %s failed: %v", i+1, c.retryCount, requestURL, err)
	}
	return lastErr
}

// Close releases idle connections
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// post performs one request, retry reports whether another attempt may succeed
func (c *Client) post(ctx context.Context, requestURL, bodyType string, body []byte) (retry bool, err error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	if bodyType != "" {
		httpRequest.Header.Set(HeaderBodyType, bodyType)
	}

	httpResponse, err := c.client.Do(httpRequest)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer func() {
		if err := httpResponse.Body.Close(); err != nil {
			Logger.Errorf("Failed to close response body: %v", err)
		}
	}()

	if httpResponse.StatusCode == http.StatusAccepted || httpResponse.StatusCode == http.StatusOK {
		return false, nil
	}
	msg, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 1024))
	err = fmt.Errorf("http error: %s: %s", httpResponse.Status, strings.TrimSpace(string(msg)))
	return httpResponse.StatusCode == http.StatusServiceUnavailable, err
}
