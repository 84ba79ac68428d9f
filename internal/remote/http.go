package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// HTTPClient is a JSON-over-HTTP API: POST {Base}/{method} with the Args
// envelope as body, answered by a Page.
type HTTPClient struct {
	Base      string
	HC        *http.Client
	UserAgent string
}

var (
	_ API        = (*HTTPClient)(nil)
	_ Summarizer = (*HTTPClient)(nil)
)

// NewHTTPClient returns a client for base with pooled connections.
func NewHTTPClient(base string) *HTTPClient {
	return &HTTPClient{
		Base: strings.TrimRight(base, "/"),
		HC: &http.Client{
			Transport: &http.Transport{
				DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				MaxIdleConns:    100,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		UserAgent: "ledgersync",
	}
}

// Call implements API.
func (c *HTTPClient) Call(ctx context.Context, method string, args Args) (*Page, error) {
	var page Page
	if err := c.post(ctx, method, args, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Summarize implements Summarizer by calling {method}Summary.
func (c *HTTPClient) Summarize(ctx context.Context, method string, args Args, amountField string) (*Summary, error) {
	if amountField != "" {
		if args.Params.Filter == nil {
			args.Params.Filter = map[string]any{}
		}
		args.Params.Filter["sumField"] = amountField
	}
	var sum Summary
	if err := c.post(ctx, method+"Summary", args, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

func (c *HTTPClient) post(ctx context.Context, method string, args Args, v any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("api %s: encode: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("api %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	res, err := c.HC.Do(req)
	if err != nil {
		return Classify(err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &APIError{Method: method, Status: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return Classify(fmt.Errorf("api %s: decode: %w", method, err))
	}
	return nil
}
