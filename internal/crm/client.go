package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 4 << 10

// VendorError is a non-2xx response from a vendor API.
type VendorError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("Request failed with status code %d", e.Status)
}

// vendorClient issues JSON requests to vendor REST APIs.
type vendorClient struct {
	http *http.Client
}

// do sends body as JSON when it is not nil and decodes the response into out
// when out is not nil.
func (c *vendorClient) do(ctx context.Context, method, endpoint string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", redactQuery(endpoint), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &VendorError{
			Method: method,
			URL:    redactQuery(endpoint),
			Status: resp.StatusCode,
			Body:   string(raw),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode response from %s: %w", redactQuery(endpoint), err)
	}
	return nil
}

func (c *vendorClient) get(ctx context.Context, endpoint string, header http.Header, out any) error {
	return c.do(ctx, http.MethodGet, endpoint, header, nil, out)
}

func (c *vendorClient) post(ctx context.Context, endpoint string, header http.Header, body, out any) error {
	return c.do(ctx, http.MethodPost, endpoint, header, body, out)
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

// redactQuery drops the query string, which may carry an api_token.
func redactQuery(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}
