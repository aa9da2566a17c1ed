package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxResponseBytes bounds how much of a provider response is read
const maxResponseBytes = 1 << 20

// errorDecoder turns a non-2xx response body into a ProviderError
type errorDecoder func(statusCode int, body []byte) *ProviderError

// postJSON sends body as JSON and decodes a 2xx response into result
func postJSON(ctx context.Context, hc *http.Client, url string, headers map[string]string, body, result any, decodeErr errorDecoder) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		// Caller cancellation is not a provider failure
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &ProviderError{Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &ProviderError{StatusCode: resp.StatusCode, Message: "read response: " + err.Error(), Transient: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeErr(resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return &ProviderError{StatusCode: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	return nil
}

// truncate shortens raw bodies used as error messages
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
