package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

// apiClient is a thin wrapper over the analyzer HTTP API that re-indents
// JSON responses for terminal output.
type apiClient struct {
	addr    string
	timeout time.Duration
}

func (c *apiClient) getJSON(ctx context.Context, path string, out io.Writer) error {
	return c.do(ctx, http.MethodGet, path, nil, out, true)
}

func (c *apiClient) getRaw(ctx context.Context, path string, out io.Writer) error {
	return c.do(ctx, http.MethodGet, path, nil, out, false)
}

func (c *apiClient) postJSON(ctx context.Context, path string, body any, out io.Writer) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data), out, true)
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, out io.Writer, indent bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling analyzer API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}

	if !indent {
		_, err = out.Write(data)
		return err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		// Not JSON after all; print as-is.
		_, err = out.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err = out.Write(buf.Bytes())
	return err
}
