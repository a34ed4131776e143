package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"
)

// BaseURLFunc returns the base URL of the storq HTTP API, e.g. "http://127.0.0.1:8080".
// Commands resolve it lazily so flags and environment are read at run time, not
// at command construction time.
type BaseURLFunc func() string

// apiError mirrors the {"error": "..."} body the server writes on failures.
type apiError struct {
	Error string `json:"error"`
}

func apiDo(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, ae.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func getJSON(ctx context.Context, base, path string, out any) error {
	return apiDo(ctx, http.MethodGet, base+path, nil, out)
}

func postJSON(ctx context.Context, base, path string, body, out any) error {
	return apiDo(ctx, http.MethodPost, base+path, body, out)
}

func deleteJSON(ctx context.Context, base, path string, out any) error {
	return apiDo(ctx, http.MethodDelete, base+path, nil, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// decodedPayload shapes a raw record for terminal output. JSON records are
// embedded as-is, printable text is passed through, anything else is base64.
func decodedPayload(record []byte) map[string]any {
	out := map[string]any{}
	trimmed := strings.TrimSpace(string(record))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal(record, &v); err == nil {
			out["payload_json"] = v
			return out
		}
	}
	if utf8.Valid(record) {
		out["payload_text"] = string(record)
		return out
	}
	out["payload_b64"] = base64.StdEncoding.EncodeToString(record)
	return out
}

// wsURL converts a base HTTP URL into its websocket counterpart.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
