package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/sekisho/internal/config"
)

// daemonPost sends a JSON payload to the local daemon's API and returns
// the response body. Commands that settle pending requests must reach the
// daemon holding them; there is no in-process fallback.
func daemonPost(path string, payload any) (string, error) {
	port := config.DefaultServerPort
	if cfg != nil && cfg.Server.Port > 0 {
		port = cfg.Server.Port
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("daemon unreachable at %s (is 'sekisho daemon' running?): %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return "", fmt.Errorf("daemon rejected request: %s", msg)
	}

	return strings.TrimSpace(string(data)), nil
}
