package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RelayPayload is the JSON body handed to the external execution runtime
type RelayPayload struct {
	RequestID      string   `json:"request_id"`
	Mode           string   `json:"mode"`
	Instruction    string   `json:"instruction"`
	Interfaces     []string `json:"interfaces"`
	CoreContext    []string `json:"core_context"`
	SkillsManifest string   `json:"skills_manifest,omitempty"`
}

// RelayClient POSTs rendered instructions to the external execution
// runtime. Delivery is best effort: a non-2xx status or transport error
// is reported to the caller, nothing is retried here.
type RelayClient struct {
	Endpoint   string
	Token      string
	Interfaces []string
	Timeout    time.Duration
	client     *http.Client
}

// NewRelayClient creates a relay client for the given runtime endpoint
func NewRelayClient(endpoint, token string, timeout time.Duration) *RelayClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RelayClient{
		Endpoint: endpoint,
		Token:    token,
		Timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
	}
}

// Send delivers the payload and returns a truncated response echo
func (c *RelayClient) Send(ctx context.Context, payload RelayPayload) (string, error) {
	if strings.TrimSpace(c.Endpoint) == "" {
		return "", fmt.Errorf("relay endpoint is not configured")
	}
	if len(payload.Interfaces) == 0 {
		payload.Interfaces = c.Interfaces
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Keel-Source", "scheduler")
	if strings.TrimSpace(c.Token) != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("relay endpoint returned status %d", resp.StatusCode)
	}

	echo, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return strings.TrimSpace(string(echo)), nil
}
