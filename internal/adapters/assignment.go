package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/meetmesh/meetmesh/internal/app"
)

// AssignmentClient reports this instance's health to the global
// controller over HTTP. The underlying http.Client is safe for
// concurrent use, so one value serves all callers.
type AssignmentClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewAssignmentClient(baseURL string) *AssignmentClient {
	return &AssignmentClient{BaseURL: baseURL, HTTP: http.DefaultClient}
}

func (c *AssignmentClient) ReportHealth(ctx context.Context, hb app.Heartbeat) error {
	body, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	url := fmt.Sprintf("%s/api/v1/instances/%s/heartbeat", c.BaseURL, hb.InstanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("heartbeat rejected: status %d", resp.StatusCode)
	}
	return nil
}
