package rides

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

// Client writes ride records to the ride API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, HTTP: &http.Client{Timeout: timeout}}
}

func (c *Client) RecordStart(ctx context.Context, requestID string, s models.RideStart) error {
	return c.post(ctx, requestID, "start", s)
}

func (c *Client) RecordCompletion(ctx context.Context, requestID string, done models.RideCompletion) error {
	return c.post(ctx, requestID, "complete", done)
}

func (c *Client) post(ctx context.Context, requestID, milestone string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/ride/%s/%s", c.BaseURL, url.PathEscape(requestID), milestone)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("ride %s %s: %w", milestone, requestID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ride %s %s: status %d: %s", milestone, requestID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
