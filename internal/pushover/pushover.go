// Package pushover sends session outcome notifications through the Pushover
// API.
package pushover

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/agusx1211/missionpilot/internal/config"
)

const (
	apiURL = "https://api.pushover.net/1/messages.json"

	// MaxTitleLen is the maximum length for a Pushover notification title.
	MaxTitleLen = 250

	// MaxMessageLen is the maximum length for a Pushover notification message.
	MaxMessageLen = 1024
)

// Priority levels for Pushover notifications.
const (
	PriorityLow    = -1
	PriorityNormal = 0
	PriorityHigh   = 1
)

// Message represents a Pushover notification to send.
type Message struct {
	Title    string
	Body     string
	Priority int
}

// Response is the JSON response from the Pushover API.
type Response struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors,omitempty"`
}

// Client posts messages for one user and application.
type Client struct {
	UserKey  string
	AppToken string
	// Endpoint overrides the API URL.
	Endpoint   string
	HTTPClient *http.Client
}

// NewClient returns a client for cfg, or nil when credentials are missing.
func NewClient(cfg config.PushoverConfig) *Client {
	if !Configured(cfg) {
		return nil
	}
	return &Client{UserKey: cfg.UserKey, AppToken: cfg.AppToken}
}

// Configured returns true if Pushover credentials are set.
func Configured(cfg config.PushoverConfig) bool {
	return strings.TrimSpace(cfg.UserKey) != "" && strings.TrimSpace(cfg.AppToken) != ""
}

// Send delivers msg, truncating the title and body to the API limits.
func (c *Client) Send(ctx context.Context, msg Message) error {
	if c.UserKey == "" || c.AppToken == "" {
		return fmt.Errorf("pushover not configured: set notify.pushover.user_key and app_token")
	}

	title := msg.Title
	if len(title) > MaxTitleLen {
		title = title[:MaxTitleLen]
	}
	body := msg.Body
	if len(body) > MaxMessageLen {
		body = body[:MaxMessageLen]
	}

	form := url.Values{
		"token":    {c.AppToken},
		"user":     {c.UserKey},
		"title":    {title},
		"message":  {body},
		"priority": {fmt.Sprintf("%d", msg.Priority)},
	}

	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = apiURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("sending pushover notification: %w", err)
	}
	defer resp.Body.Close()

	var result Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding pushover response: %w", err)
	}
	if result.Status != 1 {
		return fmt.Errorf("pushover API error: %s", strings.Join(result.Errors, "; "))
	}
	return nil
}
