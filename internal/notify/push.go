package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PushNotifier mirrors reminders to a Bark-style HTTP push endpoint.
type PushNotifier struct {
	baseURL string
	client  *http.Client
}

// NewPushNotifier creates a push notifier for the given endpoint URL.
func NewPushNotifier(baseURL string) (*PushNotifier, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("push url is empty")
	}
	return &PushNotifier{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (p *PushNotifier) Send(ctx context.Context, title, body string) error {
	form := url.Values{}
	form.Set("title", title)
	form.Set("body", body)
	form.Set("group", "mcp-scheduler")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, nil)
	if err != nil {
		return fmt.Errorf("create push request: %w", err)
	}
	req.URL.RawQuery = form.Encode()

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send push notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push endpoint returned status: %d", resp.StatusCode)
	}
	return nil
}
