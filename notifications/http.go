package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	events "github.com/docker/go-events"

	"github.com/pkgvault/pkgvault/configuration"
)

// httpSink delivers an Envelope as a JSON POST to a configured webhook. The
// teacher's own http.go/endpoint.go (the notification HTTP transport) were
// not present in the retrieved snapshot, so this is rebuilt from
// configuration.Endpoint's fields (URL, Headers, Timeout) in the same
// direct net/http style as uplink.Client.
type httpSink struct {
	name    string
	url     string
	headers http.Header
	client  *http.Client
}

func newHTTPSink(cfg configuration.Endpoint) *httpSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &httpSink{
		name:    cfg.Name,
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *httpSink) Write(event events.Event) error {
	env, ok := event.(Envelope)
	if !ok {
		return fmt.Errorf("notifications: sink %s received unexpected event type %T", s.name, event)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("notifications: encoding event for %s: %w", s.name, err)
	}

	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notifications: building request for %s: %w", s.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range s.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notifications: delivering to %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notifications: endpoint %s responded %d", s.name, resp.StatusCode)
	}
	return nil
}

func (s *httpSink) Close() error { return nil }
