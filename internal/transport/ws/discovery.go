package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-engine/internal/core"
)

// discoveryResponse is the gateway reply naming the servers of a session.
type discoveryResponse struct {
	ChatURL     string `json:"chat_url"`
	PresenceURL string `json:"presence_url"`
}

// Discovery resolves endpoints by asking a gateway before every attempt,
// so a server move is picked up on reconnect.
type Discovery struct {
	url    string
	client *http.Client
	log    *zerolog.Logger
}

// NewDiscovery returns a resolver querying url. A nil client means
// http.DefaultClient.
func NewDiscovery(url string, client *http.Client, logger *zerolog.Logger) *Discovery {
	if client == nil {
		client = http.DefaultClient
	}
	l := logger.With().Str("component", "discovery").Logger()
	return &Discovery{url: url, client: client, log: &l}
}

// Resolve implements core.Resolver.
func (d *Discovery) Resolve(ctx context.Context) (core.Endpoints, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return core.Endpoints{}, fmt.Errorf("build discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return core.Endpoints{}, fmt.Errorf("query gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return core.Endpoints{}, fmt.Errorf("query gateway: unexpected status %d", resp.StatusCode)
	}

	var body discoveryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return core.Endpoints{}, fmt.Errorf("decode gateway reply: %w", err)
	}
	if body.ChatURL == "" {
		return core.Endpoints{}, fmt.Errorf("gateway reply has no chat_url")
	}

	d.log.Debug().Str("chat_url", body.ChatURL).Str("presence_url", body.PresenceURL).Msg("endpoints resolved")
	return core.Endpoints{Chat: body.ChatURL, Presence: body.PresenceURL}, nil
}
