package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tether/internal/wire"
)

// DefaultHealthTimeout bounds each health check.
const DefaultHealthTimeout = 3 * time.Second

// DefaultCandidates maps shared hostnames to the concrete regional endpoints
// behind them, in the order they are tried.
func DefaultCandidates() map[string][]string {
	return map[string][]string{
		"relay.tether.dev": {
			"https://relay-eu.tether.dev",
			"https://relay-us.tether.dev",
		},
	}
}

// Resolver picks a reachable hub endpoint.
type Resolver struct {
	client     *http.Client
	timeout    time.Duration
	candidates map[string][]string
}

// NewResolver creates a resolver. A nil candidates map uses
// DefaultCandidates; a non-positive timeout uses DefaultHealthTimeout.
func NewResolver(client *http.Client, timeout time.Duration, candidates map[string][]string) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	if candidates == nil {
		candidates = DefaultCandidates()
	}
	return &Resolver{client: client, timeout: timeout, candidates: candidates}
}

// Resolve returns the endpoint to dial. Endpoints whose host is not shared
// are returned unchanged. For a shared host the candidates are checked in
// order and the first healthy one wins; if none answer, the configured
// endpoint is returned.
func (r *Resolver) Resolve(ctx context.Context, endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}

	candidates, ok := r.candidates[u.Hostname()]
	if !ok {
		return endpoint
	}

	for _, candidate := range candidates {
		if r.Healthy(ctx, candidate) {
			log.Info().Str("endpoint", endpoint).Str("resolved", candidate).Msg("daemon: endpoint resolved")
			return candidate
		}
	}

	log.Warn().Str("endpoint", endpoint).Msg("daemon: no candidate endpoint healthy, using configured endpoint")
	return endpoint
}

type healthResponse struct {
	Status string `json:"status"`
}

// Healthy reports whether base answers GET /health with {"status":"ok"}
// within the health timeout.
func (r *Resolver) Healthy(ctx context.Context, base string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(base), nil)
	if err != nil {
		return false
	}

	resp, err := r.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("endpoint", base).Msg("daemon: health check failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body healthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return false
	}
	return body.Status == "ok"
}

func healthURL(base string) string {
	return strings.TrimRight(toHTTP(base), "/") + wire.HealthPath
}

// relayURL converts an http(s) or ws(s) endpoint to the websocket relay URL.
func relayURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("daemon.relayURL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("daemon.relayURL: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + wire.RelayPath
	return u.String(), nil
}

func toHTTP(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "ws://"):
		return "http://" + strings.TrimPrefix(endpoint, "ws://")
	case strings.HasPrefix(endpoint, "wss://"):
		return "https://" + strings.TrimPrefix(endpoint, "wss://")
	default:
		return endpoint
	}
}
