// Package executors bridges flow action states to the commerce
// backend. Every business action a shipped flow names (catalog lookup,
// cart build, pricing, order commit, parcel booking, OTP, payment,
// address validation) is delegated to one backend HTTP endpoint per
// action, guarded by a per-action rate limiter and circuit breaker.
package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/skyagarwal/mangwale-core/internal/engine"
	"github.com/skyagarwal/mangwale-core/internal/models"
	"github.com/skyagarwal/mangwale-core/internal/resilience"
)

// Names lists every backend-delegated executor the shipped flows and
// skills reference. Registered as a set so flow load-time validation
// sees them all.
var Names = []string{
	"catalog_suggest",
	"cart_build",
	"pricing_quote",
	"order_commit",
	"parcel_quote",
	"parcel_commit",
	"address_validate",
	"payment_initiate",
	"otp_send",
	"otp_check",
	"feedback_save",
}

const defaultHTTPTimeout = 15 * time.Second

// httpDoer abstracts the HTTP client for testing.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Opts holds backend bridge configuration.
type Opts struct {
	// BaseURL is the commerce backend root, e.g. "http://backend:8080".
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// Client overrides the HTTP client (tests).
	Client httpDoer
	// GuardOptions apply to every per-action guard.
	GuardOptions []resilience.Option
}

// Option configures the backend bridge.
type Option func(*Opts)

// WithBaseURL sets the backend root URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithAPIKey sets the backend bearer token.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c httpDoer) Option {
	return func(o *Opts) { o.Client = c }
}

// WithGuardOptions applies resilience options to every action guard.
func WithGuardOptions(guardOpts ...resilience.Option) Option {
	return func(o *Opts) { o.GuardOptions = guardOpts }
}

// Backend invokes commerce actions over HTTP. One guard per action
// name, so a broken payments endpoint never trips the catalog breaker.
type Backend struct {
	client    httpDoer
	baseURL   string
	apiKey    string
	guardOpts []resilience.Option

	mu     sync.Mutex
	guards map[string]*resilience.Guard
}

// NewBackend creates the bridge. The base URL falls back to the
// BACKEND_BASE_URL environment variable and is required.
func NewBackend(options ...Option) (*Backend, error) {
	var opts Opts
	for _, opt := range options {
		opt(&opts)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = os.Getenv("BACKEND_BASE_URL")
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if opts.APIKey == "" {
		opts.APIKey = os.Getenv("BACKEND_API_KEY")
	}
	slog.Debug("Backend bridge initialized", "baseURL", opts.BaseURL)
	return &Backend{
		client:    opts.Client,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		apiKey:    opts.APIKey,
		guardOpts: opts.GuardOptions,
		guards:    make(map[string]*resilience.Guard),
	}, nil
}

// RegisterAll registers every backend-delegated action name.
func (b *Backend) RegisterAll(reg *engine.ExecutorRegistry) {
	for _, name := range Names {
		reg.Register(name, b.Executor(name))
	}
}

// Executor returns the engine executor for one action name.
func (b *Backend) Executor(name string) engine.Executor {
	guard := b.guard(name)
	return engine.ExecutorFunc(func(ctx context.Context, action models.ActionSpec, session *models.Session) (models.ActionResult, error) {
		value, outcome, err := guard.Do(ctx, func(ctx context.Context) (any, error) {
			return b.call(ctx, name, action, session)
		})
		switch outcome {
		case resilience.OutcomeSuccess:
			return value.(models.ActionResult), nil
		case resilience.OutcomeFallback:
			if result, ok := value.(models.ActionResult); ok {
				return result, nil
			}
			return models.ActionResult{Event: models.EventDefault}, nil
		default:
			return models.ActionResult{}, fmt.Errorf("action %s rejected: %w", name, err)
		}
	})
}

func (b *Backend) guard(name string) *resilience.Guard {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.guards[name]
	if !ok {
		g = resilience.NewGuard(name, b.guardOpts...)
		b.guards[name] = g
	}
	return g
}

// actionRequest is the wire shape posted to the backend.
type actionRequest struct {
	Action  string            `json:"action"`
	Session string            `json:"session"`
	Params  map[string]string `json:"params,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

func (b *Backend) call(ctx context.Context, name string, action models.ActionSpec, session *models.Session) (models.ActionResult, error) {
	body, err := json.Marshal(actionRequest{
		Action:  name,
		Session: session.Key,
		Params:  action.Params,
		Context: session.Context,
	})
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("failed to encode action request: %w", err)
	}

	url := b.baseURL + "/internal/actions/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("failed to build action request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("action %s request failed: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.ActionResult{}, fmt.Errorf("action %s returned status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var result models.ActionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.ActionResult{}, fmt.Errorf("failed to decode action %s response: %w", name, err)
	}
	if result.Event == "" {
		result.Event = models.EventDefault
	}
	return result, nil
}
