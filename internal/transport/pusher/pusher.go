// ABOUTME: Push-notification broker transport backed by Pusher Channels
// ABOUTME: Maps Publish onto the Pusher HTTP trigger API, excluding the sender's socket when known

package pusher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync/atomic"
	"time"

	pusherapi "github.com/pusher/pusher-http-go/v5"

	"github.com/2389/support-gateway/internal/transport"
)

// socketIDPattern is the shape of a Pusher connection id. Other exclude
// values (socket hub connection ids) are ignored.
var socketIDPattern = regexp.MustCompile(`^\d+\.\d+$`)

// ErrIncomplete is returned by New when credentials are missing.
var ErrIncomplete = errors.New("pusher credentials incomplete")

// Config holds the application credentials.
type Config struct {
	AppID   string
	Key     string
	Secret  string
	Cluster string
	UseTLS  bool

	// Host overrides the cluster endpoint. Used by tests.
	Host string
	// Timeout bounds each trigger request.
	Timeout time.Duration
}

// Complete reports whether every credential needed to publish is present.
func (c Config) Complete() bool {
	return c.AppID != "" && c.Key != "" && c.Secret != "" && (c.Cluster != "" || c.Host != "")
}

// Transport publishes through the Pusher HTTP API.
type Transport struct {
	client *pusherapi.Client
	closed atomic.Bool
	logger *slog.Logger
}

var _ transport.Transport = (*Transport)(nil)

// New creates a Transport. It returns ErrIncomplete if cfg is missing credentials.
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	if !cfg.Complete() {
		return nil, ErrIncomplete
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Transport{
		client: &pusherapi.Client{
			AppID:      cfg.AppID,
			Key:        cfg.Key,
			Secret:     cfg.Secret,
			Cluster:    cfg.Cluster,
			Host:       cfg.Host,
			Secure:     cfg.UseTLS,
			HTTPClient: &http.Client{Timeout: cfg.Timeout},
		},
		logger: logger.With("component", "pusher"),
	}, nil
}

// NewOrNop returns a Pusher transport, or a no-op publisher with a warning
// when credentials are incomplete.
func NewOrNop(cfg Config, logger *slog.Logger) transport.Transport {
	t, err := New(cfg, logger)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("pusher is not fully configured; events will be discarded", "component", "pusher")
		return transport.Nop{}
	}
	return t
}

// Publish triggers msg.Event on msg.Channel.
func (t *Transport) Publish(ctx context.Context, msg transport.Message) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if msg.Exclude != "" && socketIDPattern.MatchString(msg.Exclude) {
		socketID := msg.Exclude
		_, err := t.client.TriggerWithParams(msg.Channel, msg.Event, msg.Payload, pusherapi.TriggerParams{SocketID: &socketID})
		if err != nil {
			return fmt.Errorf("pusher trigger %s on %s: %w", msg.Event, msg.Channel, err)
		}
		return nil
	}
	if err := t.client.Trigger(msg.Channel, msg.Event, msg.Payload); err != nil {
		return fmt.Errorf("pusher trigger %s on %s: %w", msg.Event, msg.Channel, err)
	}
	return nil
}

// Close stops further publishes. Pusher holds no connections to release.
func (t *Transport) Close() error {
	t.closed.Store(true)
	return nil
}
