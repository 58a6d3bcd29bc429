package vibemesh

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	DefaultConnectivity = 20
	DefaultBeat         = 20 * time.Second
	DefaultPingTimeout  = 5 * time.Second
)

type config struct {
	logHandler slog.Handler
	msink      metrics.MetricSink

	// sprite
	connectivity int
	beat         time.Duration
	pingTimeout  time.Duration

	// discovery
	dialer     Dialer
	httpClient *http.Client
	verifier   TokenVerifier

	// node bootstrap
	tokenURL    string
	tokenBeat   time.Duration
	profileURL  string
	profileBeat time.Duration

	// per-tick retry behaviour of periodic fetches
	retryAttempts int
	retryDelay    time.Duration
	retryTimeout  time.Duration
}

func defaultConfig() config {
	return config{
		connectivity:  DefaultConnectivity,
		beat:          DefaultBeat,
		pingTimeout:   DefaultPingTimeout,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		retryAttempts: 3,
		retryDelay:    time.Second,
		retryTimeout:  10 * time.Second,
	}
}

// Option to pass to `CreateSprite`, `CreateNode` or `NewGaia`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the overlay components.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithConnectivity bounds how many unmuted vibes a sprite keeps after each
// convergence cycle.
func WithConnectivity(connectivity int) Option {
	return func(c *config) error {
		if connectivity <= 0 {
			return ErrInvalidCfg
		}
		c.connectivity = connectivity
		return nil
	}
}

// WithBeat sets the period of the sprite's convergence cycle. It doubles as
// the inactivity window past which a vibe is considered dead.
func WithBeat(beat time.Duration) Option {
	return func(c *config) error {
		if beat <= 0 {
			return ErrInvalidCfg
		}
		c.beat = beat
		return nil
	}
}

// WithPingTimeout controls how long a probe waits for its pong.
func WithPingTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidCfg
		}
		c.pingTimeout = timeout
		return nil
	}
}

// WithDialer sets the transport used to open outbound connections.
func WithDialer(dialer Dialer) Option {
	return func(c *config) error {
		c.dialer = dialer
		return nil
	}
}

// WithHTTPClient overrides the client used to reach the aggregator and the
// bootstrap endpoints.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) error {
		if client == nil {
			return ErrInvalidCfg
		}
		c.httpClient = client
		return nil
	}
}

// WithTokenVerifier sets the collaborator checking inbound identity tokens.
func WithTokenVerifier(verifier TokenVerifier) Option {
	return func(c *config) error {
		c.verifier = verifier
		return nil
	}
}

// WithTokenEndpoint tells a node where and how often to refresh its bearer
// token. Required for `CreateNode`.
func WithTokenEndpoint(url string, every time.Duration) Option {
	return func(c *config) error {
		if url == "" || every <= 0 {
			return ErrInvalidCfg
		}
		c.tokenURL = url
		c.tokenBeat = every
		return nil
	}
}

// WithProfileEndpoint tells a node where and how often to refresh its
// identity/config record. Required for `CreateNode`.
func WithProfileEndpoint(url string, every time.Duration) Option {
	return func(c *config) error {
		if url == "" || every <= 0 {
			return ErrInvalidCfg
		}
		c.profileURL = url
		c.profileBeat = every
		return nil
	}
}

// WithRetries controls how a periodic task retries its own failed step
// within one tick before giving up until the next one.
func WithRetries(attempts int, delay, timeout time.Duration) Option {
	return func(c *config) error {
		if attempts <= 0 || delay < 0 || timeout <= 0 {
			return ErrInvalidCfg
		}
		c.retryAttempts = attempts
		c.retryDelay = delay
		c.retryTimeout = timeout
		return nil
	}
}

func buildConfig(opts []Option) (config, *slog.Logger, metrics.MetricSink, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return cfg, nil, nil, err
		}
	}

	var logger *slog.Logger
	if cfg.logHandler != nil {
		logger = slog.New(cfg.logHandler)
	} else {
		logger = slog.Default()
	}

	msink := cfg.msink
	if msink == nil {
		msink = metrics.Default()
	}
	return cfg, logger, msink, nil
}
