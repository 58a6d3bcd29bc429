package vibemesh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/hashicorp/go-metrics"
)

// Node is the owner context bootstrapping a sprite: it keeps a bearer token
// and an identity/config record fresh by polling two external endpoints,
// and hands both out to the sprite's auras. It performs no discovery of its
// own.
type Node struct {
	sprite *Sprite
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	lk      sync.RWMutex
	token   string
	profile Payload

	tokenBeat   *beat
	profileBeat *beat
}

// CreateNode wraps sprite with its owner context and starts both refresh
// schedules. A node without a token endpoint or a profile endpoint cannot
// keep its sprite operational, so either missing pair fails fast.
func CreateNode(sprite *Sprite, opts ...Option) (*Node, error) {
	cfg, logger, msink, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.tokenURL == "" || cfg.tokenBeat <= 0 {
		return nil, fmt.Errorf("%w: token endpoint is required", ErrInvalidCfg)
	}
	if cfg.profileURL == "" || cfg.profileBeat <= 0 {
		return nil, fmt.Errorf("%w: profile endpoint is required", ErrInvalidCfg)
	}

	nd := &Node{
		sprite: sprite,
		cfg:    cfg,
		logger: logger.With(LabelSpriteID.L(sprite.ID())),
		msink:  msink,
	}
	nd.tokenBeat = newBeat("token-refresh", cfg.tokenBeat, nd.refreshToken, nd.logger, msink)
	nd.profileBeat = newBeat("profile-refresh", cfg.profileBeat, nd.refreshProfile, nd.logger, msink)
	nd.tokenBeat.start()
	nd.profileBeat.start()
	return nd, nil
}

func (nd *Node) Sprite() *Sprite { return nd.sprite }

// Token returns the most recently fetched bearer token, or "" before the
// first successful refresh.
func (nd *Node) Token() string {
	nd.lk.RLock()
	defer nd.lk.RUnlock()
	return nd.token
}

// Profile returns the most recently fetched identity/config record, or nil
// before the first successful refresh.
func (nd *Node) Profile() Payload {
	nd.lk.RLock()
	defer nd.lk.RUnlock()
	return nd.profile
}

// Refresh fetches the token and profile once, outside the schedules. Useful
// right after construction to avoid waiting one full beat.
func (nd *Node) Refresh(ctx context.Context) error {
	if err := nd.refreshToken(ctx); err != nil {
		return err
	}
	return nd.refreshProfile(ctx)
}

func (nd *Node) refreshToken(ctx context.Context) error {
	return withRetries(ctx, nd.cfg.retryAttempts, nd.cfg.retryDelay, nd.cfg.retryTimeout, func(ctx context.Context) error {
		body, err := nd.fetch(ctx, nd.cfg.tokenURL)
		if err != nil {
			return err
		}
		token := strings.TrimSpace(string(body))
		if token == "" {
			return fmt.Errorf("%w: empty token body", ErrMissingToken)
		}
		nd.lk.Lock()
		nd.token = token
		nd.lk.Unlock()
		return nil
	})
}

func (nd *Node) refreshProfile(ctx context.Context) error {
	return withRetries(ctx, nd.cfg.retryAttempts, nd.cfg.retryDelay, nd.cfg.retryTimeout, func(ctx context.Context) error {
		body, err := nd.fetch(ctx, nd.cfg.profileURL)
		if err != nil {
			return err
		}
		var profile Payload
		if err := json.Unmarshal(body, &profile); err != nil {
			return fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		nd.lk.Lock()
		nd.profile = profile
		nd.lk.Unlock()
		return nil
	})
}

func (nd *Node) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if token := nd.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := nd.cfg.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d from %s", ErrGaiaStatus, res.StatusCode, endpoint)
	}
	return io.ReadAll(io.LimitReader(res.Body, 1<<20))
}

// Close stops both refresh schedules. The sprite itself is shut down by its
// own Shutdown.
func (nd *Node) Close() error {
	nd.tokenBeat.stop()
	nd.profileBeat.stop()
	return nil
}
