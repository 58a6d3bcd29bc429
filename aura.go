package vibemesh

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Aura supplies new vibes to the one sprite it is bound to. Discovery keeps
// working whether or not the aura is registered on the sprite; registration
// only couples pause/resume and shutdown.
type Aura interface {
	Name() string
	Pause()
	Resume()
	Close() error
}

// OwnerContext is what an aura needs from the node owning its sprite: the
// current bearer token and identity record. Both may be empty before the
// node's first successful refresh.
type OwnerContext interface {
	Token() string
	Profile() Payload
}

// GaiaPollConfig scopes the aggregator exchanges of a PollAura.
type GaiaPollConfig struct {
	// URL of the aggregator's merge-and-snapshot endpoint.
	URL string

	// Beat is the self-publish period.
	Beat time.Duration

	// Radius in meters restricts peer discovery around the sprite's own
	// coordinates. Zero or negative disables geo-scoping.
	Radius float64

	// Sample bounds how many peers one snapshot may return.
	Sample int

	// RequireURL asks the aggregator to pre-filter unreachable sprites.
	// Peers without a reachable address are never dialed either way.
	RequireURL bool

	// Targets restricts discovery to sprites adjacent to the listed peer
	// or user ids.
	Targets []string
}

// VibePollConfig paces the connect cycle of a PollAura.
type VibePollConfig struct {
	Beat time.Duration
}

type PollConfig struct {
	Gaia GaiaPollConfig
	Vibe VibePollConfig
}

// PollAura is the pull-based discovery feed: one schedule publishes the
// sprite's payload and adjacency to the aggregator, another fetches a
// sampled snapshot of nearby peers and opens outbound connections to the
// ones not yet part of the neighborhood.
type PollAura struct {
	sprite *Sprite
	owner  OwnerContext
	cfg    PollConfig
	dialer Dialer
	client *GaiaClient

	logger *slog.Logger
	msink  metrics.MetricSink

	retryAttempts int
	retryDelay    time.Duration
	retryTimeout  time.Duration
	pingTimeout   time.Duration

	lk           sync.Mutex
	neighborhood Img

	gaiaBeat  *beat
	vibeBeat  *beat
	closeOnce sync.Once
}

func NewPollAura(sprite *Sprite, owner OwnerContext, cfg PollConfig, opts ...Option) (*PollAura, error) {
	oc, logger, msink, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.Gaia.URL == "" || cfg.Gaia.Beat <= 0 || cfg.Vibe.Beat <= 0 {
		return nil, ErrInvalidCfg
	}
	if oc.dialer == nil {
		return nil, ErrInvalidCfg
	}

	au := &PollAura{
		sprite:        sprite,
		owner:         owner,
		cfg:           cfg,
		dialer:        oc.dialer,
		client:        NewGaiaClient(cfg.Gaia.URL, oc.httpClient, logger),
		logger:        logger.With(LabelAuraName.L("poll"), LabelSpriteID.L(sprite.ID())),
		msink:         msink,
		retryAttempts: oc.retryAttempts,
		retryDelay:    oc.retryDelay,
		retryTimeout:  oc.retryTimeout,
		pingTimeout:   oc.pingTimeout,
		neighborhood:  newImg(),
	}
	au.gaiaBeat = newBeat("gaia-publish", cfg.Gaia.Beat, au.publish, au.logger, msink)
	au.vibeBeat = newBeat("vibe-feed", cfg.Vibe.Beat, au.feed, au.logger, msink)
	au.gaiaBeat.start()
	au.vibeBeat.start()
	return au, nil
}

func (au *PollAura) Name() string { return "poll" }

func (au *PollAura) Pause() {
	au.gaiaBeat.pause()
	au.vibeBeat.pause()
}

func (au *PollAura) Resume() {
	au.gaiaBeat.resume()
	au.vibeBeat.resume()
}

func (au *PollAura) Close() error {
	au.closeOnce.Do(func() {
		au.gaiaBeat.stop()
		au.vibeBeat.stop()
	})
	return nil
}

// Neighborhood is the latest snapshot of who points at this sprite, as
// returned by the self-publish exchange.
func (au *PollAura) Neighborhood() Img {
	au.lk.Lock()
	defer au.lk.Unlock()
	return au.neighborhood
}

// publish pushes the sprite's own payload and adjacency to the aggregator
// and keeps the returned view of its neighborhood. Without a token the tick
// is skipped with a diagnostic; errors stay inside the schedule.
func (au *PollAura) publish(ctx context.Context) error {
	token := au.owner.Token()
	if token == "" {
		au.skipTick("gaia-publish")
		return nil
	}

	query := NoSnapshotScope()
	query.Targets = []string{au.sprite.ID()}

	var img Img
	err := withRetries(ctx, au.retryAttempts, au.retryDelay, au.retryTimeout, func(ctx context.Context) error {
		var err error
		img, err = au.client.Exchange(ctx, token, au.selfReport(), query)
		return err
	})
	if err != nil {
		return err
	}

	au.lk.Lock()
	au.neighborhood = img
	au.lk.Unlock()
	return nil
}

// selfReport assembles the partial snapshot this sprite publishes: its
// profile as sprite payload, its adjacency, and the owning user's record
// when the profile carries one.
func (au *PollAura) selfReport() Img {
	report := newImg()
	profile := au.owner.Profile()
	if profile == nil {
		profile = Payload{}
	}
	report.Sprites[au.sprite.ID()] = profile
	report.Vibes = au.sprite.Adjacency()
	if user, ok := profile["user"].(map[string]any); ok {
		report.Users[ParseID(au.sprite.ID()).User] = Payload(user)
	}
	return report
}

// feed pulls a sampled snapshot of nearby peers and dials every reachable
// sprite the agent is not yet connected to, probing each fresh vibe right
// away.
func (au *PollAura) feed(ctx context.Context) error {
	token := au.owner.Token()
	if token == "" {
		au.skipTick("vibe-feed")
		return nil
	}

	query := NoSnapshotScope()
	profile := au.owner.Profile()
	if au.cfg.Gaia.Radius > 0 && profile != nil {
		query.Long = payloadNumber(profile, "long")
		query.Lat = payloadNumber(profile, "lat")
		query.Radius = au.cfg.Gaia.Radius
	}
	query.Sample = au.cfg.Gaia.Sample
	query.RequireURL = au.cfg.Gaia.RequireURL
	query.Targets = au.cfg.Gaia.Targets

	var img Img
	err := withRetries(ctx, au.retryAttempts, au.retryDelay, au.retryTimeout, func(ctx context.Context) error {
		var err error
		img, err = au.client.Exchange(ctx, token, Img{}, query)
		return err
	})
	if err != nil {
		return err
	}

	for peerID, payload := range img.Sprites {
		if peerID == au.sprite.ID() || au.sprite.IsConnectedTo(peerID) {
			continue
		}
		addr := payloadString(payload, "url")
		if addr == "" {
			continue
		}

		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		conn, err := au.dialer.Dial(ctx, addr, header)
		if err != nil {
			au.msink.IncrCounter(MetricAuraDialErrorCount, 1.0)
			au.logger.Warn("failed to dial peer",
				LabelPeerID.L(peerID), LabelURL.L(addr), LabelError.L(err))
			continue
		}
		au.msink.IncrCounter(MetricAuraDialCount, 1.0)

		vb, err := au.sprite.AttachVibe(peerID, conn)
		if err != nil {
			conn.Close(CloseReasonShutdown)
			return err
		}
		vb.Ping(ctx, nil, au.pingTimeout)
	}
	return nil
}

func (au *PollAura) skipTick(name string) {
	au.msink.IncrCounterWithLabels(MetricAuraSkippedTicks, 1.0,
		[]metrics.Label{LabelBeatName.M(name)})
	au.logger.Warn("no bearer token yet, skipping discovery tick",
		LabelBeatName.L(name))
}

// Inbound is one accepted connection handed to a PushAura by the
// externally-owned listener, together with the identity token and request
// metadata it arrived with.
type Inbound struct {
	Conn       Conn
	Token      string
	Header     http.Header
	RemoteAddr string
}

// AdmissionFunc lets a deployment veto authenticated inbound connections,
// e.g. by origin.
type AdmissionFunc func(Inbound) bool

// PushAura is the push-based discovery feed: inbound connections validated
// by the external token check become vibes under the peer id the token
// claims. Rejections drop the connection with a diagnostic, never an error
// escaping the listener.
type PushAura struct {
	sprite   *Sprite
	verifier TokenVerifier
	admit    AdmissionFunc

	logger *slog.Logger
	msink  metrics.MetricSink

	paused atomic.Bool
	closed atomic.Bool
}

func NewPushAura(sprite *Sprite, verifier TokenVerifier, admit AdmissionFunc, opts ...Option) (*PushAura, error) {
	_, logger, msink, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	if verifier == nil {
		return nil, ErrInvalidCfg
	}
	return &PushAura{
		sprite:   sprite,
		verifier: verifier,
		admit:    admit,
		logger:   logger.With(LabelAuraName.L("push"), LabelSpriteID.L(sprite.ID())),
		msink:    msink,
	}, nil
}

func (au *PushAura) Name() string { return "push" }

func (au *PushAura) Pause()  { au.paused.Store(true) }
func (au *PushAura) Resume() { au.paused.Store(false) }

func (au *PushAura) Close() error {
	au.closed.Store(true)
	return nil
}

// Admit validates one inbound connection and, on success, attaches it to
// the sprite under the claimed peer id. On any failure the connection is
// closed and the cause returned for the listener's diagnostics only.
func (au *PushAura) Admit(ctx context.Context, inb Inbound) (*Vibe, error) {
	if au.closed.Load() {
		return au.reject(inb, ErrAuraClosed)
	}
	if au.paused.Load() {
		return au.reject(inb, ErrNotAdmitted)
	}
	if inb.Token == "" {
		return au.reject(inb, ErrMissingToken)
	}

	peerID, err := au.verifier.Verify(ctx, inb.Token)
	if err != nil {
		return au.reject(inb, ErrBadToken)
	}
	if au.admit != nil && !au.admit(inb) {
		return au.reject(inb, ErrNotAdmitted)
	}

	vb, err := au.sprite.AttachVibe(peerID, inb.Conn)
	if err != nil {
		return au.reject(inb, err)
	}
	au.msink.IncrCounter(MetricAuraAdmitCount, 1.0)
	au.logger.Debug("inbound vibe admitted", LabelPeerID.L(peerID))
	return vb, nil
}

func (au *PushAura) reject(inb Inbound, cause error) (*Vibe, error) {
	au.msink.IncrCounter(MetricAuraRejectCount, 1.0)
	au.logger.Warn("inbound connection dropped",
		"remote_addr", inb.RemoteAddr, LabelError.L(cause))
	inb.Conn.Close(CloseReasonUnauthorized)
	return nil, cause
}
