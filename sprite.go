package vibemesh

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Sprite is an autonomous overlay participant. It owns a bounded set of
// scored connections (vibes) and the auras feeding it new ones, and runs a
// periodic convergence cycle keeping its neighborhood close to the
// best-scoring reachable peers.
type Sprite struct {
	id     string
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	lk     sync.Mutex
	vibes  map[string]*Vibe
	order  []string // insertion order of peer ids; round-robin iterates it
	cursor int
	auras  map[string]Aura

	convergence *beat
	shutdown    bool
}

// CreateSprite builds a sprite identified by a "<user>:<name>" peer id and
// starts its convergence cycle. Non-positive connectivity or beat values
// fail fast.
func CreateSprite(id string, opts ...Option) (*Sprite, error) {
	cfg, logger, msink, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.connectivity <= 0 || cfg.beat <= 0 {
		return nil, ErrInvalidCfg
	}

	sp := &Sprite{
		id:     id,
		cfg:    cfg,
		logger: logger.With(LabelSpriteID.L(id)),
		msink:  msink,
		vibes:  make(map[string]*Vibe),
		auras:  make(map[string]Aura),
	}
	sp.convergence = newBeat("convergence", cfg.beat, func(context.Context) error {
		sp.Convergence(time.Now())
		return nil
	}, sp.logger, msink)
	sp.convergence.start()
	return sp, nil
}

func (sp *Sprite) ID() string { return sp.id }

// Connectivity is the maximum number of unmuted vibes surviving a
// convergence cycle.
func (sp *Sprite) Connectivity() int { return sp.cfg.connectivity }

// Beat is the convergence period, doubling as the inactivity window.
func (sp *Sprite) Beat() time.Duration { return sp.cfg.beat }

// AttachVibe wraps conn as a vibe stored under peerID and binds its inbound
// handlers. A vibe already held for that peer is superseded: its connection
// is closed and the new one takes the slot, so a sprite never holds two
// vibes for the same peer id.
func (sp *Sprite) AttachVibe(peerID string, conn Conn) (*Vibe, error) {
	vb := newVibe(conn, sp.logger.With(LabelPeerID.L(peerID)), sp.msink)

	sp.lk.Lock()
	if sp.shutdown {
		sp.lk.Unlock()
		return nil, ErrSpriteClosed
	}
	prev, had := sp.vibes[peerID]
	sp.vibes[peerID] = vb
	if !had {
		sp.order = append(sp.order, peerID)
	}
	sp.lk.Unlock()

	if had {
		prev.conn.Close(CloseReasonSuperseded)
	}

	conn.Bind(vb.handleFrame, func(reason error) {
		sp.removeVibe(peerID, vb, reason)
	})
	vb.Touch()

	sp.msink.SetGauge(MetricSpriteVibeCount, float32(sp.VibeCount()))
	sp.logger.Debug("vibe attached", LabelPeerID.L(peerID))
	return vb, nil
}

// removeVibe drops the vibe from the collection when its connection closed.
// The slot may already belong to a newer vibe for the same peer; in that
// case nothing is touched.
func (sp *Sprite) removeVibe(peerID string, vb *Vibe, reason error) {
	sp.lk.Lock()
	current, has := sp.vibes[peerID]
	if !has || current != vb {
		sp.lk.Unlock()
		return
	}
	delete(sp.vibes, peerID)
	if at := slices.Index(sp.order, peerID); at >= 0 {
		sp.order = slices.Delete(sp.order, at, at+1)
		if at <= sp.cursor && sp.cursor > 0 {
			sp.cursor--
		}
	}
	sp.lk.Unlock()

	sp.msink.SetGauge(MetricSpriteVibeCount, float32(sp.VibeCount()))
	sp.logger.Debug("vibe removed", LabelPeerID.L(peerID), LabelReason.L(reason))
}

// Vibe returns the vibe held for peerID, if any.
func (sp *Sprite) Vibe(peerID string) (*Vibe, bool) {
	sp.lk.Lock()
	defer sp.lk.Unlock()
	vb, has := sp.vibes[peerID]
	return vb, has
}

func (sp *Sprite) VibeCount() int {
	sp.lk.Lock()
	defer sp.lk.Unlock()
	return len(sp.order)
}

// Peers returns the peer ids of all current vibes in stable round-robin
// order.
func (sp *Sprite) Peers() []string {
	sp.lk.Lock()
	defer sp.lk.Unlock()
	return slices.Clone(sp.order)
}

// Adjacency projects the sprite's neighborhood in the shape the aggregator
// merges: own id mapped to the ids of every connected peer.
func (sp *Sprite) Adjacency() map[string][]string {
	return map[string][]string{sp.id: sp.Peers()}
}

// IsConnectedTo reports whether any vibe reaches targetID. A target without
// a name part matches every sprite of that user.
func (sp *Sprite) IsConnectedTo(targetID string) bool {
	target := ParseID(targetID)
	for _, peerID := range sp.Peers() {
		peer := ParseID(peerID)
		if peer.User == target.User && (target.Name == "" || target.Name == peer.Name) {
			return true
		}
	}
	return false
}

// Convergence runs one neighborhood-convergence step: vibes silent for
// longer than the beat get their connection closed (the close event removes
// them), then everything beyond the connectivity best-valued survivors is
// muted. Muting never severs a connection that might still be mid-exchange.
func (sp *Sprite) Convergence(now time.Time) {
	sp.lk.Lock()
	var stale, live []*Vibe
	for _, peerID := range sp.order {
		vb := sp.vibes[peerID]
		if vb.IsActive(sp.cfg.beat, now) {
			live = append(live, vb)
		} else {
			stale = append(stale, vb)
		}
	}
	sp.lk.Unlock()

	for _, vb := range stale {
		vb.conn.Close(CloseReasonInactivity)
		sp.msink.IncrCounter(MetricSpriteCloseStaleCount, 1.0)
	}

	if len(live) <= sp.cfg.connectivity {
		return
	}
	sort.SliceStable(live, func(i, j int) bool {
		return live[i].Value() > live[j].Value()
	})
	for _, vb := range live[sp.cfg.connectivity:] {
		vb.Mute()
		sp.msink.IncrCounter(MetricSpriteMuteCount, 1.0)
	}
	sp.logger.Debug("convergence muted excess vibes",
		"kept", sp.cfg.connectivity, "muted", len(live)-sp.cfg.connectivity)
}

// Send advances the round-robin pointer one position and forwards frame on
// the selected vibe. A muted selection, or one failing predicate, costs the
// caller rejectErr without consuming another position: a bounded-retry
// wrapper looping over Send visits every vibe at most once per full
// rotation.
func (sp *Sprite) Send(frame []byte, predicate func(*Vibe) bool, rejectErr error) error {
	sp.lk.Lock()
	if len(sp.order) == 0 {
		sp.lk.Unlock()
		return ErrNoVibes
	}
	sp.cursor = (sp.cursor + 1) % len(sp.order)
	vb := sp.vibes[sp.order[sp.cursor]]
	sp.lk.Unlock()

	if vb.Muted() || (predicate != nil && !predicate(vb)) {
		sp.msink.IncrCounter(MetricSpriteSendErrorCount, 1.0)
		return rejectErr
	}
	if err := vb.Forward(frame); err != nil {
		sp.msink.IncrCounter(MetricSpriteSendErrorCount, 1.0)
		return err
	}
	return nil
}

// RegisterAura couples an aura's lifecycle to the sprite under a unique
// name. An aura keeps feeding vibes without being registered; registration
// only ties pause/resume and shutdown together.
func (sp *Sprite) RegisterAura(name string, aura Aura) error {
	sp.lk.Lock()
	defer sp.lk.Unlock()
	if sp.shutdown {
		return ErrSpriteClosed
	}
	if _, has := sp.auras[name]; has {
		return ErrDuplicateAura
	}
	sp.auras[name] = aura
	return nil
}

// Aura returns the registered aura with that name.
func (sp *Sprite) Aura(name string) (Aura, error) {
	sp.lk.Lock()
	defer sp.lk.Unlock()
	aura, has := sp.auras[name]
	if !has {
		return nil, ErrUnknownAura
	}
	return aura, nil
}

// PauseAuras suspends discovery on every registered aura.
func (sp *Sprite) PauseAuras() {
	sp.lk.Lock()
	defer sp.lk.Unlock()
	for _, aura := range sp.auras {
		aura.Pause()
	}
}

// ResumeAuras restarts discovery on every registered aura.
func (sp *Sprite) ResumeAuras() {
	sp.lk.Lock()
	defer sp.lk.Unlock()
	for _, aura := range sp.auras {
		aura.Resume()
	}
}

// Shutdown stops the sprite in two phases: first discovery is torn down so
// no new vibe arrives, then every connection is closed and the convergence
// schedule stopped. Safe to call more than once.
func (sp *Sprite) Shutdown() error {
	sp.lk.Lock()
	if sp.shutdown {
		sp.lk.Unlock()
		return nil
	}
	sp.shutdown = true
	auras := make([]Aura, 0, len(sp.auras))
	for _, aura := range sp.auras {
		auras = append(auras, aura)
	}
	sp.lk.Unlock()

	start := time.Now()
	sp.logger.Info("shutting down...")

	for _, aura := range auras {
		if err := aura.Close(); err != nil {
			sp.logger.Warn("failed to close an aura", LabelError.L(err))
		}
	}

	sp.convergence.stop()

	sp.lk.Lock()
	vibes := make([]*Vibe, 0, len(sp.vibes))
	for _, vb := range sp.vibes {
		vibes = append(vibes, vb)
	}
	sp.lk.Unlock()
	for _, vb := range vibes {
		vb.conn.Close(CloseReasonShutdown)
	}

	sp.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}
