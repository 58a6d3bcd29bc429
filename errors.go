package vibemesh

import (
	"errors"
)

var (
	ErrInvalidCfg = errors.New("vibemesh: invalid options")

	ErrSpriteClosed  = errors.New("sprite: shutting down")
	ErrNoVibes       = errors.New("sprite: no vibe available")
	ErrUnknownAura   = errors.New("sprite: no aura registered under that name")
	ErrDuplicateAura = errors.New("sprite: aura name conflict")

	ErrVibeMuted  = errors.New("vibe: muted, refusing to originate traffic")
	ErrConnClosed = errors.New("vibe: underlying connection is closed")
	ErrProtocol   = errors.New("vibe: malformed inbound frame")

	ErrMissingToken = errors.New("aura: no bearer token available")
	ErrBadToken     = errors.New("aura: identity token rejected")
	ErrNotAdmitted  = errors.New("aura: connection refused by admission predicate")
	ErrAuraClosed   = errors.New("aura: closed")

	ErrBadRequest = errors.New("gaia: malformed request")
	ErrGaiaStatus = errors.New("gaia: unexpected response status")
)

// Close reasons sent on the wire when we terminate a connection ourselves.
const (
	CloseReasonInactivity   = "inactivity"
	CloseReasonSuperseded   = "superseded by a newer connection"
	CloseReasonShutdown     = "shutdown"
	CloseReasonUnauthorized = "unauthorized"
)
