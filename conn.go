package vibemesh

import (
	"context"
	"net/http"
)

// Conn is one bidirectional message channel to a peer. The transport
// behind it is not vibemesh's concern: anything able to carry discrete
// frames both ways can back a `Vibe`. See `pkg/wsconn` for the websocket
// implementation used by the reference deployment.
//
// Implementations MUST be safe for concurrent `Send` and `Close` calls,
// MUST deliver inbound frames sequentially to the handler registered with
// `Bind`, and MUST invoke the close handler exactly once, after the last
// frame.
type Conn interface {
	// Bind registers the inbound handlers. It must be called exactly once
	// before any frame can be delivered; frames received earlier may be
	// dropped.
	Bind(onFrame func(frame []byte), onClose func(reason error))

	// Send writes one frame. It fails once the connection is closed.
	Send(frame []byte) error

	// Close terminates the connection, communicating a reason to the peer
	// on a best-effort basis. Closing an already-closed Conn is a no-op.
	Close(reason string) error
}

// Dialer opens an outbound Conn to a peer's reachable address.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// TokenVerifier validates a bearer token and resolves the peer identity it
// claims. Token issuance is an external collaborator; vibemesh only ever
// checks tokens through this contract.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (subject string, err error)
}

// StaticTokenVerifier accepts exactly one token and maps it to a fixed
// subject. Meant for tests and single-tenant deployments of gaiad.
type StaticTokenVerifier struct {
	Token   string
	Subject string
}

func (v StaticTokenVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" || token != v.Token {
		return "", ErrBadToken
	}
	return v.Subject, nil
}
