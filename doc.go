// Package vibemesh is a self-organizing peer overlay. Autonomous agents
// (*sprites*) each hold a bounded set of scored connections (*vibes*) to
// other agents and keep converging toward the best-performing neighborhood,
// while a central directory (*gaia*) lets them find each other by
// geographic proximity.
//
// # How it works
//
// Every vibe wraps one bidirectional message channel and carries a
// desirability score: the negated round-trip latency of a JSON ping/pong
// probe. On a fixed beat, a sprite's convergence cycle closes connections
// that went silent and mutes everything beyond its connectivity budget of
// best-scoring vibes. Muted vibes may not originate traffic anymore but
// keep receiving, so in-flight exchanges drain before inactivity reaps
// them.
//
// New vibes arrive through *auras*. A `PollAura` periodically publishes the
// sprite's payload and adjacency to a gaia endpoint and dials the sampled,
// geo-filtered peers the returned snapshot advertises. A `PushAura` admits
// inbound connections from an externally-owned listener once their bearer
// token checks out.
//
// The transport behind a vibe is deliberately out of scope: anything
// implementing `Conn` works. `pkg/wsconn` provides the websocket transport
// the reference deployment uses, and `cmd/gaiad` a standalone aggregator
// daemon.
package vibemesh
