package vibemesh

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricVibePingCount        = []string{"vibemesh", "vibe", "ping", "count"}
	MetricVibePingTimeoutCount = []string{"vibemesh", "vibe", "ping", "timeout", "count"}
	MetricVibePongCount        = []string{"vibemesh", "vibe", "pong", "count"}
	MetricVibeRttMs            = []string{"vibemesh", "vibe", "rtt", "ms"}

	MetricSpriteVibeCount       = []string{"vibemesh", "sprite", "vibe", "count"}
	MetricSpriteCloseStaleCount = []string{"vibemesh", "sprite", "close", "stale", "count"}
	MetricSpriteMuteCount       = []string{"vibemesh", "sprite", "mute", "count"}
	MetricSpriteSendErrorCount  = []string{"vibemesh", "sprite", "send", "error", "count"}

	MetricAuraDialCount       = []string{"vibemesh", "aura", "dial", "count"}
	MetricAuraDialErrorCount  = []string{"vibemesh", "aura", "dial", "error", "count"}
	MetricAuraAdmitCount      = []string{"vibemesh", "aura", "admit", "count"}
	MetricAuraRejectCount     = []string{"vibemesh", "aura", "reject", "count"}
	MetricAuraSkippedTicks    = []string{"vibemesh", "aura", "tick", "skipped", "count"}
	MetricGaiaRequestCount    = []string{"vibemesh", "gaia", "request", "count"}
	MetricGaiaBadRequestCount = []string{"vibemesh", "gaia", "request", "bad", "count"}

	MetricBeatErrorCount = []string{"vibemesh", "beat", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelPeerID   TelemetryLabel = "peer_id"
	LabelSpriteID TelemetryLabel = "sprite_id"
	LabelAuraName TelemetryLabel = "aura_name"
	LabelBeatName TelemetryLabel = "beat_name"
	LabelReason   TelemetryLabel = "reason"
	LabelURL      TelemetryLabel = "url"
	LabelDuration TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
