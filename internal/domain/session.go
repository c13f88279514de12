package domain

import (
	"math"
	"time"
)

// BackendKind names which backend currently owns playback.
type BackendKind int

const (
	BackendNone BackendKind = iota
	BackendLocal
	BackendRemote
)

func (k BackendKind) String() string {
	switch k {
	case BackendLocal:
		return "local"
	case BackendRemote:
		return "remote"
	default:
		return "none"
	}
}

// Phase is the coordination state of a session, independent of backgrounding.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLocalActive
	PhaseAdActive
	PhaseRemoteActive
)

func (p Phase) String() string {
	switch p {
	case PhaseLocalActive:
		return "local_active"
	case PhaseAdActive:
		return "ad_active"
	case PhaseRemoteActive:
		return "remote_active"
	default:
		return "idle"
	}
}

// DecoderKind selects the local decoder variant for a source.
type DecoderKind int

const (
	DecoderAdaptive DecoderKind = iota
	DecoderLegacy
)

func (k DecoderKind) String() string {
	if k == DecoderLegacy {
		return "legacy"
	}
	return "adaptive"
}

// PlayerSignal is a lifecycle transition reported by a backend or ad coordinator.
type PlayerSignal int

const (
	SignalCanPlay PlayerSignal = iota + 1
	SignalShouldPlay
	SignalShouldPause
	SignalEnded
)

func (s PlayerSignal) String() string {
	switch s {
	case SignalCanPlay:
		return "can_play"
	case SignalShouldPlay:
		return "should_play"
	case SignalShouldPause:
		return "should_pause"
	case SignalEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Reserved event names on the normalized listener surface.
const (
	EventEnded           = "ended"
	EventTimeUpdate      = "timeupdate"
	EventError           = "error"
	EventAllAdsCompleted = "allAdsCompleted"
	EventAdsLoadError    = "adsLoadError"
	EventAdError         = "adError"
	EventAdBreakStarted  = "adBreakStarted"
	EventAdBreakEnded    = "adBreakCompleted"
	EventAdStarted       = "adStarted"
	EventAdCompleted     = "adCompleted"
)

// SessionSnapshot is a read-only view of the session attributes.
type SessionSnapshot struct {
	ID                string   `json:"id"`
	Source            string   `json:"source"`
	Phase             string   `json:"phase"`
	ActiveBackend     string   `json:"active_backend"`
	Decoder           string   `json:"decoder,omitempty"`
	AdBreakActive     bool     `json:"ad_break_active"`
	Backgrounded      bool     `json:"backgrounded"`
	Casting           bool     `json:"casting"`
	CanPlay           bool     `json:"can_play"`
	PendingSeek       *float64 `json:"pending_seek_seconds,omitempty"`
	LastKnownPosition float64  `json:"last_known_position_seconds"`
	Locale            string   `json:"locale,omitempty"`
	AdPlayerHeight    int      `json:"ad_player_height,omitempty"`
	SupportedFormats  []string `json:"supported_formats,omitempty"`
	Destroyed         bool     `json:"destroyed"`
}

// Seconds converts a duration to fractional seconds for the wire.
func Seconds(d time.Duration) float64 {
	return d.Seconds()
}

// FromSeconds converts wire seconds to a duration, saturating at the
// duration range. NaN maps to zero.
func FromSeconds(s float64) time.Duration {
	ns := s * float64(time.Second)
	switch {
	case math.IsNaN(ns):
		return 0
	case ns >= math.MaxInt64:
		return time.Duration(math.MaxInt64)
	case ns <= math.MinInt64:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(ns)
}
