package adapters

import (
	"context"
	"encoding/json"
	"time"

	"go2tv.app/castsession/internal/domain"
	"go2tv.app/go2tv/v2/castprotocol"
	"go2tv.app/go2tv/v2/devices"
)

// StateCallback receives lifecycle signals from a playback backend.
type StateCallback interface {
	PlayerStateChanged(src PlaybackBackend, signal domain.PlayerSignal)
}

// EventSink receives free-form events from a playback backend.
type EventSink interface {
	EventWithValue(src PlaybackBackend, name, value string)
	EventWithJSON(src PlaybackBackend, name string, value json.RawMessage)
}

// Listener is the backend-agnostic event surface exposed to the embedding application.
type Listener interface {
	EventWithValue(name, value string)
	EventWithJSON(name string, value json.RawMessage)
}

// PlaybackBackend is anything that can own playback of a media source.
// Implementations must deliver callbacks on the control thread and must make
// Teardown safe to call at any point, including mid-load.
type PlaybackBackend interface {
	Play() error
	Pause() error
	SetSource(uri string) error
	SetLicenseLocator(uri string) error
	CurrentPosition() time.Duration
	SetCurrentPosition(pos time.Duration) error
	Duration() time.Duration
	Freeze() error
	Recover() error
	Teardown() error

	// SetShouldCancelPlay makes Play a no-op while set.
	SetShouldCancelPlay(cancel bool)
	SetVisible(visible bool)
	SavePlayerState() error
	RecoverPlayerState() error

	SetStateCallback(cb StateCallback)
	SetEventSink(sink EventSink)
}

// RemoteListener is told about the two-phase readiness of a remote backend.
type RemoteListener interface {
	RemoteReady(src PlaybackBackend)
	MediaLoaded(src PlaybackBackend)
	RemoteFailed(src PlaybackBackend, err error)
}

// LocalFactory builds local backends for a decoder variant.
type LocalFactory interface {
	NewLocal(kind domain.DecoderKind) (PlaybackBackend, error)
}

// RemoteFactory builds a remote backend bound to a cast target. The returned
// backend connects asynchronously and reports through the listener.
type RemoteFactory interface {
	NewRemote(target string, listener RemoteListener) (PlaybackBackend, error)
}

// ProgressProvider reports content position to an ad coordinator. ok is false
// while no backend is attached or the duration is unknown.
type ProgressProvider interface {
	ContentProgress() (position, duration time.Duration, ok bool)
}

// Host is the embedding application context an ad break borrows. It is never
// owned by the session and may go away at any time.
type Host interface {
	Alive() bool
}

// AdSink receives events from an ad coordinator.
type AdSink interface {
	AdStateChanged(src AdCoordinator, signal domain.PlayerSignal)
	AdEventWithJSON(src AdCoordinator, name string, value json.RawMessage)
	// AdsConsumedContentEnd reports that the final ad break consumed the end of content.
	AdsConsumedContentEnd(src AdCoordinator)
}

// AdCoordinator orchestrates ad breaks around content playback.
type AdCoordinator interface {
	RequestAds(progress ProgressProvider) error
	Pause()
	Resume()
	NotifyContentComplete()
	Teardown() error
	SetSink(sink AdSink)
}

// AdFactory creates an ad coordinator for an ad tag and a borrowed host.
type AdFactory interface {
	NewAdCoordinator(adTag string, host Host) (AdCoordinator, error)
}

// Discovery provides LAN cast receiver discovery primitives.
type Discovery interface {
	StartChromecastDiscoveryLoop(ctx context.Context)
	LoadAllDevices(delaySeconds int) ([]devices.Device, error)
}

// CastClient represents a controllable Chromecast session.
type CastClient interface {
	Connect() error
	Load(mediaURL, contentType string, startTime int, duration float64, subtitleURL string, live bool) error
	Play() error
	Pause() error
	Seek(seconds int) error
	Stop() error
	GetStatus() (*castprotocol.CastStatus, error)
	Close(stopMedia bool) error
}

// CastFactory creates CastClient instances.
type CastFactory interface {
	NewCastClient(deviceAddr string) (CastClient, error)
}
