// Package session coordinates which backend owns playback of a single logical
// video session and hands position over between them.
//
// A Controller is not safe for concurrent use. Every intent call and every
// backend or ad callback must arrive on the same control thread.
package session

import (
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"go2tv.app/castsession/internal/adapters"
	"go2tv.app/castsession/internal/domain"
)

// adRequest is a desired ad break. host is borrowed, never owned.
type adRequest struct {
	tag  string
	host adapters.Host
}

type Controller struct {
	id     string
	logger *slog.Logger

	locals  adapters.LocalFactory
	remotes adapters.RemoteFactory
	ads     adapters.AdFactory

	listener adapters.Listener

	st      state
	source  string
	decoder domain.DecoderKind

	local  adapters.PlaybackBackend
	remote adapters.PlaybackBackend
	ad     adapters.AdCoordinator

	adReq             mo.Option[adRequest]
	adsDone           bool
	canPlay           bool
	pendingSeek       mo.Option[time.Duration]
	lastKnownPosition time.Duration

	// suppressNextSource swallows the setSource call an application issues right
	// after casting stops; the handoff already positioned the local backend.
	suppressNextSource bool
	destroyed          bool

	// remoteLoaded is set once the current remote has reported its media
	// loaded; before that its position is not meaningful.
	remoteLoaded bool
	// resumeBlocked keeps the local backend from resuming after an ad break
	// consumed the end of content. The next explicit intent clears it.
	resumeBlocked bool

	locale         string
	adPlayerHeight int
}

type Options struct {
	Locals  adapters.LocalFactory
	Remotes adapters.RemoteFactory
	Ads     adapters.AdFactory
	Logger  *slog.Logger
}

func New(listener adapters.Listener, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	id := uuid.NewString()
	return &Controller{
		id:       id,
		logger:   logger.With(slog.String("session_id", id)),
		locals:   opts.Locals,
		remotes:  opts.Remotes,
		ads:      opts.Ads,
		listener: listener,
		st:       state{phase: domain.PhaseIdle},
	}
}

func (c *Controller) ID() string { return c.id }

func (c *Controller) Phase() domain.Phase { return c.st.phase }

func (c *Controller) ActiveBackendKind() domain.BackendKind { return c.st.activeBackend() }

func (c *Controller) IsAdBreakActive() bool { return c.st.adBreakActive() }

func (c *Controller) IsCasting() bool { return c.st.casting() }

func (c *Controller) IsBackgrounded() bool { return c.st.backgrounded }

func (c *Controller) Source() string { return c.source }

// SetSource replaces the local backend with one suited to uri and starts
// loading it. Can-play is reported asynchronously.
func (c *Controller) SetSource(uri string) {
	if c.destroyed {
		c.logger.Debug("intent_ignored", slog.String("intent", "set_source"), slog.String("reason", "destroyed"))
		return
	}
	if c.suppressNextSource {
		c.suppressNextSource = false
		c.logger.Debug("set_source_suppressed", slog.String("source", uri))
		return
	}
	c.resumeBlocked = false
	c.canPlay = false
	if c.locals == nil {
		c.logger.Error("set_source_failed", slog.String("reason", "local backend factory is not configured"))
		return
	}

	if c.local != nil {
		if c.ad != nil || c.adReq.IsPresent() {
			c.teardownAd()
		}
		old := c.local
		c.local = nil
		c.detach(old)
		c.teardownBackend(old, "local")
	}

	kind := SelectDecoder(uri)
	backend, err := c.locals.NewLocal(kind)
	if err != nil {
		c.logger.Error("local_backend_create_failed", slog.String("decoder", kind.String()), slog.String("error", err.Error()))
		if !c.st.casting() {
			c.transition(domain.PhaseIdle, "local backend unavailable")
		}
		c.emitError("local", err)
		return
	}

	c.local = backend
	c.decoder = kind
	c.source = uri

	casting := c.st.casting()
	backend.SetStateCallback(c)
	if casting {
		backend.SetVisible(false)
	} else {
		backend.SetEventSink(c)
		c.transition(domain.PhaseLocalActive, "source assigned")
	}
	c.logger.Info("source_assigned", slog.String("source", uri), slog.String("decoder", kind.String()), slog.Bool("casting", casting))

	if err := backend.SetSource(uri); err != nil {
		c.logger.Error("local_backend_load_failed", slog.String("source", uri), slog.String("error", err.Error()))
		c.emitError("local", err)
	}
	if casting && c.remote != nil {
		if err := c.remote.SetSource(uri); err != nil {
			c.logger.Warn("remote_backend_load_failed", slog.String("source", uri), slog.String("error", err.Error()))
		}
	}
}

func (c *Controller) Play() {
	switch {
	case c.local == nil && c.remote == nil:
		c.logger.Debug("intent_ignored", slog.String("intent", "play"), slog.String("reason", "no backend"))
	case c.st.backgrounded && c.st.adBreakActive():
		if c.ad != nil {
			c.ad.Resume()
		}
	case c.st.adBreakActive():
		c.logger.Debug("intent_ignored", slog.String("intent", "play"), slog.String("reason", "ad break active"))
	case c.st.casting() && c.remote != nil:
		c.call(c.remote, "remote", "play", c.remote.Play)
	case c.local != nil:
		c.unblockResume()
		c.call(c.local, "local", "play", c.local.Play)
	}
}

func (c *Controller) Pause() {
	switch {
	case c.local == nil && c.remote == nil:
		c.logger.Debug("intent_ignored", slog.String("intent", "pause"), slog.String("reason", "no backend"))
	case c.st.casting() && c.remote != nil:
		c.call(c.remote, "remote", "pause", c.remote.Pause)
	case c.st.backgrounded && c.st.adBreakActive():
		if c.ad != nil {
			c.ad.Pause()
		}
	case c.st.adBreakActive():
		c.logger.Debug("intent_ignored", slog.String("intent", "pause"), slog.String("reason", "ad break active"))
	case c.local != nil:
		c.call(c.local, "local", "pause", c.local.Pause)
	}
}

// SetCurrentPlaybackTime seeks the authoritative backend. Before the local
// backend can play, the position is buffered and applied on can-play.
func (c *Controller) SetCurrentPlaybackTime(pos time.Duration) {
	if c.destroyed {
		return
	}
	if pos < 0 {
		pos = 0
	}
	if c.st.casting() && c.remote != nil {
		if err := c.remote.SetCurrentPosition(pos); err != nil {
			c.logger.Warn("remote_seek_failed", slog.Duration("position", pos), slog.String("error", err.Error()))
			return
		}
		c.lastKnownPosition = pos
		return
	}
	if c.local == nil || !c.canPlay {
		c.pendingSeek = mo.Some(pos)
		c.logger.Debug("seek_buffered", slog.Duration("position", pos))
		return
	}
	if err := c.local.SetCurrentPosition(pos); err != nil {
		c.logger.Warn("local_seek_failed", slog.Duration("position", pos), slog.String("error", err.Error()))
		return
	}
	c.lastKnownPosition = pos
}

func (c *Controller) CurrentPlaybackTime() time.Duration {
	if c.st.casting() {
		if c.remote != nil && c.remoteLoaded {
			c.lastKnownPosition = c.remote.CurrentPosition()
		}
		return c.lastKnownPosition
	}
	if c.local == nil {
		return c.pendingSeek.OrElse(c.lastKnownPosition)
	}
	if !c.canPlay {
		if pending, ok := c.pendingSeek.Get(); ok {
			return pending
		}
	}
	c.lastKnownPosition = c.local.CurrentPosition()
	return c.lastKnownPosition
}

func (c *Controller) Duration() time.Duration {
	if c.st.casting() && c.remote != nil {
		if d := c.remote.Duration(); d > 0 {
			return d
		}
	}
	if c.local != nil {
		return c.local.Duration()
	}
	return 0
}

// InitAds requests an ad break. The coordinator is created as soon as the
// local backend can play; until then content stays suppressed.
func (c *Controller) InitAds(adTag string, host adapters.Host) {
	if c.destroyed || c.local == nil {
		c.logger.Debug("intent_ignored", slog.String("intent", "init_ads"), slog.String("reason", "no backend"))
		return
	}
	if c.st.casting() {
		c.logger.Debug("intent_ignored", slog.String("intent", "init_ads"), slog.String("reason", "casting"))
		return
	}
	if c.ad != nil {
		c.teardownAd()
	}
	if !c.transition(domain.PhaseAdActive, "ads requested") {
		return
	}
	c.resumeBlocked = false
	c.local.SetShouldCancelPlay(true)
	c.adReq = mo.Some(adRequest{tag: adTag, host: host})
	if c.canPlay {
		c.createAd()
	}
}

// StartCasting begins the local→remote handoff. Ownership moves only once the
// remote backend reports ready; local output is suppressed immediately.
func (c *Controller) StartCasting(target string) {
	if c.destroyed || c.local == nil {
		c.logger.Debug("intent_ignored", slog.String("intent", "start_casting"), slog.String("reason", "no backend"))
		return
	}
	if c.st.casting() {
		c.logger.Debug("intent_ignored", slog.String("intent", "start_casting"), slog.String("reason", "already casting"))
		return
	}
	if c.remotes == nil {
		c.logger.Error("start_casting_failed", slog.String("reason", "remote backend factory is not configured"))
		return
	}
	if c.st.adBreakActive() {
		c.logger.Info("ad_break_force_completed", slog.String("reason", "casting started"))
		c.teardownAd()
		c.local.SetShouldCancelPlay(false)
	}
	c.unblockResume()

	c.call(c.local, "local", "pause", c.local.Pause)
	c.lastKnownPosition = c.local.CurrentPosition()
	c.transition(domain.PhaseRemoteActive, "casting started")

	remote, err := c.remotes.NewRemote(target, c)
	if err != nil {
		c.logger.Error("remote_backend_create_failed", slog.String("target", target), slog.String("error", err.Error()))
		c.transition(domain.PhaseLocalActive, "remote backend unavailable")
		c.emitError("remote", err)
		return
	}
	c.remote = remote
	c.remoteLoaded = false
	c.logger.Info("casting_requested", slog.String("target", target), slog.Duration("position", c.lastKnownPosition))
}

// StopCasting reverses the handoff and resumes local playback at the remote position.
func (c *Controller) StopCasting() {
	if !c.st.casting() {
		c.logger.Debug("intent_ignored", slog.String("intent", "stop_casting"), slog.String("reason", "not casting"))
		return
	}
	c.transition(domain.PhaseLocalActive, "casting stopped")
	c.suppressNextSource = true

	pos := c.lastKnownPosition
	if c.remote != nil {
		if c.remoteLoaded {
			pos = c.remote.CurrentPosition()
		}
		old := c.remote
		c.remote = nil
		c.detach(old)
		c.teardownBackend(old, "remote")
	}
	c.remoteLoaded = false
	c.lastKnownPosition = pos

	if c.local == nil {
		return
	}
	c.local.SetVisible(true)
	c.attach(c.local)
	if err := c.local.SetCurrentPosition(pos); err != nil {
		c.logger.Warn("local_seek_failed", slog.Duration("position", pos), slog.String("error", err.Error()))
	}
	c.call(c.local, "local", "play", c.local.Play)
	c.logger.Info("casting_stopped", slog.Duration("position", pos))
}

// RemovePlayer moves the session to the background: an active ad break is
// paused and the local backend releases renderer resources.
func (c *Controller) RemovePlayer() {
	if c.destroyed {
		return
	}
	c.st.backgrounded = true
	if c.ad != nil && c.st.adBreakActive() {
		c.ad.Pause()
	}
	if c.local != nil {
		c.call(c.local, "local", "freeze", c.local.Freeze)
	}
	c.logger.Info("session_backgrounded", slog.String("phase", c.st.phase.String()))
}

// RecoverPlayer returns the session to the foreground.
func (c *Controller) RecoverPlayer() {
	if c.destroyed {
		return
	}
	c.st.backgrounded = false
	if c.ad != nil && c.st.adBreakActive() {
		c.ad.Resume()
	}
	if c.local != nil {
		c.call(c.local, "local", "recover", c.local.Recover)
	}
	c.logger.Info("session_foregrounded", slog.String("phase", c.st.phase.String()))
}

// Reset tears down any ad break and freezes the local backend while keeping it.
func (c *Controller) Reset() {
	if c.destroyed {
		return
	}
	c.st.backgrounded = false
	if c.ad != nil || c.adReq.IsPresent() {
		c.teardownAd()
	}
	if c.local != nil {
		c.call(c.local, "local", "freeze", c.local.Freeze)
	}
}

// Destroy releases every backend and the listener. Later calls are no-ops.
func (c *Controller) Destroy() {
	if c.destroyed {
		return
	}
	c.st.backgrounded = false
	if c.ad != nil || c.adReq.IsPresent() {
		c.teardownAd()
	}
	if c.remote != nil {
		old := c.remote
		c.remote = nil
		c.detach(old)
		c.teardownBackend(old, "remote")
	}
	if c.local != nil {
		old := c.local
		c.local = nil
		c.detach(old)
		c.teardownBackend(old, "local")
	}
	c.transition(domain.PhaseIdle, "destroyed")
	c.listener = nil
	c.pendingSeek = mo.None[time.Duration]()
	c.canPlay = false
	c.remoteLoaded = false
	c.resumeBlocked = false
	c.destroyed = true
	c.logger.Info("session_destroyed")
}

func (c *Controller) SetLicenseLocator(uri string) {
	if c.local == nil {
		c.logger.Debug("intent_ignored", slog.String("intent", "set_license"), slog.String("reason", "no backend"))
		return
	}
	if err := c.local.SetLicenseLocator(uri); err != nil {
		c.logger.Warn("license_locator_rejected", slog.String("error", err.Error()))
	}
}

func (c *Controller) SavePlayerState() {
	if c.local != nil {
		c.call(c.local, "local", "save_state", c.local.SavePlayerState)
	}
}

func (c *Controller) RecoverPlayerState() {
	if c.local != nil {
		c.call(c.local, "local", "recover_state", c.local.RecoverPlayerState)
	}
}

func (c *Controller) SetLocale(locale string) { c.locale = locale }

func (c *Controller) Locale() string { return c.locale }

func (c *Controller) SetAdPlayerHeight(height int) { c.adPlayerHeight = height }

func (c *Controller) AdPlayerHeight() int { return c.adPlayerHeight }

// SupportedFormats lists the formats the configured local decoders accept.
func (c *Controller) SupportedFormats() []string {
	if reporter, ok := c.locals.(FormatReporter); ok {
		return reporter.SupportedFormats()
	}
	return nil
}

func (c *Controller) Snapshot() domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		ID:                c.id,
		Source:            c.source,
		Phase:             c.st.phase.String(),
		ActiveBackend:     c.st.activeBackend().String(),
		AdBreakActive:     c.st.adBreakActive(),
		Backgrounded:      c.st.backgrounded,
		Casting:           c.st.casting(),
		CanPlay:           c.canPlay,
		LastKnownPosition: domain.Seconds(c.lastKnownPosition),
		Locale:            c.locale,
		AdPlayerHeight:    c.adPlayerHeight,
		SupportedFormats:  c.SupportedFormats(),
		Destroyed:         c.destroyed,
	}
	if c.local != nil {
		snap.Decoder = c.decoder.String()
	}
	if pending, ok := c.pendingSeek.Get(); ok {
		seconds := domain.Seconds(pending)
		snap.PendingSeek = &seconds
	}
	return snap
}

// ContentProgress implements adapters.ProgressProvider for the ad coordinator.
func (c *Controller) ContentProgress() (time.Duration, time.Duration, bool) {
	if c.local == nil {
		return 0, 0, false
	}
	duration := c.local.Duration()
	if duration <= 0 {
		return 0, 0, false
	}
	return c.local.CurrentPosition(), duration, true
}

func (c *Controller) transition(to domain.Phase, reason string) bool {
	from := c.st.phase
	if !canTransition(from, to) {
		c.logger.Error("session_transition_rejected", slog.String("from", from.String()), slog.String("to", to.String()), slog.String("reason", reason))
		return false
	}
	c.st.phase = to
	if from != to {
		c.logger.Info("session_transition", slog.String("from", from.String()), slog.String("to", to.String()), slog.String("reason", reason))
	}
	return true
}

func (c *Controller) attach(b adapters.PlaybackBackend) {
	b.SetStateCallback(c)
	b.SetEventSink(c)
}

func (c *Controller) detach(b adapters.PlaybackBackend) {
	b.SetStateCallback(nil)
	b.SetEventSink(nil)
}

func (c *Controller) teardownBackend(b adapters.PlaybackBackend, kind string) {
	if err := b.Teardown(); err != nil {
		c.logger.Warn("backend_teardown_failed", slog.String("backend", kind), slog.String("error", err.Error()))
	}
}

// createAd builds the ad coordinator for the pending request. A host that has
// gone away drops the break and releases content.
func (c *Controller) createAd() {
	req, ok := c.adReq.Get()
	if !ok || c.ad != nil {
		return
	}
	if c.ads == nil || req.host == nil || !req.host.Alive() {
		c.logger.Warn("ad_break_dropped", slog.String("reason", "host unavailable"))
		c.clearAdState()
		c.emitJSON(domain.EventAdsLoadError, map[string]string{"message": "host unavailable"})
		return
	}

	ad, err := c.ads.NewAdCoordinator(req.tag, req.host)
	if err != nil {
		c.logger.Warn("ad_coordinator_create_failed", slog.String("error", err.Error()))
		c.clearAdState()
		c.emitJSON(domain.EventAdsLoadError, map[string]string{"message": err.Error()})
		return
	}
	c.ad = ad
	ad.SetSink(c)
	if err := ad.RequestAds(c); err != nil {
		c.logger.Warn("ad_request_failed", slog.String("error", err.Error()))
		c.teardownAd()
		c.emitJSON(domain.EventAdsLoadError, map[string]string{"message": err.Error()})
		return
	}
	c.logger.Info("ad_break_created", slog.String("ad_tag", req.tag))
}

// teardownAd destroys the ad coordinator and every piece of ad state.
func (c *Controller) teardownAd() {
	if c.ad != nil {
		ad := c.ad
		c.ad = nil
		ad.SetSink(nil)
		if err := ad.Teardown(); err != nil {
			c.logger.Warn("ad_teardown_failed", slog.String("error", err.Error()))
		}
	}
	c.clearAdState()
}

func (c *Controller) clearAdState() {
	c.adReq = mo.None[adRequest]()
	c.adsDone = false
	if c.st.adBreakActive() {
		c.transition(domain.PhaseLocalActive, "ad state cleared")
	}
	if c.local != nil {
		c.local.SetShouldCancelPlay(c.resumeBlocked)
	}
}

func (c *Controller) unblockResume() {
	if !c.resumeBlocked {
		return
	}
	c.resumeBlocked = false
	if c.local != nil && !c.st.adBreakActive() {
		c.local.SetShouldCancelPlay(false)
	}
}

// contentEnded normalizes a content end to a single ended event.
func (c *Controller) contentEnded() {
	if c.st.casting() {
		if c.remote != nil {
			if err := c.remote.SetCurrentPosition(0); err != nil {
				c.logger.Debug("remote_rewind_failed", slog.String("error", err.Error()))
			}
		}
	} else if c.local != nil {
		if err := c.local.SetCurrentPosition(0); err != nil {
			c.logger.Debug("local_rewind_failed", slog.String("error", err.Error()))
		}
	}
	c.lastKnownPosition = 0
	c.emitValue(domain.EventEnded, "")
}

func (c *Controller) call(b adapters.PlaybackBackend, kind, op string, fn func() error) {
	if b == nil {
		return
	}
	if err := fn(); err != nil {
		c.logger.Warn("backend_call_failed", slog.String("backend", kind), slog.String("op", op), slog.String("error", err.Error()))
	}
}

func (c *Controller) emitValue(name, value string) {
	if c.listener == nil {
		return
	}
	c.listener.EventWithValue(name, value)
}

func (c *Controller) emitJSON(name string, payload any) {
	if c.listener == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("event_encode_failed", slog.String("event", name), slog.String("error", err.Error()))
		return
	}
	c.listener.EventWithJSON(name, raw)
}

func (c *Controller) emitError(source string, err error) {
	c.emitJSON(domain.EventError, map[string]string{"source": source, "message": err.Error()})
}

var (
	_ adapters.StateCallback    = (*Controller)(nil)
	_ adapters.EventSink        = (*Controller)(nil)
	_ adapters.RemoteListener   = (*Controller)(nil)
	_ adapters.AdSink           = (*Controller)(nil)
	_ adapters.ProgressProvider = (*Controller)(nil)
)
