package session

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/samber/mo"

	"go2tv.app/castsession/internal/adapters"
	"go2tv.app/castsession/internal/domain"
)

// PlayerStateChanged handles lifecycle signals. Signals from a backend the
// session no longer owns are dropped.
func (c *Controller) PlayerStateChanged(src adapters.PlaybackBackend, signal domain.PlayerSignal) {
	switch {
	case src != nil && src == c.local:
		c.localStateChanged(signal)
	case src != nil && src == c.remote && c.st.casting():
		if signal == domain.SignalEnded {
			c.contentEnded()
		}
	default:
		c.logger.Debug("stale_backend_signal", slog.String("signal", signal.String()))
	}
}

func (c *Controller) localStateChanged(signal domain.PlayerSignal) {
	switch signal {
	case domain.SignalCanPlay:
		c.canPlay = true
		if c.adReq.IsPresent() && c.ad == nil && c.st.adBreakActive() {
			c.createAd()
		}
		if pending, ok := c.pendingSeek.Get(); ok {
			c.pendingSeek = mo.None[time.Duration]()
			if err := c.local.SetCurrentPosition(pending); err != nil {
				c.logger.Warn("pending_seek_failed", slog.Duration("position", pending), slog.String("error", err.Error()))
			} else {
				c.lastKnownPosition = pending
				c.logger.Debug("pending_seek_applied", slog.Duration("position", pending))
			}
		}
	case domain.SignalEnded:
		if c.st.casting() {
			return
		}
		if c.ad != nil && !c.adsDone {
			c.transition(domain.PhaseAdActive, "content complete")
			c.ad.NotifyContentComplete()
			return
		}
		if c.ad != nil || c.adReq.IsPresent() {
			c.teardownAd()
		}
		c.contentEnded()
	default:
		c.logger.Debug("local_signal_ignored", slog.String("signal", signal.String()))
	}
}

// EventWithValue relays backend events from the authoritative backend only.
// End of content reaches the listener through the ended signal instead.
func (c *Controller) EventWithValue(src adapters.PlaybackBackend, name, value string) {
	if !c.authoritative(src) || name == domain.EventEnded {
		return
	}
	c.emitValue(name, value)
}

func (c *Controller) EventWithJSON(src adapters.PlaybackBackend, name string, value json.RawMessage) {
	if !c.authoritative(src) || name == domain.EventEnded {
		return
	}
	if c.listener != nil {
		c.listener.EventWithJSON(name, value)
	}
}

func (c *Controller) authoritative(src adapters.PlaybackBackend) bool {
	if src == nil {
		return false
	}
	if c.st.casting() {
		return src == c.remote
	}
	return src == c.local
}

// RemoteReady completes the first half of the handoff: the remote owns
// playback and the local backend goes quiet.
func (c *Controller) RemoteReady(src adapters.PlaybackBackend) {
	if src == nil || src != c.remote || !c.st.casting() {
		c.logger.Debug("stale_remote_ready")
		return
	}
	c.attach(src)
	if err := src.SetSource(c.source); err != nil {
		c.logger.Warn("remote_backend_load_failed", slog.String("source", c.source), slog.String("error", err.Error()))
	}
	if c.local != nil {
		c.local.SetVisible(false)
		c.local.SetEventSink(nil)
	}
	c.logger.Info("remote_ready", slog.String("source", c.source))
}

// MediaLoaded completes the handoff by moving the remote to the local position.
func (c *Controller) MediaLoaded(src adapters.PlaybackBackend) {
	if src == nil || src != c.remote || !c.st.casting() {
		c.logger.Debug("stale_media_loaded")
		return
	}
	c.remoteLoaded = true
	pos := c.lastKnownPosition
	if err := src.SetCurrentPosition(pos); err != nil {
		c.logger.Warn("remote_seek_failed", slog.Duration("position", pos), slog.String("error", err.Error()))
		return
	}
	c.lastKnownPosition = pos
	c.logger.Info("remote_media_loaded", slog.Duration("position", pos))
}

// RemoteFailed abandons the handoff and returns ownership to the local backend.
func (c *Controller) RemoteFailed(src adapters.PlaybackBackend, err error) {
	if src == nil || src != c.remote {
		c.logger.Debug("stale_remote_failure")
		return
	}
	c.remote = nil
	c.remoteLoaded = false
	c.detach(src)
	c.teardownBackend(src, "remote")
	if c.st.casting() {
		c.transition(domain.PhaseLocalActive, "remote failed")
	}
	if c.local != nil {
		c.local.SetVisible(true)
		c.attach(c.local)
	}
	c.logger.Warn("remote_failed", slog.String("error", err.Error()))
	c.emitError("remote", err)
}

// AdStateChanged moves content in and out of an ad break.
func (c *Controller) AdStateChanged(src adapters.AdCoordinator, signal domain.PlayerSignal) {
	if src == nil || src != c.ad || c.local == nil {
		return
	}
	switch signal {
	case domain.SignalShouldPlay:
		c.transition(domain.PhaseLocalActive, "ad requested content")
		c.local.SetShouldCancelPlay(false)
		if !c.st.backgrounded {
			c.call(c.local, "local", "play", c.local.Play)
		}
	case domain.SignalShouldPause:
		c.transition(domain.PhaseAdActive, "ad break starting")
		c.call(c.local, "local", "pause", c.local.Pause)
	default:
		c.logger.Debug("ad_signal_ignored", slog.String("signal", signal.String()))
	}
}

// AdEventWithJSON relays ad events. allAdsCompleted also releases the borrowed host.
func (c *Controller) AdEventWithJSON(src adapters.AdCoordinator, name string, value json.RawMessage) {
	if src == nil || src != c.ad {
		return
	}
	if name == domain.EventAllAdsCompleted {
		c.adsDone = true
		c.adReq = mo.None[adRequest]()
		if c.st.adBreakActive() {
			c.transition(domain.PhaseLocalActive, "all ads completed")
		}
		if c.local != nil {
			c.local.SetShouldCancelPlay(false)
		}
	}
	if c.listener != nil {
		c.listener.EventWithJSON(name, value)
	}
}

// AdsConsumedContentEnd reports that the last break ran after content ended.
// The local backend stays where content finished and refuses to resume until
// the next explicit intent.
func (c *Controller) AdsConsumedContentEnd(src adapters.AdCoordinator) {
	if src == nil || src != c.ad {
		return
	}
	c.resumeBlocked = true
	c.teardownAd()
	c.logger.Info("content_consumed_by_ads")
	c.emitValue(domain.EventEnded, "")
}
