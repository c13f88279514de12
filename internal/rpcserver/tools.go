package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"

	"go2tv.app/castsession/internal/domain"
)

var errInvalidParams = errors.New("invalid params")

// maxSeekSeconds is the largest position a time.Duration can hold.
var maxSeekSeconds = float64(math.MaxInt64) / float64(time.Second)

type toolOutcome struct {
	text       string
	structured any
	target     string
}

type toolHandler func(ctx context.Context, args json.RawMessage) (toolOutcome, error)

type toolDef struct {
	tool    tool
	handler toolHandler
}

var noArgsSchema = map[string]any{
	"type":                 "object",
	"properties":           map[string]any{},
	"additionalProperties": false,
}

func stringArgSchema(name, description string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			name: map[string]any{"type": "string", "description": description},
		},
		"required":             []string{name},
		"additionalProperties": false,
	}
}

func (s *Server) registerTools() ([]tool, map[string]toolHandler) {
	defs := []toolDef{
		{
			tool: tool{
				Name:        "set_source",
				Description: "Load a media URL or absolute file path into the session. Playback starts paused on the local player; call play afterwards.",
				InputSchema: stringArgSchema("source", "The media URL or absolute local file path. Sources ending in .wvm use the legacy decoder."),
			},
			handler: s.handleSetSource,
		},
		{
			tool:    tool{Name: "play", Description: "Resume playback on whichever backend currently owns the session.", InputSchema: noArgsSchema},
			handler: s.intent("Playing", Session.Play),
		},
		{
			tool:    tool{Name: "pause", Description: "Pause playback on whichever backend currently owns the session.", InputSchema: noArgsSchema},
			handler: s.intent("Paused", Session.Pause),
		},
		{
			tool: tool{
				Name:        "seek",
				Description: "Seek to a content position. Before the media is ready the position is applied once it can play.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"position_seconds": map[string]any{
							"type":        "number",
							"minimum":     0,
							"description": "Target position in seconds from the start of the content.",
						},
					},
					"required":             []string{"position_seconds"},
					"additionalProperties": false,
				},
			},
			handler: s.handleSeek,
		},
		{
			tool:    tool{Name: "get_position", Description: "Report the current content position in seconds.", InputSchema: noArgsSchema},
			handler: s.handleGetPosition,
		},
		{
			tool:    tool{Name: "get_duration", Description: "Report the content duration in seconds, or 0 while unknown.", InputSchema: noArgsSchema},
			handler: s.handleGetDuration,
		},
		{
			tool: tool{
				Name:        "init_ads",
				Description: "Schedule ads from a VMAP or VAST ad tag. Content is held until the pre-roll, if any, has played.",
				InputSchema: stringArgSchema("ad_tag_url", "HTTP(S) URL of the VMAP or VAST ad tag."),
			},
			handler: s.handleInitAds,
		},
		{
			tool: tool{
				Name:        "start_casting",
				Description: "Hand playback over to a Chromecast receiver, continuing from the current position. Call list_cast_targets first to find a target.",
				InputSchema: stringArgSchema("target_device", "The receiver ID or exact name returned by list_cast_targets."),
			},
			handler: s.handleStartCasting,
		},
		{
			tool:    tool{Name: "stop_casting", Description: "Return playback from the receiver to the local player at the receiver's position.", InputSchema: noArgsSchema},
			handler: s.intent("Casting stopped", Session.StopCasting),
		},
		{
			tool:    tool{Name: "background", Description: "Release the local player while the application is in the background. Casting is unaffected.", InputSchema: noArgsSchema},
			handler: s.intent("Player backgrounded", Session.RemovePlayer),
		},
		{
			tool:    tool{Name: "foreground", Description: "Restore the local player released by background.", InputSchema: noArgsSchema},
			handler: s.intent("Player restored", Session.RecoverPlayer),
		},
		{
			tool:    tool{Name: "reset", Description: "End any ad break and freeze the local player at its current position. The source stays loaded and the session keeps its phase and backend.", InputSchema: noArgsSchema},
			handler: s.intent("Session reset", Session.Reset),
		},
		{
			tool:    tool{Name: "destroy", Description: "Permanently shut the session down. Later calls have no effect.", InputSchema: noArgsSchema},
			handler: s.handleDestroy,
		},
		{
			tool: tool{
				Name:        "set_license",
				Description: "Set the DRM license server URL used by the active backend.",
				InputSchema: stringArgSchema("license_url", "License server URL."),
			},
			handler: s.handleSetLicense,
		},
		{
			tool: tool{
				Name:        "set_locale",
				Description: "Set the locale used for ad requests, for example en-US.",
				InputSchema: stringArgSchema("locale", "BCP 47 language tag."),
			},
			handler: s.handleSetLocale,
		},
		{
			tool: tool{
				Name:        "set_ad_player_height",
				Description: "Set the ad player height in pixels. Used to pick the ad creative.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"height_px": map[string]any{
							"type":        "integer",
							"minimum":     0,
							"description": "Ad player height in pixels.",
						},
					},
					"required":             []string{"height_px"},
					"additionalProperties": false,
				},
			},
			handler: s.handleSetAdPlayerHeight,
		},
		{
			tool:    tool{Name: "save_state", Description: "Remember the local player's position and play state so recover_state can restore it.", InputSchema: noArgsSchema},
			handler: s.intent("Player state saved", Session.SavePlayerState),
		},
		{
			tool:    tool{Name: "recover_state", Description: "Restore the local player state remembered by save_state.", InputSchema: noArgsSchema},
			handler: s.intent("Player state recovered", Session.RecoverPlayerState),
		},
		{
			tool:    tool{Name: "session_state", Description: "Report the session phase, active backend, position and attributes.", InputSchema: noArgsSchema},
			handler: s.handleSessionState,
		},
		{
			tool: tool{
				Name:        "list_cast_targets",
				Description: "Discover Chromecast receivers on the local network. Call this before start_casting.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"timeout_ms": map[string]any{
							"type":        "integer",
							"minimum":     minDiscoveryTimeoutMS,
							"default":     s.discoveryTimeoutMS,
							"description": "Discovery timeout in milliseconds.",
						},
						"include_unreachable": map[string]any{
							"type":        "boolean",
							"default":     false,
							"description": "Include receivers that fail an immediate reachability check.",
						},
					},
					"additionalProperties": false,
				},
			},
			handler: s.handleListCastTargets,
		},
	}

	tools := lo.Map(defs, func(d toolDef, _ int) tool { return d.tool })
	handlers := lo.SliceToMap(defs, func(d toolDef) (string, toolHandler) { return d.tool.Name, d.handler })
	return tools, handlers
}

// onSession runs fn on the control thread and returns the snapshot taken
// right after it. A destroyed session rejects everything but reads.
func (s *Server) onSession(ctx context.Context, allowDestroyed bool, fn func(Session)) (domain.SessionSnapshot, error) {
	if s.session == nil || s.dispatcher == nil {
		return domain.SessionSnapshot{}, &domain.ToolError{Code: "INTERNAL_ERROR", Message: "session is not configured"}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	var snap domain.SessionSnapshot
	err := s.dispatcher.Call(callCtx, func() error {
		if !allowDestroyed && s.session.Snapshot().Destroyed {
			return &domain.ToolError{Code: "SESSION_DESTROYED", Message: "the session has been destroyed"}
		}
		if fn != nil {
			fn(s.session)
		}
		snap = s.session.Snapshot()
		return nil
	})
	if err != nil {
		var tErr *domain.ToolError
		if errors.As(err, &tErr) {
			return domain.SessionSnapshot{}, err
		}
		return domain.SessionSnapshot{}, &domain.ToolError{Code: "CONTROL_UNAVAILABLE", Message: err.Error()}
	}
	return snap, nil
}

func (s *Server) intent(summary string, fn func(Session)) toolHandler {
	return func(ctx context.Context, args json.RawMessage) (toolOutcome, error) {
		if err := decodeStrict(args, &struct{}{}); err != nil {
			return toolOutcome{}, errInvalidParams
		}
		snap, err := s.onSession(ctx, false, fn)
		if err != nil {
			return toolOutcome{}, err
		}
		return toolOutcome{text: summarize(summary, snap), structured: snap}, nil
	}
}

func summarize(summary string, snap domain.SessionSnapshot) string {
	return fmt.Sprintf("%s (phase %s, backend %s).", summary, snap.Phase, snap.ActiveBackend)
}

func (s *Server) handleSetSource(ctx context.Context, raw json.RawMessage) (toolOutcome, error) {
	var args struct {
		Source string `json:"source"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	source := strings.TrimSpace(args.Source)
	if source == "" {
		return toolOutcome{}, errInvalidParams
	}

	snap, err := s.onSession(ctx, false, func(sess Session) { sess.SetSource(source) })
	if err != nil {
		return toolOutcome{}, err
	}
	return toolOutcome{text: summarize("Source loaded", snap), structured: snap}, nil
}

func (s *Server) handleSeek(ctx context.Context, raw json.RawMessage) (toolOutcome, error) {
	var args struct {
		PositionSeconds *float64 `json:"position_seconds"`
	}
	if err := decodeStrict(raw, &args); err != nil || args.PositionSeconds == nil {
		return toolOutcome{}, errInvalidParams
	}
	pos := *args.PositionSeconds
	if pos < 0 || pos >= maxSeekSeconds || math.IsNaN(pos) || math.IsInf(pos, 0) {
		return toolOutcome{}, errInvalidParams
	}

	snap, err := s.onSession(ctx, false, func(sess Session) { sess.SetCurrentPlaybackTime(domain.FromSeconds(pos)) })
	if err != nil {
		return toolOutcome{}, err
	}
	return toolOutcome{text: summarize(fmt.Sprintf("Seeked to %.3fs", pos), snap), structured: snap}, nil
}

func (s *Server) handleGetPosition(ctx context.Context, raw json.RawMessage) (toolOutcome, error) {
	if err := decodeStrict(raw, &struct{}{}); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	var seconds float64
	if _, err := s.onSession(ctx, true, func(sess Session) { seconds = domain.Seconds(sess.CurrentPlaybackTime()) }); err != nil {
		return toolOutcome{}, err
	}
	return toolOutcome{
		text:       fmt.Sprintf("Position: %.3fs.", seconds),
		structured: map[string]any{"position_seconds": seconds},
	}, nil
}

func (s *Server) handleGetDuration(ctx context.Context, raw json.RawMessage) (toolOutcome, error) {
	if err := decodeStrict(raw, &struct{}{}); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	var seconds float64
	if _, err := s.onSession(ctx, true, func(sess Session) { seconds = domain.Seconds(sess.Duration()) }); err != nil {
		return toolOutcome{}, err
	}
	return toolOutcome{
		text:       fmt.Sprintf("Duration: %.3fs.", seconds),
		structured: map[string]any{"duration_seconds": seconds},
	}, nil
}

func (s *Server) handleInitAds(ctx context.Context, raw json.RawMessage) (toolOutcome, error) {
	var args struct {
		AdTagURL string `json:"ad_tag_url"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	tag := strings.TrimSpace(args.AdTagURL)
	if parsed, err := url.Parse(tag); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return toolOutcome{}, errInvalidParams
	}

	snap, err := s.onSession(ctx, false, func(sess Session) { sess.InitAds(tag, s) })
	if err != nil {
		return toolOutcome{}, err
	}
	if !snap.AdBreakActive {
		return toolOutcome{}, &domain.ToolError{
			Code:    "ADS_NOT_STARTED",
			Message: "ads can only start on a loaded local player that is not casting",
			Details: map[string]any{"phase": snap.Phase},
		}
	}
	return toolOutcome{text: summarize("Ads requested", snap), structured: snap}, nil
}

func (s *Server) handleStartCasting(ctx context.Context, raw json.RawMessage) (toolOutcome, error) {
	var args struct {
		TargetDevice string `json:"target_device"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	target := strings.TrimSpace(args.TargetDevice)
	if target == "" {
		return toolOutcome{}, errInvalidParams
	}
	if s.targets == nil {
		return toolOutcome{target: target}, &domain.ToolError{Code: "INTERNAL_ERROR", Message: "discovery service is not configured"}
	}

	device, err := s.targets.Resolve(ctx, target)
	if err != nil {
		var tErr *domain.ToolError
		if errors.As(err, &tErr) {
			return toolOutcome{target: target}, err
		}
		return toolOutcome{target: target}, &domain.ToolError{
			Code:    "TARGET_NOT_FOUND",
			Message: err.Error(),
			Details: map[string]any{"target_device": target},
		}
	}

	snap, err := s.onSession(ctx, false, func(sess Session) { sess.StartCasting(device.ID) })
	if err != nil {
		return toolOutcome{target: device.ID}, err
	}
	return toolOutcome{
		text:       summarize(fmt.Sprintf("Connecting to %s", device.Name), snap),
		structured: map[string]any{"device": device, "session": snap},
		target:     device.ID,
	}, nil
}

func (s *Server) handleDestroy(ctx context.Context, raw json.RawMessage) (toolOutcome, error) {
	if err := decodeStrict(raw, &struct{}{}); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	snap, err := s.onSession(ctx, true, Session.Destroy)
	if err != nil {
		return toolOutcome{}, err
	}
	return toolOutcome{text: "Session destroyed.", structured: snap}, nil
}

func (s *Server) handleSetLicense(ctx context.Context, raw json.RawMessage) (toolOutcome, error) {
	var args struct {
		LicenseURL string `json:"license_url"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	license := strings.TrimSpace(args.LicenseURL)
	if license == "" {
		return toolOutcome{}, errInvalidParams
	}
	snap, err := s.onSession(ctx, false, func(sess Session) { sess.SetLicenseLocator(license) })
	if err != nil {
		return toolOutcome{}, err
	}
	return toolOutcome{text: summarize("License locator set", snap), structured: snap}, nil
}

func (s *Server) handleSetLocale(ctx context.Context, raw json.RawMessage) (toolOutcome, error) {
	var args struct {
		Locale string `json:"locale"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	locale := strings.TrimSpace(args.Locale)
	if locale == "" {
		return toolOutcome{}, errInvalidParams
	}
	snap, err := s.onSession(ctx, false, func(sess Session) { sess.SetLocale(locale) })
	if err != nil {
		return toolOutcome{}, err
	}
	return toolOutcome{text: summarize("Locale set to "+locale, snap), structured: snap}, nil
}

func (s *Server) handleSetAdPlayerHeight(ctx context.Context, raw json.RawMessage) (toolOutcome, error) {
	var args struct {
		HeightPX *int `json:"height_px"`
	}
	if err := decodeStrict(raw, &args); err != nil || args.HeightPX == nil || *args.HeightPX < 0 {
		return toolOutcome{}, errInvalidParams
	}
	height := *args.HeightPX
	snap, err := s.onSession(ctx, false, func(sess Session) { sess.SetAdPlayerHeight(height) })
	if err != nil {
		return toolOutcome{}, err
	}
	return toolOutcome{text: summarize(fmt.Sprintf("Ad player height set to %dpx", height), snap), structured: snap}, nil
}

func (s *Server) handleSessionState(ctx context.Context, raw json.RawMessage) (toolOutcome, error) {
	if err := decodeStrict(raw, &struct{}{}); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	snap, err := s.onSession(ctx, true, nil)
	if err != nil {
		return toolOutcome{}, err
	}
	return toolOutcome{text: summarize("Session "+snap.ID, snap), structured: snap}, nil
}

func (s *Server) handleListCastTargets(ctx context.Context, raw json.RawMessage) (toolOutcome, error) {
	if s.targets == nil {
		return toolOutcome{}, &domain.ToolError{Code: "INTERNAL_ERROR", Message: "discovery service is not configured"}
	}

	var args struct {
		TimeoutMS          *int  `json:"timeout_ms,omitempty"`
		IncludeUnreachable *bool `json:"include_unreachable,omitempty"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return toolOutcome{}, errInvalidParams
	}
	timeoutMS := s.discoveryTimeoutMS
	if args.TimeoutMS != nil {
		if *args.TimeoutMS < minDiscoveryTimeoutMS {
			return toolOutcome{}, errInvalidParams
		}
		timeoutMS = *args.TimeoutMS
	}
	includeUnreachable := args.IncludeUnreachable != nil && *args.IncludeUnreachable

	targets, err := s.targets.CastTargets(ctx, timeoutMS, includeUnreachable)
	if err != nil {
		return toolOutcome{}, &domain.ToolError{Code: "DISCOVERY_FAILED", Message: err.Error()}
	}

	text := fmt.Sprintf("Discovered %d cast target(s).", len(targets))
	if len(targets) > 0 {
		text += "\n" + formatTargets(targets)
	}
	return toolOutcome{
		text: text,
		structured: map[string]any{
			"count":   len(targets),
			"targets": targets,
		},
	}, nil
}

func formatTargets(targets []domain.Device) string {
	lines := lo.Map(targets, func(dev domain.Device, i int) string {
		return fmt.Sprintf("%d. id=%s name=%s address=%s",
			i+1,
			strings.TrimSpace(dev.ID),
			strings.TrimSpace(dev.Name),
			strings.TrimSpace(dev.Address),
		)
	})
	return strings.Join(lines, "\n")
}
