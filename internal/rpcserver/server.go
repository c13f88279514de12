// Package rpcserver exposes a playback session as MCP-style tools over stdio
// and relays the session's normalized events as notifications.
package rpcserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go2tv.app/castsession/internal/adapters"
	"go2tv.app/castsession/internal/domain"
)

const protocolVersion = "2024-11-05"

const (
	defaultDiscoveryTimeoutMS = 2500
	minDiscoveryTimeoutMS     = 100
	defaultCallTimeout        = 10 * time.Second
	defaultEventRate          = 4
	playerEventMethod         = "notifications/player_event"
)

// Session is the intent surface driven by tool calls. Every method is
// invoked on the control thread.
type Session interface {
	ID() string
	SetSource(uri string)
	Play()
	Pause()
	SetCurrentPlaybackTime(pos time.Duration)
	CurrentPlaybackTime() time.Duration
	Duration() time.Duration
	InitAds(adTag string, host adapters.Host)
	StartCasting(target string)
	StopCasting()
	RemovePlayer()
	RecoverPlayer()
	Reset()
	Destroy()
	SetLicenseLocator(uri string)
	SetLocale(locale string)
	SetAdPlayerHeight(height int)
	SavePlayerState()
	RecoverPlayerState()
	Snapshot() domain.SessionSnapshot
}

// Dispatcher runs a func on the control thread and waits for it.
type Dispatcher interface {
	Call(ctx context.Context, fn func() error) error
}

// TargetCatalog lists and resolves cast receivers.
type TargetCatalog interface {
	CastTargets(ctx context.Context, timeoutMS int, includeUnreachable bool) ([]domain.Device, error)
	Resolve(ctx context.Context, target string) (*domain.Device, error)
}

type Server struct {
	in            *bufio.Reader
	out           *output
	serverName    string
	serverVersion string
	logger        *slog.Logger
	tools         []tool
	handlers      map[string]toolHandler

	dispatcher         Dispatcher
	targets            TargetCatalog
	discoveryTimeoutMS int
	callTimeout        time.Duration
	events             *rate.Limiter

	session   Session
	sessionID string
	alive     atomic.Bool
}

type Config struct {
	ServerName         string
	ServerVersion      string
	Logger             *slog.Logger
	Dispatcher         Dispatcher
	Targets            TargetCatalog
	DiscoveryTimeoutMS int
	CallTimeout        time.Duration
	// EventRate caps timeupdate notifications per second.
	EventRate float64
}

func New(in io.Reader, out io.Writer, cfg Config) *Server {
	if cfg.ServerName == "" {
		cfg.ServerName = "castsession"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	if cfg.DiscoveryTimeoutMS < minDiscoveryTimeoutMS {
		cfg.DiscoveryTimeoutMS = defaultDiscoveryTimeoutMS
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.EventRate <= 0 {
		cfg.EventRate = defaultEventRate
	}

	s := &Server{
		in:                 bufio.NewReader(in),
		out:                newOutput(out),
		serverName:         cfg.ServerName,
		serverVersion:      cfg.ServerVersion,
		logger:             cfg.Logger,
		dispatcher:         cfg.Dispatcher,
		targets:            cfg.Targets,
		discoveryTimeoutMS: cfg.DiscoveryTimeoutMS,
		callTimeout:        cfg.CallTimeout,
		events:             rate.NewLimiter(rate.Limit(cfg.EventRate), 1),
	}
	s.tools, s.handlers = s.registerTools()
	s.alive.Store(true)
	return s
}

// BindSession attaches the session driven by tool calls. It must be called
// before Run.
func (s *Server) BindSession(sess Session) {
	s.session = sess
	if sess != nil {
		s.sessionID = sess.ID()
	}
}

// Alive reports whether the client connection is still being served. The
// server doubles as the host borrowed by ad breaks.
func (s *Server) Alive() bool { return s.alive.Load() }

func (s *Server) Run(ctx context.Context) error {
	defer s.alive.Store(false)

	for {
		select {
		case <-ctx.Done():
			s.logLifecycle(slog.LevelInfo, "mcp_context_done", slog.String("reason", ctx.Err().Error()))
			return ctx.Err()
		default:
		}

		payload, jsonLine, err := readMessage(s.in)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logLifecycle(slog.LevelInfo, "mcp_stream_eof")
				return nil
			}
			s.logLifecycle(slog.LevelError, "mcp_read_error", slog.String("error", err.Error()))
			return err
		}
		if s.out.lockMode(jsonLine) {
			s.logLifecycle(slog.LevelDebug, "mcp_output_mode",
				slog.String("mode", map[bool]string{true: "jsonline", false: "framed"}[jsonLine]))
		}
		s.logLifecycle(slog.LevelDebug, "mcp_message_received", slog.Int("bytes", len(payload)))

		if err := s.handle(ctx, payload); err != nil {
			s.logLifecycle(slog.LevelError, "mcp_handle_error", slog.String("error", err.Error()))
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, payload []byte) error {
	startedAt := time.Now()

	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logCall("parse", "", startedAt, "-32700")
		return s.send(response{JSONRPC: "2.0", Error: &responseError{Code: codeParseError, Message: "parse error"}})
	}

	// Client notifications need no answer.
	if len(req.ID) == 0 {
		return nil
	}

	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		s.logCall(req.Method, "", startedAt, "-32600")
		return s.send(response{JSONRPC: "2.0", ID: req.ID, Error: &responseError{Code: codeInvalidRequest, Message: "invalid request"}})
	}

	switch req.Method {
	case "initialize":
		s.logCall("initialize", "", startedAt, "")
		return s.send(response{JSONRPC: "2.0", ID: req.ID, Result: initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities: map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
			ServerInfo: map[string]string{
				"name":    s.serverName,
				"version": s.serverVersion,
			},
			Instructions: "Call set_source, then play. Player events arrive as " + playerEventMethod + " notifications.",
		}})
	case "tools/list":
		s.logCall("tools/list", "", startedAt, "")
		return s.send(response{JSONRPC: "2.0", ID: req.ID, Result: toolsListResult{Tools: s.tools}})
	case "tools/call":
		return s.handleToolCall(ctx, req.ID, req.Params)
	default:
		s.logCall(req.Method, "", startedAt, "-32601")
		return s.send(response{JSONRPC: "2.0", ID: req.ID, Error: &responseError{Code: codeMethodNotFound, Message: "method not found"}})
	}
}

func (s *Server) handleToolCall(ctx context.Context, id json.RawMessage, rawParams json.RawMessage) error {
	startedAt := time.Now()

	params, err := decodeToolCallParams(rawParams)
	if err != nil {
		return s.sendInvalidParams("tools/call", "", startedAt, id)
	}

	handler, ok := s.handlers[params.Name]
	if !ok {
		s.logCall(params.Name, "", startedAt, "TOOL_NOT_FOUND")
		return s.send(response{
			JSONRPC: "2.0",
			ID:      id,
			Result:  toolErrorResult("TOOL_NOT_FOUND", fmt.Sprintf("unknown tool: %s", params.Name)),
		})
	}

	outcome, err := handler(ctx, params.Arguments)
	switch {
	case errors.Is(err, errInvalidParams):
		return s.sendInvalidParams(params.Name, outcome.target, startedAt, id)
	case err != nil:
		s.logCall(params.Name, outcome.target, startedAt, toolErrorCode(err))
		return s.send(response{JSONRPC: "2.0", ID: id, Result: toolErrorResultFromError(err)})
	}

	s.logCall(params.Name, outcome.target, startedAt, "")
	return s.send(response{
		JSONRPC: "2.0",
		ID:      id,
		Result: toolCallResult{
			Content:           []toolContent{{Type: "text", Text: outcome.text}},
			StructuredContent: outcome.structured,
		},
	})
}

func decodeToolCallParams(raw json.RawMessage) (toolsCallParams, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return toolsCallParams{}, err
	}

	nameRaw, ok := payload["name"]
	if !ok {
		return toolsCallParams{}, fmt.Errorf("missing tool name")
	}
	var name string
	if err := json.Unmarshal(nameRaw, &name); err != nil {
		return toolsCallParams{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return toolsCallParams{}, fmt.Errorf("missing tool name")
	}

	// Some clients flatten arguments next to the tool name.
	arguments, ok := payload["arguments"]
	if !ok {
		flattened := map[string]json.RawMessage{}
		for key, value := range payload {
			if key == "name" || key == "_meta" {
				continue
			}
			flattened[key] = value
		}
		if len(flattened) > 0 {
			normalized, err := json.Marshal(flattened)
			if err != nil {
				return toolsCallParams{}, err
			}
			arguments = normalized
		}
	}
	if len(bytes.TrimSpace(arguments)) == 0 || bytes.Equal(bytes.TrimSpace(arguments), []byte("null")) {
		arguments = json.RawMessage("{}")
	}

	return toolsCallParams{Name: name, Arguments: arguments}, nil
}

func decodeStrict(raw json.RawMessage, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	var trailing any
	if err := decoder.Decode(&trailing); !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON payload")
	}
	return nil
}

func (s *Server) sendInvalidParams(method, target string, startedAt time.Time, id json.RawMessage) error {
	s.logCall(method, target, startedAt, "-32602")
	return s.send(response{JSONRPC: "2.0", ID: id, Error: &responseError{Code: codeInvalidParams, Message: "invalid params"}})
}

func toolErrorResult(code, message string) toolCallResult {
	return toolCallResult{
		Content: []toolContent{{Type: "text", Text: fmt.Sprintf("%s: %s", code, message)}},
		StructuredContent: map[string]any{
			"error": map[string]string{
				"code":    code,
				"message": message,
			},
		},
		IsError: true,
	}
}

func toolErrorResultFromError(err error) toolCallResult {
	var tErr *domain.ToolError
	if errors.As(err, &tErr) && tErr != nil {
		result := toolErrorResult(tErr.Code, tErr.Message)
		detail := map[string]any{
			"code":    tErr.Code,
			"message": tErr.Message,
		}
		if len(tErr.Limitations) > 0 {
			detail["limitations"] = tErr.Limitations
		}
		if len(tErr.Details) > 0 {
			detail["details"] = tErr.Details
		}
		result.StructuredContent = map[string]any{"error": detail}
		return result
	}
	return toolErrorResult("INTERNAL_ERROR", err.Error())
}

func toolErrorCode(err error) string {
	var tErr *domain.ToolError
	if errors.As(err, &tErr) && tErr != nil && strings.TrimSpace(tErr.Code) != "" {
		return tErr.Code
	}
	return "INTERNAL_ERROR"
}

// EventWithValue implements adapters.Listener.
func (s *Server) EventWithValue(name, value string) {
	s.notify(playerEvent{Name: name, Value: &value})
}

// EventWithJSON implements adapters.Listener.
func (s *Server) EventWithJSON(name string, value json.RawMessage) {
	s.notify(playerEvent{Name: name, JSON: value})
}

func (s *Server) notify(ev playerEvent) {
	if !s.alive.Load() {
		return
	}
	if ev.Name == domain.EventTimeUpdate && !s.events.Allow() {
		return
	}
	encoded, err := json.Marshal(notification{JSONRPC: "2.0", Method: playerEventMethod, Params: ev})
	if err != nil {
		s.logLifecycle(slog.LevelWarn, "mcp_event_encode_failed", slog.String("event", ev.Name), slog.String("error", err.Error()))
		return
	}
	if err := s.out.write(encoded); err != nil {
		s.logLifecycle(slog.LevelWarn, "mcp_event_write_failed", slog.String("event", ev.Name), slog.String("error", err.Error()))
	}
}

func (s *Server) logCall(method, target string, startedAt time.Time, errorCode string) {
	if s == nil || s.logger == nil {
		return
	}
	level := slog.LevelInfo
	if strings.TrimSpace(errorCode) != "" {
		level = slog.LevelError
	}

	s.logger.Log(
		context.Background(),
		level,
		"mcp_call",
		slog.String("method", strings.TrimSpace(method)),
		slog.String("target_device", strings.TrimSpace(target)),
		slog.String("session_id", s.sessionID),
		slog.Int64("duration_ms", time.Since(startedAt).Milliseconds()),
		slog.String("error_code", strings.TrimSpace(errorCode)),
	)
}

func (s *Server) send(resp response) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	s.logLifecycle(slog.LevelDebug, "mcp_send", slog.Int("bytes", len(encoded)))
	return s.out.write(encoded)
}

func (s *Server) logLifecycle(level slog.Level, msg string, attrs ...any) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Log(context.Background(), level, msg, attrs...)
}

var _ adapters.Listener = (*Server)(nil)
var _ adapters.Host = (*Server)(nil)
