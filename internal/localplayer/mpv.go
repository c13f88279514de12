package localplayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"go2tv.app/castsession/internal/adapters"
	"go2tv.app/castsession/internal/dispatch"
	"go2tv.app/castsession/internal/domain"
)

var (
	ErrClosed   = errors.New("local backend is torn down")
	ErrNoSource = errors.New("media source is empty")
	ErrNoPoster = errors.New("local backend requires a dispatch poster")
	ErrExited   = errors.New("player exited before its socket was ready")
)

const (
	defaultSocketTimeout = 3 * time.Second
	socketPollDelay      = 100 * time.Millisecond
	commandTimeout       = 2 * time.Second
)

// evReady is internal: the socket is up and the file has been requested.
const evReady eventKind = 100

type snapshot struct {
	position time.Duration
	playing  bool
}

// instance is one running mpv process. Its fields are shared with the launch
// goroutine and guarded by Backend.mu.
type instance struct {
	socketPath string
	proc       process
	events     net.Conn
	cancel     context.CancelFunc
	cmds       *dispatch.Worker
}

// Backend plays media in a local mpv process. Every exported method must be
// called on the control thread; mpv events are posted back onto it.
type Backend struct {
	mpvPath       string
	socketDir     string
	socketTimeout time.Duration
	profile       Profile
	poster        dispatch.Poster
	launch        launcher
	logger        *slog.Logger

	cb   adapters.StateCallback
	sink adapters.EventSink

	source  string
	license string
	gen     uint64
	ready      bool
	torn       bool

	loadedReported  bool
	canPlayReported bool
	endedReported   bool
	resumeOnLoad    bool
	seekOnLoad      mo.Option[time.Duration]

	cancelPlay  bool
	visible     bool
	wantPlaying bool
	paused      bool
	position    time.Duration
	duration    time.Duration

	frozen mo.Option[snapshot]
	saved  mo.Option[snapshot]

	mu   sync.Mutex
	inst *instance
}

func (b *Backend) SetStateCallback(cb adapters.StateCallback) { b.cb = cb }

func (b *Backend) SetEventSink(sink adapters.EventSink) { b.sink = sink }

func (b *Backend) SetSource(uri string) error {
	if b.torn {
		return ErrClosed
	}
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return ErrNoSource
	}
	b.stopInstance()
	b.source = uri
	b.canPlayReported = false
	b.wantPlaying = false
	b.position = 0
	b.duration = 0
	b.frozen = mo.None[snapshot]()
	b.seekOnLoad = mo.None[time.Duration]()
	return b.start(0)
}

func (b *Backend) SetLicenseLocator(uri string) error {
	if b.torn {
		return ErrClosed
	}
	b.license = strings.TrimSpace(uri)
	return nil
}

func (b *Backend) Play() error {
	if b.torn {
		return ErrClosed
	}
	if b.cancelPlay {
		b.logger.Debug("local_play_cancelled")
		return nil
	}
	b.wantPlaying = true
	if !b.ready {
		return nil
	}
	b.command("set_property", "pause", false)
	return nil
}

func (b *Backend) Pause() error {
	if b.torn {
		return ErrClosed
	}
	b.wantPlaying = false
	if !b.ready {
		return nil
	}
	b.command("set_property", "pause", true)
	return nil
}

func (b *Backend) CurrentPosition() time.Duration { return b.position }

func (b *Backend) Duration() time.Duration { return b.duration }

func (b *Backend) SetCurrentPosition(pos time.Duration) error {
	if b.torn {
		return ErrClosed
	}
	b.position = pos
	b.endedReported = false
	if !b.ready || !b.loadedReported {
		b.seekOnLoad = mo.Some(pos)
		return nil
	}
	b.command("seek", pos.Seconds(), "absolute")
	return nil
}

// Freeze records where playback was and stops the process. Recover restarts it
// from the recorded position.
func (b *Backend) Freeze() error {
	if b.torn {
		return ErrClosed
	}
	b.mu.Lock()
	running := b.inst != nil
	b.mu.Unlock()
	if !running {
		return nil
	}
	b.frozen = mo.Some(snapshot{position: b.position, playing: b.wantPlaying})
	b.stopInstance()
	b.logger.Info("local_frozen", slog.Duration("position", b.position))
	return nil
}

func (b *Backend) Recover() error {
	if b.torn {
		return ErrClosed
	}
	snap, ok := b.frozen.Get()
	if !ok || b.source == "" {
		return nil
	}
	b.frozen = mo.None[snapshot]()
	b.position = snap.position
	b.wantPlaying = snap.playing
	b.resumeOnLoad = snap.playing
	b.logger.Info("local_recovering", slog.Duration("position", snap.position), slog.Bool("playing", snap.playing))
	return b.start(snap.position)
}

// Teardown stops the process and drops every callback. It is idempotent.
func (b *Backend) Teardown() error {
	if b.torn {
		return nil
	}
	b.torn = true
	b.gen++
	b.cb = nil
	b.sink = nil
	b.stopInstance()
	return nil
}

func (b *Backend) SetShouldCancelPlay(cancel bool) { b.cancelPlay = cancel }

func (b *Backend) SetVisible(visible bool) {
	b.visible = visible
	if !b.ready {
		return
	}
	b.command("set_property", "vid", videoTrack(visible))
}

func (b *Backend) SavePlayerState() error {
	if b.torn {
		return ErrClosed
	}
	b.saved = mo.Some(snapshot{position: b.position, playing: b.wantPlaying})
	return nil
}

func (b *Backend) RecoverPlayerState() error {
	snap, ok := b.saved.Get()
	if !ok {
		return nil
	}
	seekErr := b.SetCurrentPosition(snap.position)
	var playErr error
	if snap.playing {
		playErr = b.Play()
	} else {
		playErr = b.Pause()
	}
	return errors.Join(seekErr, playErr)
}

func (b *Backend) args(socketPath string) []string {
	args := make([]string, 0, len(baseArgs)+len(b.profile.Args)+3)
	args = append(args, baseArgs...)
	args = append(args, b.profile.Args...)
	args = append(args, "--input-ipc-server="+socketPath)
	if !b.visible {
		args = append(args, "--vid=no")
	}
	if b.license != "" {
		args = append(args, "--script-opts=castsession-license="+strings.ReplaceAll(b.license, ",", "%2C"))
	}
	return args
}

func (b *Backend) start(at time.Duration) error {
	b.gen++
	gen := b.gen
	b.ready = false
	b.loadedReported = false
	b.endedReported = false
	b.paused = true

	socketPath := filepath.Join(b.socketDir, "castsession-"+uuid.NewString()[:8]+".sock")
	args := b.args(socketPath)

	ctx, cancel := context.WithCancel(context.Background())
	inst := &instance{socketPath: socketPath, cancel: cancel, cmds: dispatch.NewWorker(b.logger)}
	b.mu.Lock()
	b.inst = inst
	b.mu.Unlock()

	b.logger.Info("local_launch", slog.String("source", b.source), slog.Duration("start", at))
	go b.run(ctx, gen, inst, args, b.source, at)
	return nil
}

func (b *Backend) run(ctx context.Context, gen uint64, inst *instance, args []string, uri string, at time.Duration) {
	if err := b.launchAndLoad(ctx, inst, args, uri, at); err != nil {
		if ctx.Err() == nil {
			b.post(gen, playerEvent{kind: evFailed, message: err.Error()})
		}
		return
	}
	b.post(gen, playerEvent{kind: evReady})

	b.mu.Lock()
	conn := inst.events
	b.mu.Unlock()
	err := readEvents(conn, func(ev playerEvent) { b.post(gen, ev) })
	if ctx.Err() != nil {
		return
	}
	msg := "player exited"
	if err != nil {
		msg = err.Error()
	}
	b.post(gen, playerEvent{kind: evFailed, message: msg})
}

func (b *Backend) launchAndLoad(ctx context.Context, inst *instance, args []string, uri string, at time.Duration) error {
	proc, err := b.launch(b.mpvPath, args)
	if err != nil {
		return err
	}
	b.mu.Lock()
	inst.proc = proc
	b.mu.Unlock()
	if ctx.Err() != nil {
		_ = proc.Kill()
		return ctx.Err()
	}

	if err := waitForSocket(ctx, inst.socketPath, proc.Exited(), b.socketTimeout); err != nil {
		_ = proc.Kill()
		return fmt.Errorf("mpv socket not ready: %w", err)
	}

	conn, err := net.Dial("unix", inst.socketPath)
	if err != nil {
		_ = proc.Kill()
		return fmt.Errorf("event connection: %w", err)
	}
	b.mu.Lock()
	inst.events = conn
	b.mu.Unlock()
	if ctx.Err() != nil {
		_ = conn.Close()
		return ctx.Err()
	}

	for _, prop := range observedProperties {
		if err := writeCommand(conn, []any{"observe_property", prop.id, prop.name}); err != nil {
			return fmt.Errorf("observe %s: %w", prop.name, err)
		}
	}
	if at > 0 {
		if err := writeCommand(conn, []any{"set_property", "start", strconv.FormatFloat(at.Seconds(), 'f', 3, 64)}); err != nil {
			return err
		}
	}
	return writeCommand(conn, []any{"loadfile", uri, "replace"})
}

func (b *Backend) stopInstance() {
	b.mu.Lock()
	inst := b.inst
	b.inst = nil
	b.mu.Unlock()
	b.ready = false
	if inst == nil {
		return
	}

	inst.cancel()
	inst.cmds.Stop()
	go b.shutdown(inst)
}

// shutdown asks mpv to quit and then kills it. It runs off the control thread
// because a wedged player can stall the socket write.
func (b *Backend) shutdown(inst *instance) {
	b.mu.Lock()
	conn, proc := inst.events, inst.proc
	b.mu.Unlock()
	if conn != nil {
		_ = writeCommand(conn, []any{"quit"})
		_ = conn.Close()
	}
	if proc != nil {
		_ = proc.Kill()
	}
	_ = os.Remove(inst.socketPath)
}

func (b *Backend) post(gen uint64, ev playerEvent) {
	b.poster.Post(func() { b.handle(gen, ev) })
}

// handle runs on the control thread. Events from a replaced instance are dropped.
func (b *Backend) handle(gen uint64, ev playerEvent) {
	if b.torn || gen != b.gen {
		return
	}
	switch ev.kind {
	case evReady:
		b.ready = true
	case evLoaded:
		b.loaded()
	case evTime:
		b.position = ev.position
		if b.sink != nil {
			b.sink.EventWithValue(b, domain.EventTimeUpdate, strconv.FormatFloat(ev.position.Seconds(), 'f', 3, 64))
		}
	case evDuration:
		b.duration = ev.position
	case evPause:
		b.paused = ev.paused
	case evEnded:
		if b.endedReported {
			return
		}
		b.endedReported = true
		b.wantPlaying = false
		b.signal(domain.SignalEnded)
	case evFailed:
		b.ready = false
		b.logger.Warn("local_player_failed", slog.String("error", ev.message))
		if b.sink != nil {
			payload, _ := json.Marshal(map[string]string{"source": "local", "message": ev.message})
			b.sink.EventWithJSON(b, domain.EventError, payload)
		}
	}
}

func (b *Backend) loaded() {
	if b.loadedReported {
		return
	}
	b.loadedReported = true

	if pos, ok := b.seekOnLoad.Get(); ok {
		b.seekOnLoad = mo.None[time.Duration]()
		b.command("seek", pos.Seconds(), "absolute")
	}

	resume := b.wantPlaying
	if b.canPlayReported {
		resume = b.resumeOnLoad
		b.resumeOnLoad = false
	}
	if resume && !b.cancelPlay {
		b.command("set_property", "pause", false)
	}
	if b.canPlayReported {
		return
	}
	b.canPlayReported = true
	b.signal(domain.SignalCanPlay)
}

func (b *Backend) signal(s domain.PlayerSignal) {
	if b.cb != nil {
		b.cb.PlayerStateChanged(b, s)
	}
}

// command queues an IPC command on the running instance. Commands reach mpv
// in the order they were issued; failures are logged.
func (b *Backend) command(args ...any) {
	b.mu.Lock()
	inst := b.inst
	b.mu.Unlock()
	if inst == nil {
		return
	}
	inst.cmds.Submit(func(ctx context.Context) {
		cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		if _, err := sendCommand(cmdCtx, inst.socketPath, args...); err != nil && ctx.Err() == nil {
			b.logger.Warn("local_command_failed", slog.String("command", fmt.Sprint(args[0])), slog.String("error", err.Error()))
		}
	})
}

func videoTrack(visible bool) string {
	if visible {
		return "auto"
	}
	return "no"
}

var _ adapters.PlaybackBackend = (*Backend)(nil)
