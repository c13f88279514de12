// Package castbackend implements the remote playback backend on top of a
// Chromecast session.
package castbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/samber/mo"

	"go2tv.app/castsession/internal/adapters"
	"go2tv.app/castsession/internal/dispatch"
	"go2tv.app/castsession/internal/domain"
)

var (
	ErrClosed       = errors.New("remote backend is torn down")
	ErrNotConnected = errors.New("remote receiver is not connected")
	ErrNoSource     = errors.New("media source is empty")
	ErrNoPoster     = errors.New("remote backend requires a dispatch poster")
)

const (
	defaultAttempts     = 3
	defaultBackoff      = 120 * time.Millisecond
	defaultPollInterval = time.Second
)

// Resolver maps a user-supplied target to a discovered receiver.
type Resolver interface {
	Resolve(ctx context.Context, target string) (*domain.Device, error)
}

// Factory builds remote backends. It implements adapters.RemoteFactory.
type Factory struct {
	Resolver     Resolver
	Casts        adapters.CastFactory
	Poster       dispatch.Poster
	Logger       *slog.Logger
	Attempts     uint
	Backoff      time.Duration
	PollInterval time.Duration
}

func (f *Factory) NewRemote(target string, listener adapters.RemoteListener) (adapters.PlaybackBackend, error) {
	if f.Poster == nil {
		return nil, ErrNoPoster
	}
	if f.Resolver == nil || f.Casts == nil {
		return nil, errors.New("chromecast adapter is not configured")
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errors.New("target device is empty")
	}

	logger := f.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	attempts := f.Attempts
	if attempts == 0 {
		attempts = defaultAttempts
	}
	backoff := f.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	poll := f.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.With(slog.String("backend", "remote"), slog.String("target", target))
	b := &Backend{
		target:   target,
		resolver: f.Resolver,
		casts:    f.Casts,
		poster:   f.Poster,
		listener: listener,
		logger:   logger,
		cmds:     dispatch.NewWorker(logger),
		attempts: attempts,
		backoff:  backoff,
		poll:     poll,
		ctx:      ctx,
		cancel:   cancel,
	}
	go b.connect()
	return b, nil
}

type snapshot struct {
	position time.Duration
	playing  bool
}

// Backend casts media to one receiver. Exported methods run on the control
// thread. Receiver calls go through an ordered worker, and connection and
// status polling run on their own goroutines; results are posted back.
type Backend struct {
	target   string
	resolver Resolver
	casts    adapters.CastFactory
	poster   dispatch.Poster
	listener adapters.RemoteListener
	logger   *slog.Logger
	cmds     *dispatch.Worker
	attempts uint
	backoff  time.Duration
	poll     time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	cb   adapters.StateCallback
	sink adapters.EventSink

	connected   bool
	source      string
	license     string
	gen         uint64
	loaded      bool
	ended       bool
	startAt     time.Duration
	position    time.Duration
	playerState string
	cancelPlay  bool
	wantPlaying bool
	saved       mo.Option[snapshot]
	torn        bool

	mu            sync.Mutex
	client        adapters.CastClient
	device        *domain.Device
	monitorCancel context.CancelFunc
}

func (b *Backend) SetStateCallback(cb adapters.StateCallback) { b.cb = cb }

func (b *Backend) SetEventSink(sink adapters.EventSink) { b.sink = sink }

// Device reports the resolved receiver once connected.
func (b *Backend) Device() *domain.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.device
}

func (b *Backend) connect() {
	device, err := b.resolver.Resolve(b.ctx, b.target)
	if err != nil {
		b.fail(fmt.Errorf("resolve target: %w", err))
		return
	}

	client, err := b.casts.NewCastClient(device.Address)
	if err != nil {
		b.fail(fmt.Errorf("failed to create Chromecast client: %w", err))
		return
	}
	if err := b.withRetry("chromecast_connect", client.Connect); err != nil {
		_ = client.Close(true)
		b.fail(fmt.Errorf("failed to connect to Chromecast device: %w", err))
		return
	}

	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		_ = client.Close(true)
		return
	}
	b.client = client
	b.device = device
	b.mu.Unlock()

	b.logger.Info("cast_connected", slog.String("device", device.Name), slog.String("address", device.Address))
	b.poster.Post(func() {
		if b.torn {
			return
		}
		b.connected = true
		if b.listener != nil {
			b.listener.RemoteReady(b)
		}
	})
}

func (b *Backend) fail(err error) {
	if b.ctx.Err() != nil {
		return
	}
	b.logger.Warn("cast_connect_failed", slog.String("error", err.Error()))
	b.poster.Post(func() {
		if b.torn || b.listener == nil {
			return
		}
		b.listener.RemoteFailed(b, err)
	})
}

func (b *Backend) currentClient() adapters.CastClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// SetSource loads uri on the receiver, starting at the last requested position.
func (b *Backend) SetSource(uri string) error {
	if b.torn {
		return ErrClosed
	}
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return ErrNoSource
	}
	client := b.currentClient()
	if client == nil || !b.connected {
		return ErrNotConnected
	}

	b.stopMonitor()
	b.gen++
	gen := b.gen
	b.source = uri
	b.loaded = false
	b.ended = false
	media := describeMedia(uri)
	start := int(b.startAt.Seconds())

	b.logger.Info("cast_load", slog.String("source", uri), slog.String("content_type", media.contentType), slog.Bool("live", media.live))
	b.cmds.Submit(func(context.Context) {
		err := b.withRetry("chromecast_load", func() error {
			return client.Load(uri, media.contentType, start, 0, "", media.live)
		})
		b.poster.Post(func() {
			if b.torn || gen != b.gen {
				return
			}
			if err != nil {
				b.logger.Warn("cast_load_failed", slog.String("error", err.Error()))
				if b.listener != nil {
					b.listener.RemoteFailed(b, fmt.Errorf("failed to start Chromecast playback: %w", err))
				}
				return
			}
			b.startMonitor(client, gen)
		})
	})
	return nil
}

func (b *Backend) SetLicenseLocator(uri string) error {
	if b.torn {
		return ErrClosed
	}
	// Receivers fetch licenses themselves; the locator is kept for state reporting.
	b.license = strings.TrimSpace(uri)
	return nil
}

func (b *Backend) Play() error {
	if b.torn {
		return ErrClosed
	}
	if b.cancelPlay {
		return nil
	}
	client := b.currentClient()
	if client == nil {
		return ErrNotConnected
	}
	b.wantPlaying = true
	b.submit("play", client.Play)
	return nil
}

func (b *Backend) Pause() error {
	if b.torn {
		return ErrClosed
	}
	client := b.currentClient()
	if client == nil {
		return ErrNotConnected
	}
	b.wantPlaying = false
	b.submit("pause", client.Pause)
	return nil
}

func (b *Backend) CurrentPosition() time.Duration { return b.position }

// Duration is unknown on the receiver side; callers fall back to the local value.
func (b *Backend) Duration() time.Duration { return 0 }

func (b *Backend) SetCurrentPosition(pos time.Duration) error {
	if b.torn {
		return ErrClosed
	}
	b.position = pos
	b.ended = false
	if !b.loaded {
		b.startAt = pos
		return nil
	}
	client := b.currentClient()
	if client == nil {
		return ErrNotConnected
	}
	seconds := int(pos.Seconds())
	b.submit("seek", func() error { return client.Seek(seconds) })
	return nil
}

func (b *Backend) Freeze() error {
	if b.torn {
		return ErrClosed
	}
	if !b.loaded {
		return nil
	}
	return b.Pause()
}

func (b *Backend) Recover() error {
	if b.torn {
		return ErrClosed
	}
	if !b.loaded || !b.wantPlaying {
		return nil
	}
	return b.Play()
}

func (b *Backend) SetShouldCancelPlay(cancel bool) { b.cancelPlay = cancel }

func (b *Backend) SetVisible(bool) {}

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

// Teardown drops every callback and cancels pending receiver calls. Stopping
// media and closing the session happen off the control thread. It is
// idempotent and safe while the connection is still being established.
func (b *Backend) Teardown() error {
	if b.torn {
		return nil
	}
	b.torn = true
	b.gen++
	b.cb = nil
	b.sink = nil
	b.listener = nil
	b.cancel()
	b.stopMonitor()
	b.cmds.Stop()

	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()
	if client == nil {
		return nil
	}

	go b.closeClient(client, b.loaded)
	return nil
}

func (b *Backend) closeClient(client adapters.CastClient, stopMedia bool) {
	var errs []error
	if stopMedia {
		if err := client.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop: %w", err))
		}
	}
	if err := client.Close(true); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		b.logger.Warn("cast_close_failed", slog.String("error", err.Error()))
		return
	}
	b.logger.Info("cast_closed")
}

// submit queues a receiver call behind any earlier ones.
func (b *Backend) submit(op string, call func() error) {
	b.cmds.Submit(func(context.Context) {
		if err := call(); err != nil {
			b.logger.Warn("cast_command_failed", slog.String("operation", op), slog.String("error", err.Error()))
		}
	})
}

func (b *Backend) withRetry(operation string, call func() error) error {
	return retry.New(
		retry.Attempts(b.attempts),
		retry.Delay(b.backoff),
		retry.MaxDelay(8*b.backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(b.ctx),
		retry.RetryIf(isTransientNetworkError),
		retry.OnRetry(func(attempt uint, err error) {
			b.logger.Debug("cast_retry", slog.String("operation", operation), slog.Int("attempt", int(attempt)+1), slog.String("error", err.Error()))
		}),
	).Do(call)
}

func (b *Backend) handleStatus(gen uint64, state string, position time.Duration) {
	if b.torn || gen != b.gen {
		return
	}
	b.playerState = state
	switch state {
	case "PLAYING", "PAUSED", "BUFFERING":
		b.position = position
		if !b.loaded {
			b.loaded = true
			b.startAt = 0
			if b.listener != nil {
				b.listener.MediaLoaded(b)
			}
		}
		if b.sink != nil {
			b.sink.EventWithValue(b, domain.EventTimeUpdate, strconv.FormatFloat(b.position.Seconds(), 'f', 3, 64))
		}
	case "IDLE":
		if b.loaded && !b.ended {
			b.ended = true
			b.wantPlaying = false
			if b.cb != nil {
				b.cb.PlayerStateChanged(b, domain.SignalEnded)
			}
		}
	}
}

var _ adapters.PlaybackBackend = (*Backend)(nil)
var _ adapters.RemoteFactory = (*Factory)(nil)
