// Package localplayer implements the on-device playback backend on top of an
// mpv process driven over its JSON IPC socket.
package localplayer

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/samber/lo"

	"go2tv.app/castsession/internal/adapters"
	"go2tv.app/castsession/internal/dispatch"
	"go2tv.app/castsession/internal/domain"
)

// Profile is the mpv configuration for one decoder variant.
type Profile struct {
	Kind    domain.DecoderKind
	Args    []string
	Formats []string
}

var (
	// LegacyProfile opens classic containers with software decoding only.
	LegacyProfile = Profile{
		Kind:    domain.DecoderLegacy,
		Args:    []string{"--hwdec=no", "--demuxer=lavf", "--cache=no"},
		Formats: []string{"wvm", "mp4", "mkv", "avi", "ts"},
	}

	AdaptiveProfile = Profile{
		Kind:    domain.DecoderAdaptive,
		Args:    []string{"--hwdec=auto-safe", "--cache=yes", "--demuxer-max-bytes=150MiB"},
		Formats: []string{"mp4", "m4v", "webm", "mkv", "mov", "m3u8", "mpd", "ts"},
	}
)

var baseArgs = []string{
	"--no-terminal",
	"--really-quiet",
	"--idle=yes",
	"--keep-open=yes",
	"--force-window=yes",
	"--pause",
}

func profileFor(kind domain.DecoderKind) Profile {
	if kind == domain.DecoderLegacy {
		return LegacyProfile
	}
	return AdaptiveProfile
}

// Factory builds mpv backends. It implements adapters.LocalFactory.
type Factory struct {
	MPVPath   string
	SocketDir string
	Poster    dispatch.Poster
	Logger    *slog.Logger

	// SocketTimeout bounds how long a launch waits for the IPC socket.
	SocketTimeout time.Duration

	launch launcher
}

func NewFactory(mpvPath string, poster dispatch.Poster, logger *slog.Logger) *Factory {
	return &Factory{MPVPath: mpvPath, Poster: poster, Logger: logger}
}

func (f *Factory) NewLocal(kind domain.DecoderKind) (adapters.PlaybackBackend, error) {
	if f.Poster == nil {
		return nil, ErrNoPoster
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	dir := f.SocketDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := f.MPVPath
	if path == "" {
		path = "mpv"
	}
	timeout := f.SocketTimeout
	if timeout <= 0 {
		timeout = defaultSocketTimeout
	}
	launch := f.launch
	if launch == nil {
		launch = execLauncher
	}
	profile := profileFor(kind)
	return &Backend{
		mpvPath:       path,
		socketDir:     dir,
		socketTimeout: timeout,
		profile:       profile,
		poster:        f.Poster,
		launch:        launch,
		logger:        logger.With(slog.String("backend", "local"), slog.String("decoder", kind.String())),
		visible:       true,
		paused:        true,
	}, nil
}

// SupportedFormats is the union of formats every profile accepts.
func (f *Factory) SupportedFormats() []string {
	return lo.Uniq(append(append([]string{}, AdaptiveProfile.Formats...), LegacyProfile.Formats...))
}

var _ adapters.LocalFactory = (*Factory)(nil)
