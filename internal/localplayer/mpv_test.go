package localplayer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go2tv.app/castsession/internal/adapters"
	"go2tv.app/castsession/internal/dispatch"
	"go2tv.app/castsession/internal/domain"
)

const testSource = "https://cdn.example.com/vod/episode.mp4"

// fakeMPV answers the IPC protocol on the socket named in the launch args.
type fakeMPV struct {
	mu        sync.Mutex
	commands  [][]any
	launches  [][]string
	procs     []*fakeProc
	eventConn net.Conn
	launchErr error
	// hold, when set, delays the reply to every unpause command until closed.
	hold chan struct{}
}

type fakeProc struct {
	ln       net.Listener
	exited   chan struct{}
	killOnce sync.Once
}

func (p *fakeProc) Kill() error {
	p.killOnce.Do(func() {
		_ = p.ln.Close()
		close(p.exited)
	})
	return nil
}

func (p *fakeProc) Exited() <-chan struct{} { return p.exited }

func (p *fakeProc) killed() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (f *fakeMPV) launch(_ string, args []string) (process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	var socket string
	for _, arg := range args {
		if strings.HasPrefix(arg, "--input-ipc-server=") {
			socket = strings.TrimPrefix(arg, "--input-ipc-server=")
		}
	}
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return nil, err
	}
	proc := &fakeProc{ln: ln, exited: make(chan struct{})}
	f.launches = append(f.launches, args)
	f.procs = append(f.procs, proc)
	go f.serve(ln)
	return proc, nil
}

func (f *fakeMPV) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeMPV) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var cmd ipcCommand
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil || len(cmd.Command) == 0 {
			continue
		}
		f.mu.Lock()
		f.commands = append(f.commands, cmd.Command)
		if cmd.Command[0] == "observe_property" {
			f.eventConn = conn
		}
		hold := f.hold
		f.mu.Unlock()

		if hold != nil && isCommand("set_property", "pause", false)(cmd.Command) {
			<-hold
		}

		_, _ = conn.Write([]byte(`{"error":"success","data":null}` + "\n"))
		if cmd.Command[0] == "loadfile" {
			_, _ = conn.Write([]byte(`{"event":"file-loaded"}` + "\n"))
		}
	}
}

func (f *fakeMPV) push(t *testing.T, lines ...string) {
	t.Helper()
	f.mu.Lock()
	conn := f.eventConn
	f.mu.Unlock()
	require.NotNil(t, conn)
	_, err := conn.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
}

func (f *fakeMPV) count(match func(cmd []any) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, cmd := range f.commands {
		if match(cmd) {
			n++
		}
	}
	return n
}

// waitCount waits until exactly want commands match.
func (f *fakeMPV) waitCount(t *testing.T, want int, match func(cmd []any) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return f.count(match) == want }, 3*time.Second, 5*time.Millisecond)
}

func (f *fakeMPV) proc(i int) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

func (f *fakeMPV) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

func isCommand(name string, args ...any) func(cmd []any) bool {
	return func(cmd []any) bool {
		if len(cmd) < len(args)+1 || cmd[0] != name {
			return false
		}
		for i, arg := range args {
			if cmd[i+1] != arg {
				return false
			}
		}
		return true
	}
}

type recorder struct {
	signals chan domain.PlayerSignal
	events  chan string
}

func newRecorder() *recorder {
	return &recorder{signals: make(chan domain.PlayerSignal, 16), events: make(chan string, 64)}
}

func (r *recorder) PlayerStateChanged(_ adapters.PlaybackBackend, s domain.PlayerSignal) {
	r.signals <- s
}

func (r *recorder) EventWithValue(_ adapters.PlaybackBackend, name, value string) {
	select {
	case r.events <- name + "=" + value:
	default:
	}
}

func (r *recorder) EventWithJSON(_ adapters.PlaybackBackend, name string, value json.RawMessage) {
	select {
	case r.events <- name + "=" + string(value):
	default:
	}
}

func (r *recorder) waitSignal(t *testing.T, want domain.PlayerSignal) {
	t.Helper()
	select {
	case got := <-r.signals:
		require.Equal(t, want, got)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func (r *recorder) waitEvent(t *testing.T, prefix string) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-r.events:
			if strings.HasPrefix(got, prefix) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", prefix)
		}
	}
}

type fixture struct {
	loop    *dispatch.Loop
	fake    *fakeMPV
	rec     *recorder
	backend adapters.PlaybackBackend
}

func newFixture(t *testing.T, kind domain.DecoderKind) *fixture {
	t.Helper()
	dir, err := os.MkdirTemp("", "cs")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	loop := dispatch.New(64, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()

	fx := &fixture{loop: loop, fake: &fakeMPV{}, rec: newRecorder()}
	factory := &Factory{MPVPath: "mpv", SocketDir: dir, Poster: loop, launch: fx.fake.launch}
	fx.call(t, func() error {
		b, err := factory.NewLocal(kind)
		if err != nil {
			return err
		}
		b.SetStateCallback(fx.rec)
		b.SetEventSink(fx.rec)
		fx.backend = b
		return nil
	})
	t.Cleanup(func() {
		_ = loop.Call(context.Background(), fx.backend.Teardown)
		cancel()
		<-loop.Done()
	})
	return fx
}

func (fx *fixture) call(t *testing.T, fn func() error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fx.loop.Call(ctx, fn))
}

func TestBackendLoadsAndReportsCanPlay(t *testing.T) {
	fx := newFixture(t, domain.DecoderAdaptive)

	fx.call(t, func() error { return fx.backend.SetSource(testSource) })
	fx.rec.waitSignal(t, domain.SignalCanPlay)

	require.Equal(t, 1, fx.fake.count(isCommand("loadfile", testSource)))
	require.Equal(t, len(observedProperties), fx.fake.count(isCommand("observe_property")))

	fx.call(t, fx.backend.Play)
	fx.fake.waitCount(t, 1, isCommand("set_property", "pause", false))

	fx.fake.push(t, `{"event":"property-change","id":1,"name":"time-pos","data":12.5}`)
	require.Equal(t, domain.EventTimeUpdate+"=12.500", fx.rec.waitEvent(t, domain.EventTimeUpdate))

	var pos time.Duration
	fx.call(t, func() error { pos = fx.backend.CurrentPosition(); return nil })
	require.Equal(t, 12500*time.Millisecond, pos)
}

func TestBackendReportsEndedOnce(t *testing.T) {
	fx := newFixture(t, domain.DecoderAdaptive)
	fx.call(t, func() error { return fx.backend.SetSource(testSource) })
	fx.rec.waitSignal(t, domain.SignalCanPlay)

	fx.fake.push(t,
		`{"event":"property-change","id":4,"name":"eof-reached","data":true}`,
		`{"event":"end-file","reason":"eof"}`,
	)
	fx.rec.waitSignal(t, domain.SignalEnded)
	require.Never(t, func() bool { return len(fx.rec.signals) > 0 }, 150*time.Millisecond, 10*time.Millisecond)
}

func TestSeekBeforeLoadIsAppliedOnLoad(t *testing.T) {
	fx := newFixture(t, domain.DecoderAdaptive)

	fx.call(t, func() error {
		if err := fx.backend.SetSource(testSource); err != nil {
			return err
		}
		return fx.backend.SetCurrentPosition(20 * time.Second)
	})
	fx.rec.waitSignal(t, domain.SignalCanPlay)

	fx.fake.waitCount(t, 1, isCommand("seek", 20.0, "absolute"))
}

func TestCancelPlaySuppressesPlay(t *testing.T) {
	fx := newFixture(t, domain.DecoderAdaptive)
	fx.call(t, func() error { return fx.backend.SetSource(testSource) })
	fx.rec.waitSignal(t, domain.SignalCanPlay)

	fx.call(t, func() error {
		fx.backend.SetShouldCancelPlay(true)
		if err := fx.backend.Play(); err != nil {
			return err
		}
		// A pause queued behind the cancelled play proves nothing was sent before it.
		return fx.backend.Pause()
	})
	fx.fake.waitCount(t, 1, isCommand("set_property", "pause", true))
	require.Zero(t, fx.fake.count(isCommand("set_property", "pause", false)))

	fx.call(t, func() error {
		fx.backend.SetShouldCancelPlay(false)
		return fx.backend.Play()
	})
	fx.fake.waitCount(t, 1, isCommand("set_property", "pause", false))
}

func TestCommandsDoNotHoldControlThread(t *testing.T) {
	fx := newFixture(t, domain.DecoderAdaptive)
	hold := make(chan struct{})
	fx.fake.mu.Lock()
	fx.fake.hold = hold
	fx.fake.mu.Unlock()
	t.Cleanup(func() { close(hold) })

	fx.call(t, func() error { return fx.backend.SetSource(testSource) })
	fx.rec.waitSignal(t, domain.SignalCanPlay)

	begin := time.Now()
	fx.call(t, func() error {
		if err := fx.backend.Play(); err != nil {
			return err
		}
		return fx.backend.Pause()
	})
	require.Less(t, time.Since(begin), 500*time.Millisecond)

	// The pause waits behind the unanswered play.
	fx.fake.waitCount(t, 1, isCommand("set_property", "pause", false))
	require.Zero(t, fx.fake.count(isCommand("set_property", "pause", true)))
}

func TestFreezeAndRecoverRelaunchAtPosition(t *testing.T) {
	fx := newFixture(t, domain.DecoderAdaptive)
	fx.call(t, func() error { return fx.backend.SetSource(testSource) })
	fx.rec.waitSignal(t, domain.SignalCanPlay)

	fx.call(t, fx.backend.Play)
	fx.fake.push(t, `{"event":"property-change","id":1,"name":"time-pos","data":30}`)
	fx.rec.waitEvent(t, domain.EventTimeUpdate)

	fx.call(t, fx.backend.Freeze)
	require.Eventually(t, fx.fake.proc(0).killed, 2*time.Second, 5*time.Millisecond)

	fx.call(t, fx.backend.Recover)
	require.Eventually(t, func() bool {
		return fx.fake.count(isCommand("set_property", "pause", false)) == 2
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, fx.fake.launchCount())
	require.Equal(t, 1, fx.fake.count(isCommand("set_property", "start", "30.000")))
	require.Empty(t, fx.rec.signals)
}

func TestVisibilityTogglesVideoTrack(t *testing.T) {
	fx := newFixture(t, domain.DecoderAdaptive)
	fx.call(t, func() error { return fx.backend.SetSource(testSource) })
	fx.rec.waitSignal(t, domain.SignalCanPlay)

	fx.call(t, func() error { fx.backend.SetVisible(false); return nil })
	fx.fake.waitCount(t, 1, isCommand("set_property", "vid", "no"))

	fx.call(t, func() error { fx.backend.SetVisible(true); return nil })
	fx.fake.waitCount(t, 1, isCommand("set_property", "vid", "auto"))
}

func TestLaunchFailureEmitsError(t *testing.T) {
	fx := newFixture(t, domain.DecoderLegacy)
	fx.fake.launchErr = errors.New("exec: mpv not found")

	fx.call(t, func() error { return fx.backend.SetSource(testSource) })

	got := fx.rec.waitEvent(t, domain.EventError)
	require.Contains(t, got, "mpv not found")
}

func TestTeardownIsIdempotentAndFinal(t *testing.T) {
	fx := newFixture(t, domain.DecoderAdaptive)
	fx.call(t, func() error { return fx.backend.SetSource(testSource) })
	fx.rec.waitSignal(t, domain.SignalCanPlay)

	fx.call(t, fx.backend.Teardown)
	fx.call(t, fx.backend.Teardown)
	require.Eventually(t, fx.fake.proc(0).killed, 2*time.Second, 5*time.Millisecond)

	var err error
	fx.call(t, func() error { err = fx.backend.SetSource(testSource); return nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestSetSourceRejectsEmpty(t *testing.T) {
	fx := newFixture(t, domain.DecoderAdaptive)
	var err error
	fx.call(t, func() error { err = fx.backend.SetSource("  "); return nil })
	require.ErrorIs(t, err, ErrNoSource)
	require.Zero(t, fx.fake.launchCount())
}

func TestArgsReflectProfileAndState(t *testing.T) {
	b := &Backend{profile: LegacyProfile, license: "https://license.example.com/wv?a=1,2"}
	args := b.args("/tmp/cs.sock")

	require.Contains(t, args, "--hwdec=no")
	require.Contains(t, args, "--pause")
	require.Contains(t, args, "--input-ipc-server=/tmp/cs.sock")
	require.Contains(t, args, "--vid=no")
	require.Contains(t, args, "--script-opts=castsession-license=https://license.example.com/wv?a=1%2C2")

	b = &Backend{profile: AdaptiveProfile, visible: true}
	args = b.args("/tmp/cs.sock")
	require.Contains(t, args, "--cache=yes")
	require.NotContains(t, args, "--vid=no")
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		msg  mpvMessage
		want playerEvent
		ok   bool
	}{
		{"file loaded", mpvMessage{Event: "file-loaded"}, playerEvent{kind: evLoaded}, true},
		{"eof", mpvMessage{Event: "end-file", Reason: "eof"}, playerEvent{kind: evEnded}, true},
		{"stop", mpvMessage{Event: "end-file", Reason: "stop"}, playerEvent{}, false},
		{"load error", mpvMessage{Event: "end-file", Reason: "error", FileError: "loading failed"}, playerEvent{kind: evFailed, message: "loading failed"}, true},
		{"time", mpvMessage{Event: "property-change", Name: "time-pos", Data: json.RawMessage(`1.5`)}, playerEvent{kind: evTime, position: 1500 * time.Millisecond}, true},
		{"time unavailable", mpvMessage{Event: "property-change", Name: "time-pos", Data: json.RawMessage(`null`)}, playerEvent{}, false},
		{"duration", mpvMessage{Event: "property-change", Name: "duration", Data: json.RawMessage(`90`)}, playerEvent{kind: evDuration, position: 90 * time.Second}, true},
		{"pause", mpvMessage{Event: "property-change", Name: "pause", Data: json.RawMessage(`true`)}, playerEvent{kind: evPause, paused: true}, true},
		{"eof reached", mpvMessage{Event: "property-change", Name: "eof-reached", Data: json.RawMessage(`true`)}, playerEvent{kind: evEnded}, true},
		{"eof cleared", mpvMessage{Event: "property-change", Name: "eof-reached", Data: json.RawMessage(`false`)}, playerEvent{}, false},
		{"reply", mpvMessage{Error: "success"}, playerEvent{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := translate(tc.msg)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestSupportedFormatsUnion(t *testing.T) {
	formats := (&Factory{}).SupportedFormats()

	require.Contains(t, formats, "wvm")
	require.Contains(t, formats, "m3u8")
	seen := map[string]bool{}
	for _, f := range formats {
		require.False(t, seen[f], "duplicate format %s", f)
		seen[f] = true
	}
}

func TestFactoryRequiresPoster(t *testing.T) {
	_, err := (&Factory{}).NewLocal(domain.DecoderAdaptive)
	require.ErrorIs(t, err, ErrNoPoster)
}
