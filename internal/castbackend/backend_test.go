package castbackend

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go2tv.app/go2tv/v2/castprotocol"

	"go2tv.app/castsession/internal/adapters"
	"go2tv.app/castsession/internal/dispatch"
	"go2tv.app/castsession/internal/domain"
)

type fakeResolver struct {
	device *domain.Device
	err    error
}

func (f fakeResolver) Resolve(context.Context, string) (*domain.Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.device, nil
}

type fakeCastFactory struct {
	client *fakeCastClient
	err    error
}

func (f *fakeCastFactory) NewCastClient(deviceAddr string) (adapters.CastClient, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.client.mu.Lock()
	f.client.deviceAddr = deviceAddr
	f.client.mu.Unlock()
	return f.client, nil
}

type fakeCastClient struct {
	mu sync.Mutex

	deviceAddr   string
	connectGate  chan struct{}
	// statusGate, when set, blocks every status poll after the first until closed.
	statusGate   chan struct{}
	connectErrs  []error
	loadErr      error
	statuses     []castprotocol.CastStatus
	loadURL      string
	loadType     string
	loadStart    int
	loadLive     bool
	seeks        []int
	connectCalls int
	loadCalls    int
	playCalls    int
	pauseCalls   int
	stopCalls    int
	closeCalls   int
	statusCalls  int
}

func (f *fakeCastClient) Connect() error {
	if f.connectGate != nil {
		<-f.connectGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if len(f.connectErrs) == 0 {
		return nil
	}
	idx := min(f.connectCalls-1, len(f.connectErrs)-1)
	return f.connectErrs[idx]
}

func (f *fakeCastClient) Load(mediaURL, contentType string, startTime int, _ float64, _ string, live bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls++
	f.loadURL = mediaURL
	f.loadType = contentType
	f.loadStart = startTime
	f.loadLive = live
	return f.loadErr
}

func (f *fakeCastClient) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playCalls++
	return nil
}

func (f *fakeCastClient) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseCalls++
	return nil
}

func (f *fakeCastClient) Seek(seconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, seconds)
	return nil
}

func (f *fakeCastClient) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return nil
}

func (f *fakeCastClient) GetStatus() (*castprotocol.CastStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	calls, gate := f.statusCalls, f.statusGate
	status := castprotocol.CastStatus{PlayerState: "BUFFERING"}
	if len(f.statuses) > 0 {
		status = f.statuses[min(calls-1, len(f.statuses)-1)]
	}
	f.mu.Unlock()

	if gate != nil && calls > 1 {
		<-gate
	}
	return &status, nil
}

func (f *fakeCastClient) Close(bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeCastClient) snapshot() fakeCastClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeCastClient{
		deviceAddr:   f.deviceAddr,
		loadURL:      f.loadURL,
		loadType:     f.loadType,
		loadStart:    f.loadStart,
		loadLive:     f.loadLive,
		seeks:        append([]int(nil), f.seeks...),
		connectCalls: f.connectCalls,
		loadCalls:    f.loadCalls,
		playCalls:    f.playCalls,
		pauseCalls:   f.pauseCalls,
		stopCalls:    f.stopCalls,
		closeCalls:   f.closeCalls,
		statusCalls:  f.statusCalls,
	}
}

type listenerEvent struct {
	kind string
	err  error
}

type recorder struct {
	events chan listenerEvent
}

func newRecorder() *recorder {
	return &recorder{events: make(chan listenerEvent, 64)}
}

func (r *recorder) RemoteReady(adapters.PlaybackBackend)  { r.events <- listenerEvent{kind: "ready"} }
func (r *recorder) MediaLoaded(adapters.PlaybackBackend)  { r.events <- listenerEvent{kind: "loaded"} }
func (r *recorder) RemoteFailed(_ adapters.PlaybackBackend, err error) {
	r.events <- listenerEvent{kind: "failed", err: err}
}

func (r *recorder) PlayerStateChanged(_ adapters.PlaybackBackend, s domain.PlayerSignal) {
	r.events <- listenerEvent{kind: s.String()}
}

func (r *recorder) EventWithValue(adapters.PlaybackBackend, string, string)          {}
func (r *recorder) EventWithJSON(adapters.PlaybackBackend, string, json.RawMessage) {}

func (r *recorder) wait(t *testing.T, kind string) listenerEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev.kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

type fixture struct {
	loop    *dispatch.Loop
	client  *fakeCastClient
	rec     *recorder
	factory *Factory
}

var livingRoom = &domain.Device{ID: "dev_1", Name: "Living Room TV", Address: "http://192.168.1.20:8009", Protocol: "chromecast"}

func newFixture(t *testing.T, client *fakeCastClient) *fixture {
	t.Helper()
	loop := dispatch.New(64, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	return &fixture{
		loop:   loop,
		client: client,
		rec:    newRecorder(),
		factory: &Factory{
			Resolver:     fakeResolver{device: livingRoom},
			Casts:        &fakeCastFactory{client: client},
			Poster:       loop,
			Attempts:     3,
			Backoff:      time.Millisecond,
			PollInterval: 10 * time.Millisecond,
		},
	}
}

func (fx *fixture) call(t *testing.T, fn func() error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fx.loop.Call(ctx, fn))
}

func (fx *fixture) connect(t *testing.T) adapters.PlaybackBackend {
	t.Helper()
	var backend adapters.PlaybackBackend
	fx.call(t, func() error {
		b, err := fx.factory.NewRemote("Living Room TV", fx.rec)
		if err != nil {
			return err
		}
		b.SetStateCallback(fx.rec)
		b.SetEventSink(fx.rec)
		backend = b
		return nil
	})
	t.Cleanup(func() {
		_ = fx.loop.Call(context.Background(), backend.Teardown)
	})
	fx.rec.wait(t, "ready")
	return backend
}

func TestConnectReportsReady(t *testing.T) {
	fx := newFixture(t, &fakeCastClient{})
	fx.connect(t)

	got := fx.client.snapshot()
	require.Equal(t, 1, got.connectCalls)
	require.Equal(t, livingRoom.Address, got.deviceAddr)
}

func TestConnectRetriesTransientErrors(t *testing.T) {
	fx := newFixture(t, &fakeCastClient{connectErrs: []error{errors.New("dial tcp: connection refused"), nil}})
	fx.connect(t)

	require.Equal(t, 2, fx.client.snapshot().connectCalls)
}

func TestConnectPermanentFailureReportsFailed(t *testing.T) {
	fx := newFixture(t, &fakeCastClient{connectErrs: []error{errors.New("receiver rejected session")}})

	fx.call(t, func() error {
		_, err := fx.factory.NewRemote("Living Room TV", fx.rec)
		return err
	})
	ev := fx.rec.wait(t, "failed")

	require.ErrorContains(t, ev.err, "receiver rejected session")
	got := fx.client.snapshot()
	require.Equal(t, 1, got.connectCalls)
	require.Equal(t, 1, got.closeCalls)
}

func TestResolveFailureReportsFailed(t *testing.T) {
	fx := newFixture(t, &fakeCastClient{})
	fx.factory.Resolver = fakeResolver{err: errors.New("cast target not found")}

	fx.call(t, func() error {
		_, err := fx.factory.NewRemote("Attic", fx.rec)
		return err
	})
	ev := fx.rec.wait(t, "failed")
	require.ErrorContains(t, ev.err, "cast target not found")
}

func TestLoadUsesRequestedStartAndReportsLoadedThenEnded(t *testing.T) {
	client := &fakeCastClient{statuses: []castprotocol.CastStatus{
		{PlayerState: "PLAYING", CurrentTime: 42},
		{PlayerState: "PLAYING", CurrentTime: 43},
		{PlayerState: "IDLE"},
	}}
	fx := newFixture(t, client)
	backend := fx.connect(t)

	fx.call(t, func() error {
		if err := backend.SetCurrentPosition(42 * time.Second); err != nil {
			return err
		}
		return backend.SetSource("https://cdn.example.com/vod/episode.mp4")
	})
	fx.rec.wait(t, "loaded")
	fx.rec.wait(t, domain.SignalEnded.String())

	got := client.snapshot()
	require.Equal(t, "https://cdn.example.com/vod/episode.mp4", got.loadURL)
	require.Equal(t, "video/mp4", got.loadType)
	require.Equal(t, 42, got.loadStart)
	require.False(t, got.loadLive)
	require.Empty(t, got.seeks)

	require.Never(t, func() bool {
		select {
		case ev := <-fx.rec.events:
			return ev.kind == domain.SignalEnded.String()
		default:
			return false
		}
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestHLSSourceLoadsAsLive(t *testing.T) {
	client := &fakeCastClient{}
	fx := newFixture(t, client)
	backend := fx.connect(t)

	fx.call(t, func() error { return backend.SetSource("https://cdn.example.com/live/master.m3u8") })
	fx.rec.wait(t, "loaded")

	got := client.snapshot()
	require.True(t, got.loadLive)
	require.Equal(t, hlsContentType, got.loadType)
}

func TestLoadFailureReportsFailed(t *testing.T) {
	client := &fakeCastClient{loadErr: errors.New("media rejected")}
	fx := newFixture(t, client)
	backend := fx.connect(t)

	fx.call(t, func() error { return backend.SetSource("https://cdn.example.com/vod/episode.mp4") })
	ev := fx.rec.wait(t, "failed")
	require.ErrorContains(t, ev.err, "media rejected")
}

func TestControlsForwardAfterLoad(t *testing.T) {
	client := &fakeCastClient{statuses: []castprotocol.CastStatus{{PlayerState: "PAUSED", CurrentTime: 10}}}
	fx := newFixture(t, client)
	backend := fx.connect(t)

	fx.call(t, func() error { return backend.SetSource("https://cdn.example.com/vod/episode.mp4") })
	fx.rec.wait(t, "loaded")

	fx.call(t, func() error {
		if err := backend.SetCurrentPosition(50 * time.Second); err != nil {
			return err
		}
		if err := backend.Play(); err != nil {
			return err
		}
		backend.SetShouldCancelPlay(true)
		if err := backend.Play(); err != nil {
			return err
		}
		return backend.Pause()
	})

	require.Eventually(t, func() bool {
		got := client.snapshot()
		return len(got.seeks) == 1 && got.seeks[0] == 50 && got.playCalls == 1 && got.pauseCalls == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTeardownStopsAndClosesOnce(t *testing.T) {
	client := &fakeCastClient{statuses: []castprotocol.CastStatus{{PlayerState: "PLAYING", CurrentTime: 1}}}
	fx := newFixture(t, client)
	backend := fx.connect(t)
	fx.call(t, func() error { return backend.SetSource("https://cdn.example.com/vod/episode.mp4") })
	fx.rec.wait(t, "loaded")

	fx.call(t, backend.Teardown)
	fx.call(t, backend.Teardown)

	require.Eventually(t, func() bool {
		got := client.snapshot()
		return got.stopCalls == 1 && got.closeCalls == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return client.snapshot().closeCalls > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	var err error
	fx.call(t, func() error { err = backend.Play(); return nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestTeardownDoesNotWaitForStuckStatusPoll(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeCastClient{
		statusGate: gate,
		statuses:   []castprotocol.CastStatus{{PlayerState: "PLAYING", CurrentTime: 5}},
	}
	fx := newFixture(t, client)
	backend := fx.connect(t)
	t.Cleanup(func() { close(gate) })

	fx.call(t, func() error { return backend.SetSource("https://cdn.example.com/vod/episode.mp4") })
	fx.rec.wait(t, "loaded")
	require.Eventually(t, func() bool { return client.snapshot().statusCalls >= 2 }, 2*time.Second, 5*time.Millisecond)

	begin := time.Now()
	fx.call(t, backend.Teardown)
	require.Less(t, time.Since(begin), 500*time.Millisecond)

	require.Eventually(t, func() bool { return client.snapshot().closeCalls == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestTeardownWhileConnectingClosesLateClient(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeCastClient{connectGate: gate}
	fx := newFixture(t, client)

	var backend adapters.PlaybackBackend
	fx.call(t, func() error {
		b, err := fx.factory.NewRemote("Living Room TV", fx.rec)
		backend = b
		return err
	})
	fx.call(t, backend.Teardown)
	close(gate)

	require.Eventually(t, func() bool {
		return client.snapshot().closeCalls == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return len(fx.rec.events) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestContentTypeFor(t *testing.T) {
	cases := map[string]string{
		"https://cdn.example.com/a/movie.mp4":     "video/mp4",
		"https://cdn.example.com/a/movie.MKV?x=1": "video/x-matroska",
		"https://cdn.example.com/a/track.mp3":     "audio/mpeg",
		"https://cdn.example.com/a/stream":        fallbackContentType,
		"https://cdn.example.com/a/odd.m$v":       fallbackContentType,
	}
	for source, want := range cases {
		require.Equal(t, want, contentTypeFor(source), source)
	}
}

func TestIsTransientNetworkError(t *testing.T) {
	require.True(t, isTransientNetworkError(errors.New("read: connection reset by peer")))
	require.True(t, isTransientNetworkError(errors.New("i/o timeout")))
	require.False(t, isTransientNetworkError(context.Canceled))
	require.False(t, isTransientNetworkError(errors.New("receiver rejected session")))
	require.False(t, isTransientNetworkError(nil))
}
