package session

import (
	"encoding/json"
	"errors"
	"time"

	"go2tv.app/castsession/internal/adapters"
	"go2tv.app/castsession/internal/domain"
)

type fakeBackend struct {
	kind domain.DecoderKind

	sources      []string
	license      string
	position     time.Duration
	duration     time.Duration
	seeks        []time.Duration
	plays        int
	pauses       int
	freezes      int
	recovers     int
	teardowns    int
	saves        int
	restores     int
	cancelPlay   bool
	visible      bool
	visibleCalls int
	// calls records play and pause in the order the backend honoured them.
	calls []string

	cb   adapters.StateCallback
	sink adapters.EventSink

	sourceErr error
}

func newFakeBackend(kind domain.DecoderKind) *fakeBackend {
	return &fakeBackend{kind: kind, visible: true, duration: 120 * time.Second}
}

func (f *fakeBackend) Play() error {
	if f.cancelPlay {
		return nil
	}
	f.plays++
	f.calls = append(f.calls, "play")
	return nil
}

func (f *fakeBackend) Pause() error {
	f.pauses++
	f.calls = append(f.calls, "pause")
	return nil
}

func (f *fakeBackend) SetSource(uri string) error {
	f.sources = append(f.sources, uri)
	return f.sourceErr
}

func (f *fakeBackend) SetLicenseLocator(uri string) error { f.license = uri; return nil }

func (f *fakeBackend) CurrentPosition() time.Duration { return f.position }

func (f *fakeBackend) SetCurrentPosition(pos time.Duration) error {
	f.seeks = append(f.seeks, pos)
	f.position = pos
	return nil
}

func (f *fakeBackend) Duration() time.Duration { return f.duration }

func (f *fakeBackend) Freeze() error { f.freezes++; return nil }

func (f *fakeBackend) Recover() error { f.recovers++; return nil }

func (f *fakeBackend) Teardown() error { f.teardowns++; return nil }

func (f *fakeBackend) SetShouldCancelPlay(cancel bool) { f.cancelPlay = cancel }

func (f *fakeBackend) SetVisible(visible bool) {
	f.visible = visible
	f.visibleCalls++
}

func (f *fakeBackend) SavePlayerState() error { f.saves++; return nil }

func (f *fakeBackend) RecoverPlayerState() error { f.restores++; return nil }

func (f *fakeBackend) SetStateCallback(cb adapters.StateCallback) { f.cb = cb }

func (f *fakeBackend) SetEventSink(sink adapters.EventSink) { f.sink = sink }

func (f *fakeBackend) signal(s domain.PlayerSignal) {
	if f.cb != nil {
		f.cb.PlayerStateChanged(f, s)
	}
}

func (f *fakeBackend) emit(name, value string) {
	if f.sink != nil {
		f.sink.EventWithValue(f, name, value)
	}
}

type fakeLocalFactory struct {
	created []*fakeBackend
	err     error
}

func (f *fakeLocalFactory) NewLocal(kind domain.DecoderKind) (adapters.PlaybackBackend, error) {
	if f.err != nil {
		return nil, f.err
	}
	b := newFakeBackend(kind)
	f.created = append(f.created, b)
	return b, nil
}

func (f *fakeLocalFactory) SupportedFormats() []string {
	return []string{"mp4", "m3u8", "wvm"}
}

func (f *fakeLocalFactory) last() *fakeBackend {
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type fakeRemoteFactory struct {
	targets  []string
	created  []*fakeBackend
	listener adapters.RemoteListener
	err      error
}

func (f *fakeRemoteFactory) NewRemote(target string, listener adapters.RemoteListener) (adapters.PlaybackBackend, error) {
	f.targets = append(f.targets, target)
	if f.err != nil {
		return nil, f.err
	}
	b := newFakeBackend(domain.DecoderAdaptive)
	f.created = append(f.created, b)
	f.listener = listener
	return b, nil
}

func (f *fakeRemoteFactory) last() *fakeBackend {
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type fakeAd struct {
	sink            adapters.AdSink
	progress        adapters.ProgressProvider
	requests        int
	pauses          int
	resumes         int
	contentComplete int
	teardowns       int
	requestErr      error
}

func (f *fakeAd) RequestAds(progress adapters.ProgressProvider) error {
	f.requests++
	f.progress = progress
	return f.requestErr
}

func (f *fakeAd) Pause() { f.pauses++ }

func (f *fakeAd) Resume() { f.resumes++ }

func (f *fakeAd) NotifyContentComplete() { f.contentComplete++ }

func (f *fakeAd) Teardown() error { f.teardowns++; return nil }

func (f *fakeAd) SetSink(sink adapters.AdSink) { f.sink = sink }

func (f *fakeAd) signal(s domain.PlayerSignal) {
	if f.sink != nil {
		f.sink.AdStateChanged(f, s)
	}
}

func (f *fakeAd) event(name string) {
	if f.sink != nil {
		f.sink.AdEventWithJSON(f, name, json.RawMessage(`{}`))
	}
}

type fakeAdFactory struct {
	created []*fakeAd
	tags    []string
	err     error
}

func (f *fakeAdFactory) NewAdCoordinator(adTag string, _ adapters.Host) (adapters.AdCoordinator, error) {
	f.tags = append(f.tags, adTag)
	if f.err != nil {
		return nil, f.err
	}
	ad := &fakeAd{}
	f.created = append(f.created, ad)
	return ad, nil
}

func (f *fakeAdFactory) last() *fakeAd {
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type fakeHost struct{ alive bool }

func (h fakeHost) Alive() bool { return h.alive }

type recordedEvent struct {
	name  string
	value string
	json  json.RawMessage
}

type fakeListener struct {
	events []recordedEvent
}

func (l *fakeListener) EventWithValue(name, value string) {
	l.events = append(l.events, recordedEvent{name: name, value: value})
}

func (l *fakeListener) EventWithJSON(name string, value json.RawMessage) {
	l.events = append(l.events, recordedEvent{name: name, json: value})
}

func (l *fakeListener) count(name string) int {
	n := 0
	for _, e := range l.events {
		if e.name == name {
			n++
		}
	}
	return n
}

var errUnreachable = errors.New("receiver unreachable")

type harness struct {
	ctrl     *Controller
	locals   *fakeLocalFactory
	remotes  *fakeRemoteFactory
	ads      *fakeAdFactory
	listener *fakeListener
}

func newHarness() *harness {
	h := &harness{
		locals:   &fakeLocalFactory{},
		remotes:  &fakeRemoteFactory{},
		ads:      &fakeAdFactory{},
		listener: &fakeListener{},
	}
	h.ctrl = New(h.listener, Options{Locals: h.locals, Remotes: h.remotes, Ads: h.ads})
	return h
}

// ready loads uri and reports can-play from the new local backend.
func (h *harness) ready(uri string) *fakeBackend {
	h.ctrl.SetSource(uri)
	local := h.locals.last()
	local.signal(domain.SignalCanPlay)
	return local
}
