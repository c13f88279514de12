// Package ads runs VMAP/VAST ad schedules around content playback.
package ads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/samber/mo"

	"go2tv.app/castsession/internal/adapters"
	"go2tv.app/castsession/internal/dispatch"
	"go2tv.app/castsession/internal/domain"
)

var (
	ErrInvalidTag = errors.New("ad tag must be an absolute http(s) URL")
	ErrClosed     = errors.New("ad coordinator is torn down")
	ErrNoPoster   = errors.New("ad coordinator requires a dispatch poster")
)

const (
	defaultFetchTimeout     = 8 * time.Second
	defaultProgressInterval = 250 * time.Millisecond
	maxResponseBytes        = 2 << 20
)

// Factory builds coordinators. It implements adapters.AdFactory.
type Factory struct {
	Poster           dispatch.Poster
	Logger           *slog.Logger
	FetchTimeout     time.Duration
	FetchRetries     int
	ProgressInterval time.Duration
}

func (f *Factory) NewAdCoordinator(adTag string, host adapters.Host) (adapters.AdCoordinator, error) {
	if f.Poster == nil {
		return nil, ErrNoPoster
	}
	tag := strings.TrimSpace(adTag)
	parsed, err := url.Parse(tag)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, ErrInvalidTag
	}

	logger := f.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := f.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	interval := f.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}

	client := retryablehttp.NewClient()
	client.RetryMax = max(f.FetchRetries, 0)
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = logger.With(slog.String("component", "ad_fetch"))

	return &Coordinator{
		tag:      tag,
		host:     mo.Some(host),
		client:   client,
		poster:   f.Poster,
		logger:   logger.With(slog.String("component", "ads")),
		interval: interval,
		budget:   timeout * time.Duration(client.RetryMax+1),
	}, nil
}

type runningBreak struct {
	brk   adBreak
	index int
}

// Coordinator owns one ad schedule. Exported methods and sink callbacks run on
// the control thread; fetches, timers and progress polling post back to it.
type Coordinator struct {
	tag      string
	host     mo.Option[adapters.Host]
	client   *retryablehttp.Client
	poster   dispatch.Poster
	logger   *slog.Logger
	interval time.Duration
	budget   time.Duration

	sink     adapters.AdSink
	progress adapters.ProgressProvider

	requested       bool
	sched           schedule
	active          *runningBreak
	paused          bool
	contentComplete bool
	allDone         bool
	torn            bool
	gen             uint64

	timer        *time.Timer
	timerSeq     uint64
	timerStarted time.Time
	remaining    time.Duration

	fetchCancel    context.CancelFunc
	progressCancel context.CancelFunc
}

func (c *Coordinator) SetSink(sink adapters.AdSink) { c.sink = sink }

// RequestAds starts fetching the ad tag. The schedule starts running once
// the response is parsed.
func (c *Coordinator) RequestAds(progress adapters.ProgressProvider) error {
	if c.torn {
		return ErrClosed
	}
	if c.requested {
		return nil
	}
	c.requested = true
	c.progress = progress

	ctx, cancel := context.WithTimeout(context.Background(), c.budget)
	c.fetchCancel = cancel
	gen := c.gen
	c.logger.Info("ad_request", slog.String("ad_tag", c.tag))
	go func() {
		defer cancel()
		sched, err := c.fetch(ctx)
		c.poster.Post(func() { c.scheduleLoaded(gen, sched, err) })
	}()
	return nil
}

func (c *Coordinator) fetch(ctx context.Context) (schedule, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.tag, nil)
	if err != nil {
		return schedule{}, fmt.Errorf("build ad request: %w", err)
	}
	req.Header.Set("Accept", "application/xml, text/xml")

	resp, err := c.client.Do(req)
	if err != nil {
		return schedule{}, fmt.Errorf("fetch ad tag: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return schedule{}, fmt.Errorf("ad tag returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return schedule{}, fmt.Errorf("read ad response: %w", err)
	}
	return parseSchedule(body)
}

func (c *Coordinator) scheduleLoaded(gen uint64, sched schedule, err error) {
	if c.torn || gen != c.gen {
		return
	}
	c.fetchCancel = nil
	if err != nil {
		c.logger.Warn("ad_request_failed", slog.String("error", err.Error()))
		c.emit(domain.EventAdError, map[string]string{"message": err.Error()})
		c.signal(domain.SignalShouldPlay)
		return
	}

	c.sched = sched
	c.logger.Info("ad_schedule_loaded",
		slog.Bool("preroll", sched.pre != nil),
		slog.Int("midrolls", len(sched.mids)),
		slog.Bool("postroll", sched.post != nil),
	)
	if len(sched.mids) > 0 {
		c.startProgress()
	}
	if pre := sched.pre; pre != nil {
		c.sched.pre = nil
		c.startBreak(*pre)
		return
	}
	c.signal(domain.SignalShouldPlay)
	if sched.empty() {
		c.complete()
	}
}

// Pause holds the current ad and remembers how much of it is left.
func (c *Coordinator) Pause() {
	if c.torn || c.paused {
		return
	}
	c.paused = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
		c.timerSeq++
		c.remaining = max(c.remaining-time.Since(c.timerStarted), 0)
	}
}

func (c *Coordinator) Resume() {
	if c.torn || !c.paused {
		return
	}
	c.paused = false
	if c.active != nil {
		c.armTimer(c.remaining)
	}
}

// NotifyContentComplete runs the post-roll, if any, and then reports that the
// end of content was consumed.
func (c *Coordinator) NotifyContentComplete() {
	if c.torn || c.contentComplete {
		return
	}
	c.contentComplete = true
	c.stopProgress()
	if c.active != nil {
		return
	}
	if post := c.sched.post; post != nil && !c.allDone {
		c.sched.post = nil
		c.startBreak(*post)
		return
	}
	c.finishContent()
}

// Teardown stops timers, polling and any in-flight fetch. It is idempotent.
func (c *Coordinator) Teardown() error {
	if c.torn {
		return nil
	}
	c.torn = true
	c.gen++
	if c.fetchCancel != nil {
		c.fetchCancel()
		c.fetchCancel = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.stopProgress()
	c.active = nil
	c.sink = nil
	c.progress = nil
	c.host = mo.None[adapters.Host]()
	return nil
}

func (c *Coordinator) hostAlive() bool {
	host, ok := c.host.Get()
	return ok && host != nil && host.Alive()
}

func (c *Coordinator) startBreak(br adBreak) {
	if !c.hostAlive() {
		c.logger.Warn("ad_break_skipped", slog.String("break_id", br.id), slog.String("reason", "host unavailable"))
		c.emit(domain.EventAdError, map[string]string{"message": "host unavailable", "breakId": br.id})
		c.afterBreak(br)
		return
	}

	c.active = &runningBreak{brk: br}
	c.logger.Info("ad_break_started", slog.String("break_id", br.id), slog.Int("ads", len(br.ads)))
	c.signal(domain.SignalShouldPause)
	if c.torn {
		return
	}
	c.emit(domain.EventAdBreakStarted, map[string]any{
		"breakId": br.id,
		"offset":  domain.Seconds(br.offset),
		"ads":     len(br.ads),
	})
	c.startAd()
}

func (c *Coordinator) startAd() {
	if c.torn || c.active == nil {
		return
	}
	current := c.active.brk.ads[c.active.index]
	c.emit(domain.EventAdStarted, map[string]any{
		"adId":     current.id,
		"title":    current.title,
		"mediaUrl": current.mediaURL,
		"duration": domain.Seconds(current.duration),
	})
	c.armTimer(current.duration)
}

func (c *Coordinator) armTimer(d time.Duration) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
	c.remaining = d
	if c.paused {
		return
	}
	seq, gen := c.timerSeq, c.gen
	c.timerStarted = time.Now()
	c.timer = time.AfterFunc(d, func() {
		c.poster.Post(func() { c.adFinished(gen, seq) })
	})
}

func (c *Coordinator) adFinished(gen, seq uint64) {
	if c.torn || gen != c.gen || seq != c.timerSeq || c.active == nil {
		return
	}
	c.timer = nil
	run := c.active
	c.emit(domain.EventAdCompleted, map[string]string{"adId": run.brk.ads[run.index].id})
	if c.torn {
		return
	}
	run.index++
	if run.index < len(run.brk.ads) {
		c.startAd()
		return
	}

	c.active = nil
	c.logger.Info("ad_break_completed", slog.String("break_id", run.brk.id))
	c.emit(domain.EventAdBreakEnded, map[string]string{"breakId": run.brk.id})
	if c.torn {
		return
	}
	c.afterBreak(run.brk)
}

// afterBreak hands control back once a break is over or skipped.
func (c *Coordinator) afterBreak(br adBreak) {
	if c.contentComplete && br.kind != offsetPost {
		if post := c.sched.post; post != nil {
			c.sched.post = nil
			c.startBreak(*post)
			return
		}
	}
	if br.kind == offsetPost || c.contentComplete {
		c.finishContent()
		return
	}
	c.signal(domain.SignalShouldPlay)
	if c.torn {
		return
	}
	if len(c.sched.mids) == 0 && c.sched.post == nil {
		c.complete()
	}
}

func (c *Coordinator) complete() {
	if c.allDone {
		return
	}
	c.allDone = true
	c.stopProgress()
	c.logger.Info("ad_schedule_completed")
	c.emit(domain.EventAllAdsCompleted, map[string]any{})
	c.host = mo.None[adapters.Host]()
}

func (c *Coordinator) finishContent() {
	c.complete()
	if c.torn || c.sink == nil {
		return
	}
	// The sink typically tears this coordinator down from inside the call.
	c.sink.AdsConsumedContentEnd(c)
}

func (c *Coordinator) startProgress() {
	if c.progressCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.progressCancel = cancel
	gen := c.gen
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.poster.Post(func() { c.checkProgress(gen) }) {
					return
				}
			}
		}
	}()
}

func (c *Coordinator) stopProgress() {
	if c.progressCancel != nil {
		c.progressCancel()
		c.progressCancel = nil
	}
}

// checkProgress starts the earliest mid-roll whose offset content has passed.
func (c *Coordinator) checkProgress(gen uint64) {
	if c.torn || gen != c.gen || c.active != nil || c.contentComplete || c.progress == nil {
		return
	}
	position, _, ok := c.progress.ContentProgress()
	if !ok || len(c.sched.mids) == 0 {
		return
	}
	due := 0
	for due < len(c.sched.mids) && c.sched.mids[due].offset <= position {
		due++
	}
	if due == 0 {
		return
	}
	// Breaks skipped over by a seek collapse into the latest one.
	next := c.sched.mids[due-1]
	c.sched.mids = c.sched.mids[due:]
	if len(c.sched.mids) == 0 {
		c.stopProgress()
	}
	c.startBreak(next)
}

func (c *Coordinator) signal(s domain.PlayerSignal) {
	if c.sink != nil {
		c.sink.AdStateChanged(c, s)
	}
}

func (c *Coordinator) emit(name string, payload any) {
	if c.sink == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("ad_event_encode_failed", slog.String("event", name), slog.String("error", err.Error()))
		return
	}
	c.sink.AdEventWithJSON(c, name, raw)
}

var _ adapters.AdCoordinator = (*Coordinator)(nil)
var _ adapters.AdFactory = (*Factory)(nil)
