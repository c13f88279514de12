// Package discovery finds cast receivers on the local network and resolves a
// user-supplied target to one of them.
package discovery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go2tv.app/go2tv/v2/devices"

	"go2tv.app/castsession/internal/adapters"
	"go2tv.app/castsession/internal/domain"
)

const (
	defaultTimeoutMS             = 2500
	fallbackTimeoutMS            = 5000
	reachabilityWait             = 400 * time.Millisecond
	defaultDiscoveryDelaySeconds = 1
	maxPerAttemptTimeoutMS       = 3000

	protocolChromecast = "chromecast"
)

var (
	ErrNotConfigured  = errors.New("discovery adapter is not configured")
	ErrTargetNotFound = errors.New("cast target not found")
	ErrEmptyTarget    = errors.New("cast target is empty")
)

var isReachableAddress = defaultReachableAddress

type Service struct {
	adapter   adapters.Discovery
	loopCtx   context.Context
	timeoutMS int
	once      sync.Once
}

func NewService(adapter adapters.Discovery, loopCtx context.Context, timeoutMS int) *Service {
	if loopCtx == nil {
		loopCtx = context.Background()
	}
	if timeoutMS <= 0 {
		timeoutMS = defaultTimeoutMS
	}

	return &Service{
		adapter:   adapter,
		loopCtx:   loopCtx,
		timeoutMS: timeoutMS,
	}
}

// CastTargets lists Chromecast receivers, sorted by name.
func (s *Service) CastTargets(ctx context.Context, timeoutMS int, includeUnreachable bool) ([]domain.Device, error) {
	if s.adapter == nil {
		return nil, ErrNotConfigured
	}
	if timeoutMS <= 0 {
		timeoutMS = s.timeoutMS
	}

	s.once.Do(func() {
		s.adapter.StartChromecastDiscoveryLoop(s.loopCtx)
	})

	resultCh := make(chan struct {
		devices []devices.Device
		err     error
	}, 1)

	go func() {
		loaded, err := s.loadAllDevicesUntilTimeout(ctx, timeoutMS)
		resultCh <- struct {
			devices []devices.Device
			err     error
		}{devices: loaded, err: err}
	}()

	timeout := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.C:
		return []domain.Device{}, nil
	case result := <-resultCh:
		if result.err != nil {
			if errors.Is(result.err, devices.ErrNoDeviceAvailable) {
				return []domain.Device{}, nil
			}
			return nil, result.err
		}

		targets := lo.Filter(normalizeDevices(result.devices), func(d domain.Device, _ int) bool {
			return d.Protocol == protocolChromecast
		})
		if !includeUnreachable {
			targets = lo.Filter(targets, func(d domain.Device, _ int) bool {
				return isReachableAddress(d.Address, reachabilityWait)
			})
		}
		sortDevices(targets)
		return targets, nil
	}
}

// Resolve finds the receiver named by target, widening the discovery window
// once before giving up.
func (s *Service) Resolve(ctx context.Context, target string) (*domain.Device, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, ErrEmptyTarget
	}

	timeouts := lo.Uniq([]int{s.timeoutMS, max(s.timeoutMS, fallbackTimeoutMS)})
	for _, timeoutMS := range timeouts {
		targets, err := s.CastTargets(ctx, timeoutMS, true)
		if err != nil {
			return nil, fmt.Errorf("device discovery failed: %w", err)
		}
		if matched := matchTarget(targets, target); matched != nil {
			return matched, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, target)
}

func (s *Service) loadAllDevicesUntilTimeout(ctx context.Context, timeoutMS int) ([]devices.Device, error) {
	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remainingMS := int(time.Until(deadline).Milliseconds())
		if remainingMS <= 0 {
			if errors.Is(lastErr, devices.ErrNoDeviceAvailable) || lastErr == nil {
				return []devices.Device{}, nil
			}
			return nil, lastErr
		}

		attemptDelaySeconds := timeoutToDelaySeconds(min(remainingMS, maxPerAttemptTimeoutMS))

		loaded, err := s.adapter.LoadAllDevices(attemptDelaySeconds)
		if err == nil {
			if len(loaded) > 0 {
				return loaded, nil
			}
			return []devices.Device{}, nil
		}
		if !errors.Is(err, devices.ErrNoDeviceAvailable) {
			return nil, err
		}

		lastErr = err
	}
}

func timeoutToDelaySeconds(timeoutMS int) int {
	seconds := int(math.Ceil(float64(timeoutMS) / 1000.0))
	if seconds <= 0 {
		return defaultDiscoveryDelaySeconds
	}
	return seconds
}

// matchTarget prefers exact id, then exact name, then case-insensitive id or
// name, then the name without a parenthesized suffix.
func matchTarget(all []domain.Device, target string) *domain.Device {
	target = strings.TrimSpace(target)
	normalizedTarget := normalizeTarget(target)

	matchers := []func(d domain.Device) bool{
		func(d domain.Device) bool { return strings.TrimSpace(d.ID) == target },
		func(d domain.Device) bool { return strings.TrimSpace(d.Name) == target },
		func(d domain.Device) bool {
			return strings.EqualFold(strings.TrimSpace(d.ID), target) ||
				strings.EqualFold(strings.TrimSpace(d.Name), target) ||
				normalizeTarget(d.Name) == normalizedTarget
		},
	}
	for _, match := range matchers {
		if found, ok := lo.Find(all, match); ok {
			return &found
		}
	}
	return nil
}

func normalizeTarget(v string) string {
	normalized := strings.ToLower(strings.TrimSpace(v))
	if idx := strings.LastIndex(normalized, " ("); idx > 0 && strings.HasSuffix(normalized, ")") {
		normalized = strings.TrimSpace(normalized[:idx])
	}
	return normalized
}

func normalizeDevices(discovered []devices.Device) []domain.Device {
	return lo.Map(discovered, func(raw devices.Device, _ int) domain.Device {
		protocol := normalizeProtocol(raw.Type)
		address := strings.TrimSpace(raw.Addr)
		return domain.Device{
			ID:           stableID(protocol, address),
			Name:         strings.TrimSpace(raw.Name),
			Type:         strings.TrimSpace(raw.Type),
			Address:      address,
			IsAudioOnly:  raw.IsAudioOnly,
			Protocol:     protocol,
			Capabilities: capabilitiesFor(protocol, raw.IsAudioOnly),
		}
	})
}

func sortDevices(all []domain.Device) {
	sort.Slice(all, func(i, j int) bool {
		if strings.ToLower(all[i].Name) != strings.ToLower(all[j].Name) {
			return strings.ToLower(all[i].Name) < strings.ToLower(all[j].Name)
		}
		if strings.ToLower(all[i].Address) != strings.ToLower(all[j].Address) {
			return strings.ToLower(all[i].Address) < strings.ToLower(all[j].Address)
		}
		return all[i].ID < all[j].ID
	})
}

func stableID(protocol, address string) string {
	canonical := fmt.Sprintf("%s|%s", protocol, canonicalAddress(address))
	sum := sha1.Sum([]byte(canonical))
	return "dev_" + hex.EncodeToString(sum[:8])
}

func canonicalAddress(address string) string {
	parsed, err := url.Parse(address)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(address))
	}

	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	if port == "" {
		if strings.EqualFold(parsed.Scheme, "https") {
			port = "443"
		} else {
			port = "80"
		}
	}

	path := strings.TrimSpace(strings.ToLower(parsed.EscapedPath()))
	if path == "" {
		path = "/"
	}

	return fmt.Sprintf("%s://%s:%s%s", strings.ToLower(parsed.Scheme), host, port, path)
}

func normalizeProtocol(kind string) string {
	lower := strings.ToLower(strings.TrimSpace(kind))
	if strings.Contains(lower, "chrome") {
		return protocolChromecast
	}
	if strings.Contains(lower, "dlna") {
		return "dlna"
	}
	return lower
}

func capabilitiesFor(protocol string, audioOnly bool) domain.Capabilities {
	caps := domain.Capabilities{Limitations: []domain.Limitation{}}
	if protocol != protocolChromecast {
		caps.Limitations = append(caps.Limitations, domain.Limitation{
			Code:    "PROTOCOL_UNSUPPORTED",
			Message: "Only Chromecast receivers can take over a playback session.",
		})
		return caps
	}

	caps.SupportsHLSM3U8URL = true
	caps.SupportsSeek = true
	caps.SupportsVideo = !audioOnly
	if audioOnly {
		caps.Limitations = append(caps.Limitations, domain.Limitation{
			Code:    "AUDIO_ONLY",
			Message: "Receiver plays the audio track only.",
		})
	}
	return caps
}

func defaultReachableAddress(address string, timeout time.Duration) bool {
	parsed, err := url.Parse(address)
	if err != nil {
		return false
	}

	hostPort := parsed.Host
	if hostPort == "" {
		return false
	}
	if parsed.Port() == "" {
		if strings.EqualFold(parsed.Scheme, "https") {
			hostPort = net.JoinHostPort(parsed.Hostname(), "443")
		} else {
			hostPort = net.JoinHostPort(parsed.Hostname(), "80")
		}
	}

	conn, err := net.DialTimeout("tcp", hostPort, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
