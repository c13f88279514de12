package ads

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

type offsetKind int

const (
	offsetPre offsetKind = iota
	offsetMid
	offsetPost
)

type adBreak struct {
	id     string
	kind   offsetKind
	offset time.Duration
	ads    []ad
}

type ad struct {
	id       string
	title    string
	mediaURL string
	duration time.Duration
}

type schedule struct {
	pre  *adBreak
	mids []adBreak
	post *adBreak
}

func (s schedule) empty() bool {
	return s.pre == nil && len(s.mids) == 0 && s.post == nil
}

type vmapDoc struct {
	Breaks []vmapBreak `xml:"AdBreak"`
}

type vmapBreak struct {
	TimeOffset string   `xml:"timeOffset,attr"`
	BreakID    string   `xml:"breakId,attr"`
	VAST       *vastDoc `xml:"AdSource>VASTAdData>VAST"`
}

type vastDoc struct {
	Ads []vastAd `xml:"Ad"`
}

type vastAd struct {
	ID        string         `xml:"id,attr"`
	Sequence  int            `xml:"sequence,attr"`
	Title     string         `xml:"InLine>AdTitle"`
	Creatives []vastCreative `xml:"InLine>Creatives>Creative"`
}

type vastCreative struct {
	Duration   string          `xml:"Linear>Duration"`
	MediaFiles []vastMediaFile `xml:"Linear>MediaFiles>MediaFile"`
}

type vastMediaFile struct {
	Type string `xml:"type,attr"`
	URL  string `xml:",chardata"`
}

// parseSchedule accepts a VMAP document or a bare VAST document, which is
// played as a single pre-roll.
func parseSchedule(body []byte) (schedule, error) {
	root, err := rootElement(body)
	if err != nil {
		return schedule{}, err
	}

	var breaks []adBreak
	switch root {
	case "VMAP":
		var doc vmapDoc
		if err := xml.Unmarshal(body, &doc); err != nil {
			return schedule{}, fmt.Errorf("parse vmap: %w", err)
		}
		for i, raw := range doc.Breaks {
			kind, offset, err := parseOffset(raw.TimeOffset)
			if err != nil || raw.VAST == nil {
				continue
			}
			id := raw.BreakID
			if id == "" {
				id = "break-" + strconv.Itoa(i+1)
			}
			br := adBreak{id: id, kind: kind, offset: offset, ads: linearAds(*raw.VAST)}
			if len(br.ads) > 0 {
				breaks = append(breaks, br)
			}
		}
	case "VAST":
		var doc vastDoc
		if err := xml.Unmarshal(body, &doc); err != nil {
			return schedule{}, fmt.Errorf("parse vast: %w", err)
		}
		if ads := linearAds(doc); len(ads) > 0 {
			breaks = append(breaks, adBreak{id: "preroll", kind: offsetPre, ads: ads})
		}
	default:
		return schedule{}, fmt.Errorf("unsupported ad document root %q", root)
	}

	var s schedule
	for i := range breaks {
		br := breaks[i]
		switch br.kind {
		case offsetPre:
			if s.pre == nil {
				s.pre = &br
			}
		case offsetPost:
			if s.post == nil {
				s.post = &br
			}
		default:
			s.mids = append(s.mids, br)
		}
	}
	sort.SliceStable(s.mids, func(i, j int) bool { return s.mids[i].offset < s.mids[j].offset })
	return s, nil
}

func rootElement(body []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return "", errors.New("ad response is empty")
		}
		if err != nil {
			return "", fmt.Errorf("parse ad response: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

func linearAds(doc vastDoc) []ad {
	ordered := append([]vastAd(nil), doc.Ads...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	return lo.FilterMap(ordered, func(raw vastAd, i int) (ad, bool) {
		creative, ok := lo.Find(raw.Creatives, func(c vastCreative) bool {
			return strings.TrimSpace(c.Duration) != ""
		})
		if !ok {
			return ad{}, false
		}
		duration, err := parseClock(creative.Duration)
		if err != nil {
			return ad{}, false
		}
		id := raw.ID
		if id == "" {
			id = "ad-" + strconv.Itoa(i+1)
		}
		return ad{
			id:       id,
			title:    strings.TrimSpace(raw.Title),
			mediaURL: pickMediaFile(creative.MediaFiles),
			duration: duration,
		}, true
	})
}

func pickMediaFile(files []vastMediaFile) string {
	if mp4, ok := lo.Find(files, func(f vastMediaFile) bool { return strings.EqualFold(f.Type, "video/mp4") }); ok {
		return strings.TrimSpace(mp4.URL)
	}
	if len(files) > 0 {
		return strings.TrimSpace(files[0].URL)
	}
	return ""
}

func parseOffset(raw string) (offsetKind, time.Duration, error) {
	switch v := strings.ToLower(strings.TrimSpace(raw)); v {
	case "start":
		return offsetPre, 0, nil
	case "end":
		return offsetPost, 0, nil
	default:
		d, err := parseClock(v)
		if err != nil {
			return 0, 0, fmt.Errorf("unsupported timeOffset %q", raw)
		}
		if d == 0 {
			return offsetPre, 0, nil
		}
		return offsetMid, d, nil
	}
}

// parseClock parses HH:MM:SS with an optional fractional part.
func parseClock(raw string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid clock value %q", raw)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 {
		return 0, fmt.Errorf("invalid hours in %q", raw)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", raw)
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || seconds < 0 || seconds >= 60 {
		return 0, fmt.Errorf("invalid seconds in %q", raw)
	}
	total := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute
	return total + time.Duration(seconds*float64(time.Second)), nil
}
