package castbackend

import (
	"context"
	"errors"
	"mime"
	"net"
	"net/url"
	"path"
	"strings"

	"github.com/h2non/filetype"
	"go2tv.app/go2tv/v2/utils"
)

const (
	fallbackContentType = "application/octet-stream"
	hlsContentType      = "application/vnd.apple.mpegurl"
)

type mediaInfo struct {
	contentType string
	live        bool
}

func describeMedia(source string) mediaInfo {
	if utils.IsHLSStream(source, "") {
		return mediaInfo{contentType: hlsContentType, live: true}
	}
	return mediaInfo{contentType: contentTypeFor(source)}
}

// contentTypeFor guesses the MIME type from the source's path extension.
func contentTypeFor(source string) string {
	ext := mediaExt(source)
	if ext == "" {
		return fallbackContentType
	}
	if kind := filetype.GetType(strings.TrimPrefix(ext, ".")); kind != filetype.Unknown {
		return kind.MIME.Value
	}
	if guessed := mime.TypeByExtension(ext); guessed != "" {
		return strings.TrimSpace(strings.Split(guessed, ";")[0])
	}
	return fallbackContentType
}

func mediaExt(source string) string {
	if parsed, err := url.Parse(source); err == nil && parsed.Path != "" {
		ext := strings.ToLower(path.Ext(parsed.Path))
		if isSafeExt(ext) {
			return ext
		}
	}
	return ""
}

func isSafeExt(ext string) bool {
	if ext == "" || len(ext) > 16 || !strings.HasPrefix(ext, ".") {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func isTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"temporar",
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"network is unreachable",
		"no route to host",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
