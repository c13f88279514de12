package session

import (
	"net/url"
	"path"
	"strings"

	"go2tv.app/castsession/internal/domain"
)

// legacyContainerExt is the classic DRM container only the legacy decoder can open.
const legacyContainerExt = ".wvm"

// SelectDecoder picks the local decoder variant from the source's path suffix.
// Query strings and fragments are ignored.
func SelectDecoder(source string) domain.DecoderKind {
	p := strings.TrimSpace(source)
	if parsed, err := url.Parse(p); err == nil && parsed.Path != "" {
		p = parsed.Path
	}
	if strings.EqualFold(path.Ext(p), legacyContainerExt) {
		return domain.DecoderLegacy
	}
	return domain.DecoderAdaptive
}

// FormatReporter is implemented by local factories that can list the formats
// their decoders accept.
type FormatReporter interface {
	SupportedFormats() []string
}
