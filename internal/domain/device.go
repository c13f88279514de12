package domain

// Device is a cast receiver found on the local network.
type Device struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         string       `json:"type"`
	Address      string       `json:"address"`
	IsAudioOnly  bool         `json:"is_audio_only"`
	Protocol     string       `json:"protocol"`
	Capabilities Capabilities `json:"capabilities"`
}

type Capabilities struct {
	SupportsVideo      bool         `json:"supports_video"`
	SupportsHLSM3U8URL bool         `json:"supports_hls_m3u8_url"`
	SupportsSeek       bool         `json:"supports_seek"`
	Limitations        []Limitation `json:"limitations"`
}

type Limitation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
