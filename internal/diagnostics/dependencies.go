package diagnostics

import "os/exec"

var lookPath = exec.LookPath

type BinaryStatus struct {
	Found    bool   `json:"found"`
	Path     string `json:"path,omitempty"`
	Required bool   `json:"required"`
}

// DependencyReport lists the external binaries the players rely on. mpv backs
// the local player; ffprobe is only used for richer media inspection.
type DependencyReport struct {
	MPV                BinaryStatus `json:"mpv"`
	FFprobe            BinaryStatus `json:"ffprobe"`
	AllRequiredPresent bool         `json:"all_required_present"`
}

// DetectDependencies looks up mpv at mpvPath, which may be a bare name
// resolved through PATH or an absolute path.
func DetectDependencies(mpvPath string) DependencyReport {
	if mpvPath == "" {
		mpvPath = "mpv"
	}
	mpv := detectBinary(mpvPath, true)
	ffprobe := detectBinary("ffprobe", false)

	return DependencyReport{
		MPV:                mpv,
		FFprobe:            ffprobe,
		AllRequiredPresent: mpv.Found,
	}
}

func detectBinary(name string, required bool) BinaryStatus {
	path, err := lookPath(name)
	if err != nil {
		return BinaryStatus{Required: required}
	}
	return BinaryStatus{Found: true, Path: path, Required: required}
}
