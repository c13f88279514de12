//go:build windows

package lifecycle

import "os"

func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// BackgroundSignals reports ok=false: there is no user signal pair on Windows,
// so backgrounding is only reachable through the control surface.
func BackgroundSignals() (background, foreground os.Signal, ok bool) {
	return nil, nil, false
}
