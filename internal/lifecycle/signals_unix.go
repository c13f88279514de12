//go:build !windows

package lifecycle

import (
	"os"
	"syscall"
)

func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}

// BackgroundSignals returns the signals that move the session to the
// background and back to the foreground.
func BackgroundSignals() (background, foreground os.Signal, ok bool) {
	return syscall.SIGUSR1, syscall.SIGUSR2, true
}
