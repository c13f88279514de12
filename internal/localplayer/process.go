package localplayer

import (
	"fmt"
	"os/exec"
	"sync"
)

// process is a launched player the backend can stop.
type process interface {
	Kill() error
	Exited() <-chan struct{}
}

type launcher func(path string, args []string) (process, error)

type execProcess struct {
	cmd      *exec.Cmd
	exited   chan struct{}
	killOnce sync.Once
	killErr  error
}

func execLauncher(path string, args []string) (process, error) {
	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = sysProcAttr()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	p := &execProcess{cmd: cmd, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *execProcess) Kill() error {
	p.killOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		p.killErr = killProcess(p.cmd)
	})
	return p.killErr
}

func (p *execProcess) Exited() <-chan struct{} {
	return p.exited
}
