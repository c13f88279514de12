package localplayer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/avast/retry-go/v5"
)

type ipcCommand struct {
	Command []any `json:"command"`
}

type ipcResponse struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

const (
	commandAttempts = 3
	commandDelay    = 100 * time.Millisecond
	readDeadline    = time.Second
)

// sendCommand runs one IPC command on a fresh connection, retrying transient
// socket errors.
func sendCommand(ctx context.Context, socketPath string, command ...any) (json.RawMessage, error) {
	var data json.RawMessage
	err := retry.New(
		retry.Attempts(commandAttempts),
		retry.Delay(commandDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		result, err := doSendCommand(socketPath, command)
		if err != nil {
			return err
		}
		data = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ipc %v: %w", command[0], err)
	}
	return data, nil
}

func doSendCommand(socketPath string, command []any) (json.RawMessage, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if err := writeCommand(conn, command); err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	// mpv broadcasts some events to every client; skip them until the reply.
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var resp ipcResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		if resp.Event != "" {
			continue
		}
		if resp.Error != "" && resp.Error != "success" {
			return nil, fmt.Errorf("mpv error: %s", resp.Error)
		}
		return resp.Data, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return nil, fmt.Errorf("read: connection closed before reply")
}

func writeCommand(conn net.Conn, command []any) error {
	payload, err := json.Marshal(ipcCommand{Command: command})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// waitForSocket polls until the IPC socket accepts connections or the
// process exits.
func waitForSocket(ctx context.Context, socketPath string, exited <-chan struct{}, timeout time.Duration) error {
	attempts := uint(timeout / socketPollDelay)
	if attempts == 0 {
		attempts = 1
	}
	return retry.New(
		retry.Attempts(attempts),
		retry.Delay(socketPollDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, ErrExited) }),
	).Do(func() error {
		select {
		case <-exited:
			return ErrExited
		default:
		}
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			return err
		}
		return conn.Close()
	})
}
