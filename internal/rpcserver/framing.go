package rpcserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// readMessage reads one request. The bool reports whether it arrived as a
// bare JSON line rather than a Content-Length frame.
func readMessage(r *bufio.Reader) ([]byte, bool, error) {
	first, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			// A final JSON line without a trailing newline is still a request.
			if last := bytes.TrimSpace([]byte(first)); len(last) > 0 && json.Valid(last) {
				return last, true, nil
			}
			return nil, false, io.EOF
		}
		return nil, false, err
	}

	// Blank lines between frames are tolerated.
	for strings.TrimSpace(first) == "" {
		if first, err = r.ReadString('\n'); err != nil {
			if errors.Is(err, io.EOF) && strings.TrimSpace(first) == "" {
				return nil, false, io.EOF
			}
			return nil, false, err
		}
	}

	if trimmed := strings.TrimSpace(first); strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		payload, err := readJSONLine(r, first)
		return payload, true, err
	}

	length, err := readContentLength(r, first)
	if err != nil {
		return nil, false, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, false, err
	}
	return payload, false, nil
}

func readContentLength(r *bufio.Reader, line string) (int, error) {
	length := -1
	for {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			break
		}
		if key, value, ok := strings.Cut(trimmed, ":"); ok && strings.EqualFold(strings.TrimSpace(key), "Content-Length") {
			parsed, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || parsed < 0 {
				return 0, fmt.Errorf("invalid Content-Length %q", strings.TrimSpace(value))
			}
			length = parsed
		}

		var err error
		if line, err = r.ReadString('\n'); err != nil {
			return 0, err
		}
	}
	if length < 0 {
		return 0, errors.New("missing Content-Length header")
	}
	return length, nil
}

// readJSONLine keeps reading lines until the buffered text is valid JSON, so
// pretty-printed requests spanning several lines are accepted.
func readJSONLine(r *bufio.Reader, first string) ([]byte, error) {
	buf := bytes.NewBufferString(first)
	for {
		if candidate := bytes.TrimSpace(buf.Bytes()); json.Valid(candidate) {
			return candidate, nil
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		buf.WriteString(line)
	}
}

// output serializes writes from the request loop and from event
// notifications raised on the control thread.
type output struct {
	mu       sync.Mutex
	w        *bufio.Writer
	jsonLine bool
	locked   bool
}

func newOutput(w io.Writer) *output {
	return &output{w: bufio.NewWriter(w)}
}

// lockMode fixes the output framing to whatever the first request used.
func (o *output) lockMode(jsonLine bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.locked {
		return false
	}
	o.jsonLine = jsonLine
	o.locked = true
	return true
}

func (o *output) write(payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.jsonLine {
		if _, err := o.w.Write(payload); err != nil {
			return err
		}
		if err := o.w.WriteByte('\n'); err != nil {
			return err
		}
		return o.w.Flush()
	}

	if _, err := fmt.Fprintf(o.w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := o.w.Write(payload); err != nil {
		return err
	}
	return o.w.Flush()
}
