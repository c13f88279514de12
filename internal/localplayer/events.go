package localplayer

import (
	"bufio"
	"encoding/json"
	"net"
	"time"
)

type eventKind int

const (
	evLoaded eventKind = iota + 1
	evTime
	evDuration
	evPause
	evEnded
	evFailed
)

type playerEvent struct {
	kind     eventKind
	position time.Duration
	paused   bool
	message  string
}

// mpvMessage is one newline-delimited JSON object from the IPC socket:
// either a command reply or an event.
type mpvMessage struct {
	Event     string          `json:"event"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	Reason    string          `json:"reason"`
	FileError string          `json:"file_error"`
	Error     string          `json:"error"`
}

var observedProperties = []struct {
	id   int
	name string
}{
	{1, "time-pos"},
	{2, "duration"},
	{3, "pause"},
	{4, "eof-reached"},
}

func translate(msg mpvMessage) (playerEvent, bool) {
	switch msg.Event {
	case "file-loaded", "playback-restart":
		return playerEvent{kind: evLoaded}, true
	case "end-file":
		switch msg.Reason {
		case "eof":
			return playerEvent{kind: evEnded}, true
		case "error":
			return playerEvent{kind: evFailed, message: msg.FileError}, true
		}
	case "property-change":
		return translateProperty(msg.Name, msg.Data)
	}
	return playerEvent{}, false
}

func translateProperty(name string, data json.RawMessage) (playerEvent, bool) {
	switch name {
	case "time-pos", "duration":
		var seconds *float64
		if err := json.Unmarshal(data, &seconds); err != nil || seconds == nil {
			return playerEvent{}, false
		}
		kind := evTime
		if name == "duration" {
			kind = evDuration
		}
		return playerEvent{kind: kind, position: time.Duration(*seconds * float64(time.Second))}, true
	case "pause":
		var paused bool
		if err := json.Unmarshal(data, &paused); err != nil {
			return playerEvent{}, false
		}
		return playerEvent{kind: evPause, paused: paused}, true
	case "eof-reached":
		var reached bool
		if err := json.Unmarshal(data, &reached); err != nil || !reached {
			return playerEvent{}, false
		}
		return playerEvent{kind: evEnded}, true
	}
	return playerEvent{}, false
}

// readEvents delivers translated events from conn until it fails or closes.
func readEvents(conn net.Conn, deliver func(playerEvent)) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		var msg mpvMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if ev, ok := translate(msg); ok {
			deliver(ev)
		}
	}
	return scanner.Err()
}
