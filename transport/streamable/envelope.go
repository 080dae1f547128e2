package streamable

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/localrivet/mcprpc/protocol"
)

const (
	// HeaderSessionID carries the session id on every exchange after the first.
	HeaderSessionID = "Mcp-Session-Id"

	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
)

// envelope is the subset of a message the carrier needs for routing.
type envelope struct {
	ID     *protocol.RequestID `json:"id"`
	Method string              `json:"method"`
	Params json.RawMessage     `json:"params"`
}

// summary classifies the messages in one frame.
type summary struct {
	// initialize is set when the frame is a single initialize request.
	initialize bool
	requests   []protocol.RequestID
	responses  []protocol.RequestID
	cancelled  []protocol.RequestID
}

// peek inspects a frame without validating it. Frames whose members do not
// have the expected types yield an empty summary and ok=false.
func peek(frame []byte) (s summary, ok bool) {
	frame = bytes.TrimSpace(frame)
	var envs []envelope
	if len(frame) > 0 && frame[0] == '[' {
		if err := json.Unmarshal(frame, &envs); err != nil {
			return s, false
		}
	} else {
		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			return s, false
		}
		envs = []envelope{env}
		s.initialize = env.Method == protocol.MethodInitialize && env.ID != nil
	}

	for _, env := range envs {
		switch {
		case env.Method != "" && env.ID != nil:
			s.requests = append(s.requests, *env.ID)
		case env.Method == protocol.MethodNotifyCancelled:
			var p protocol.CancelledParams
			if json.Unmarshal(env.Params, &p) == nil && !p.RequestID.IsZero() {
				s.cancelled = append(s.cancelled, p.RequestID)
			}
		case env.Method == "" && env.ID != nil:
			s.responses = append(s.responses, *env.ID)
		}
	}
	return s, true
}

// prefersSSE reports whether the Accept header ranks text/event-stream
// ahead of application/json, or omits JSON entirely.
func prefersSSE(accept string) bool {
	sseAt, jsonAt := -1, -1
	for i, part := range strings.Split(accept, ",") {
		mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch strings.ToLower(strings.TrimSpace(mediaType)) {
		case contentTypeSSE:
			if sseAt < 0 {
				sseAt = i
			}
		case contentTypeJSON:
			if jsonAt < 0 {
				jsonAt = i
			}
		}
	}
	return sseAt >= 0 && (jsonAt < 0 || sseAt < jsonAt)
}

func accepts(accept, mediaType string) bool {
	for _, part := range strings.Split(accept, ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		mt = strings.ToLower(strings.TrimSpace(mt))
		if mt == mediaType || mt == "*/*" {
			return true
		}
	}
	return false
}

// mergeFrames joins several frames into one JSON array, flattening frames
// that are already arrays.
func mergeFrames(frames [][]byte) []byte {
	if len(frames) == 1 {
		return frames[0]
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	n := 0
	for _, f := range frames {
		f = bytes.TrimSpace(f)
		if len(f) > 1 && f[0] == '[' {
			f = bytes.TrimSpace(f[1 : len(f)-1])
		}
		if len(f) == 0 {
			continue
		}
		if n > 0 {
			buf.WriteByte(',')
		}
		buf.Write(f)
		n++
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
