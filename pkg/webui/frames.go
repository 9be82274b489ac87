package webui

import (
	"encoding/json"
	"time"

	"github.com/go-go-golems/vrf-timer/pkg/timeline"
	"github.com/go-go-golems/vrf-timer/pkg/tracker"
)

const (
	FrameHello    = "ws.hello"
	FramePong     = "ws.pong"
	FrameSnapshot = "timeline.snapshot"
	FrameTick     = "timeline.tick"
	FrameAlert    = "alert"
)

// Frame is the envelope of every websocket message sent to clients.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type HelloData struct {
	ClientID     string `json:"client_id"`
	SessionID    string `json:"session_id"`
	ServerTimeMs int64  `json:"server_time_ms"`
}

type SnapshotData struct {
	ServerTimeMs int64           `json:"server_time_ms"`
	Records      []timeline.View `json:"records"`
}

type ProgressView struct {
	SubmissionKey string `json:"submission_key,omitempty"`
	RequestID     string `json:"request_id"`
	StartTimeMs   int64  `json:"start_time_ms"`
	ElapsedMs     int64  `json:"elapsed_ms"`
}

type TickData struct {
	ServerTimeMs int64          `json:"server_time_ms"`
	Running      []ProgressView `json:"running"`
}

type AlertData struct {
	Level         string `json:"level"`
	Message       string `json:"message"`
	SubmissionKey string `json:"submission_key,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	AtMs          int64  `json:"at_ms"`
}

func encodeFrame(kind string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: kind, Data: raw})
}

func snapshotData(records []timeline.Record, now time.Time) SnapshotData {
	return SnapshotData{ServerTimeMs: now.UnixMilli(), Records: timeline.Views(records, now)}
}

func tickData(now time.Time, running []timeline.Progress) TickData {
	out := TickData{ServerTimeMs: now.UnixMilli(), Running: make([]ProgressView, 0, len(running))}
	for _, p := range running {
		v := ProgressView{
			RequestID:   p.RequestID.String(),
			StartTimeMs: p.StartTime.UnixMilli(),
			ElapsedMs:   p.Elapsed.Milliseconds(),
		}
		if !p.SubmissionKey.IsZero() {
			v.SubmissionKey = p.SubmissionKey.Hex()
		}
		out.Running = append(out.Running, v)
	}
	return out
}

func alertData(a tracker.Alert) AlertData {
	out := AlertData{Level: string(a.Level), Message: a.Message, AtMs: a.At.UnixMilli()}
	if !a.SubmissionKey.IsZero() {
		out.SubmissionKey = a.SubmissionKey.Hex()
	}
	if !a.RequestID.IsZero() {
		out.RequestID = a.RequestID.String()
	}
	return out
}
