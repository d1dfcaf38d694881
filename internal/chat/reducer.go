package chat

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"forgechat/internal/stream"
)

// Reducer maps incoming stream records onto timeline mutations. Its only
// hidden state is the reference to the currently open streaming text item.
// The upstream transport delivers small fragments tagged by sub-kind;
// sub-kind changes are the only delimiter between logical messages, so
// same-kind runs coalesce into one item.
type Reducer struct {
	timeline *Timeline
	current  *RenderItem
	log      *logrus.Entry
}

func NewReducer(timeline *Timeline, log *logrus.Entry) *Reducer {
	return &Reducer{timeline: timeline, log: log}
}

// Current returns the open streaming item, or nil.
func (r *Reducer) Current() *RenderItem {
	return r.current
}

// Reset drops the open-item reference without touching the timeline. Used
// when a new stream subscription starts.
func (r *Reducer) Reset() {
	r.current = nil
}

// EndStream closes the open streaming item, if any, without marking it
// aborted. Used on disconnect: the server-side turn keeps running.
func (r *Reducer) EndStream() {
	if r.current != nil && r.current.Text != nil {
		r.current.Text.Streaming = false
		r.timeline.Notify()
	}
	r.current = nil
}

// AbortStream closes the open streaming item and latches its aborted flag.
// Used on user cancellation; no later event clears the flag.
func (r *Reducer) AbortStream() {
	if r.current != nil && r.current.Text != nil {
		r.current.Text.Streaming = false
		r.current.Text.Aborted = true
		r.timeline.Notify()
	}
	r.current = nil
}

// Apply processes one stream record. It reports whether the record was
// recognized; unknown event types are ignored so future kinds cannot crash
// the reducer.
func (r *Reducer) Apply(rec stream.Record) bool {
	switch rec.Type {
	case EventToolCallStart:
		var data toolCallStartData
		if err := json.Unmarshal(rec.Data, &data); err != nil {
			r.log.WithError(err).Warn("bad tool_call_start payload")
			return false
		}
		r.EndStream()
		r.timeline.AddToolCall(data.CallID, data.ToolName)
		return true

	case EventToolCallResult:
		var data toolCallResultData
		if err := json.Unmarshal(rec.Data, &data); err != nil {
			r.log.WithError(err).Warn("bad tool_call_result payload")
			return false
		}
		item := r.timeline.FindToolCall(data.CallID)
		if item == nil {
			// The protocol may replay results after a reload; an unmatched
			// callId is non-fatal.
			r.log.WithField("callId", data.CallID).Warn("tool_call_result without matching start")
			return true
		}
		item.Tool.Success = data.Success
		item.Tool.Summary = data.SummarizedResult
		if data.Success {
			item.Tool.Status = ToolSuccess
		} else {
			item.Tool.Status = ToolFailed
		}
		r.timeline.Notify()
		return true

	case EventUserOriginal:
		// The raw-prompt echo is a single atomic record, never coalesced.
		var content string
		if err := json.Unmarshal(rec.Data, &content); err != nil {
			return false
		}
		r.timeline.AddText(TextUserOriginal, content)
		return true

	case EventError:
		var data errorData
		if err := json.Unmarshal(rec.Data, &data); err != nil {
			return false
		}
		r.EndStream()
		r.timeline.AddText(TextError, data.Message)
		return true

	case EventTurnEnd:
		var data turnEndData
		// Lenient: a malformed payload still closes the turn.
		_ = json.Unmarshal(rec.Data, &data)
		r.EndStream()
		completedAt, err := time.Parse(time.RFC3339, data.CompletedAt)
		if err != nil {
			completedAt = time.Now().UTC()
		}
		r.timeline.AddTurnEnd(TurnEndPayload{
			MessageID:   data.MessageID,
			CompletedAt: completedAt,
			Tokens:      data.AccumulatedTokens,
		})
		return true

	case EventDone:
		// Legacy end marker: closes the open item, creates nothing.
		r.EndStream()
		return true
	}

	if kind, ok := streamTextKinds[rec.Type]; ok {
		var content string
		if err := json.Unmarshal(rec.Data, &content); err != nil {
			return false
		}
		if r.current != nil && r.current.Text != nil && r.current.Text.Kind == kind {
			r.current.Text.Content += content
			r.timeline.Notify()
			return true
		}
		r.EndStream()
		item := r.timeline.AddText(kind, content)
		item.Text.Streaming = true
		r.current = item
		return true
	}

	return false
}
