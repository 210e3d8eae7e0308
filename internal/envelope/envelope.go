// Package envelope converts raw JSON events from the remote backend into a
// tagged union of known kinds. Everything downstream of this package works
// with typed envelopes; unknown event types become KindUnclassified and are
// dropped at the boundary.
package envelope

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Kind discriminates the envelope variants the bridge understands.
type Kind int

const (
	KindUnclassified Kind = iota
	KindConversationCreated
	KindItemCreated
	KindResponseCreated
	KindResponseDone
	KindOutputItemDone
	KindTranscriptDelta
	KindAudioDelta
	KindTranscriptionCompleted
	KindVideoDone
	KindSessionUpdated
	KindHealthStatus
)

// kindByType is the allow-list. Event types absent from it are dropped
// without handler invocation or storage side effects; that bounds handler
// noise at the cost of silently discarding unrecognized types.
var kindByType = map[string]Kind{
	"conversation.created":      KindConversationCreated,
	"conversation.item.created": KindItemCreated,
	"response.created":          KindResponseCreated,
	"response.done":             KindResponseDone,
	"response.output_item.done": KindOutputItemDone,
	"response.audio_transcript.delta": KindTranscriptDelta,
	"response.audio.delta":            KindAudioDelta,
	"conversation.item.input_audio_transcription.completed": KindTranscriptionCompleted,
	"response.video.done": KindVideoDone,
	"session.updated":     KindSessionUpdated,
	"health.status":       KindHealthStatus,
}

// FunctionCall is the function-call item nested in a response.output_item.done
// envelope. Arguments is already decoded; malformed argument JSON degrades to
// an empty object rather than an error.
type FunctionCall struct {
	Name      string
	Arguments map[string]any
}

// Item is the conversation item nested in conversation.item.created.
type Item struct {
	ID            string
	Type          string
	Role          string
	HasAudioInput bool
}

// Envelope is one classified inbound event.
type Envelope struct {
	Kind Kind
	Type string
	// Raw is the original JSON, preserved for the generic message handler.
	Raw []byte

	// ItemID and Delta are set for transcript/audio deltas; ItemID and
	// Transcript for transcription completions.
	ItemID     string
	Delta      string
	Transcript string

	Item         *Item
	FunctionCall *FunctionCall
}

// Parse classifies a raw JSON envelope. Invalid JSON or a missing type field
// yields KindUnclassified.
func Parse(raw []byte) Envelope {
	if !gjson.ValidBytes(raw) {
		return Envelope{Kind: KindUnclassified, Raw: raw}
	}

	typ := gjson.GetBytes(raw, "type").String()
	kind, ok := kindByType[typ]
	if !ok {
		return Envelope{Kind: KindUnclassified, Type: typ, Raw: raw}
	}

	env := Envelope{Kind: kind, Type: typ, Raw: raw}

	switch kind {
	case KindItemCreated:
		item := gjson.GetBytes(raw, "item")
		if item.Exists() {
			it := &Item{
				ID:   item.Get("id").String(),
				Type: item.Get("type").String(),
				Role: item.Get("role").String(),
			}
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "input_audio" {
					it.HasAudioInput = true
					return false
				}
				return true
			})
			env.Item = it
		}
	case KindTranscriptDelta, KindAudioDelta:
		env.ItemID = gjson.GetBytes(raw, "item_id").String()
		env.Delta = gjson.GetBytes(raw, "delta").String()
	case KindTranscriptionCompleted:
		env.ItemID = gjson.GetBytes(raw, "item_id").String()
		env.Transcript = gjson.GetBytes(raw, "transcript").String()
	case KindOutputItemDone:
		item := gjson.GetBytes(raw, "item")
		if item.Get("type").String() == "function_call" {
			env.FunctionCall = &FunctionCall{
				Name:      item.Get("name").String(),
				Arguments: decodeArguments(item.Get("arguments").String()),
			}
		}
	}

	return env
}

// decodeArguments parses the JSON-encoded argument string of a function call.
// Malformed JSON is treated as an empty argument object, never as a failure.
// Only JSON objects survive decoding: valid non-object JSON (an array or a
// bare scalar) also degrades to the empty object, since handlers take named
// arguments.
func decodeArguments(s string) map[string]any {
	args := map[string]any{}
	if s == "" {
		return args
	}
	if err := json.Unmarshal([]byte(s), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// HealthStatus builds a health.status envelope carrying a structured error
// code, for surfacing resource failures to the generic message handler.
func HealthStatus(code, message string) Envelope {
	raw, _ := json.Marshal(map[string]string{
		"type":    "health.status",
		"code":    code,
		"message": message,
	})
	return Envelope{Kind: KindHealthStatus, Type: "health.status", Raw: raw}
}
