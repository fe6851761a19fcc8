package stream

import (
	"encoding/json"
	"strings"
)

// MessageKind is the normalized class of an inbound message
type MessageKind int

const (
	MessageIgnored MessageKind = iota
	MessagePartial
	MessageFinal
	MessageError
)

// Message is an inbound socket message reduced to the partial/final model
type Message struct {
	Kind MessageKind
	Text string
	Type string
}

// rawMessage is the union of every provider dialect we accept
type rawMessage struct {
	Type        string `json:"type"`
	MessageType string `json:"message_type"`
	Event       string `json:"event"`

	Text       string `json:"text"`
	Transcript string `json:"transcript"`
	Delta      string `json:"delta"`
	Message    string `json:"message"`
	Error      any    `json:"error"`

	IsFinal     *bool `json:"is_final"`
	IsFinalAlt  *bool `json:"isFinal"`
	EndOfTurn   *bool `json:"end_of_turn"`
	SpeechFinal *bool `json:"speech_final"`

	Channel *struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

var controlTypes = typeSet(
	"begin",
	"sessionbegins",
	"session_begins",
	"session_started",
	"session.created",
	"session.updated",
	"metadata",
	"speechstarted",
	"utteranceend",
	"keepalive",
	"ping",
	"pong",
	"termination",
	"sessionterminated",
	"input_audio_buffer.committed",
	"input_audio_buffer.speech_started",
	"input_audio_buffer.speech_stopped",
)

func typeSet(types ...string) map[string]bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

// ParseMessage normalizes one text frame. Frames that are not JSON or whose
// type is unknown come back as MessageIgnored with ok=false.
func ParseMessage(data []byte) (msg Message, ok bool) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{Kind: MessageIgnored}, false
	}

	typ := raw.Type
	if typ == "" {
		typ = raw.MessageType
	}
	if typ == "" {
		typ = raw.Event
	}
	norm := strings.ToLower(typ)
	msg.Type = typ

	switch {
	case controlTypes[norm]:
		return Message{Kind: MessageIgnored, Type: typ}, true

	case norm == "error" || strings.HasSuffix(norm, ".error") || (norm == "" && raw.Error != nil):
		text := raw.Message
		if text == "" {
			text = errorText(raw.Error)
		}
		return Message{Kind: MessageError, Text: text, Type: typ}, true

	case norm == "partialtranscript" || norm == "partial_transcript" || strings.HasSuffix(norm, ".delta"):
		msg.Kind = MessagePartial
		msg.Text = firstNonEmpty(raw.Text, raw.Delta, raw.Transcript)
		return msg, true

	case norm == "finaltranscript" || norm == "final_transcript" || norm == "committed_transcript" ||
		strings.HasSuffix(norm, ".completed"):
		msg.Kind = MessageFinal
		msg.Text = firstNonEmpty(raw.Transcript, raw.Text)
		return msg, true

	case norm == "results" && raw.Channel != nil:
		if len(raw.Channel.Alternatives) > 0 {
			msg.Text = raw.Channel.Alternatives[0].Transcript
		}
		msg.Kind = MessagePartial
		if isTrue(raw.IsFinal) {
			msg.Kind = MessageFinal
		}
		return msg, true

	case norm == "transcript" || norm == "turn" || (norm == "" && (raw.Text != "" || raw.Transcript != "")):
		msg.Text = firstNonEmpty(raw.Transcript, raw.Text)
		msg.Kind = MessagePartial
		if isTrue(raw.IsFinal) || isTrue(raw.IsFinalAlt) || isTrue(raw.EndOfTurn) || isTrue(raw.SpeechFinal) {
			msg.Kind = MessageFinal
		}
		return msg, true
	}

	return Message{Kind: MessageIgnored, Type: typ}, false
}

func isTrue(b *bool) bool {
	return b != nil && *b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func errorText(v any) string {
	switch e := v.(type) {
	case string:
		return e
	case map[string]any:
		if m, ok := e["message"].(string); ok {
			return m
		}
	}
	return "stream error"
}
