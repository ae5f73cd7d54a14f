// Package protocol defines the JSON events exchanged with voice clients.
// Binary frames from the client are raw PCM and never pass through here.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client event types.
const (
	TypeStopVoice = "stop-voice"
)

// Server event types.
const (
	TypeTranscript          = "transcript"
	TypeUserMessage         = "user-message"
	TypeBotTyping           = "bot-typing"
	TypeTTSStart            = "tts-start"
	TypeTTSEnd              = "tts-end"
	TypeTTSAudioChunk       = "tts-audio-chunk"
	TypeContent             = "content"
	TypeEnd                 = "end"
	TypeConversationRenamed = "conversation_renamed"
	TypeError               = "error"
)

// Error codes carried by ErrorEvent.
const (
	CodeSTTUnavailable   = "stt_unavailable"
	CodeTTSUnavailable   = "tts_unavailable"
	CodeGenerationFailed = "generation_failed"
	CodeBadRequest       = "bad_request"
	CodeConversation     = "conversation_unavailable"
	CodeAudioDropped     = "audio_dropped"
	CodeDraining         = "server_draining"
	CodeSessionExpired   = "session_expired"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

type StopVoice struct {
	Type string `json:"type"`
}

// DecodeClientMessage parses one inbound text frame.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeStopVoice:
		return StopVoice{Type: typ}, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

type Transcript struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type UserMessage struct {
	Type           string `json:"type"`
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id"`
}

type BotTyping struct {
	Type   string `json:"type"`
	Typing bool   `json:"typing"`
}

// Marker covers events with no payload: tts-start and tts-end.
type Marker struct {
	Type string `json:"type"`
}

type TTSAudioChunk struct {
	Type       string `json:"type"`
	Audio      string `json:"audio"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type EndContext struct {
	SummaryUsed  bool `json:"summary_used"`
	HistoryTurns int  `json:"history_turns"`
}

type End struct {
	Type           string     `json:"type"`
	Text           string     `json:"text"`
	ConversationID string     `json:"conversation_id"`
	Context        EndContext `json:"context"`
}

type ConversationRenamed struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Generic client-facing messages per error code. Upstream detail stays in logs.
var errorMessages = map[string]string{
	CodeSTTUnavailable:   "speech recognition is unavailable",
	CodeTTSUnavailable:   "speech synthesis is unavailable",
	CodeGenerationFailed: "could not generate a reply",
	CodeConversation:     "conversation could not be loaded",
	CodeAudioDropped:     "audio frame dropped",
	CodeDraining:         "server is shutting down",
	CodeSessionExpired:   "voice session reached its maximum duration",
}

// NewError builds an error event with the generic message for code.
func NewError(code string) ErrorEvent {
	msg, ok := errorMessages[code]
	if !ok {
		msg = "voice session error"
	}
	return ErrorEvent{Type: TypeError, Code: code, Message: msg}
}
