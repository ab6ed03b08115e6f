package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

// Server message types.
const (
	TypeWelcome       = "welcome"
	TypeTranscript    = "transcript"
	TypeAgentResponse = "agent_response"
	TypeAgentAudio    = "agent_audio"
	TypeError         = "error"
	TypePong          = "pong"
)

// Client message types. Audio travels in binary frames; text frames carry
// only control messages.
const (
	TypePing = "ping"
	TypeStop = "stop"
)

// Error codes carried by ServerError.
const (
	CodeIngestion  = "ingestion_error"
	CodeAgentCall  = "agent_call_error"
	CodeSynthesis  = "synthesis_error"
	CodeFrameLimit = "frame_too_large"
	CodeOverloaded = "overloaded"
	CodeBadRequest = "bad_request"
	CodeInternal   = "internal_error"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

// AudioFormat describes the negotiated audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

type ClientPing struct {
	Type string `json:"type"`
}

// ClientStop asks the server to end the session with a normal close.
type ClientStop struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// DecodeClientMessage decodes a client text frame.
func DecodeClientMessage(data []byte) (any, error) {
	typ, err := envelopeType(data)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypePing:
		return ClientPing{Type: TypePing}, nil
	case TypeStop:
		var msg ClientStop
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stop frame", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

type ServerWelcome struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	UserID          string      `json:"user_id"`
	Audio           AudioFormat `json:"audio"`
}

type ServerTranscript struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Language string `json:"language"`
}

type ServerAgentResponse struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Language string `json:"language"`
}

// ServerAgentAudio precedes the binary frame carrying synthesized speech.
type ServerAgentAudio struct {
	Type         string `json:"type"`
	Format       string `json:"format"`
	SampleRateHz int    `json:"sample_rate_hz,omitempty"`
	Bytes        int    `json:"bytes"`
}

type ServerError struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Stage       string `json:"stage,omitempty"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

type ServerPong struct {
	Type string `json:"type"`
}

// DecodeServerMessage decodes a server text frame. Unknown types decode to
// a DecodeError so callers can skip them.
func DecodeServerMessage(data []byte) (any, error) {
	typ, err := envelopeType(data)
	if err != nil {
		return nil, err
	}
	var (
		msg  any
		uerr error
	)
	switch typ {
	case TypeWelcome:
		var m ServerWelcome
		uerr = json.Unmarshal(data, &m)
		msg = m
	case TypeTranscript:
		var m ServerTranscript
		uerr = json.Unmarshal(data, &m)
		msg = m
	case TypeAgentResponse:
		var m ServerAgentResponse
		uerr = json.Unmarshal(data, &m)
		msg = m
	case TypeAgentAudio:
		var m ServerAgentAudio
		uerr = json.Unmarshal(data, &m)
		msg = m
	case TypeError:
		var m ServerError
		uerr = json.Unmarshal(data, &m)
		msg = m
	case TypePong:
		msg = ServerPong{Type: TypePong}
	default:
		return nil, badRequest("unsupported message type", "type")
	}
	if uerr != nil {
		return nil, badRequest("invalid "+typ+" frame", "")
	}
	return msg, nil
}

func envelopeType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return "", badRequest("missing type", "type")
	}
	return typ, nil
}
