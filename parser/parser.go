// Package parser decodes the messages a device client sends over its connection.
//
// The wire form is a JSON envelope whose payload member is base64. For
// activation and deactivation messages the decoded payload is itself JSON
// describing the device; for response messages it is the raw protocol reply
// and is passed through untouched.
package parser

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ruteri/amt-remote-provisioning/interfaces"
)

// envelope is the outer JSON object sent by the device client.
type envelope struct {
	Method          string `json:"method"`
	APIKey          string `json:"apiKey"`
	AppVersion      string `json:"appVersion"`
	ProtocolVersion string `json:"protocolVersion"`
	Status          string `json:"status"`
	Message         string `json:"message"`
	Payload         string `json:"payload"`
}

// devicePayload shadows the uuid member, which the client sends as 16 raw bytes.
type devicePayload struct {
	interfaces.ActivationPayload
	UUID json.RawMessage `json:"uuid"`
}

// Parser implements interfaces.MessageParser.
type Parser struct{}

// NewParser creates a device message parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse decodes a raw device message. Every error wraps interfaces.ErrMalformedMessage.
func (p *Parser) Parse(raw []byte) (*interfaces.ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedMessage, err)
	}

	msg := &interfaces.ClientMessage{
		Method:          interfaces.ClientMethod(env.Method),
		APIKey:          env.APIKey,
		AppVersion:      env.AppVersion,
		ProtocolVersion: env.ProtocolVersion,
		Status:          env.Status,
		Message:         env.Message,
	}

	if env.Payload == "" {
		if msg.Method == interfaces.MethodHeartbeat {
			return msg, nil
		}
		return nil, fmt.Errorf("%w: missing payload", interfaces.ErrMalformedMessage)
	}

	decoded, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64: %v", interfaces.ErrMalformedMessage, err)
	}

	if msg.Method == interfaces.MethodResponse {
		msg.Raw = string(decoded)
		return msg, nil
	}

	msg.Payload, err = ParsePayload(decoded)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ParsePayload decodes a device descriptor and normalizes its UUID.
// The client tag, version, build and UUID are mandatory.
func ParsePayload(data []byte) (*interfaces.ActivationPayload, error) {
	var dp devicePayload
	if err := json.Unmarshal(data, &dp); err != nil {
		return nil, fmt.Errorf("%w: failed to parse client message payload: %v", interfaces.ErrMalformedMessage, err)
	}

	payload := dp.ActivationPayload
	if payload.Client == "" || payload.Version == "" || payload.Build == "" || len(dp.UUID) == 0 {
		return nil, fmt.Errorf("%w: invalid payload from client", interfaces.ErrMalformedMessage)
	}

	id, err := decodeUUID(dp.UUID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedMessage, err)
	}
	payload.UUID = id
	return &payload, nil
}

func decodeUUID(raw json.RawMessage) (string, error) {
	var b []byte
	var ints []int
	if err := json.Unmarshal(raw, &ints); err == nil {
		for _, v := range ints {
			if v < 0 || v > 255 {
				return "", fmt.Errorf("uuid byte %d out of range", v)
			}
			b = append(b, byte(v))
		}
		return DeviceUUID(b)
	}

	// Already canonical
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("invalid uuid: %v", err)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid uuid %q: %v", s, err)
	}
	return strings.ToLower(id.String()), nil
}

// DeviceUUID formats the 16 UUID bytes reported by AMT. The first three
// groups are little-endian, the fourth big-endian and the last six bytes are
// taken as they are.
func DeviceUUID(b []byte) (string, error) {
	if len(b) != 16 {
		return "", fmt.Errorf("uuid must be 16 bytes, got %d", len(b))
	}

	var id uuid.UUID
	copy(id[:], b)
	id[0], id[1], id[2], id[3] = b[3], b[2], b[1], b[0]
	id[4], id[5] = b[5], b[4]
	id[6], id[7] = b[7], b[6]
	return id.String(), nil
}
