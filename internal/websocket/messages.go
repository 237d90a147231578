package websocket

import (
	"bytes"
	"encoding/json"
	"net/url"

	"github.com/satriahrh/asrproxy/domain/entities"
)

// ControlType is the type field of a client control message
type ControlType string

const (
	// ControlAudioEnd asks the upstream to finalize the current utterance
	ControlAudioEnd ControlType = "audio_end"
)

// ControlMessage is a JSON message sent by the client instead of audio
type ControlMessage struct {
	Type ControlType `json:"type"`
}

// ParseControlMessage reports whether data is a known control message.
// Anything else, including JSON of an unknown type, is audio.
func ParseControlMessage(data []byte) (*ControlMessage, bool) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}

	var msg ControlMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, false
	}

	switch msg.Type {
	case ControlAudioEnd:
		return &msg, true
	default:
		return nil, false
	}
}

// ParseSessionParams reads credentials and options from the handshake query.
// bidiStreaming and enableDdc are on unless explicitly "false"; the other
// flags are off unless explicitly "true".
func ParseSessionParams(q url.Values) (entities.Credentials, entities.SessionOptions) {
	creds := entities.Credentials{
		AppKey:    q.Get("appKey"),
		AccessKey: q.Get("accessKey"),
	}

	opts := entities.DefaultSessionOptions()
	opts.Language = q.Get("language")
	opts.ModelV2 = q.Get("modelV2") == "true"
	opts.BidiStreaming = q.Get("bidiStreaming") != "false"
	opts.EnableDDC = q.Get("enableDdc") != "false"
	opts.EnableVAD = q.Get("enableVad") == "true"
	opts.EnableNonstream = q.Get("enableNonstream") == "true"

	return creds, opts
}
