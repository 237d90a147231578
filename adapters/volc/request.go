package volc

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/satriahrh/asrproxy/domain/entities"
)

const (
	DefaultBidiEndpoint     = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_async"
	DefaultNoStreamEndpoint = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"

	ResourceIDV1 = "volc.bigasr.sauc.duration"
	ResourceIDV2 = "volc.seedasr.sauc.duration"

	HeaderAppKey     = "X-Api-App-Key"
	HeaderAccessKey  = "X-Api-Access-Key"
	HeaderResourceID = "X-Api-Resource-Id"
	HeaderConnectID  = "X-Api-Connect-Id"
)

const (
	modelName            = "bigmodel"
	audioFormat          = "pcm"
	audioSampleRate      = 16000
	audioBits            = 16
	audioChannels        = 1
	vadEndWindowSize     = 800
	vadForceToSpeechTime = 1000
)

// FullClientRequest is the JSON body of the initial configuration frame
type FullClientRequest struct {
	User    UserInfo       `json:"user"`
	Audio   AudioInfo      `json:"audio"`
	Request RequestOptions `json:"request"`
}

// UserInfo identifies the caller to the vendor
type UserInfo struct {
	UID string `json:"uid"`
}

// AudioInfo describes the PCM stream the client sends
type AudioInfo struct {
	Format   string `json:"format"`
	Rate     int    `json:"rate"`
	Bits     int    `json:"bits"`
	Channel  int    `json:"channel"`
	Language string `json:"language,omitempty"`
}

// RequestOptions toggles recognition features
type RequestOptions struct {
	ModelName         string `json:"model_name"`
	EnableITN         bool   `json:"enable_itn"`
	EnablePunc        bool   `json:"enable_punc"`
	EnableDDC         bool   `json:"enable_ddc"`
	EnableNonstream   bool   `json:"enable_nonstream,omitempty"`
	ShowUtterances    bool   `json:"show_utterances,omitempty"`
	EndWindowSize     int    `json:"end_window_size,omitempty"`
	ForceToSpeechTime int    `json:"force_to_speech_time,omitempty"`
}

// ResourceID selects the model variant
func ResourceID(modelV2 bool) string {
	if modelV2 {
		return ResourceIDV2
	}
	return ResourceIDV1
}

// NewFullClientRequest derives the configuration request from the session
func NewFullClientRequest(session *entities.Session) (*FullClientRequest, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}

	opts := session.Options
	req := &FullClientRequest{
		User: UserInfo{UID: session.Credentials.AppKey},
		Audio: AudioInfo{
			Format:   audioFormat,
			Rate:     audioSampleRate,
			Bits:     audioBits,
			Channel:  audioChannels,
			Language: opts.Language,
		},
		Request: RequestOptions{
			ModelName:       modelName,
			EnableITN:       true,
			EnablePunc:      true,
			EnableDDC:       opts.EnableDDC,
			EnableNonstream: opts.EnableNonstream,
		},
	}

	if opts.EnableVAD {
		req.Request.ShowUtterances = true
		req.Request.EndWindowSize = vadEndWindowSize
		req.Request.ForceToSpeechTime = vadForceToSpeechTime
	}

	return req, nil
}

// BuildFullClientRequest returns the uncompressed JSON configuration payload
func BuildFullClientRequest(session *entities.Session) ([]byte, error) {
	req, err := NewFullClientRequest(session)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal full client request: %w", err)
	}
	return body, nil
}

// ConnectHeaders returns the authentication headers for the upstream dial
func ConnectHeaders(session *entities.Session) http.Header {
	h := http.Header{}
	h.Set(HeaderAppKey, session.Credentials.AppKey)
	h.Set(HeaderAccessKey, session.Credentials.AccessKey)
	h.Set(HeaderResourceID, session.ResourceID)
	h.Set(HeaderConnectID, session.ConnectID)
	return h
}
