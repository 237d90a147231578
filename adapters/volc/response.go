package volc

import (
	"bytes"
	"encoding/json"
)

// ServerResponse is the JSON payload of a full server response
type ServerResponse struct {
	Result  json.RawMessage `json:"result,omitempty"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// RecognitionResult is the object form of ServerResponse.Result
type RecognitionResult struct {
	Text       string      `json:"text"`
	Utterances []Utterance `json:"utterances,omitempty"`
}

// Utterance is one sentence segment, present when VAD is enabled
type Utterance struct {
	Text      string `json:"text"`
	StartTime int    `json:"start_time"`
	EndTime   int    `json:"end_time"`
	Definite  bool   `json:"definite"`
	Words     []Word `json:"words,omitempty"`
}

// Word carries word level timing
type Word struct {
	Text      string `json:"text"`
	StartTime int    `json:"start_time"`
	EndTime   int    `json:"end_time"`
}

// ParseServerResponse decodes a response body and returns the transcript
// text. A result that is absent or not an object yields empty text.
func ParseServerResponse(body []byte) (*ServerResponse, string, error) {
	var resp ServerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", err
	}

	raw := bytes.TrimSpace(resp.Result)
	if len(raw) == 0 || raw[0] != '{' {
		return &resp, "", nil
	}

	var result RecognitionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return &resp, "", nil
	}
	return &resp, result.Text, nil
}
