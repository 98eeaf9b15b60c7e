package response

import (
	"encoding/json"
	"fmt"
)

// Envelope is the consumer view of Response, with Data left undecoded.
type Envelope struct {
	Data     json.RawMessage `json:"data"`
	Error    *ErrorBody      `json:"error,omitempty"`
	Metadata Metadata        `json:"metadata"`
}

// DecodeEnvelope parses raw as an envelope and, when it carries data and v is
// not nil, decodes the data into v.
func DecodeEnvelope(raw []byte, v interface{}) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if v == nil || env.Error != nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return &env, nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return &env, fmt.Errorf("decode data: %w", err)
	}
	return &env, nil
}
