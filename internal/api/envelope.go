package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

// Response is a completed HTTP exchange with a 2xx status.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response payload into v. Bodies shaped as
// {"data": ...} are unwrapped; anything else is decoded as-is.
func (r *Response) Decode(v any) error {
	if v == nil || r.StatusCode == http.StatusNoContent {
		return nil
	}
	body := bytes.TrimSpace(r.Body)
	if len(body) == 0 {
		return nil
	}

	payload, err := unwrapData(body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// unwrapData returns the "data" member of an object body, or the body
// itself when it has none.
func unwrapData(body []byte) ([]byte, error) {
	if body[0] != '{' {
		return body, nil
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding response envelope: %w", err)
	}
	if data, ok := env["data"]; ok {
		return data, nil
	}
	return body, nil
}

// errorBody is the union of error shapes the server produces:
// {"error": "text"}, {"error": {"message": ..., "fields": {...}}} and
// {"message": ..., "errors": {...}}.
type errorBody struct {
	Error   json.RawMessage   `json:"error"`
	Message string            `json:"message"`
	Errors  map[string]string `json:"errors"`
	Fields  map[string]string `json:"fields"`
}

// parseErrorBody extracts a message and field errors from a non-2xx
// body. Unparseable bodies are returned verbatim as the message.
func parseErrorBody(body []byte) (string, map[string]string) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "", nil
	}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return string(body), nil
	}

	message := eb.Message
	fields := eb.Fields
	if len(fields) == 0 {
		fields = eb.Errors
	}

	if len(eb.Error) > 0 {
		var text string
		if json.Unmarshal(eb.Error, &text) == nil {
			message = text
		} else {
			var nested struct {
				Message string            `json:"message"`
				Fields  map[string]string `json:"fields"`
			}
			if json.Unmarshal(eb.Error, &nested) == nil {
				if nested.Message != "" {
					message = nested.Message
				}
				if len(nested.Fields) > 0 {
					fields = nested.Fields
				}
			}
		}
	}

	return message, fields
}
