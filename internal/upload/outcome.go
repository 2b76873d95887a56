package upload

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind tags an Outcome variant.
type Kind string

const (
	KindRecognized   Kind = "recognized"
	KindServerError  Kind = "server_error"
	KindNetworkError Kind = "network_error"
	KindMalformed    Kind = "malformed_response"
)

// Outcome is the terminal, immutable result of one upload attempt.
// It is one of Recognized, ServerError, NetworkError or MalformedResponse.
type Outcome interface {
	Kind() Kind
	// String is the short human-readable text shown to the user.
	String() string
	outcome()
}

// Recognized is a 2xx response carrying a prediction.
type Recognized struct {
	Label    string
	Distance float64
}

// ServerError is a non-2xx response. Body is the raw payload, empty when
// it could not be read.
type ServerError struct {
	HTTPCode int
	Body     string
}

// NetworkError is a failure before any response was received.
type NetworkError struct {
	Message string
}

// MalformedResponse is a 2xx response whose body is not a prediction.
type MalformedResponse struct {
	HTTPCode int
	Body     string
	Reason   string
}

func (Recognized) Kind() Kind        { return KindRecognized }
func (ServerError) Kind() Kind       { return KindServerError }
func (NetworkError) Kind() Kind      { return KindNetworkError }
func (MalformedResponse) Kind() Kind { return KindMalformed }

func (Recognized) outcome()        {}
func (ServerError) outcome()       {}
func (NetworkError) outcome()      {}
func (MalformedResponse) outcome() {}

func (r Recognized) String() string {
	return fmt.Sprintf("Recognized: %s (distance %.3g)", r.Label, r.Distance)
}

func (e ServerError) String() string {
	detail := diagnostic(e.Body)
	if detail == "" {
		return fmt.Sprintf("Server error %d", e.HTTPCode)
	}
	return fmt.Sprintf("Server error %d: %s", e.HTTPCode, detail)
}

func (e NetworkError) String() string {
	return "Network error: " + e.Message
}

func (e MalformedResponse) String() string {
	return fmt.Sprintf("Malformed response (HTTP %d): %s", e.HTTPCode, e.Reason)
}

const maxDiagnostic = 200

// diagnostic extracts displayable text from an error body. FastAPI style
// {"detail": "..."} bodies yield their detail; anything else is shown raw.
func diagnostic(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	var fastapi struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal([]byte(body), &fastapi) == nil && len(fastapi.Detail) > 0 {
		var s string
		if json.Unmarshal(fastapi.Detail, &s) == nil {
			body = s
		} else {
			body = string(fastapi.Detail)
		}
	}
	if len(body) > maxDiagnostic {
		n := maxDiagnostic
		for n > 0 && !utf8.RuneStart(body[n]) {
			n--
		}
		body = body[:n] + "…"
	}
	return body
}
