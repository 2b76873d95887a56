package upload

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestOutcomeKinds(t *testing.T) {
	cases := []struct {
		o    Outcome
		kind Kind
	}{
		{Recognized{Label: "cup", Distance: 1.2}, KindRecognized},
		{ServerError{HTTPCode: 503, Body: "overloaded"}, KindServerError},
		{NetworkError{Message: "connection refused"}, KindNetworkError},
		{MalformedResponse{HTTPCode: 200, Reason: "no distance"}, KindMalformed},
	}
	for _, tc := range cases {
		if tc.o.Kind() != tc.kind {
			t.Errorf("%T.Kind() = %s, want %s", tc.o, tc.o.Kind(), tc.kind)
		}
	}
}

func TestOutcomeMessages(t *testing.T) {
	cases := []struct {
		o    Outcome
		want string
	}{
		{Recognized{Label: "cup", Distance: 1.2}, "Recognized: cup (distance 1.2)"},
		{ServerError{HTTPCode: 503, Body: "overloaded"}, "Server error 503: overloaded"},
		{ServerError{HTTPCode: 500, Body: `{"detail":"boom"}`}, "Server error 500: boom"},
		{ServerError{HTTPCode: 422, Body: `{"detail":[{"loc":["body","file"]}]}`}, `Server error 422: [{"loc":["body","file"]}]`},
		{NetworkError{Message: "dial tcp: connection refused"}, "Network error: dial tcp: connection refused"},
		{MalformedResponse{HTTPCode: 200, Reason: "no distance"}, "Malformed response (HTTP 200): no distance"},
	}
	for _, tc := range cases {
		if got := tc.o.String(); got != tc.want {
			t.Errorf("%T.String() = %q, want %q", tc.o, got, tc.want)
		}
	}
}

func TestServerErrorMessageTruncated(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"ascii", strings.Repeat("x", 1000)},
		// "a" shifts every two-byte rune to an odd offset.
		{"cyrillic detail", `{"detail":"a` + strings.Repeat("ы", 150) + `"}`},
		{"cyrillic raw", "a" + strings.Repeat("ы", 150)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := ServerError{HTTPCode: 500, Body: tt.body}.String()
			if len(msg) > 260 {
				t.Errorf("message length = %d, expected truncation", len(msg))
			}
			if !strings.HasSuffix(msg, "…") {
				t.Errorf("message %q should end with an ellipsis", msg)
			}
			if !utf8.ValidString(msg) {
				t.Errorf("message is not valid UTF-8: %q", msg)
			}
		})
	}
}
