// Package credentials carries the opaque secrets the core passes through to the
// task board and the classifier. Secret values never render in logs or JSON.
package credentials

import (
	"log/slog"
	"strings"
)

const redacted = "[redacted]"

// Secret is a credential string that redacts itself when formatted or logged.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string { return s.String() }

func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Reveal returns the raw value for handing to a transport.
func (s Secret) Reveal() string { return string(s) }

func (s Secret) Empty() bool { return strings.TrimSpace(string(s)) == "" }

// Classifier names the LLM backend and the key used to reach it.
type Classifier struct {
	Provider string
	APIKey   Secret
}

// Provider is the credential lookup capability injected into each operation.
type Provider interface {
	BoardToken() (Secret, bool)
	Classifier() (Classifier, bool)
}

// Static is a fixed set of credentials, as read from env or a sealed cookie.
type Static struct {
	Board              Secret
	ClassifierProvider string
	ClassifierKey      Secret
}

func (s Static) BoardToken() (Secret, bool) {
	return s.Board, !s.Board.Empty()
}

func (s Static) Classifier() (Classifier, bool) {
	p := NormalizeProvider(s.ClassifierProvider)
	if !KnownProvider(p) {
		return Classifier{}, false
	}
	if RequiresKey(p) && s.ClassifierKey.Empty() {
		return Classifier{}, false
	}
	return Classifier{Provider: p, APIKey: s.ClassifierKey}, true
}

// Providers lists the supported classifier backends.
var Providers = []string{"anthropic", "openai", "deepseek", "gemini", "ollama", "bedrock"}

func NormalizeProvider(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

func KnownProvider(p string) bool {
	p = NormalizeProvider(p)
	for _, known := range Providers {
		if known == p {
			return true
		}
	}
	return false
}

// RequiresKey reports whether the backend authenticates with an API key.
// ollama runs locally and bedrock uses the AWS credential chain.
func RequiresKey(p string) bool {
	switch NormalizeProvider(p) {
	case "ollama", "bedrock":
		return false
	default:
		return true
	}
}
