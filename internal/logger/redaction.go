package logger

import (
	"io"
	"regexp"
)

// Redactor scrubs credentials from log lines before they reach any sink.
// The defaults cover the secrets this process actually handles: API keys of
// the configured AI profiles, bearer tokens on outbound provider requests,
// api_key fields from config dumps, and the passwords users type into the
// signup flow.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with the default credential patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Anthropic API keys.
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),

			// OpenAI API keys, including project-scoped ones.
			regexp.MustCompile(`sk-proj-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),

			// Bearer tokens on outbound requests.
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),

			// api_key fields leaked through config or profile dumps.
			regexp.MustCompile(`api_key["\s:=]+[^\s",]+`),

			// Passwords collected by the signup flow.
			regexp.MustCompile(`password["\s:=]+[^\s"]+`),
			regexp.MustCompile(`pwd["\s:=]+[^\s"]+`),

			// Generic tokens and secrets.
			regexp.MustCompile(`token["\s:=]+[a-zA-Z0-9._-]{20,}`),
			regexp.MustCompile(`secret["\s:=]+[^\s"]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact replaces every credential match in s.
func (r *Redactor) Redact(s string) string {
	result := s
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}

// Wrap returns a writer that redacts everything written through it.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (n int, err error) {
	redacted := w.redactor.Redact(string(p))
	return w.writer.Write([]byte(redacted))
}
