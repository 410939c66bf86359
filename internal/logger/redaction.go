package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// redactionRule replaces every match of pattern with replacement, which may
// refer to capture groups to keep the field name visible
type redactionRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Redactor masks credentials before log lines reach a writer
type Redactor struct {
	rules []redactionRule
}

// NewRedactor creates a redactor for provider API keys, bearer tokens,
// gateway secrets and signatures, and common credential fields
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []redactionRule{
			{regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_-]{20,}`), redacted},
			{regexp.MustCompile(`(Bearer\s+)[A-Za-z0-9._~+/=-]+`), "${1}" + redacted},
			{regexp.MustCompile(`(?i)("?(?:signature|shared_secret|secret|api_key|password|pwd|token)"?\s*[:=]\s*"?)[^\s",}]+`), "${1}" + redacted},
			{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), redacted},
		},
	}
}

// AddPattern masks every match of pattern entirely
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactionRule{pattern: re, replacement: redacted})
	return nil
}

// Redact applies every rule in order
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.pattern.ReplaceAllString(s, rule.replacement)
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success; the redacted line may be shorter or longer
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
