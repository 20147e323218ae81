package translate

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	codeFenceRe = regexp.MustCompile("(?s)^```[a-zA-Z-]*\\s*\\n?(.*?)\\n?```$")
	labelRe     = regexp.MustCompile(`(?i)^(translation|translated text|translated message)\s*:\s*`)
)

var quotePairs = [][2]string{
	{`"`, `"`},
	{"“", "”"},
	{"«", "»"},
	{"'", "'"},
}

// Sanitizer cleans model output down to the plain translated text.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer returns a sanitizer stripping all HTML.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean strips code fences, labels, wrapping quotes and HTML tags that the
// model added around the translation. Quotes and markup already present in
// the original text are kept.
func (s *Sanitizer) Clean(raw, original string) string {
	text := strings.TrimSpace(raw)

	if m := codeFenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	text = strings.TrimSpace(labelRe.ReplaceAllString(text, ""))

	for _, q := range quotePairs {
		if wrapped(text, q) && !wrapped(strings.TrimSpace(original), q) {
			text = strings.TrimSpace(text[len(q[0]) : len(text)-len(q[1])])
			break
		}
	}

	if strings.Contains(text, "<") && !strings.Contains(original, "<") {
		text = html.UnescapeString(s.policy.Sanitize(text))
	}

	return strings.TrimSpace(text)
}

func wrapped(s string, q [2]string) bool {
	return len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1])
}
