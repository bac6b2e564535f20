package processors

import (
	"regexp"
	"sort"
	"strings"
)

// TextNormalizer performs case-insensitive phrase replacements to normalize
// domain terms in transcripts.
type TextNormalizer struct {
	rules []replacement
}

type replacement struct {
	re *regexp.Regexp
	to string
}

// NewTextNormalizer compiles replacements. Longer phrases are applied first so
// they win over their own prefixes.
func NewTextNormalizer(replacements map[string]string) *TextNormalizer {
	keys := make([]string, 0, len(replacements))
	for from := range replacements {
		if strings.TrimSpace(from) != "" {
			keys = append(keys, from)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	n := &TextNormalizer{}
	for _, from := range keys {
		n.rules = append(n.rules, replacement{
			re: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(from)),
			to: replacements[from],
		})
	}
	return n
}

func (t *TextNormalizer) Normalize(text string) string {
	if t == nil {
		return text
	}
	for _, r := range t.rules {
		text = r.re.ReplaceAllLiteralString(text, r.to)
	}
	return text
}
