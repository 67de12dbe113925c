package log

import (
	"fmt"
	"regexp"

	"github.com/flockgate/flockgate/config"
)

type maskRule struct {
	re          *regexp.Regexp
	replacement string
}

var maskRules []maskRule

// InitReplacer compiles the masking rules applied to every log line before it
// is written. Masks keep account secrets (passwords, cookie values, 2fa seeds)
// out of the logs. Must be called before logging starts.
func InitReplacer(masks []config.LogMask) error {
	rules := make([]maskRule, 0, len(masks))
	for _, m := range masks {
		re, err := regexp.Compile(m.Regex)
		if err != nil {
			return fmt.Errorf("cannot compile log mask %q: %w", m.Regex, err)
		}
		rules = append(rules, maskRule{
			re:          re,
			replacement: m.Replacement,
		})
	}
	maskRules = rules
	return nil
}

func mask(s string) string {
	for _, r := range maskRules {
		s = r.re.ReplaceAllString(s, r.replacement)
	}
	return s
}
