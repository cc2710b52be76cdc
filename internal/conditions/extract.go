package conditions

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/blockflow/pkg/schema"
)

// Extract applies extraction rules to the subject text. It returns the named
// values that matched and one message per rule that did not.
func (e *Evaluator) Extract(rules []schema.ExtractRule, subj Subject) (map[string]any, []string) {
	if len(rules) == 0 {
		return nil, nil
	}
	text := subj.Text()
	values := make(map[string]any, len(rules))
	var misses []string

	for _, rule := range rules {
		re, err := e.compileRegex(rule.Pattern)
		if err != nil {
			misses = append(misses, fmt.Sprintf("extract %s: invalid pattern: %s", rule.Name, err))
			continue
		}
		m := re.FindStringSubmatch(text)
		if m == nil {
			misses = append(misses, fmt.Sprintf("extract %s: no match for /%s/", rule.Name, rule.Pattern))
			continue
		}
		group := rule.Group
		if group == 0 && len(m) > 1 {
			group = 1
		}
		if group >= len(m) {
			misses = append(misses, fmt.Sprintf("extract %s: capture group %d out of range", rule.Name, group))
			continue
		}

		raw := m[group]
		if strings.EqualFold(rule.As, "number") {
			f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				misses = append(misses, fmt.Sprintf("extract %s: %q is not a number", rule.Name, raw))
				continue
			}
			values[rule.Name] = f
			continue
		}
		values[rule.Name] = raw
	}
	return values, misses
}
