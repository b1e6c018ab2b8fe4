package evaluate

import (
	"regexp"
	"strings"
)

// MatchesExclusion reports the first exclusion keyword that appears in title
// as a whole word or phrase, ignoring case.
func MatchesExclusion(title string, keywords []string) (string, bool) {
	if title == "" {
		return "", false
	}
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)(^|\W)` + regexp.QuoteMeta(kw) + `(\W|$)`)
		if re.MatchString(title) {
			return kw, true
		}
	}
	return "", false
}
