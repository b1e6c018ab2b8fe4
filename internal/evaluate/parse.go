package evaluate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ParseVerdict extracts the JSON verdict from a model reply. It accepts a
// bare object, an object inside a code fence, or an object surrounded by
// prose.
func ParseVerdict(text string) (Verdict, error) {
	body := strings.TrimSpace(text)
	if m := fenceRe.FindStringSubmatch(body); m != nil {
		body = m[1]
	}
	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		body = body[start : end+1]
	}

	var v Verdict
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return Verdict{}, fmt.Errorf("parsing verdict: %w", err)
	}
	return v, nil
}
