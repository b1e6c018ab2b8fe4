package evaluate

import (
	"strings"
)

var punctuation = strings.NewReplacer(
	"\u2011", "-",
	"\u2013", "-",
	"\u2014", "-",
	"\u2018", "'",
	"\u2019", "'",
	"\u201c", `"`,
	"\u201d", `"`,
	"\u2026", "...",
	"\u00a0", " ",
)

// Sanitize maps common typographic punctuation to ASCII and drops any other
// non-ASCII characters.
func Sanitize(s string) string {
	s = punctuation.Replace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 128 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

const defaultInstructions = "You are an AI recruiter assistant that evaluates job postings with a realistic " +
	"understanding of hiring practices. Many listed requirements are preferences, and hiring managers " +
	"often consider candidates who meet 70-80% of them. Analyse the following LinkedIn job description " +
	"and determine whether the candidate is eligible for the role. Assume the candidate meets any " +
	"citizenship or residency requirements."

const responseSchema = `Respond using ONLY valid JSON with the following schema:
{
  "eligible": bool,
  "reasoning": str,
  "missing_requirements": [str]
}`

// BuildPrompt assembles the single user message sent to the model.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(defaultInstructions)

	if c := strings.TrimSpace(req.Criteria); c != "" {
		b.WriteString("\n\nAdditional evaluation criteria:\n")
		b.WriteString(Sanitize(c))
	}

	b.WriteString("\n\nJob Description:\n")
	b.WriteString(Sanitize(strings.TrimSpace(req.Description)))

	if r := strings.TrimSpace(req.Resume); r != "" {
		b.WriteString("\n\nCandidate Resume:\n")
		b.WriteString(Sanitize(r))
	}

	b.WriteString("\n\n")
	b.WriteString(responseSchema)
	return b.String()
}
