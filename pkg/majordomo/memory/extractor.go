package memory

import (
	"context"
	"regexp"
	"strings"
)

// Candidate is one proposed memory entry before filtering.
type Candidate struct {
	Kind       string
	Text       string
	Confidence float64
	Salience   float64
}

// Extractor proposes memory candidates from one message. Implementations
// may be heuristic, LLM-assisted, or a hybrid of the two.
type Extractor interface {
	Extract(ctx context.Context, text string, isAssistant bool) ([]Candidate, error)
}

// HeuristicExtractor mines first-person cue phrases. It is deliberately
// conservative: better to miss a fact than to pollute recall.
type HeuristicExtractor struct{}

type cue struct {
	re         *regexp.Regexp
	kind       string
	confidence float64
	salience   float64
}

var cues = []cue{
	// Stable personal facts.
	{regexp.MustCompile(`(?i)\bmy name is\b`), KindSemantic, 0.9, 0.8},
	{regexp.MustCompile(`(?i)\bi (live|work) (in|at)\b`), KindSemantic, 0.8, 0.7},
	{regexp.MustCompile(`(?i)\bi am allergic to\b`), KindSemantic, 0.9, 0.9},
	{regexp.MustCompile(`(?i)\bmy (birthday|anniversary) is\b`), KindSemantic, 0.85, 0.8},

	// Preferences.
	{regexp.MustCompile(`(?i)\bi (prefer|like|love|hate|dislike)\b`), KindPreference, 0.7, 0.6},
	{regexp.MustCompile(`(?i)\b(always|never) (send|reply|answer|write) (to )?me\b`), KindPreference, 0.8, 0.7},

	// Decisions and commitments.
	{regexp.MustCompile(`(?i)\bwe (decided|agreed) (to|that)\b`), KindDecision, 0.8, 0.8},
	{regexp.MustCompile(`(?i)\blet'?s go with\b`), KindDecision, 0.7, 0.7},

	// Procedures.
	{regexp.MustCompile(`(?i)\b(to|when you) deploy\b.{0,40}\b(run|use)\b`), KindProcedural, 0.6, 0.6},

	// Emotional state (chat-scoped, low salience).
	{regexp.MustCompile(`(?i)\bi('m| am) (so |really |very )?(stressed|anxious|excited|happy|sad)\b`), KindEmotional, 0.6, 0.4},
}

// Extract scans the text for cue phrases. One candidate per matched kind;
// the whole sentence containing the cue becomes the candidate text.
func (HeuristicExtractor) Extract(_ context.Context, text string, isAssistant bool) ([]Candidate, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || isAssistant {
		// Assistant turns only yield reflective summaries, which the
		// heuristic path does not produce.
		return nil, nil
	}

	sentences := splitSentences(trimmed)
	seenKinds := map[string]bool{}
	var out []Candidate
	for _, sentence := range sentences {
		for _, c := range cues {
			if seenKinds[c.kind] || !c.re.MatchString(sentence) {
				continue
			}
			seenKinds[c.kind] = true
			out = append(out, Candidate{
				Kind:       c.kind,
				Text:       strings.TrimSpace(sentence),
				Confidence: c.confidence,
				Salience:   c.salience,
			})
		}
	}
	return out, nil
}

var sentenceSplitRe = regexp.MustCompile(`[.!?\n]+`)

func splitSentences(text string) []string {
	parts := sentenceSplitRe.Split(text, -1)
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
