package memory

import (
	"context"
	"testing"
)

func TestHeuristicExtractor(t *testing.T) {
	extractor := HeuristicExtractor{}

	t.Run("semantic fact", func(t *testing.T) {
		cands, err := extractor.Extract(context.Background(), "My name is Ana and I live in Lisbon.", false)
		if err != nil {
			t.Fatal(err)
		}
		if len(cands) == 0 {
			t.Fatal("expected at least one candidate")
		}
		if cands[0].Kind != KindSemantic {
			t.Errorf("expected semantic, got %s", cands[0].Kind)
		}
	})

	t.Run("preference", func(t *testing.T) {
		cands, _ := extractor.Extract(context.Background(), "I prefer short answers.", false)
		found := false
		for _, c := range cands {
			if c.Kind == KindPreference {
				found = true
			}
		}
		if !found {
			t.Errorf("expected preference candidate, got %v", cands)
		}
	})

	t.Run("decision", func(t *testing.T) {
		cands, _ := extractor.Extract(context.Background(), "ok, we decided to ship on Friday", false)
		found := false
		for _, c := range cands {
			if c.Kind == KindDecision {
				found = true
			}
		}
		if !found {
			t.Errorf("expected decision candidate, got %v", cands)
		}
	})

	t.Run("small talk yields nothing", func(t *testing.T) {
		cands, _ := extractor.Extract(context.Background(), "lol ok sounds good", false)
		if len(cands) != 0 {
			t.Errorf("expected no candidates, got %v", cands)
		}
	})

	t.Run("assistant turns skipped", func(t *testing.T) {
		cands, _ := extractor.Extract(context.Background(), "My name is Majordomo.", true)
		if len(cands) != 0 {
			t.Errorf("assistant text must not yield heuristic candidates, got %v", cands)
		}
	})

	t.Run("one candidate per kind", func(t *testing.T) {
		text := "I like pizza. I love sushi. I hate kale."
		cands, _ := extractor.Extract(context.Background(), text, false)
		count := 0
		for _, c := range cands {
			if c.Kind == KindPreference {
				count++
			}
		}
		if count != 1 {
			t.Errorf("expected a single preference candidate, got %d", count)
		}
	})
}
