package pipeline

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Idea-capture reaction emojis.
const (
	ideaEmoji    = "💡"
	backlogEmoji = "📌"
)

var (
	ideaMarkers    = []string{"[idea]", "#idea", "idea:"}
	backlogMarkers = []string{"[backlog]", "#backlog", "backlog:"}

	ideaWords    = map[string]bool{"idea": true, "idee": true, "ideia": true}
	backlogWords = map[string]bool{"backlog": true, "todo": true, "aufgabe": true, "tarea": true}
)

// IdeaCapture intercepts idea/backlog messages and captures them directly
// to the memory backlog with a reaction emoji, bypassing the responder.
// Runs after Policy so only accepted messages capture.
type IdeaCapture struct{}

// Handle implements Middleware.
func (IdeaCapture) Handle(ctx *Context, next Next) {
	event := ctx.Event
	if ctx.Decision == nil || !ctx.Decision.AcceptMessage {
		next(ctx)
		return
	}

	kind, body := captureKind(event.Text())
	if kind == "" {
		next(ctx)
		return
	}

	ctx.Intents = append(ctx.Intents, MemoryCapture{
		Channel:   event.Channel,
		ChatID:    event.ChatID,
		SenderID:  event.Sender.ID,
		MessageID: event.ID,
		Text:      body,
		Kind:      kind,
		IsGroup:   event.IsGroup,
	})
	ctx.Metric("idea_capture_saved",
		[2]string{"channel", event.Channel}, [2]string{"kind", kind})

	if event.ID != "" {
		emoji := ideaEmoji
		if kind == "backlog" {
			emoji = backlogEmoji
		}
		ctx.Intents = append(ctx.Intents, ReactionIntent{
			Channel:     event.Channel,
			ChatID:      event.ChatID,
			MessageID:   event.ID,
			Emoji:       emoji,
			Participant: event.Participant,
		})
	}
	ctx.Halt()
}

// captureKind classifies explicit idea/backlog intent: a leading marker
// ("[idea]", "#backlog", "idea:") or a matching first token after accent
// folding. Returns the normalized body, falling back to the full text when
// the marker stands alone.
func captureKind(text string) (kind, body string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ""
	}
	lowered := strings.ToLower(trimmed)

	for _, marker := range backlogMarkers {
		if strings.HasPrefix(lowered, marker) {
			return "backlog", markerBody(trimmed, marker)
		}
	}
	for _, marker := range ideaMarkers {
		if strings.HasPrefix(lowered, marker) {
			return "idea", markerBody(trimmed, marker)
		}
	}

	first, rest := splitFirstWord(trimmed)
	folded := foldAccents(strings.ToLower(first))
	switch {
	case backlogWords[folded]:
		return "backlog", bodyOr(rest, trimmed)
	case ideaWords[folded]:
		return "idea", bodyOr(rest, trimmed)
	}
	return "", ""
}

func markerBody(text, marker string) string {
	body := strings.TrimLeft(text[len(marker):], " \t:;.,-")
	if body == "" {
		return text
	}
	return body
}

func splitFirstWord(text string) (first, rest string) {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(fields) == 0 {
		return "", ""
	}
	first = fields[0]
	idx := strings.Index(text, first)
	rest = strings.TrimLeft(text[idx+len(first):], " \t:;.,-")
	return first, rest
}

func bodyOr(body, fallback string) string {
	if strings.TrimSpace(body) == "" {
		return fallback
	}
	return body
}

var accentFolder = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldAccents strips combining marks so "idée" matches "idee".
func foldAccents(s string) string {
	out, _, err := transform.String(accentFolder, s)
	if err != nil {
		return s
	}
	return out
}
