package whatsapp

import (
	"fmt"
	"regexp"
	"strings"
)

// WhatsApp renders its own lightweight formatting (*bold*, _italic_,
// ~strike~, monospace backticks). MarkdownToWhatsApp converts common
// markdown so replies read naturally in chat. Code spans are protected
// from the other rewrites with placeholder substitution.

var (
	codeBlockRe  = regexp.MustCompile("(?s)```[\\w]*\\n?(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`]+)`")
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`__(.+?)__`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	headerRe     = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	bulletRe     = regexp.MustCompile(`(?m)^[-*]\s+`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// MarkdownToWhatsApp converts markdown to WhatsApp-compatible formatting.
func MarkdownToWhatsApp(text string) string {
	if text == "" {
		return ""
	}

	var codeBlocks []string
	text = codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := codeBlockRe.FindStringSubmatch(m)[1]
		codeBlocks = append(codeBlocks, inner)
		return fmt.Sprintf("\x00CB%d\x00", len(codeBlocks)-1)
	})

	var inlineCodes []string
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := inlineCodeRe.FindStringSubmatch(m)[1]
		inlineCodes = append(inlineCodes, inner)
		return fmt.Sprintf("\x00IC%d\x00", len(inlineCodes)-1)
	})

	text = boldRe.ReplaceAllString(text, "*$1*")
	text = italicRe.ReplaceAllString(text, "_${1}_")
	text = strikeRe.ReplaceAllString(text, "~$1~")
	text = headerRe.ReplaceAllString(text, "$1")
	text = bulletRe.ReplaceAllString(text, "• ")
	text = linkRe.ReplaceAllString(text, "$1 ($2)")

	for i, code := range inlineCodes {
		text = strings.Replace(text, fmt.Sprintf("\x00IC%d\x00", i), "`"+code+"`", 1)
	}
	for i, code := range codeBlocks {
		text = strings.Replace(text, fmt.Sprintf("\x00CB%d\x00", i), "```\n"+code+"\n```", 1)
	}

	return strings.TrimSpace(text)
}
