package policy

import "strings"

// Identity normalization for policy matching across channels.
//
// Sender identities arrive in several forms: WhatsApp JIDs with device
// suffixes ("5511999:12@s.whatsapp.net"), bare or +-prefixed phone numbers,
// Telegram numeric ids or @usernames. Matching succeeds when any canonical
// form of the sender equals any canonical form of a listed entry.

// normalizeToken lowercases, trims, and strips a leading "@".
func normalizeToken(value string) string {
	token := strings.TrimSpace(value)
	if token == "" {
		return ""
	}
	token = strings.TrimPrefix(token, "@")
	return strings.ToLower(strings.TrimSpace(token))
}

// expandAliases expands one normalized token into channel-aware aliases.
func expandAliases(channel, token string) []string {
	if token == "" {
		return nil
	}

	seen := map[string]bool{token: true}
	out := []string{token}
	add := func(alias string) {
		if alias != "" && !seen[alias] {
			seen[alias] = true
			out = append(out, alias)
		}
	}

	switch channel {
	case "telegram":
		// Username variants: "@foo" vs "foo". Numeric ids stay as-is.
		if !isDigits(token) {
			add("@" + token)
		}

	case "whatsapp":
		// JID variants: "123:1@s.whatsapp.net" / "123@s.whatsapp.net" / "123" / "+123".
		left, right := token, ""
		if at := strings.IndexByte(token, '@'); at >= 0 {
			left, right = token[:at], token[at+1:]
		}
		base := left
		if colon := strings.IndexByte(left, ':'); colon >= 0 {
			base = left[:colon]
		}
		add(base)
		if right != "" {
			add(base + "@" + right)
		}
		if strings.HasPrefix(base, "+") {
			add(base[1:])
		} else if isDigits(base) {
			add("+" + base)
		}
	}

	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// normalizeSenderSet expands a policy sender list into the full alias set.
func normalizeSenderSet(channel string, values []string) map[string]bool {
	set := make(map[string]bool)
	for _, value := range values {
		for _, alias := range expandAliases(channel, normalizeToken(value)) {
			set[alias] = true
		}
	}
	return set
}

// senderAliases resolves the alias set for one concrete sender. Extra
// candidate forms (usernames, phone variants from channel metadata) widen
// the match surface.
func senderAliases(channel, senderID string, extra ...string) []string {
	seen := make(map[string]bool)
	var out []string
	candidates := append([]string{senderID}, extra...)
	for _, candidate := range candidates {
		for _, part := range strings.Split(candidate, "|") {
			token := normalizeToken(part)
			if token == "" {
				continue
			}
			for _, alias := range expandAliases(channel, token) {
				if !seen[alias] {
					seen[alias] = true
					out = append(out, alias)
				}
			}
		}
	}
	return out
}

// matchSender reports whether any sender alias is in the allowed set.
func matchSender(aliases []string, allowed map[string]bool) bool {
	if len(allowed) == 0 {
		return false
	}
	for _, alias := range aliases {
		if allowed[alias] {
			return true
		}
	}
	return false
}
