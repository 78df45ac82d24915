package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Query is the input to one policy evaluation.
type Query struct {
	Channel      string
	ChatID       string
	SenderID     string
	SenderExtra  []string // additional identity forms (username, phone)
	IsGroup      bool
	MentionedBot bool
	ReplyToBot   bool

	// VoiceTranscript is the ASR transcript of an inbound voice note, if
	// any. In WhatsApp groups a wake phrase inside it satisfies
	// mention_only.
	VoiceTranscript string
}

// Decision is the deterministic outcome of one evaluation.
type Decision struct {
	AcceptMessage bool
	ShouldRespond bool
	AllowedTools  map[string]bool
	DeniedTools   map[string]bool
	PersonaFile   string
	Reason        string

	// WhenToReplyMode carries the effective reply mode so the outbound
	// stage can make its threading decision.
	WhenToReplyMode string

	// VoiceOutput is the effective voice reply policy for the chat.
	VoiceOutput VoiceOutput
}

// compiled is one fully merged, pre-normalized chat policy.
type compiled struct {
	whoMode        string
	whoSenders     map[string]bool
	replyMode      string
	replySenders   map[string]bool
	blockedSenders map[string]bool
	toolsMode      string
	tools          map[string]bool
	toolsDeny      map[string]bool
	personaFile    string
	wakePhrases    []string
	voiceOutput    VoiceOutput
}

// Snapshot is an immutable compiled policy tree. Snapshots are built once
// from a Spec and swapped atomically on reload; readers never observe a
// partial policy.
type Snapshot struct {
	spec            *Spec
	owners          map[string]map[string]bool
	channelDefaults map[string]*compiled
	chatRules       map[string]*compiled // key: channel + "\x00" + chatID
	applyChannels   map[string]bool
}

// Compile builds an immutable snapshot from a validated spec.
// applyChannels limits the channels policy governs; messages on other
// channels are accepted wholesale with reason "policy_not_applied".
func Compile(spec *Spec, applyChannels []string) *Snapshot {
	apply := make(map[string]bool)
	if len(applyChannels) == 0 {
		apply["whatsapp"] = true
		apply["telegram"] = true
	}
	for _, ch := range applyChannels {
		apply[ch] = true
	}

	snap := &Snapshot{
		spec:            spec,
		owners:          make(map[string]map[string]bool),
		channelDefaults: make(map[string]*compiled),
		chatRules:       make(map[string]*compiled),
		applyChannels:   apply,
	}
	for channel, owners := range spec.Owners {
		snap.owners[channel] = normalizeSenderSet(channel, owners)
	}

	channels := make(map[string]bool)
	for ch := range apply {
		channels[ch] = true
	}
	for ch := range spec.Channels {
		channels[ch] = true
	}

	for channel := range channels {
		base := spec.Defaults
		chSpec, hasChannel := spec.Channels[channel]
		if hasChannel {
			base = mergeOverride(base, chSpec.Default)
		}
		snap.channelDefaults[channel] = compilePolicy(channel, base)

		if hasChannel {
			for chatID, ov := range chSpec.Chats {
				merged := mergeOverride(base, ov)
				snap.chatRules[chatKey(channel, chatID)] = compilePolicy(channel, merged)
			}
		}
	}
	return snap
}

func chatKey(channel, chatID string) string { return channel + "\x00" + chatID }

// mergeOverride overlays a partial override on a resolved policy. Each set
// field fully replaces the inherited value; list fields are replaced, not
// merged.
func mergeOverride(base ChatPolicy, ov ChatOverride) ChatPolicy {
	out := base
	if ov.WhoCanTalk != nil {
		if ov.WhoCanTalk.Mode != nil {
			out.WhoCanTalk.Mode = *ov.WhoCanTalk.Mode
		}
		if ov.WhoCanTalk.Senders != nil {
			out.WhoCanTalk.Senders = *ov.WhoCanTalk.Senders
		}
	}
	if ov.WhenToReply != nil {
		if ov.WhenToReply.Mode != nil {
			out.WhenToReply.Mode = *ov.WhenToReply.Mode
		}
		if ov.WhenToReply.Senders != nil {
			out.WhenToReply.Senders = *ov.WhenToReply.Senders
		}
	}
	if ov.BlockedSenders != nil && ov.BlockedSenders.Senders != nil {
		out.BlockedSenders.Senders = *ov.BlockedSenders.Senders
	}
	if ov.AllowedTools != nil {
		if ov.AllowedTools.Mode != nil {
			out.AllowedTools.Mode = *ov.AllowedTools.Mode
		}
		if ov.AllowedTools.Tools != nil {
			out.AllowedTools.Tools = *ov.AllowedTools.Tools
		}
		if ov.AllowedTools.Deny != nil {
			out.AllowedTools.Deny = *ov.AllowedTools.Deny
		}
	}
	if ov.PersonaFile != nil {
		out.PersonaFile = *ov.PersonaFile
	}
	if ov.Voice != nil {
		if ov.Voice.Input != nil && ov.Voice.Input.WakePhrases != nil {
			out.Voice.Input.WakePhrases = *ov.Voice.Input.WakePhrases
		}
		if ov.Voice.Output != nil {
			vo := ov.Voice.Output
			if vo.Mode != nil {
				out.Voice.Output.Mode = *vo.Mode
			}
			if vo.TTSRoute != nil {
				out.Voice.Output.TTSRoute = *vo.TTSRoute
			}
			if vo.Voice != nil {
				out.Voice.Output.Voice = *vo.Voice
			}
			if vo.MaxSentences != nil {
				out.Voice.Output.MaxSentences = *vo.MaxSentences
			}
			if vo.MaxChars != nil {
				out.Voice.Output.MaxChars = *vo.MaxChars
			}
		}
	}
	return out
}

func compilePolicy(channel string, p ChatPolicy) *compiled {
	toolSet := func(values []string) map[string]bool {
		set := make(map[string]bool)
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v != "" {
				set[v] = true
			}
		}
		return set
	}
	return &compiled{
		whoMode:        p.WhoCanTalk.Mode,
		whoSenders:     normalizeSenderSet(channel, p.WhoCanTalk.Senders),
		replyMode:      p.WhenToReply.Mode,
		replySenders:   normalizeSenderSet(channel, p.WhenToReply.Senders),
		blockedSenders: normalizeSenderSet(channel, p.BlockedSenders.Senders),
		toolsMode:      p.AllowedTools.Mode,
		tools:          toolSet(p.AllowedTools.Tools),
		toolsDeny:      toolSet(p.AllowedTools.Deny),
		personaFile:    p.PersonaFile,
		wakePhrases:    p.Voice.Input.WakePhrases,
		voiceOutput:    p.Voice.Output,
	}
}

// Spec returns the underlying document of this snapshot.
func (s *Snapshot) Spec() *Spec { return s.spec }

// Owners returns the normalized owner alias set for a channel.
func (s *Snapshot) Owners(channel string) map[string]bool {
	return s.owners[channel]
}

// IsOwner reports whether the sender is an owner of the channel.
func (s *Snapshot) IsOwner(channel, senderID string, extra ...string) bool {
	return matchSender(senderAliases(channel, senderID, extra...), s.owners[channel])
}

// resolve returns the compiled policy for (channel, chat), most specific
// level first: chat override > channel default > defaults.
func (s *Snapshot) resolve(channel, chatID string) *compiled {
	if c, ok := s.chatRules[chatKey(channel, chatID)]; ok {
		return c
	}
	if c, ok := s.channelDefaults[channel]; ok {
		return c
	}
	return compilePolicy(channel, s.spec.Defaults)
}

// AllTools is the registered tool universe used to expand mode=all.
// It is fixed at bootstrap; policy never invents tool names.
var AllTools = []string{
	"list_dir", "read_file", "write_file", "web_search", "web_fetch",
	"exec", "spawn", "remember", "recall", "schedule",
}

// Evaluate computes the deterministic decision for one query against this
// snapshot. It is a pure function of the snapshot and the query.
func (s *Snapshot) Evaluate(q Query) Decision {
	if !s.applyChannels[q.Channel] {
		return Decision{
			AcceptMessage:   true,
			ShouldRespond:   true,
			AllowedTools:    setOf(AllTools),
			Reason:          "policy_not_applied",
			WhenToReplyMode: ReplyAll,
		}
	}

	p := s.resolve(q.Channel, q.ChatID)
	aliases := senderAliases(q.Channel, q.SenderID, q.SenderExtra...)
	base := Decision{
		PersonaFile:     p.personaFile,
		WhenToReplyMode: p.replyMode,
		VoiceOutput:     p.voiceOutput,
	}

	// 1. Explicit deny-list wins over everything.
	if matchSender(aliases, p.blockedSenders) {
		base.Reason = "blocked_sender"
		return base
	}

	// 2. whoCanTalk.
	accepted, acceptReason := s.evalWhoCanTalk(q, p, aliases)
	if !accepted {
		base.Reason = acceptReason
		return base
	}
	base.AcceptMessage = true

	// 3. whenToReply.
	respond, replyReason := s.evalWhenToReply(q, p, aliases)
	if !respond {
		base.Reason = replyReason
		return base
	}
	base.ShouldRespond = true
	base.Reason = acceptReason + "|" + replyReason

	// 4. allowedTools.
	base.AllowedTools, base.DeniedTools = resolveTools(p)
	return base
}

func (s *Snapshot) evalWhoCanTalk(q Query, p *compiled, aliases []string) (bool, string) {
	switch p.whoMode {
	case TalkEveryone:
		return true, "who_can_talk:everyone"
	case TalkAllowlist:
		return matchSender(aliases, p.whoSenders), "who_can_talk:allowlist"
	case TalkOwnerOnly:
		return matchSender(aliases, s.owners[q.Channel]), "who_can_talk:owner_only"
	}
	return false, fmt.Sprintf("who_can_talk:unknown_mode:%s", p.whoMode)
}

func (s *Snapshot) evalWhenToReply(q Query, p *compiled, aliases []string) (bool, string) {
	switch p.replyMode {
	case ReplyAll:
		return true, "when_to_reply:all"
	case ReplyOff:
		return false, "when_to_reply:off"
	case ReplyMentionOnly:
		if !q.IsGroup {
			return true, "when_to_reply:mention_only_dm"
		}
		if q.MentionedBot || q.ReplyToBot {
			return true, "when_to_reply:mention_only_group"
		}
		if q.Channel == "whatsapp" && q.VoiceTranscript != "" &&
			transcriptHasWakePhrase(q.VoiceTranscript, p.wakePhrases) {
			return true, "when_to_reply:wake_phrase"
		}
		return false, "when_to_reply:mention_only_group"
	case ReplyAllowedSenders:
		return matchSender(aliases, p.replySenders), "when_to_reply:allowed_senders"
	case ReplyOwnerOnly:
		return matchSender(aliases, s.owners[q.Channel]), "when_to_reply:owner_only"
	}
	return false, fmt.Sprintf("when_to_reply:unknown_mode:%s", p.replyMode)
}

func resolveTools(p *compiled) (allowed, denied map[string]bool) {
	allowed = make(map[string]bool)
	if p.toolsMode == ToolsAll {
		for _, t := range AllTools {
			allowed[t] = true
		}
	} else {
		universe := setOf(AllTools)
		for t := range p.tools {
			if universe[t] {
				allowed[t] = true
			}
		}
	}
	denied = make(map[string]bool)
	for t := range p.toolsDeny {
		denied[t] = true
		delete(allowed, t)
	}
	// Guardrail: spawn rides on exec; never allow spawn without it.
	if !allowed["exec"] {
		delete(allowed, "spawn")
	}
	return allowed, denied
}

func setOf(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

// transcriptHasWakePhrase reports whether any wake phrase occurs in the
// transcript as a whole-token substring, after lowercasing and mapping
// non-alphanumerics to spaces.
func transcriptHasWakePhrase(transcript string, phrases []string) bool {
	if len(phrases) == 0 {
		return false
	}
	normalized := " " + strings.TrimSpace(nonAlnumRe.ReplaceAllString(strings.ToLower(transcript), " ")) + " "
	for _, phrase := range phrases {
		p := strings.TrimSpace(nonAlnumRe.ReplaceAllString(strings.ToLower(phrase), " "))
		if p == "" {
			continue
		}
		if strings.Contains(normalized, " "+p+" ") {
			return true
		}
	}
	return false
}

// Effective describes the merged policy for one (channel, chat) in plain
// list form, used by explain and the admin surface.
type Effective struct {
	WhoCanTalkMode     string
	WhoCanTalkSenders  []string
	WhenToReplyMode    string
	WhenToReplySenders []string
	BlockedSenders     []string
	AllowedToolsMode   string
	AllowedTools       []string
	DeniedTools        []string
	PersonaFile        string
	VoiceOutputMode    string
}

// ResolveEffective returns the merged policy for explain/status surfaces.
func (s *Snapshot) ResolveEffective(channel, chatID string) Effective {
	p := s.resolve(channel, chatID)
	return Effective{
		WhoCanTalkMode:     p.whoMode,
		WhoCanTalkSenders:  sortedKeys(p.whoSenders),
		WhenToReplyMode:    p.replyMode,
		WhenToReplySenders: sortedKeys(p.replySenders),
		BlockedSenders:     sortedKeys(p.blockedSenders),
		AllowedToolsMode:   p.toolsMode,
		AllowedTools:       sortedKeys(p.tools),
		DeniedTools:        sortedKeys(p.toolsDeny),
		PersonaFile:        p.personaFile,
		VoiceOutputMode:    p.voiceOutput.Mode,
	}
}

// Explain returns the merged snapshot view plus the decision trace for one
// concrete sender.
func (s *Snapshot) Explain(channel, chatID, senderID string) (Effective, Decision) {
	eff := s.ResolveEffective(channel, chatID)
	dec := s.Evaluate(Query{Channel: channel, ChatID: chatID, SenderID: senderID})
	return eff, dec
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
