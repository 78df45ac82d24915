// Package policy implements the deterministic, hot-reloadable access-control
// engine: who may talk, when to reply, which tools are permitted, and which
// persona applies, resolved per channel and per chat.
//
// The on-disk document is strict JSON (policy.json, schema version 2).
// Unknown keys are rejected at every nesting level so typos fail loudly at
// load time instead of silently relaxing access.
package policy

import (
	"encoding/json"
	"fmt"
	"sort"
)

// SchemaVersion is the policy.json document version this engine accepts.
const SchemaVersion = 2

// Modes for the individual policy axes.
const (
	TalkEveryone  = "everyone"
	TalkAllowlist = "allowlist"
	TalkOwnerOnly = "owner_only"

	ReplyAll            = "all"
	ReplyOff            = "off"
	ReplyMentionOnly    = "mention_only"
	ReplyAllowedSenders = "allowed_senders"
	ReplyOwnerOnly      = "owner_only"

	ToolsAll       = "all"
	ToolsAllowlist = "allowlist"

	VoiceText   = "text"
	VoiceInKind = "in_kind"
	VoiceAlways = "always"
	VoiceOff    = "off"
)

// WhoCanTalk controls which senders are accepted at all.
type WhoCanTalk struct {
	Mode    string   `json:"mode"`
	Senders []string `json:"senders"`
}

// WhenToReply controls when an accepted message gets a response.
type WhenToReply struct {
	Mode    string   `json:"mode"`
	Senders []string `json:"senders"`
}

// BlockedSenders is the explicit deny-list, evaluated before WhoCanTalk.
type BlockedSenders struct {
	Senders []string `json:"senders"`
}

// AllowedTools controls which tools the responder may call.
type AllowedTools struct {
	Mode  string   `json:"mode"`
	Tools []string `json:"tools"`
	Deny  []string `json:"deny"`
}

// VoiceInput tunes voice-note handling for a chat.
type VoiceInput struct {
	WakePhrases []string `json:"wakePhrases"`
}

// VoiceOutput tunes voice replies for a chat.
type VoiceOutput struct {
	Mode         string `json:"mode"`
	TTSRoute     string `json:"ttsRoute"`
	Voice        string `json:"voice"`
	MaxSentences int    `json:"maxSentences"`
	MaxChars     int    `json:"maxChars"`
}

// Voice groups input and output voice settings.
type Voice struct {
	Input  VoiceInput  `json:"input"`
	Output VoiceOutput `json:"output"`
}

// ChatPolicy is a fully resolved policy for one (channel, chat).
type ChatPolicy struct {
	WhoCanTalk     WhoCanTalk     `json:"whoCanTalk"`
	WhenToReply    WhenToReply    `json:"whenToReply"`
	BlockedSenders BlockedSenders `json:"blockedSenders"`
	AllowedTools   AllowedTools   `json:"allowedTools"`
	PersonaFile    string         `json:"personaFile"`
	Voice          Voice          `json:"voice"`
}

// ChatOverride is a partial policy at the channel-default or chat level.
// Nil fields inherit from the level below; set fields replace the inherited
// value wholesale (lists are replaced, never appended).
type ChatOverride struct {
	Comment        *string              `json:"comment,omitempty"`
	WhoCanTalk     *WhoCanTalkOverride  `json:"whoCanTalk,omitempty"`
	WhenToReply    *WhenToReplyOverride `json:"whenToReply,omitempty"`
	BlockedSenders *BlockedOverride     `json:"blockedSenders,omitempty"`
	AllowedTools   *ToolsOverride       `json:"allowedTools,omitempty"`
	PersonaFile    *string              `json:"personaFile,omitempty"`
	Voice          *VoiceOverride       `json:"voice,omitempty"`
}

// WhoCanTalkOverride is the partial form of WhoCanTalk.
type WhoCanTalkOverride struct {
	Mode    *string   `json:"mode,omitempty"`
	Senders *[]string `json:"senders,omitempty"`
}

// WhenToReplyOverride is the partial form of WhenToReply.
type WhenToReplyOverride struct {
	Mode    *string   `json:"mode,omitempty"`
	Senders *[]string `json:"senders,omitempty"`
}

// BlockedOverride is the partial form of BlockedSenders.
type BlockedOverride struct {
	Senders *[]string `json:"senders,omitempty"`
}

// ToolsOverride is the partial form of AllowedTools.
type ToolsOverride struct {
	Mode  *string   `json:"mode,omitempty"`
	Tools *[]string `json:"tools,omitempty"`
	Deny  *[]string `json:"deny,omitempty"`
}

// VoiceOverride is the partial form of Voice.
type VoiceOverride struct {
	Input  *VoiceInputOverride  `json:"input,omitempty"`
	Output *VoiceOutputOverride `json:"output,omitempty"`
}

// VoiceInputOverride is the partial form of VoiceInput.
type VoiceInputOverride struct {
	WakePhrases *[]string `json:"wakePhrases,omitempty"`
}

// VoiceOutputOverride is the partial form of VoiceOutput.
type VoiceOutputOverride struct {
	Mode         *string `json:"mode,omitempty"`
	TTSRoute     *string `json:"ttsRoute,omitempty"`
	Voice        *string `json:"voice,omitempty"`
	MaxSentences *int    `json:"maxSentences,omitempty"`
	MaxChars     *int    `json:"maxChars,omitempty"`
}

// ChannelSpec holds the per-channel default override and per-chat overrides.
type ChannelSpec struct {
	Default ChatOverride            `json:"default"`
	Chats   map[string]ChatOverride `json:"chats"`
}

// Runtime holds operational knobs for the policy subsystem.
type Runtime struct {
	ReloadOnChange             bool    `json:"reloadOnChange"`
	ReloadCheckIntervalSeconds float64 `json:"reloadCheckIntervalSeconds"`
	AdminRateLimitPerMinute    int     `json:"adminCommandRateLimitPerMinute"`
	AdminRequireConfirm        bool    `json:"adminRequireConfirmForRisky"`
}

// Spec is the root policy document.
type Spec struct {
	Version  int                    `json:"version"`
	Owners   map[string][]string    `json:"owners"`
	Runtime  Runtime                `json:"runtime"`
	Defaults ChatPolicy             `json:"defaults"`
	Channels map[string]ChannelSpec `json:"channels"`
}

// DefaultSpec returns the built-in baseline: conservative tool allowlist,
// mention-only replies on the remote chat channels.
func DefaultSpec() *Spec {
	mentionOnly := func() ChatOverride {
		mode := ReplyMentionOnly
		return ChatOverride{WhenToReply: &WhenToReplyOverride{Mode: &mode}}
	}
	return &Spec{
		Version: SchemaVersion,
		Owners: map[string][]string{
			"whatsapp": {},
			"telegram": {},
		},
		Runtime: Runtime{
			ReloadOnChange:             true,
			ReloadCheckIntervalSeconds: 1.0,
			AdminRateLimitPerMinute:    30,
			AdminRequireConfirm:        false,
		},
		Defaults: ChatPolicy{
			WhoCanTalk:  WhoCanTalk{Mode: TalkEveryone},
			WhenToReply: WhenToReply{Mode: ReplyAll},
			AllowedTools: AllowedTools{
				Mode:  ToolsAllowlist,
				Tools: []string{"list_dir", "read_file", "web_search", "web_fetch"},
			},
			Voice: Voice{
				Output: VoiceOutput{
					Mode:         VoiceText,
					TTSRoute:     "tts.speak",
					Voice:        "alloy",
					MaxSentences: 2,
					MaxChars:     150,
				},
			},
		},
		Channels: map[string]ChannelSpec{
			"whatsapp": {Default: mentionOnly(), Chats: map[string]ChatOverride{}},
			"telegram": {Default: mentionOnly(), Chats: map[string]ChatOverride{}},
		},
	}
}

// ---------- Strict parsing ----------

// allowedKeys maps a schema location to the set of keys it accepts.
var allowedKeys = map[string][]string{
	"":             {"version", "owners", "runtime", "defaults", "channels"},
	"runtime":      {"reloadOnChange", "reloadCheckIntervalSeconds", "adminCommandRateLimitPerMinute", "adminRequireConfirmForRisky"},
	"chat":         {"comment", "whoCanTalk", "whenToReply", "blockedSenders", "allowedTools", "personaFile", "voice"},
	"whoCanTalk":   {"mode", "senders"},
	"whenToReply":  {"mode", "senders"},
	"blocked":      {"senders"},
	"allowedTools": {"mode", "tools", "deny"},
	"voice":        {"input", "output"},
	"voiceInput":   {"wakePhrases"},
	"voiceOutput":  {"mode", "ttsRoute", "voice", "maxSentences", "maxChars"},
	"channel":      {"default", "chats"},
}

func checkKeys(raw []byte, location, path string) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	allowed := allowedKeys[location]
	for key := range m {
		found := false
		for _, a := range allowed {
			if key == a {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%s: unknown key %q", path, key)
		}
	}
	return nil
}

func checkOverrideKeys(raw []byte, path string) error {
	if err := checkKeys(raw, "chat", path); err != nil {
		return err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	sub := map[string]string{
		"whoCanTalk":     "whoCanTalk",
		"whenToReply":    "whenToReply",
		"blockedSenders": "blocked",
		"allowedTools":   "allowedTools",
	}
	for key, loc := range sub {
		if v, ok := m[key]; ok && string(v) != "null" {
			if err := checkKeys(v, loc, path+"."+key); err != nil {
				return err
			}
		}
	}
	if v, ok := m["voice"]; ok && string(v) != "null" {
		if err := checkKeys(v, "voice", path+".voice"); err != nil {
			return err
		}
		var vm map[string]json.RawMessage
		if err := json.Unmarshal(v, &vm); err != nil {
			return err
		}
		if in, ok := vm["input"]; ok && string(in) != "null" {
			if err := checkKeys(in, "voiceInput", path+".voice.input"); err != nil {
				return err
			}
		}
		if out, ok := vm["output"]; ok && string(out) != "null" {
			if err := checkKeys(out, "voiceOutput", path+".voice.output"); err != nil {
				return err
			}
		}
	}
	return nil
}

// ParseSpec parses and validates a strict policy.json document.
func ParseSpec(data []byte) (*Spec, error) {
	if err := checkKeys(data, "", "policy"); err != nil {
		return nil, err
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}

	if raw, ok := root["runtime"]; ok {
		if err := checkKeys(raw, "runtime", "policy.runtime"); err != nil {
			return nil, err
		}
	}
	if raw, ok := root["defaults"]; ok {
		if err := checkOverrideKeys(raw, "policy.defaults"); err != nil {
			return nil, err
		}
	}
	if raw, ok := root["channels"]; ok {
		var chans map[string]json.RawMessage
		if err := json.Unmarshal(raw, &chans); err != nil {
			return nil, fmt.Errorf("policy.channels: %w", err)
		}
		for name, chRaw := range chans {
			chPath := "policy.channels." + name
			if err := checkKeys(chRaw, "channel", chPath); err != nil {
				return nil, err
			}
			var ch map[string]json.RawMessage
			if err := json.Unmarshal(chRaw, &ch); err != nil {
				return nil, err
			}
			if def, ok := ch["default"]; ok && string(def) != "null" {
				if err := checkOverrideKeys(def, chPath+".default"); err != nil {
					return nil, err
				}
			}
			if chats, ok := ch["chats"]; ok && string(chats) != "null" {
				var cm map[string]json.RawMessage
				if err := json.Unmarshal(chats, &cm); err != nil {
					return nil, err
				}
				for chatID, ov := range cm {
					if err := checkOverrideKeys(ov, chPath+".chats."+chatID); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	spec := DefaultSpec()
	if err := json.Unmarshal(data, spec); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Validate checks version, mode enums and structural constraints.
func (s *Spec) Validate() error {
	if s.Version != SchemaVersion {
		return fmt.Errorf("unsupported policy version %d (want %d)", s.Version, SchemaVersion)
	}
	if s.Runtime.ReloadCheckIntervalSeconds < 0.1 {
		s.Runtime.ReloadCheckIntervalSeconds = 0.1
	}
	if s.Runtime.AdminRateLimitPerMinute < 1 {
		return fmt.Errorf("runtime.adminCommandRateLimitPerMinute must be >= 1")
	}

	if err := validateModes("defaults", overrideFromChat(s.Defaults)); err != nil {
		return err
	}
	for name, ch := range s.Channels {
		if err := validateModes("channels."+name+".default", ch.Default); err != nil {
			return err
		}
		for chatID, ov := range ch.Chats {
			if err := validateModes("channels."+name+".chats."+chatID, ov); err != nil {
				return err
			}
		}
	}
	return nil
}

func overrideFromChat(c ChatPolicy) ChatOverride {
	return ChatOverride{
		WhoCanTalk:  &WhoCanTalkOverride{Mode: &c.WhoCanTalk.Mode},
		WhenToReply: &WhenToReplyOverride{Mode: &c.WhenToReply.Mode},
		AllowedTools: &ToolsOverride{
			Mode: &c.AllowedTools.Mode,
		},
		Voice: &VoiceOverride{Output: &VoiceOutputOverride{Mode: &c.Voice.Output.Mode}},
	}
}

func validateModes(path string, ov ChatOverride) error {
	in := func(v string, set ...string) bool {
		for _, s := range set {
			if v == s {
				return true
			}
		}
		return false
	}
	if ov.WhoCanTalk != nil && ov.WhoCanTalk.Mode != nil {
		if !in(*ov.WhoCanTalk.Mode, TalkEveryone, TalkAllowlist, TalkOwnerOnly) {
			return fmt.Errorf("%s.whoCanTalk.mode: invalid mode %q", path, *ov.WhoCanTalk.Mode)
		}
	}
	if ov.WhenToReply != nil && ov.WhenToReply.Mode != nil {
		if !in(*ov.WhenToReply.Mode, ReplyAll, ReplyOff, ReplyMentionOnly, ReplyAllowedSenders, ReplyOwnerOnly) {
			return fmt.Errorf("%s.whenToReply.mode: invalid mode %q", path, *ov.WhenToReply.Mode)
		}
	}
	if ov.AllowedTools != nil && ov.AllowedTools.Mode != nil {
		if !in(*ov.AllowedTools.Mode, ToolsAll, ToolsAllowlist) {
			return fmt.Errorf("%s.allowedTools.mode: invalid mode %q", path, *ov.AllowedTools.Mode)
		}
	}
	if ov.Voice != nil && ov.Voice.Output != nil && ov.Voice.Output.Mode != nil {
		if !in(*ov.Voice.Output.Mode, VoiceText, VoiceInKind, VoiceAlways, VoiceOff) {
			return fmt.Errorf("%s.voice.output.mode: invalid mode %q", path, *ov.Voice.Output.Mode)
		}
	}
	return nil
}

// Serialize renders the spec as deterministic, indented JSON suitable for
// atomic persistence and byte-level rollback comparison.
func (s *Spec) Serialize() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Clone deep-copies the spec via a marshal round-trip.
func (s *Spec) Clone() (*Spec, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	out := DefaultSpec()
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SortedChannels returns channel names in stable order.
func (s *Spec) SortedChannels() []string {
	names := make([]string, 0, len(s.Channels))
	for name := range s.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
