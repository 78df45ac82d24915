package security

// builtinRules is the curated default pack. Rule ids carry a stage prefix
// and a two-digit ordinal: evaluation order within a stage follows id order,
// so lower ordinals win ties.
var builtinRules = []Rule{
	// ---------- input ----------
	{
		ID:           "input-10-ignore-instructions",
		Stage:        StageInput,
		Pattern:      `ignore (all |any |the )?(previous|prior|above|earlier) (instructions|prompts|rules|messages)`,
		Action:       ActionBlock,
		CompactMatch: false,
	},
	{
		ID:           "input-11-system-prompt-probe",
		Stage:        StageInput,
		Pattern:      `(reveal|show|print|repeat|output).{0,24}(system prompt|initial prompt|hidden instructions)`,
		Action:       ActionBlock,
		CompactMatch: false,
	},
	{
		ID:           "input-12-compact-ignore",
		Stage:        StageInput,
		Pattern:      `ignorepreviousinstructions|disregardallprior`,
		Action:       ActionBlock,
		CompactMatch: true,
	},
	{
		ID:      "input-20-role-override",
		Stage:   StageInput,
		Pattern: `you are (now|no longer)\b.{0,40}\b(jailbroken|unfiltered|developer mode)`,
		Action:  ActionBlock,
	},
	{
		ID:      "input-40-suspicious-exfil",
		Stage:   StageInput,
		Pattern: `(curl|wget)\s+-?-?[a-z]*\s*https?://\S+\s*\|\s*(ba)?sh`,
		Action:  ActionFlag,
	},

	// ---------- tool ----------
	{
		ID:      "tool-10-shell-rm-root",
		Stage:   StageTool,
		Pattern: `rm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\s+/(\s|$)`,
		Action:  ActionBlock,
	},
	{
		ID:      "tool-11-fork-bomb",
		Stage:   StageTool,
		Pattern: `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`,
		Action:  ActionBlock,
	},
	{
		ID:      "tool-20-sensitive-paths",
		Stage:   StageTool,
		Pattern: `(/etc/shadow|/\.ssh/id_|\.aws/credentials)`,
		Action:  ActionBlock,
	},
	{
		ID:      "tool-40-sudo",
		Stage:   StageTool,
		Pattern: `\bsudo\b`,
		Action:  ActionFlag,
	},

	// ---------- output ----------
	{
		ID:      "output-10-api-keys",
		Stage:   StageOutput,
		Pattern: `(sk-[a-z0-9]{20,}|AKIA[0-9A-Z]{16}|ghp_[a-z0-9]{36})`,
		Action:  ActionRedact,
	},
	{
		ID:      "output-11-private-key",
		Stage:   StageOutput,
		Pattern: `-----begin (rsa |openssh |ec )?private key-----`,
		Action:  ActionBlock,
	},
	{
		ID:          "output-20-bearer-token",
		Stage:       StageOutput,
		Pattern:     `bearer\s+[a-z0-9\-_\.]{24,}`,
		Action:      ActionRedact,
		Replacement: "bearer [redacted]",
	},
}

// InjectionLexemes are the prompt-injection markers the memory capture
// filter rejects candidates for (case-insensitive containment).
var InjectionLexemes = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard prior instructions",
	"system prompt",
	"you are now",
	"jailbreak",
}
