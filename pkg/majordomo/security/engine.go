package security

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Stage identifies where a rule runs.
type Stage string

const (
	StageInput  Stage = "input"
	StageTool   Stage = "tool"
	StageOutput Stage = "output"
)

// Action is what a matching rule does.
type Action string

const (
	ActionBlock  Action = "block"
	ActionRedact Action = "redact"
	ActionFlag   Action = "flag"
)

// Rule is one curated matcher. Pattern is a regular expression applied to
// the normalized lowered view; when CompactMatch is set it is also tried
// against the separator-free compact view.
type Rule struct {
	ID           string `yaml:"id"`
	Stage        Stage  `yaml:"stage"`
	Pattern      string `yaml:"pattern"`
	Action       Action `yaml:"action"`
	Replacement  string `yaml:"replacement"`
	CompactMatch bool   `yaml:"compactMatch"`

	re *regexp.Regexp
}

// Result is the outcome of one stage check.
type Result struct {
	Action        Action
	RuleID        string
	Reason        string
	SanitizedText string
	Flags         []string
}

// Allowed reports whether the text may proceed.
func (r Result) Allowed() bool { return r.Action != ActionBlock }

// Engine compiles the rule pack once at load and evaluates stages in rule-id
// order: first block wins, redactions accumulate, flags pass through with
// telemetry only.
type Engine struct {
	rules  map[Stage][]*Rule
	logger *slog.Logger
}

// Config tunes engine behavior.
type Config struct {
	// Enabled toggles the whole engine; disabled means allow-everything.
	Enabled bool `json:"enabled"`

	// RulesFile optionally points at a YAML pack of extra rules merged
	// with the built-in pack.
	RulesFile string `json:"rules_file"`

	// RedactPlaceholder replaces redacted spans.
	RedactPlaceholder string `json:"redact_placeholder"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, RedactPlaceholder: "[redacted]"}
}

// New compiles the built-in pack plus any configured extra rules.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		rules:  make(map[Stage][]*Rule),
		logger: logger.With("component", "security"),
	}
	if !cfg.Enabled {
		return e, nil
	}

	all := append([]Rule(nil), builtinRules...)
	if cfg.RulesFile != "" {
		extra, err := loadRulesFile(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		all = append(all, extra...)
	}

	placeholder := cfg.RedactPlaceholder
	if placeholder == "" {
		placeholder = "[redacted]"
	}
	for i := range all {
		rule := all[i]
		if rule.Action == ActionRedact && rule.Replacement == "" {
			rule.Replacement = placeholder
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("security rule %s: %w", rule.ID, err)
		}
		rule.re = re
		e.rules[rule.Stage] = append(e.rules[rule.Stage], &rule)
	}
	for stage := range e.rules {
		sort.Slice(e.rules[stage], func(i, j int) bool {
			return e.rules[stage][i].ID < e.rules[stage][j].ID
		})
	}
	return e, nil
}

// loadRulesFile reads an optional YAML rule pack.
func loadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}
	for i, r := range doc.Rules {
		if r.ID == "" || r.Pattern == "" {
			return nil, fmt.Errorf("rules file entry %d: id and pattern are required", i)
		}
		switch r.Stage {
		case StageInput, StageTool, StageOutput:
		default:
			return nil, fmt.Errorf("rule %s: invalid stage %q", r.ID, r.Stage)
		}
		switch r.Action {
		case ActionBlock, ActionRedact, ActionFlag:
		default:
			return nil, fmt.Errorf("rule %s: invalid action %q", r.ID, r.Action)
		}
	}
	return doc.Rules, nil
}

// check runs one stage against normalized text.
func (e *Engine) check(stage Stage, text string) Result {
	rules := e.rules[stage]
	if len(rules) == 0 {
		return Result{Action: ActionFlag, Reason: "stage_disabled", SanitizedText: text}
	}

	norm := Normalize(text)
	sanitized := text
	result := Result{Action: "", SanitizedText: text}

	for _, rule := range rules {
		// Case-sensitive patterns (AKIA...) only hit the original
		// view; obfuscation-resistant ones hit the normalized views.
		matched := rule.re.MatchString(norm.Lowered) || rule.re.MatchString(text)
		if !matched && rule.CompactMatch {
			matched = rule.re.MatchString(norm.Compact)
		}
		if !matched {
			continue
		}

		switch rule.Action {
		case ActionBlock:
			e.logger.Info("security block",
				"stage", string(stage), "rule", rule.ID)
			return Result{Action: ActionBlock, RuleID: rule.ID, Reason: "rule:" + rule.ID}
		case ActionRedact:
			sanitized = rule.re.ReplaceAllString(sanitized, rule.Replacement)
			result.Action = ActionRedact
			result.RuleID = rule.ID
			result.Reason = "rule:" + rule.ID
		case ActionFlag:
			result.Flags = append(result.Flags, rule.ID)
		}
	}

	result.SanitizedText = sanitized
	if result.Action == "" {
		result.Action = ActionFlag
		result.Reason = "clean"
	}
	return result
}

// CheckInput evaluates inbound user text.
func (e *Engine) CheckInput(text string) Result { return e.check(StageInput, text) }

// CheckTool evaluates one tool call before execution. Arguments are
// flattened into a single text view for pattern matching.
func (e *Engine) CheckTool(toolName string, args map[string]any) Result {
	var b strings.Builder
	b.WriteString(toolName)
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, args[k])
	}
	return e.check(StageTool, b.String())
}

// CheckOutput evaluates assistant text before outbound send.
func (e *Engine) CheckOutput(text string) Result { return e.check(StageOutput, text) }
