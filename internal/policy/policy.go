// Package policy decides whether a command requested by an agent may be executed.
//
// Evaluation is default-deny and short-circuits at the first failing stage:
// blocked-pattern scan over the raw text, chain split, then per sub-command
// path guard, allowlist, subcommand rules and (strict mode only) dangerous
// argument patterns. Unrestricted mode bypasses every stage.
package policy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// Mode selects how much of the policy applies.
type Mode int

const (
	ModeRestricted   Mode = iota // Default: blocked patterns, allowlist, subcommand rules.
	ModeStrict                   // Restricted plus dangerous argument patterns.
	ModeUnrestricted             // No checks. Trusted automation only.
)

func (m Mode) String() string {
	switch m {
	case ModeRestricted:
		return "restricted"
	case ModeStrict:
		return "strict"
	case ModeUnrestricted:
		return "unrestricted"
	default:
		return "unknown"
	}
}

// ParseMode converts a configuration string to a Mode.
// An empty string yields ModeRestricted.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "restricted":
		return ModeRestricted, nil
	case "strict":
		return ModeStrict, nil
	case "unrestricted":
		return ModeUnrestricted, nil
	default:
		return ModeRestricted, fmt.Errorf("unknown security mode %q (use restricted, strict or unrestricted)", s)
	}
}

// Rule names the stage that produced a verdict.
type Rule string

const (
	RuleOK           Rule = "ok"
	RuleUnrestricted Rule = "unrestricted"
	RuleEmpty        Rule = "empty"
	RuleBlocked      Rule = "blocked"
	RulePath         Rule = "path"
	RuleAllowlist    Rule = "allowlist"
	RuleSubcommand   Rule = "subcommand"
	RuleOption       Rule = "option"
	RulePattern      Rule = "pattern"
	RuleCustom       Rule = "custom"
)

// Verdict is the immutable result of a validation.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Rule    Rule   `json:"rule"`
}

func allow(rule Rule, reason string) Verdict {
	return Verdict{Allowed: true, Reason: reason, Rule: rule}
}

func deny(rule Rule, format string, args ...any) Verdict {
	return Verdict{Allowed: false, Reason: fmt.Sprintf(format, args...), Rule: rule}
}

// CustomValidator runs after the built-in stages have allowed a command.
// Returning a verdict with Allowed=false denies the command.
type CustomValidator func(command string) Verdict

// Validator is implemented by Engine and by instrumented wrappers around it.
type Validator interface {
	Validate(command string, mode Mode) Verdict
	Mode() Mode
}

// SubcommandRule restricts the subcommands of a tool with mutating operations.
// Denied maps a subcommand to a short explanation shown in the denial reason.
type SubcommandRule struct {
	Allowed []string          `json:"allowed" yaml:"allowed"`
	Denied  map[string]string `json:"denied" yaml:"denied"`
}

// Profile is a named, read-only policy configuration.
type Profile struct {
	Name            string
	Mode            Mode
	AllowedCommands []string                  // Added to the built-in allowlist.
	DeniedCommands  []string                  // Removed from the allowlist.
	BlockedPatterns []string                  // Added to the always-blocked list.
	TrustedDirs     []string                  // Replaces the built-in trusted directories when non-empty.
	Subcommands     map[string]SubcommandRule // Per-tool overrides of the built-in rules.
	CustomValidator CustomValidator
}

// Engine validates commands against a Profile.
// Safe for concurrent use: all fields are read-only after NewEngine.
type Engine struct {
	mode        Mode
	blocked     []string
	allowed     map[string]struct{}
	subcommands map[string]subcommandSet
	options     map[string]optionSet
	trustedDirs map[string]struct{}
	patterns    []argPattern
	custom      CustomValidator
}

type subcommandSet struct {
	allowed map[string]struct{}
	denied  map[string]string
}

// deniedOption is one forbidden option of a tool. Matching uses the part
// before '='. A two-character short option like "-o" also matches its
// attached form "-ofile".
type deniedOption struct {
	name   string
	why    string
	global bool   // Only counts before the first subcommand, e.g. "git -c".
	sub    string // Only counts after this subcommand, e.g. "go env -w".
}

// optionSet lists a tool's forbidden options. bundled tools accept combined
// short flags ("sort -uo out"), so a short option may hide inside a group.
type optionSet struct {
	options []deniedOption
	bundled bool
	words   bool // Flags are whole words ("go env -w"), never attached values.
}

// denied returns the first forbidden option in args and why it is denied.
func (s optionSet) denied(args []string) (string, string, bool) {
	sub := ""
	for _, raw := range args {
		a := strings.Trim(raw, `"'`)
		if !strings.HasPrefix(a, "-") || a == "-" {
			if sub == "" {
				sub = strings.ToLower(a)
			}
			continue
		}
		for _, o := range s.options {
			if (o.global && sub != "") || (o.sub != "" && o.sub != sub) {
				continue
			}
			if s.matches(a, o.name) {
				return o.name, o.why, true
			}
		}
	}
	return "", "", false
}

func (s optionSet) matches(arg, name string) bool {
	key, _, _ := strings.Cut(arg, "=")
	if key == name {
		return true
	}
	short := len(name) == 2 && name[0] == '-' && name[1] != '-'
	if s.words || !short || strings.HasPrefix(arg, "--") {
		return false
	}
	if strings.HasPrefix(arg, name) {
		return true
	}
	return s.bundled && strings.ContainsRune(arg[1:], rune(name[1]))
}

type argPattern struct {
	name string
	re   *regexp.Regexp
}

var _ Validator = (*Engine)(nil)

// NewEngine builds an Engine from the built-in lists extended by p.
func NewEngine(p Profile) *Engine {
	e := &Engine{
		mode:        p.Mode,
		allowed:     make(map[string]struct{}, len(defaultAllowedCommands)+len(p.AllowedCommands)),
		subcommands: make(map[string]subcommandSet, len(defaultSubcommands)),
		options:     defaultDeniedOptions,
		trustedDirs: make(map[string]struct{}),
		patterns:    strictPatterns,
		custom:      p.CustomValidator,
	}

	for _, b := range defaultBlockedPatterns {
		e.blocked = append(e.blocked, strings.ToLower(b))
	}
	for _, b := range p.BlockedPatterns {
		if b = strings.ToLower(strings.TrimSpace(b)); b != "" {
			e.blocked = append(e.blocked, b)
		}
	}

	for _, c := range defaultAllowedCommands {
		e.allowed[c] = struct{}{}
	}
	for _, c := range p.AllowedCommands {
		e.allowed[normalizeName(c)] = struct{}{}
	}
	for _, c := range p.DeniedCommands {
		delete(e.allowed, normalizeName(c))
	}

	for tool, rule := range defaultSubcommands {
		e.subcommands[tool] = newSubcommandSet(rule)
	}
	for tool, rule := range p.Subcommands {
		e.subcommands[normalizeName(tool)] = newSubcommandSet(rule)
	}

	dirs := p.TrustedDirs
	if len(dirs) == 0 {
		dirs = defaultTrustedDirs
	}
	for _, d := range dirs {
		e.trustedDirs[cleanDir(d)] = struct{}{}
	}
	return e
}

func newSubcommandSet(rule SubcommandRule) subcommandSet {
	s := subcommandSet{
		allowed: make(map[string]struct{}, len(rule.Allowed)),
		denied:  make(map[string]string, len(rule.Denied)),
	}
	for _, a := range rule.Allowed {
		s.allowed[strings.ToLower(a)] = struct{}{}
	}
	for d, why := range rule.Denied {
		s.denied[strings.ToLower(d)] = why
	}
	return s
}

// Mode returns the profile's configured mode.
func (e *Engine) Mode() Mode { return e.mode }

// Validate classifies command under mode. It never panics; empty or
// malformed input is denied.
func (e *Engine) Validate(command string, mode Mode) Verdict {
	if strings.TrimSpace(command) == "" {
		return deny(RuleEmpty, "Command blocked: empty command")
	}
	if mode == ModeUnrestricted {
		return allow(RuleUnrestricted, "unrestricted mode")
	}

	lower := strings.ToLower(command)
	for _, b := range e.blocked {
		if strings.Contains(lower, b) {
			return deny(RuleBlocked, "Command blocked: contains blocked pattern '%s'", b)
		}
	}

	segments := splitChain(command)
	if len(segments) == 0 {
		return deny(RuleEmpty, "Command blocked: empty command")
	}
	for _, seg := range segments {
		if v := e.validateSegment(seg, mode); !v.Allowed {
			return v
		}
	}

	if e.custom != nil {
		if v := e.custom(command); !v.Allowed {
			if v.Rule == "" {
				v.Rule = RuleCustom
			}
			return v
		}
	}
	return allow(RuleOK, "command allowed")
}

func (e *Engine) validateSegment(seg string, mode Mode) Verdict {
	fields := strings.Fields(seg)
	token := strings.Trim(fields[0], `"'`)
	if token == "" {
		return deny(RuleEmpty, "Command blocked: empty command")
	}

	if strings.ContainsAny(token, `/\`) || strings.Contains(token, "..") {
		if v := e.checkPath(token); !v.Allowed {
			return v
		}
	}

	name := normalizeName(baseName(token))
	if _, ok := e.allowed[name]; !ok {
		return deny(RuleAllowlist, "Command blocked: '%s' is not in the allowed commands list", name)
	}

	if set, ok := e.options[name]; ok {
		if opt, why, denied := set.denied(fields[1:]); denied {
			return deny(RuleOption, "Command blocked: '%s %s' is not allowed (%s)", name, opt, why)
		}
	}

	if rule, ok := e.subcommands[name]; ok {
		if sub := firstSubcommand(fields[1:]); sub != "" {
			if why, denied := rule.denied[sub]; denied {
				return deny(RuleSubcommand, "Command blocked: '%s %s' is not allowed (%s)", name, sub, why)
			}
			if _, allowed := rule.allowed[sub]; !allowed {
				return deny(RuleSubcommand, "Command blocked: '%s %s' is not in the allowed subcommands for '%s'", name, sub, name)
			}
		}
	}

	if mode == ModeStrict {
		for _, p := range e.patterns {
			if p.re.MatchString(seg) {
				return deny(RulePattern, "Command blocked: dangerous argument pattern '%s' in strict mode", p.name)
			}
		}
	}
	return allow(RuleOK, "")
}

// checkPath requires an explicit executable path to live in a trusted
// directory. Relative paths are denied: they resolve against the request's
// working directory, which the policy does not see.
func (e *Engine) checkPath(token string) Verdict {
	if strings.Contains(token, "..") {
		return deny(RulePath, "Command blocked: '%s' is not in an allowed directory (path traversal)", token)
	}
	if !filepath.IsAbs(token) {
		return deny(RulePath, "Command blocked: '%s' is not in an allowed directory (relative path)", token)
	}
	abs, err := filepath.Abs(token)
	if err != nil {
		return deny(RulePath, "Command blocked: '%s' is not in an allowed directory", token)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return deny(RulePath, "Command blocked: '%s' is not in an allowed directory", token)
	}
	if _, ok := e.trustedDirs[cleanDir(filepath.Dir(resolved))]; ok {
		return allow(RuleOK, "")
	}
	if _, ok := e.trustedDirs[cleanDir(filepath.Dir(abs))]; ok {
		return allow(RuleOK, "")
	}
	return deny(RulePath, "Command blocked: '%s' is not in an allowed directory", token)
}

// splitChain splits on command separators and drops blank segments.
func splitChain(command string) []string {
	parts := strings.FieldsFunc(command, func(r rune) bool {
		switch r {
		case ';', '&', '|', '\n', '\r':
			return true
		}
		return false
	})
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// firstSubcommand returns the first argument that is not a flag.
func firstSubcommand(args []string) string {
	for _, a := range args {
		a = strings.Trim(a, `"'`)
		if a == "" || strings.HasPrefix(a, "-") {
			continue
		}
		return strings.ToLower(a)
	}
	return ""
}

// baseName strips both separator styles regardless of the host OS.
func baseName(token string) string {
	if i := strings.LastIndexAny(token, `/\`); i >= 0 {
		return token[i+1:]
	}
	return token
}

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".exe")
}

func cleanDir(dir string) string {
	dir = filepath.Clean(dir)
	if runtime.GOOS == "windows" {
		dir = strings.ToLower(dir)
	}
	return dir
}
