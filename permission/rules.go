package permission

import (
	"fmt"
	"regexp"

	"github.com/pkg/errors"
)

// Rule matches tool calls by regular expressions over the tool name and the
// serialized JSON arguments. An empty pattern matches anything.
type Rule struct {
	Tool   string `yaml:"tool" mapstructure:"tool" json:"tool,omitempty"`
	Args   string `yaml:"args" mapstructure:"args" json:"args,omitempty"`
	Reason string `yaml:"reason" mapstructure:"reason" json:"reason,omitempty"`

	tool *regexp.Regexp
	args *regexp.Regexp
}

// compile prepares the rule's patterns. Tool patterns are anchored so
// "shell" does not match "shell_background".
func (r *Rule) compile() error {
	if r.Tool == "" && r.Args == "" {
		return errors.New("rule needs a tool or args pattern")
	}
	if r.Tool != "" {
		re, err := regexp.Compile("^(?:" + r.Tool + ")$")
		if err != nil {
			return errors.Wrapf(err, "tool pattern %q", r.Tool)
		}
		r.tool = re
	}
	if r.Args != "" {
		re, err := regexp.Compile(r.Args)
		if err != nil {
			return errors.Wrapf(err, "args pattern %q", r.Args)
		}
		r.args = re
	}
	return nil
}

// Matches reports whether the rule applies to the call.
func (r *Rule) Matches(tool string, args []byte) bool {
	if r.tool != nil && !r.tool.MatchString(tool) {
		return false
	}
	if r.args != nil && !r.args.Match(args) {
		return false
	}
	return true
}

func (r *Rule) String() string {
	switch {
	case r.Args == "":
		return r.Tool
	case r.Tool == "":
		return fmt.Sprintf("*(%s)", r.Args)
	default:
		return fmt.Sprintf("%s(%s)", r.Tool, r.Args)
	}
}

// RuleSet groups rules into the three explicit tiers.
type RuleSet struct {
	Deny  []Rule `yaml:"deny" mapstructure:"deny"`
	Allow []Rule `yaml:"allow" mapstructure:"allow"`
	Ask   []Rule `yaml:"ask" mapstructure:"ask"`
}

// Compile validates every pattern in the set.
func (s *RuleSet) Compile() error {
	for tier, rules := range map[string][]Rule{"deny": s.Deny, "allow": s.Allow, "ask": s.Ask} {
		for i := range rules {
			if err := rules[i].compile(); err != nil {
				return errors.Wrapf(err, "%s rule %d", tier, i)
			}
		}
	}
	return nil
}

// Merge appends other's rules after s's. Earlier rules win within a tier.
func (s RuleSet) Merge(other RuleSet) RuleSet {
	return RuleSet{
		Deny:  append(append([]Rule(nil), s.Deny...), other.Deny...),
		Allow: append(append([]Rule(nil), s.Allow...), other.Allow...),
		Ask:   append(append([]Rule(nil), s.Ask...), other.Ask...),
	}
}

func firstMatch(rules []Rule, tool string, args []byte) *Rule {
	for i := range rules {
		if rules[i].Matches(tool, args) {
			return &rules[i]
		}
	}
	return nil
}
