package permission

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Policy is a permission policy file:
//
//	mode: accept_edits
//	deny:
//	  - tool: shell
//	    args: 'rm\s+-rf'
//	    reason: destructive
//	allow:
//	  - tool: grep|glob
type Policy struct {
	Mode    Mode `yaml:"mode"`
	RuleSet `yaml:",inline"`
}

// LoadPolicy reads and validates a YAML policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read policy")
	}
	return ParsePolicy(data)
}

// ParsePolicy parses policy YAML.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "parse policy")
	}
	if p.Mode != "" {
		mode, err := ParseMode(string(p.Mode))
		if err != nil {
			return nil, err
		}
		p.Mode = mode
	}
	if err := p.RuleSet.Compile(); err != nil {
		return nil, errors.Wrap(err, "policy rules")
	}
	return &p, nil
}
