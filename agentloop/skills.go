package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/harness/permission"
)

// Skill is a prompt template loaded from a SKILL.md file.
type Skill struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	AllowedTools []string `yaml:"allowed_tools"`
	Arguments    []string `yaml:"arguments"`
	Body         string   `yaml:"-"`
	Path         string   `yaml:"-"`
}

// ToolName is the snake_case tool name the skill is exposed under.
func (s *Skill) ToolName() string {
	return strcase.ToSnake(s.Name)
}

// Render substitutes arguments into the skill body. $ARGUMENTS is the whole
// argument string; each declared argument is also available as $name.
func (s *Skill) Render(all string, named map[string]string) string {
	out := s.Body
	// Longer names first so $path_prefix is not clobbered by $path.
	names := make([]string, 0, len(named))
	for k := range named {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	for _, k := range names {
		out = strings.ReplaceAll(out, "$"+k, named[k])
	}
	return strings.ReplaceAll(out, "$ARGUMENTS", all)
}

var frontmatterDelim = []byte("---")

// ParseSkill parses a SKILL.md document. A file without frontmatter is named
// after its directory.
func ParseSkill(path string, data []byte) (*Skill, error) {
	s := &Skill{Path: path}
	body := data
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if bytes.HasPrefix(trimmed, frontmatterDelim) {
		rest := bytes.TrimPrefix(trimmed, frontmatterDelim)
		end := bytes.Index(rest, []byte("\n---"))
		if end < 0 {
			return nil, errors.Errorf("%s: unterminated frontmatter", path)
		}
		if err := yaml.Unmarshal(rest[:end], s); err != nil {
			return nil, errors.Wrapf(err, "%s: frontmatter", path)
		}
		body = rest[end+len("\n---"):]
	}
	s.Body = strings.TrimSpace(string(body))
	if s.Name == "" {
		s.Name = filepath.Base(filepath.Dir(path))
	}
	return s, nil
}

// LoadSkills reads every <dir>/*/SKILL.md. A missing dir yields no skills.
func LoadSkills(dir string) ([]*Skill, error) {
	if dir == "" {
		return nil, nil
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*", "SKILL.md"))
	if err != nil {
		return nil, errors.Wrap(err, "glob skills")
	}
	sort.Strings(paths)
	skills := make([]*Skill, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "read skill %s", p)
		}
		s, err := ParseSkill(p, data)
		if err != nil {
			return nil, err
		}
		skills = append(skills, s)
	}
	log.Debug().Str("dir", dir).Int("skills", len(skills)).Msg("agentloop: loaded skills")
	return skills, nil
}

// SkillProvider exposes skills as read-category tools.
type SkillProvider struct {
	skills []*Skill
}

// NewSkillProvider wraps loaded skills.
func NewSkillProvider(skills []*Skill) *SkillProvider {
	return &SkillProvider{skills: skills}
}

func (p *SkillProvider) Name() string { return "skills" }

func (p *SkillProvider) Tools(context.Context) ([]Tool, error) {
	tools := make([]Tool, 0, len(p.skills))
	for _, s := range p.skills {
		tools = append(tools, &skillTool{skill: s})
	}
	return tools, nil
}

type skillTool struct {
	skill *Skill
}

func (t *skillTool) Definition() ToolDefinition {
	props := map[string]interface{}{
		"arguments": map[string]interface{}{
			"type":        "string",
			"description": "Free-form arguments for the skill",
		},
	}
	for _, a := range t.skill.Arguments {
		props[a] = map[string]interface{}{"type": "string"}
	}
	desc := t.skill.Description
	if len(t.skill.AllowedTools) > 0 {
		desc += fmt.Sprintf(" (uses: %s)", strings.Join(t.skill.AllowedTools, ", "))
	}
	return ToolDefinition{
		Name:         t.skill.ToolName(),
		Description:  strings.TrimSpace(desc),
		Parameters:   map[string]interface{}{"type": "object", "properties": props},
		Source:       SourceSkill,
		Category:     permission.CategoryRead,
		ParallelSafe: true,
	}
}

func (t *skillTool) Execute(_ context.Context, raw json.RawMessage, _ RunContext) (ToolCallResult, error) {
	var args map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return ToolCallResult{}, errors.Wrap(err, "invalid skill arguments")
		}
	}
	named := make(map[string]string, len(t.skill.Arguments))
	for _, a := range t.skill.Arguments {
		if v, ok := args[a]; ok {
			named[a] = fmt.Sprint(v)
		} else {
			named[a] = ""
		}
	}
	all, _ := args["arguments"].(string)
	return ToolCallResult{Content: t.skill.Render(all, named)}, nil
}

// SkillsListing renders the skills section of the system prompt.
func SkillsListing(skills []*Skill) string {
	if len(skills) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<skills>\n")
	for _, s := range skills {
		fmt.Fprintf(&sb, "- %s: %s\n", s.ToolName(), s.Description)
	}
	sb.WriteString("</skills>")
	return sb.String()
}
