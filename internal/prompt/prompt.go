// Package prompt provides the prompt catalog and a renderer with declared variables.
package prompt

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"text/template/parse"

	"gopkg.in/yaml.v3"
)

// Prompt names in the embedded catalog.
const (
	Summary         = "summary"
	Classification  = "classification"
	Ranking         = "ranking"
	Enrichment      = "enrichment"
	DemandDecision  = "demand_decision"
	CustomerMessage = "customer_message"
)

var (
	// ErrUnknownPrompt is returned when a prompt name is not in the catalog.
	ErrUnknownPrompt = errors.New("unknown prompt")
	// ErrUnknownVariable is returned when a variable is not declared by the prompt.
	ErrUnknownVariable = errors.New("unknown prompt variable")
	// ErrMissingVariable is returned when a required variable is not supplied.
	ErrMissingVariable = errors.New("missing required prompt variable")
)

//go:embed prompts.yaml
var catalogYAML []byte

// Vars holds named values for a prompt.
type Vars map[string]string

// Variable declares one template variable.
type Variable struct {
	Name        string `yaml:"name"`
	Required    bool   `yaml:"required"`
	Default     string `yaml:"default"`
	Description string `yaml:"description"`
}

// Template is one prompt with a system and a user part.
type Template struct {
	Name      string     `yaml:"name"`
	System    string     `yaml:"system"`
	User      string     `yaml:"user"`
	Variables []Variable `yaml:"variables"`

	system *template.Template
	user   *template.Template
	vars   map[string]Variable
}

// Rendered is a rendered prompt ready for the inference client.
type Rendered struct {
	System string
	User   string
}

// Catalog is a validated set of prompts.
type Catalog struct {
	prompts map[string]*Template
}

type catalogFile struct {
	Prompts []*Template `yaml:"prompts"`
}

// Default loads the embedded catalog.
func Default() (*Catalog, error) {
	return Load(catalogYAML)
}

// MustDefault loads the embedded catalog and panics if it is invalid.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// Load parses and validates a YAML catalog. Templates that reference
// undeclared variables are rejected.
func Load(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse prompt catalog: %w", err)
	}

	c := &Catalog{prompts: make(map[string]*Template, len(file.Prompts))}
	for _, t := range file.Prompts {
		if t.Name == "" {
			return nil, errors.New("prompt without name")
		}
		if _, dup := c.prompts[t.Name]; dup {
			return nil, fmt.Errorf("duplicate prompt %q", t.Name)
		}
		if err := t.compile(); err != nil {
			return nil, fmt.Errorf("prompt %q: %w", t.Name, err)
		}
		c.prompts[t.Name] = t
	}
	return c, nil
}

// Get returns the named prompt.
func (c *Catalog) Get(name string) (*Template, error) {
	t, ok := c.prompts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrompt, name)
	}
	return t, nil
}

// Render renders the named prompt.
func (c *Catalog) Render(name string, vars Vars) (Rendered, error) {
	t, err := c.Get(name)
	if err != nil {
		return Rendered{}, err
	}
	return t.Render(vars)
}

// Names returns the prompt names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.prompts))
	for name := range c.prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Template) compile() error {
	t.vars = make(map[string]Variable, len(t.Variables))
	for _, v := range t.Variables {
		if v.Name == "" {
			return errors.New("variable without name")
		}
		t.vars[v.Name] = v
	}

	var err error
	if t.system, err = t.parse("system", t.System); err != nil {
		return err
	}
	if t.user, err = t.parse("user", t.User); err != nil {
		return err
	}
	return nil
}

func (t *Template) parse(part, text string) (*template.Template, error) {
	tmpl, err := template.New(t.Name + "." + part).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s template: %w", part, err)
	}

	refs := make(map[string]struct{})
	if tmpl.Tree != nil && tmpl.Tree.Root != nil {
		collectFields(tmpl.Tree.Root, refs)
	}
	for name := range refs {
		if _, ok := t.vars[name]; !ok {
			return nil, fmt.Errorf("%s template references undeclared variable %q: %w", part, name, ErrUnknownVariable)
		}
	}
	return tmpl, nil
}

// Render fills in defaults and rejects variables that are unknown or missing.
// An empty value counts as absent.
func (t *Template) Render(vars Vars) (Rendered, error) {
	data := make(map[string]string, len(t.vars))

	for name := range vars {
		if _, ok := t.vars[name]; !ok {
			return Rendered{}, fmt.Errorf("prompt %q: %w: %s", t.Name, ErrUnknownVariable, name)
		}
	}

	var missing []string
	for name, v := range t.vars {
		value, ok := vars[name]
		switch {
		case ok && value != "":
			data[name] = value
		case v.Required:
			missing = append(missing, name)
		default:
			data[name] = v.Default
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Rendered{}, fmt.Errorf("prompt %q: %w: %s", t.Name, ErrMissingVariable, strings.Join(missing, ", "))
	}

	system, err := execute(t.system, data)
	if err != nil {
		return Rendered{}, fmt.Errorf("prompt %q: %w", t.Name, err)
	}
	user, err := execute(t.user, data)
	if err != nil {
		return Rendered{}, fmt.Errorf("prompt %q: %w", t.Name, err)
	}

	return Rendered{System: system, User: user}, nil
}

func execute(tmpl *template.Template, data map[string]string) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}

func collectFields(node parse.Node, refs map[string]struct{}) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, child := range n.Nodes {
			collectFields(child, refs)
		}
	case *parse.ActionNode:
		collectFields(n.Pipe, refs)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, cmd := range n.Cmds {
			collectFields(cmd, refs)
		}
	case *parse.CommandNode:
		for _, arg := range n.Args {
			collectFields(arg, refs)
		}
	case *parse.FieldNode:
		if len(n.Ident) > 0 {
			refs[n.Ident[0]] = struct{}{}
		}
	case *parse.IfNode:
		collectBranch(&n.BranchNode, refs)
	case *parse.RangeNode:
		collectBranch(&n.BranchNode, refs)
	case *parse.WithNode:
		collectBranch(&n.BranchNode, refs)
	}
}

func collectBranch(n *parse.BranchNode, refs map[string]struct{}) {
	collectFields(n.Pipe, refs)
	if n.List != nil {
		collectFields(n.List, refs)
	}
	if n.ElseList != nil {
		collectFields(n.ElseList, refs)
	}
}
