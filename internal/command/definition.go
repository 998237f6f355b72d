package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition is an operator-approved command: a name callers refer to, the
// argv template it expands to, and how long it may run.
type Definition struct {
	Name    string
	Exec    Exec
	Timeout time.Duration
}

type definitionYAML struct {
	Name    string    `yaml:"name"`
	Timeout yaml.Node `yaml:"timeout,omitempty"`
	Exec    Exec      `yaml:"exec"`
}

// UnmarshalYAML decodes a command entry. Timeout accepts either a number of
// seconds (e.g. 0.5) or a Go duration string (e.g. "500ms").
func (d *Definition) UnmarshalYAML(n *yaml.Node) error {
	var tmp definitionYAML
	if err := n.Decode(&tmp); err != nil {
		return fmt.Errorf("invalid command object: %w", err)
	}
	timeout, err := parseTimeout(&tmp.Timeout)
	if err != nil {
		return fmt.Errorf("command %q: %w", tmp.Name, err)
	}
	*d = Definition{
		Name:    strings.TrimSpace(tmp.Name),
		Exec:    tmp.Exec,
		Timeout: timeout,
	}
	return nil
}

func (d Definition) MarshalYAML() (any, error) {
	out := struct {
		Name    string `yaml:"name"`
		Timeout string `yaml:"timeout,omitempty"`
		Exec    Exec   `yaml:"exec"`
	}{Name: d.Name, Exec: d.Exec}
	if d.Timeout > 0 {
		out.Timeout = d.Timeout.String()
	}
	return out, nil
}

func parseTimeout(n *yaml.Node) (time.Duration, error) {
	if n == nil || n.Kind == 0 || n.ShortTag() == "!!null" {
		return 0, nil
	}
	if n.Kind != yaml.ScalarNode {
		return 0, fmt.Errorf("timeout must be a number of seconds or a duration")
	}
	var d time.Duration
	switch n.ShortTag() {
	case "!!int", "!!float":
		secs, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q: %w", n.Value, err)
		}
		d = time.Duration(secs * float64(time.Second))
	default:
		parsed, err := time.ParseDuration(n.Value)
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q: %w", n.Value, err)
		}
		d = parsed
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout must not be negative")
	}
	return d, nil
}

// Binary returns the program argv[0] resolves to.
func (d Definition) Binary() string {
	if len(d.Exec) == 0 {
		return ""
	}
	if l, ok := d.Exec[0].(Literal); ok {
		return l.Text
	}
	return ""
}

// Options returns the option elements of the template in order.
func (d Definition) Options() []Option {
	var out []Option
	for _, el := range d.Exec {
		if o, ok := el.(Option); ok {
			out = append(out, o)
		}
	}
	return out
}

// Usage renders the template in a compact human-readable form.
func (d Definition) Usage() string {
	parts := make([]string, 0, len(d.Exec))
	for _, el := range d.Exec {
		parts = append(parts, el.String())
	}
	return strings.Join(parts, " ")
}

// Validate checks the definition is safe to bind. argv[0] must be a literal
// so the program name can never come from a caller.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("command name is empty")
	}
	if len(d.Exec) == 0 {
		return fmt.Errorf("command %q: exec is empty", d.Name)
	}
	if strings.TrimSpace(d.Binary()) == "" {
		return fmt.Errorf("command %q: exec must start with a non-empty literal program name", d.Name)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("command %q: timeout must not be negative", d.Name)
	}
	for i, el := range d.Exec {
		o, ok := el.(Option)
		if !ok {
			continue
		}
		if o.Token == "" {
			return fmt.Errorf("command %q: exec[%d]: option token is empty", d.Name, i)
		}
		if o.Flag == "" {
			return fmt.Errorf("command %q: option %q: flag is empty", d.Name, o.Token)
		}
		if o.Arity < 0 {
			return fmt.Errorf("command %q: option %q: arity must not be negative", d.Name, o.Token)
		}
		if _, err := Escaper(o.Escape); err != nil {
			return fmt.Errorf("command %q: option %q: %w", d.Name, o.Token, err)
		}
	}
	return nil
}
