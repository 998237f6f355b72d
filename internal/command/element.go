package command

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Element is one position in a command's argv template. The set of element
// kinds is closed: Literal, Option and InputFile.
type Element interface {
	bind(b *binding) error
	fmt.Stringer
}

// Literal is appended to argv verbatim.
type Literal struct {
	Text string
}

// Option is a caller-selectable flag. When Token appears among the request's
// option tokens, Flag and the Arity tokens following Token are appended.
type Option struct {
	Token    string
	Flag     string
	Arity    int
	Required bool
	Escape   string
}

// InputFile is replaced by the job's input file path.
type InputFile struct{}

type binding struct {
	command string
	tokens  []string
	input   string
	argv    []string
}

func (l Literal) bind(b *binding) error {
	b.argv = append(b.argv, l.Text)
	return nil
}

func (l Literal) String() string { return l.Text }

func (InputFile) bind(b *binding) error {
	b.argv = append(b.argv, b.input)
	return nil
}

func (InputFile) String() string { return "<input>" }

func (o Option) bind(b *binding) error {
	idx := -1
	for i, tok := range b.tokens {
		if tok == o.Token {
			idx = i
			break
		}
	}
	if idx < 0 {
		if o.Required {
			return &ValidationError{Kind: KindMissingOption, Command: b.command, Option: o.Token}
		}
		return nil
	}

	end := idx + 1 + o.Arity
	if end > len(b.tokens) {
		return &ValidationError{
			Kind:    KindArity,
			Command: b.command,
			Option:  o.Token,
			Detail:  fmt.Sprintf("expects %d argument(s), got %d", o.Arity, len(b.tokens)-idx-1),
		}
	}

	escape, err := Escaper(o.Escape)
	if err != nil {
		return err
	}
	b.argv = append(b.argv, o.Flag)
	for _, arg := range b.tokens[idx+1 : end] {
		b.argv = append(b.argv, escape(arg))
	}
	b.tokens = append(b.tokens[:idx:idx], b.tokens[end:]...)
	return nil
}

func (o Option) String() string {
	s := o.Token + strings.Repeat(" <arg>", o.Arity)
	if o.Required {
		return s
	}
	return "[" + s + "]"
}

// optionYAML is the mapping form of an Option element.
type optionYAML struct {
	Option   string `yaml:"option"`
	Flag     string `yaml:"flag"`
	Arity    *int   `yaml:"arity,omitempty"`
	Nargs    *int   `yaml:"nargs,omitempty"`
	Required bool   `yaml:"required,omitempty"`
	Escape   string `yaml:"escape,omitempty"`
}

type inputFileYAML struct {
	InputFile bool `yaml:"input_file"`
}

func (l Literal) MarshalYAML() (any, error) { return l.Text, nil }

func (InputFile) MarshalYAML() (any, error) { return inputFileYAML{InputFile: true}, nil }

func (o Option) MarshalYAML() (any, error) {
	out := optionYAML{Option: o.Token, Flag: o.Flag, Required: o.Required, Escape: o.Escape}
	if o.Arity != 0 {
		arity := o.Arity
		out.Arity = &arity
	}
	return out, nil
}

// Exec is an ordered argv template.
type Exec []Element

// UnmarshalYAML accepts a sequence whose items are either plain strings
// (literals), {input_file: true}, or option mappings.
func (e *Exec) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*e = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("exec must be a sequence")
	}

	out := make(Exec, 0, len(n.Content))
	for i, item := range n.Content {
		el, err := decodeElement(item)
		if err != nil {
			return fmt.Errorf("exec[%d]: %w", i, err)
		}
		out = append(out, el)
	}
	*e = out
	return nil
}

func decodeElement(n *yaml.Node) (Element, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return Literal{Text: n.Value}, nil
	case yaml.MappingNode:
		keys := mappingKeys(n)
		switch {
		case keys["input_file"]:
			var tmp inputFileYAML
			if err := n.Decode(&tmp); err != nil {
				return nil, fmt.Errorf("invalid input_file entry: %w", err)
			}
			if !tmp.InputFile {
				return nil, fmt.Errorf("input_file must be true when present")
			}
			if len(keys) != 1 {
				return nil, fmt.Errorf("input_file entry takes no other keys")
			}
			return InputFile{}, nil
		case keys["option"]:
			var tmp optionYAML
			if err := n.Decode(&tmp); err != nil {
				return nil, fmt.Errorf("invalid option entry: %w", err)
			}
			if tmp.Arity != nil && tmp.Nargs != nil {
				return nil, fmt.Errorf("option %q sets both arity and nargs", tmp.Option)
			}
			opt := Option{Token: tmp.Option, Flag: tmp.Flag, Required: tmp.Required, Escape: tmp.Escape}
			if tmp.Arity != nil {
				opt.Arity = *tmp.Arity
			} else if tmp.Nargs != nil {
				opt.Arity = *tmp.Nargs
			}
			return opt, nil
		default:
			return nil, fmt.Errorf("mapping entry must contain \"option\" or \"input_file\"")
		}
	default:
		return nil, fmt.Errorf("invalid exec entry (must be string or object)")
	}
}

func mappingKeys(n *yaml.Node) map[string]bool {
	keys := make(map[string]bool, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		keys[n.Content[i].Value] = true
	}
	return keys
}
