package command

// Bind expands def's template into argv using the caller's option tokens.
//
// Literals are copied, InputFile becomes inputPath, and each Option consumes
// its token plus Arity following tokens when present. Every token must be
// consumed by some option; leftovers fail the bind. tokens is not modified.
func Bind(def Definition, tokens []string, inputPath string) ([]string, error) {
	b := &binding{
		command: def.Name,
		tokens:  append([]string(nil), tokens...),
		input:   inputPath,
		argv:    make([]string, 0, len(def.Exec)+len(tokens)),
	}
	for _, el := range def.Exec {
		if err := el.bind(b); err != nil {
			return nil, err
		}
	}
	if len(b.tokens) > 0 {
		return nil, &ValidationError{Kind: KindUnhandledOptions, Command: def.Name, Tokens: b.tokens}
	}
	return b.argv, nil
}
