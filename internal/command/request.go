package command

import (
	"encoding/json"
	"fmt"
)

// Request is the payload stored with a job.
type Request struct {
	Command Invocation `json:"command"`
}

// Invocation names a command and carries the caller's option tokens.
type Invocation struct {
	Name    string   `json:"name"`
	Options []string `json:"options"`
}

// EncodeRequest builds the stored payload for name and options.
func EncodeRequest(name string, options []string) (json.RawMessage, error) {
	if options == nil {
		options = []string{}
	}
	raw, err := json.Marshal(Request{Command: Invocation{Name: name, Options: options}})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return raw, nil
}

// ParseRequest decodes a stored payload. Shape problems are reported as a
// ValidationError of kind KindMalformedRequest.
func ParseRequest(raw []byte) (Request, error) {
	var shape struct {
		Command *struct {
			Name    *string   `json:"name"`
			Options *[]string `json:"options"`
		} `json:"command"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return Request{}, malformed("%v", err)
	}
	switch {
	case shape.Command == nil:
		return Request{}, malformed("missing \"command\"")
	case shape.Command.Name == nil:
		return Request{}, malformed("missing \"command.name\"")
	case *shape.Command.Name == "":
		return Request{}, malformed("\"command.name\" is empty")
	case shape.Command.Options == nil:
		return Request{}, malformed("missing \"command.options\"")
	}
	return Request{Command: Invocation{
		Name:    *shape.Command.Name,
		Options: *shape.Command.Options,
	}}, nil
}
