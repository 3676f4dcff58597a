package catalog

import (
	"context"
	"encoding/json"
	"strings"
)

// EchoArgs are the arguments of the echo tool.
type EchoArgs struct {
	Text  string `json:"text" jsonschema:"description=Text to send back,minLength=1"`
	Upper bool   `json:"upper,omitempty" jsonschema:"description=Upper-case the reply"`
}

// EchoTool returns the text it was given.
func EchoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "Echo the given text",
		Args:        &EchoArgs{},
		Run: func(_ context.Context, raw json.RawMessage) (string, error) {
			var args EchoArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			if args.Upper {
				return strings.ToUpper(args.Text), nil
			}
			return args.Text, nil
		},
	}
}
