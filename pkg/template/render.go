// Package template renders Handlebars-style node configuration strings
// against an execution context.
//
// Supported syntax is plain interpolation ({{name}}, {{todo.httpResponse.data}})
// plus the json helper ({{json todo}}), which embeds a value as indented JSON
// without HTML escaping. Interpolated strings are HTML-escaped.
package template

import (
	"encoding/json"
	"fmt"

	"github.com/aymerick/raymond"
)

func init() {
	raymond.RegisterHelper("json", jsonHelper)
}

func jsonHelper(v interface{}) raymond.SafeString {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return raymond.SafeString("null")
	}
	return raymond.SafeString(out)
}

// Render evaluates src against data. Parse and evaluation failures are
// returned as errors; missing variables render as empty strings.
func Render(src string, data map[string]any) (string, error) {
	tpl, err := raymond.Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := tpl.Exec(data)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}
