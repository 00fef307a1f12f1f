package template

import (
	"bytes"
	"fmt"
	"sync"
	"text/template"
)

var cache sync.Map // template text -> *template.Template

// Parse renders text as a Go template with fields. Compiled templates are
// cached by their source text.
func Parse(text string, fields any) (string, error) {
	tmpl, err := compile(text)
	if err != nil {
		return "", err
	}
	var result bytes.Buffer
	err = tmpl.Execute(&result, fields)
	if err != nil {
		return "", fmt.Errorf("execute: %w", err)
	}

	return result.String(), nil
}

// MustParse is Parse for templates owned by the program itself.
func MustParse(text string, fields any) string {
	s, err := Parse(text, fields)
	if err != nil {
		panic(err)
	}
	return s
}

func compile(text string) (*template.Template, error) {
	if t, ok := cache.Load(text); ok {
		return t.(*template.Template), nil
	}
	tmpl, err := template.New("").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cache.Store(text, tmpl)
	return tmpl, nil
}
