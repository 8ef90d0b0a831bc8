package rules

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingTemplateKey is returned when a template references an unknown field.
	ErrMissingTemplateKey = errors.New("rules: missing template key")
	// ErrBadTemplate is returned for unbalanced braces.
	ErrBadTemplate = errors.New("rules: malformed template")
)

// Render substitutes {field} placeholders. "{{" and "}}" are literal braces.
func Render(template string, fields map[string]string) (string, error) {
	return render(template, func(key string) (string, bool) {
		value, ok := fields[key]
		return value, ok
	})
}

// ValidateTemplate checks placeholder syntax without resolving keys.
func ValidateTemplate(template string) error {
	_, err := render(template, func(string) (string, bool) { return "", true })
	return err
}

func render(template string, lookup func(string) (string, bool)) (string, error) {
	var out strings.Builder
	out.Grow(len(template))
	for i := 0; i < len(template); i++ {
		c := template[i]
		switch c {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				out.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("%w: unclosed '{' at %d", ErrBadTemplate, i)
			}
			key := strings.TrimSpace(template[i+1 : i+1+end])
			if key == "" || strings.ContainsRune(key, '{') {
				return "", fmt.Errorf("%w: bad placeholder at %d", ErrBadTemplate, i)
			}
			value, ok := lookup(key)
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrMissingTemplateKey, key)
			}
			out.WriteString(value)
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				out.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("%w: single '}' at %d", ErrBadTemplate, i)
		default:
			out.WriteByte(c)
		}
	}
	return out.String(), nil
}
