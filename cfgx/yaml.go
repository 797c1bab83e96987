package cfgx

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/erlorenz/topicbridge/cfgx/internal/casing"
)

// YAMLSource reads values from a YAML file. Keys are nested snake case
// segments of the field path, so HTTP.MaxBodyBytes is read from
//
//	http:
//	  max_body_bytes: 1024
//
// A yaml tag overrides the dotted key path. Sequences are joined with commas.
type YAMLSource struct {
	Path          string
	PriorityLevel int
	// Optional skips a missing file instead of failing.
	Optional bool
}

// NewYAMLSource reads path at PriorityFile. An empty path is skipped.
func NewYAMLSource(path string) *YAMLSource {
	return &YAMLSource{
		Path:          path,
		PriorityLevel: PriorityFile,
	}
}

func (s *YAMLSource) Priority() int {
	return s.PriorityLevel
}

func (s *YAMLSource) Process(fields map[string]ConfigField) error {
	if s.Path == "" {
		return nil
	}

	data, err := os.ReadFile(s.Path)
	if err != nil {
		if s.Optional && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("yaml: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("yaml %s: %w", s.Path, err)
	}

	var errs []error
	for path, field := range fields {
		key := field.Tag.Get(tagYAML)
		if key == "" {
			key = strings.Join(casing.Segments(path), ".")
		}

		val, ok := lookupYAML(doc, strings.Split(key, "."))
		if !ok {
			continue
		}

		if err := setValue(field, yamlString(val)); err != nil {
			errs = append(errs, fmt.Errorf("yaml %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func lookupYAML(doc map[string]any, keys []string) (any, bool) {
	var cur any = doc
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	if _, isMap := cur.(map[string]any); isMap || cur == nil {
		return nil, false
	}
	return cur, true
}

func yamlString(v any) string {
	if seq, ok := v.([]any); ok {
		parts := make([]string, len(seq))
		for i, p := range seq {
			parts[i] = fmt.Sprint(p)
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(v)
}
