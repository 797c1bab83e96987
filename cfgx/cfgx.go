// Package cfgx populates a configuration struct from several sources in a
// fixed precedence order: flags > docker secrets > environment variables >
// YAML file > defaults.
//
// Field names come from the struct path ("HTTP.Port") and are converted per
// source: HTTP_PORT for env, -http-port for flags, http_port for secret
// files and http.port for YAML keys. Tags override the derived names:
//
//	env:"NAME"       environment variable
//	flag:"name"      long flag
//	short:"p"        additional short flag
//	dsec:"name"      docker secret file
//	yaml:"a.b"       YAML key path
//	default:"value"  default value
//	desc:"text"      flag usage
//	optional:"true"  allow the zero value
package cfgx

import (
	"cmp"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"reflect"
	"runtime/debug"
	"slices"
	"strings"
)

const (
	tagEnv         = "env"
	tagFlag        = "flag"
	tagDefault     = "default"
	tagDescription = "desc"     // Description for help messages
	tagOptional    = "optional" // Mark field as optional
	tagShort       = "short"    // Short flag in addition
	tagYAML        = "yaml"

	tagDockerSecret = "dsec"
)

// Built-in source priorities. Sources run from low to high, so a higher
// priority overrides a lower one.
const (
	PriorityDefaults = 0
	PriorityFile     = 25
	PriorityEnv      = 50
	PrioritySecrets  = 75
	PriorityFlags    = 100
)

var (
	ErrNotPointerToStruct = errors.New("config must be a pointer to a struct")
)

// Source processes the configField map and applies values to the
// config struct. Choose a priority to process before or after other sources.
type Source interface {
	Priority() int
	Process(map[string]ConfigField) error
}

// Options holds options for the Parse function.
type Options struct {
	// ProgramName is the name of the running program (defaults to os.Args[0]).
	ProgramName string
	// EnvPrefix adds a prefix to environment variable lookups.
	EnvPrefix string
	// SkipFlags ignores command line flags.
	SkipFlags bool
	// SkipEnv ignores environment variables.
	SkipEnv bool
	// Args provides command line arguments (defaults to os.Args[1:]).
	Args []string
	// ErrorHandling determines how parsing errors are handled.
	ErrorHandling flag.ErrorHandling
	// Sources adds additional sources.
	Sources []Source
}

// Parse populates the config struct from the built-in sources (defaults,
// env, flags) and any in options.Sources, in priority order. Fields that
// are already set are left alone.
//
// A top level string field named Version is filled from the build info
// unless a source sets it.
//
// Errors from every source and from validation are collected into a
// *MultiError.
func Parse(cfg any, options Options) error {
	opts := setOptions(options)

	// Make sure it is pointer to struct
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return handleError(opts.ErrorHandling, ErrNotPointerToStruct)
	}

	// Walk the struct and get map of paths with dot notation
	structMap := walkStruct(v.Elem(), "")

	sources := []Source{&defaultSource{priority: PriorityDefaults}}
	if !opts.SkipEnv {
		sources = append(sources, &envSource{
			priority: PriorityEnv,
			prefix:   opts.EnvPrefix,
		})
	}
	if !opts.SkipFlags {
		sources = append(sources, &flagSource{
			priority: PriorityFlags,
			opts:     opts,
		})
	}
	sources = append(sources, opts.Sources...)

	// Set Version before the sources so any of them can override it.
	if version, ok := structMap["Version"]; ok && version.Kind == reflect.String {
		v := "(devel)"
		if bi, ok := debug.ReadBuildInfo(); ok {
			v = cmp.Or(bi.Main.Version, v)
		}
		version.Value.SetString(v)
	}

	// Stable so equal priorities keep their order
	slices.SortStableFunc(sources, func(a, b Source) int {
		return cmp.Compare(a.Priority(), b.Priority())
	})

	var allErrs []error
	for _, source := range sources {
		if err := source.Process(structMap); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return err
			}
			allErrs = append(allErrs, err)
		}
	}

	if err := validateRequired(structMap); err != nil {
		allErrs = append(allErrs, fmt.Errorf("validation: %w", err))
	}

	if len(allErrs) > 0 {
		return handleError(opts.ErrorHandling, &MultiError{allErrs})
	}
	return nil
}

// ConfigField represents a field in the config struct.
type ConfigField struct {
	Path        string
	Value       reflect.Value
	Kind        reflect.Kind
	Name        string
	StructField reflect.StructField
	Tag         reflect.StructTag
	Description string
}

// Gather map of ConfigFields
func walkStruct(v reflect.Value, currPath string) map[string]ConfigField {
	fields := map[string]ConfigField{}

	t := v.Type()

	for i := range v.NumField() {
		fieldVal := v.Field(i)
		structField := t.Field(i)
		if !structField.IsExported() {
			continue
		}
		name := structField.Name
		kind := fieldVal.Kind()
		tag := structField.Tag

		// Skip fields already filled
		if !fieldVal.IsZero() {
			continue
		}

		path := name
		if currPath != "" {
			path = currPath + "." + name
		}

		// Recursive for structs
		if kind == reflect.Struct {
			maps.Copy(fields, walkStruct(fieldVal, path))
			continue
		}
		desc := cmp.Or(tag.Get(tagDescription), path)

		fields[path] = ConfigField{
			Path: path, Value: fieldVal, Kind: kind, Name: name, StructField: structField, Tag: tag, Description: desc}
	}
	return fields
}

// Error if required fields are missing
func validateRequired(fields map[string]ConfigField) error {
	var allErrs []error

	for _, path := range slices.Sorted(maps.Keys(fields)) {
		field := fields[path]

		// Skip if optional
		reqVal, exists := field.Tag.Lookup(tagOptional)
		if exists && reqVal != "false" {
			continue
		}

		if field.Value.IsZero() {
			allErrs = append(allErrs, fmt.Errorf("%s is required", path))
		}
	}

	if len(allErrs) > 0 {
		return &MultiError{allErrs}
	}
	return nil
}

// Handle the errors depending on the strategy
func handleError(errHandling flag.ErrorHandling, err error) error {
	if errHandling == flag.ExitOnError {
		slog.Error("Error parsing config struct.", "error", err)
		os.Exit(1)
	}
	if errHandling == flag.PanicOnError {
		panic(err)
	}

	return err
}

// MultiError collects every error found while parsing.
type MultiError struct {
	Errors []error
}

func (e *MultiError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (e *MultiError) Unwrap() []error {
	return e.Errors
}
