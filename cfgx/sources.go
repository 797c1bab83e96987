package cfgx

import (
	"cmp"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/erlorenz/topicbridge/cfgx/internal/casing"
)

var durationType = reflect.TypeFor[time.Duration]()

// setValue converts raw to the field's type and sets it.
// Slices of strings are comma separated.
func setValue(field ConfigField, raw string) error {
	v := field.Value

	if v.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", field.Path, raw, err)
		}
		v.SetInt(int64(d))
		return nil
	}

	switch field.Kind {
	case reflect.String:
		v.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q: %w", field.Path, raw, err)
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("%s: invalid unsigned integer %q: %w", field.Path, raw, err)
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("%s: invalid float %q: %w", field.Path, raw, err)
		}
		v.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: invalid bool %q: %w", field.Path, raw, err)
		}
		v.SetBool(b)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("%s: unsupported slice type %s", field.Path, v.Type())
		}
		var parts []string
		for p := range strings.SplitSeq(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		v.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("%s: unsupported type %s", field.Path, v.Type())
	}
	return nil
}

// ======================= DEFAULTS =========================
type defaultSource struct {
	priority int
}

func (s *defaultSource) Priority() int {
	return s.priority
}

func (s *defaultSource) Process(fields map[string]ConfigField) error {
	var errs []error
	for _, field := range fields {
		raw, ok := field.Tag.Lookup(tagDefault)
		if !ok {
			continue
		}
		if err := setValue(field, raw); err != nil {
			errs = append(errs, fmt.Errorf("default: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ======================= ENVIRONMENT VARIABLES =========================
type envSource struct {
	priority int
	prefix   string
}

func (s *envSource) Priority() int {
	return s.priority
}

func (s *envSource) Process(fields map[string]ConfigField) error {
	var errs []error
	for path, field := range fields {
		key := cmp.Or(field.Tag.Get(tagEnv), casing.ToScreamingSnake(path))
		if s.prefix != "" {
			key = s.prefix + "_" + key
		}
		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setValue(field, raw); err != nil {
			errs = append(errs, fmt.Errorf("env %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// ======================= FLAGS =========================
type flagSource struct {
	priority int
	opts     Options
}

func (s *flagSource) Priority() int {
	return s.priority
}

// Process registers a flag per field and parses the args. Values are set as
// the flags are seen, so fields without a flag on the command line keep
// whatever lower priority sources gave them.
func (s *flagSource) Process(fields map[string]ConfigField) error {
	flags := flag.NewFlagSet(s.opts.ProgramName, flag.ContinueOnError)

	for path, field := range fields {
		set := func(raw string) error { return setValue(field, raw) }

		names := []string{cmp.Or(field.Tag.Get(tagFlag), casing.ToKebab(path))}
		if short := field.Tag.Get(tagShort); short != "" {
			names = append(names, short)
		}

		for _, name := range names {
			if field.Kind == reflect.Bool {
				flags.BoolFunc(name, field.Description, set)
			} else {
				flags.Func(name, field.Description, set)
			}
		}
	}

	return flags.Parse(s.opts.Args)
}

// ======================= DOCKER SECRETS =========================

const dockerPath = "/run/secrets"

// DockerSecretsSource wraps a [FileContentSource].
// It reads the docker secret file at "/run/secrets/<secret_name>".
// It defaults to snake case based on the struct path.
// Override the name with the tag "dsec". A missing secrets directory is
// not an error.
type DockerSecretsSource struct {
	SecretsPath string
	FileContentSource
}

// Process opens an [os.Root] and calls the underlying [FileContentSource]'s
// Process method with the [os.Root.FS].
func (s *DockerSecretsSource) Process(structMap map[string]ConfigField) error {
	root, err := os.OpenRoot(s.SecretsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open docker path: %w", err)
	}
	defer root.Close()

	s.FileContentSource.FS = root.FS()
	return s.FileContentSource.Process(structMap)
}

// NewDockerSecretsSource sets a priority of PrioritySecrets (75), a tag of "dsec",
// and a secrets path of `/run/secrets`.
func NewDockerSecretsSource() *DockerSecretsSource {
	return &DockerSecretsSource{
		SecretsPath: dockerPath,
		FileContentSource: FileContentSource{
			PriorityLevel: PrioritySecrets,
			Tag:           tagDockerSecret,
		},
	}
}

// FileContentSource sets each field from the content of a file in FS named
// by Tag or the snake case path. Missing files are skipped and surrounding
// whitespace is trimmed.
type FileContentSource struct {
	PriorityLevel int
	Tag           string
	FS            fs.FS
}

// Priority implements [Source].
func (s *FileContentSource) Priority() int {
	return s.PriorityLevel
}

// Process implements [Source].
func (s *FileContentSource) Process(structMap map[string]ConfigField) error {
	if s.FS == nil {
		return fmt.Errorf("process FileContentSource: fs.FS cannot be nil")
	}

	var allErrs []error
	for path, field := range structMap {
		name := casing.ToSnake(path)
		if s.Tag != "" {
			name = cmp.Or(field.Tag.Get(s.Tag), name)
		}

		content, err := fs.ReadFile(s.FS, name)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				allErrs = append(allErrs, fmt.Errorf("read %s: %w", name, err))
			}
			continue
		}

		if err := setValue(field, strings.TrimSpace(string(content))); err != nil {
			allErrs = append(allErrs, fmt.Errorf("file %s: %w", name, err))
		}
	}
	return errors.Join(allErrs...)
}
