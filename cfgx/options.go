package cfgx

import (
	"cmp"
	"flag"
	"os"
)

// DefaultConfigOptions fills in whatever Options leaves at its zero value.
var DefaultConfigOptions = Options{
	ProgramName:   os.Args[0],
	Args:          os.Args[1:],
	ErrorHandling: flag.ContinueOnError,
}

// setOptions merges options over DefaultConfigOptions. Boolean skips and
// sources are taken from options as given.
func setOptions(options Options) Options {
	def := DefaultConfigOptions

	opts := options
	opts.ProgramName = cmp.Or(options.ProgramName, def.ProgramName)
	opts.EnvPrefix = cmp.Or(options.EnvPrefix, def.EnvPrefix)
	if options.Args == nil {
		opts.Args = def.Args
	}
	if options.ErrorHandling == flag.ContinueOnError {
		opts.ErrorHandling = def.ErrorHandling
	}
	opts.SkipFlags = options.SkipFlags || def.SkipFlags
	opts.SkipEnv = options.SkipEnv || def.SkipEnv
	if len(options.Sources) == 0 {
		opts.Sources = def.Sources
	}
	return opts
}
