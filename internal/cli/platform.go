package cli

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/roach88/lexicon/internal/config"
	"github.com/roach88/lexicon/internal/platform"
	"github.com/roach88/lexicon/internal/validate"
)

// newLogger writes JSON logs in json format and tinted text otherwise.
func newLogger(w io.Writer, opts *RootOptions) *slog.Logger {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	if opts.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    !isTerminal(w),
	}))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	return cfg, nil
}

// openPlatform loads the config and wires every component. Errors are
// reported on f and returned as command errors.
func openPlatform(opts *RootOptions, cmd *cobra.Command, f *OutputFormatter) (*platform.Platform, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := newLogger(cmd.ErrOrStderr(), opts)
	p, err := platform.Open(cfg,
		platform.WithLogger(logger),
		platform.WithValidator(validate.RequireRoot("entry")),
	)
	if err != nil {
		_ = f.Error(ErrCodeGeneric, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return p, nil
}

// withPlatform runs fn against an open platform and closes it afterwards.
func withPlatform(opts *RootOptions, cmd *cobra.Command, fn func(p *platform.Platform, f *OutputFormatter) error) error {
	f := newFormatter(opts, cmd)
	p, err := openPlatform(opts, cmd, f)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.Close(); cerr != nil {
			p.Logger.Error("error closing platform", "error", cerr)
		}
	}()
	return fn(p, f)
}
