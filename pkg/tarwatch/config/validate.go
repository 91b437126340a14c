package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/logging"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

func newValidator() *validator.Validate {
	validate := validator.New()

	// Report fields by their config key rather than the Go field name.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation("dirpath", func(fl validator.FieldLevel) bool {
		dir := fl.Field().String()
		if dir == "" {
			return true
		}
		info, err := os.Stat(dir)
		return err == nil && info.IsDir()
	})

	_ = validate.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		return logging.ValidLevel(fl.Field().String())
	})

	return validate
}

// Validate checks cfg after Load. Any problem is returned as a
// *types.ConfigurationError naming the offending key.
func Validate(cfg *Config) error {
	if err := newValidator().Struct(cfg); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) && len(errs) > 0 {
			return fieldError(errs[0])
		}
		return &types.ConfigurationError{Err: err}
	}

	if err := writable(cfg.DestDir); err != nil {
		return &types.ConfigurationError{Field: "dest_dir", Err: fmt.Errorf("%s is not writable: %w", cfg.DestDir, err)}
	}
	if cfg.BackupDir != "" {
		if err := writable(cfg.BackupDir); err != nil {
			return &types.ConfigurationError{Field: "backup_dir", Err: fmt.Errorf("%s is not writable: %w", cfg.BackupDir, err)}
		}
		if samePath(cfg.BackupDir, cfg.WatchPath) {
			return &types.ConfigurationError{Field: "backup_dir", Err: errors.New("must differ from watch_path")}
		}
	}
	return nil
}

// fieldError turns one validator failure into a ConfigurationError.
func fieldError(fe validator.FieldError) error {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "dirpath":
		msg = fmt.Sprintf("%q is not an existing directory", fe.Value())
	case "loglevel":
		msg = fmt.Sprintf("%q is not a log level", fe.Value())
	case "oneof":
		msg = fmt.Sprintf("%q must be one of: %s", fe.Value(), fe.Param())
	default:
		msg = fmt.Sprintf("failed %s=%s (got %v)", fe.Tag(), fe.Param(), fe.Value())
	}
	return &types.ConfigurationError{Field: field, Err: errors.New(msg)}
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
