package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

var (
	ErrNoServices   = errors.New("at least one service must be defined")
	ErrInaccessible = errors.New("does not exist or is not accessible")
	ErrNotWritable  = errors.New("cannot create or write to log directory")
)

// ServiceError is a precondition failure of a single service field.
type ServiceError struct {
	Service string
	Field   string
	Value   string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service %q: %s %q: %v", e.Service, e.Field, e.Value, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// ValidatePaths checks filesystem preconditions: every working directory
// exists and is searchable, every log directory exists or can be created
// and is writable. All failures are reported.
func ValidatePaths(cfg Config) error {
	if len(cfg.Services) == 0 {
		return ErrNoServices
	}

	var errs []error
	for _, name := range cfg.Names() {
		svc := cfg.Services[name]
		if err := checkWorkingDir(svc.WorkingDir); err != nil {
			errs = append(errs, &ServiceError{Service: name, Field: "workingdir", Value: svc.WorkingDir, Err: err})
		}
		logs := []struct{ field, path string }{
			{"stdout", get(svc.Stdout)},
			{"stderr", get(svc.Stderr)},
		}
		for _, l := range logs {
			if l.path == "" {
				continue
			}
			if err := checkLogFile(l.path); err != nil {
				errs = append(errs, &ServiceError{Service: name, Field: l.field, Value: l.path, Err: err})
			}
		}
	}
	return errors.Join(errs...)
}

func checkWorkingDir(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInaccessible, err)
	}
	if err := unix.Access(abs, unix.R_OK|unix.X_OK); err != nil {
		return fmt.Errorf("%w: %w", ErrInaccessible, err)
	}
	return nil
}

func checkLogFile(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotWritable, err)
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrNotWritable, err)
	}
	if err := unix.Access(dir, unix.W_OK); err != nil {
		return fmt.Errorf("%w: %w", ErrNotWritable, err)
	}
	return nil
}
