package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// ErrorDetail is one schema violation, located by service name and field.
type ErrorDetail struct {
	Service string // web
	Field   string // numprocs
	Path    string // services.web.numprocs
	Code    string // missing_required | unknown_field | invalid_name | conflicting_values | invalid_enum | invalid_value ...
	Message string // human text
	Pos     ErrorPosition
	Raw     string // original cue message
}

type ErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

func (d ErrorDetail) String() string {
	switch {
	case d.Service != "" && d.Field != "":
		return fmt.Sprintf("service %q: field %q: %s", d.Service, d.Field, d.Message)
	case d.Service != "":
		return fmt.Sprintf("service %q: %s", d.Service, d.Message)
	case d.Path != "":
		return fmt.Sprintf("%s: %s", d.Path, d.Message)
	default:
		return d.Message
	}
}

func (d ErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", d.Code),
		slog.String("service", d.Service),
		slog.String("field", d.Field),
		slog.String("message", d.Message),
		slog.String("file", d.Pos.Filename),
		slog.Int("line", d.Pos.Line),
		slog.Int("column", d.Pos.Column),
	)
}

// ValidationError is returned when a document does not satisfy the schema.
type ValidationError struct {
	Details []ErrorDetail
	Err     error
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return e.Err.Error()
	}
	msgs := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		msgs = append(msgs, d.String())
	}
	return strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

var (
	reIncomplete = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reEnum       = regexp.MustCompile(`(?i)empty disjunction|must be one of`)
	reConflict   = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible|mismatched types`)
	reInvalid    = regexp.MustCompile(`(?i)invalid value|out of bound|does not match|does not satisfy`)
)

func humanize(err error) []ErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[string]struct{})

	var out []ErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		elems := trimDefinition(e.Path())
		path := strings.Join(elems, ".")
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}

		service, field := splitPath(elems)
		code, msg := classify(raw, field)
		if code == "unknown_field" && len(elems) == 2 && elems[0] == "services" {
			code = "invalid_name"
			msg = fmt.Sprintf("invalid service name %q: it must be non-empty without whitespace or '#'", service)
		}
		out = append(out, ErrorDetail{
			Service: service,
			Field:   field,
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     position(e),
			Raw:     raw,
		})
	}
	return out
}

func position(err cueerrors.Error) ErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return ErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	var zero ErrorPosition
	return zero
}

// trimDefinition removes the leading #Config.
func trimDefinition(p []string) []string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		return p[1:]
	}
	return p
}

// splitPath turns [services web env HOME] into ("web", "env.HOME").
func splitPath(p []string) (service, field string) {
	if len(p) < 2 || p[0] != "services" {
		return "", strings.Join(p, ".")
	}
	service = p[1]
	if unquoted, err := strconv.Unquote(service); err == nil {
		service = unquoted
	}
	return service, strings.Join(p[2:], ".")
}

func classify(raw, field string) (code, msg string) {
	name := field
	if name == "" {
		name = "value"
	}
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("field %s is not allowed", name)
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("field %s is required", name)
	case reEnum.MatchString(raw):
		return "invalid_enum", fmt.Sprintf("field %s has invalid value: %s", name, raw)
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("field %s has wrong type: %s", name, raw)
	case reInvalid.MatchString(raw):
		return "invalid_value", fmt.Sprintf("field %s has invalid value: %s", name, raw)
	default:
		return "validation_error", raw
	}
}
