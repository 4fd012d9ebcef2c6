// Package vrl models the small subset of the Vector Remap Language that the reloader emits.
// Programs are built from typed statements and rendered in one place, so callers never
// concatenate VRL text themselves.
package vrl

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Path addresses a field of an event, for example ".name" or ".tags.pod_name".
type Path string

var (
	ErrInvalidPath = errors.New("invalid event path")

	identifierSegment = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	plainSegment      = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Field builds a path from its segments, quoting segments that are not plain identifiers.
func Field(segments ...string) Path {
	var b strings.Builder

	for _, s := range segments {
		b.WriteByte('.')

		if identifierSegment.MatchString(s) {
			b.WriteString(s)
			continue
		}

		b.WriteString(quote(s))
	}

	return Path(b.String())
}

// ParsePath parses a user supplied event path such as ".tags.host". Unquoted segments
// may contain letters, digits, '_' and '-'. Quoted segments (`.tags."my.label"`) may
// contain anything but quotes, backslashes and control characters. The result is re-rendered
// through Field, so the returned path is always a single well-formed VRL path.
func ParsePath(s string) (Path, error) {
	segments, err := splitPath(s)
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidPath, s, err)
	}

	return Field(segments...), nil
}

func splitPath(s string) ([]string, error) {
	var segments []string

	rest := s
	for rest != "" {
		if rest[0] != '.' {
			return nil, errors.New("segments must start with '.'")
		}

		rest = rest[1:]

		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return nil, errors.New("unterminated quoted segment")
			}

			seg := rest[1 : end+1]
			if seg == "" || strings.ContainsFunc(seg, func(r rune) bool { return r == '\\' || r < ' ' || r == 0x7f }) {
				return nil, fmt.Errorf("invalid quoted segment %q", seg)
			}

			segments = append(segments, seg)
			rest = rest[end+2:]

			continue
		}

		end := strings.IndexByte(rest, '.')
		if end < 0 {
			end = len(rest)
		}

		seg := rest[:end]
		if !plainSegment.MatchString(seg) {
			return nil, fmt.Errorf("invalid segment %q", seg)
		}

		segments = append(segments, seg)
		rest = rest[end:]
	}

	if len(segments) == 0 {
		return nil, errors.New("path has no segments")
	}

	return segments, nil
}

// Tag addresses a metric tag (label).
func Tag(key string) Path {
	return Field("tags", key)
}

// MetricName addresses the metric name.
func MetricName() Path {
	return Field("name")
}

type Statement interface {
	render(b *strings.Builder)
}

// Guard aborts processing of an event depending on whether the value at Field is one of
// Values. With Keep set the event survives only if the value is listed (allowlist);
// otherwise listed values are dropped (droplist).
type Guard struct {
	Field  Path
	Values []string
	Keep   bool
}

func (g Guard) render(b *strings.Builder) {
	cond := "includes(" + list(g.Values) + ", " + string(g.Field) + ")"
	if g.Keep {
		cond = "!" + cond
	}

	b.WriteString("if " + cond + " {\n  abort\n}\n")
}

// Delete removes a field.
type Delete struct {
	Field Path
}

func (d Delete) render(b *strings.Builder) {
	b.WriteString("del(" + string(d.Field) + ")\n")
}

// SetField copies the value of From into Target.
type SetField struct {
	Target Path
	From   Path
}

func (s SetField) render(b *strings.Builder) {
	b.WriteString(string(s.Target) + " = " + string(s.From) + "\n")
}

// SetLiteral assigns a static string to Target.
type SetLiteral struct {
	Target Path
	Value  string
}

func (s SetLiteral) render(b *strings.Builder) {
	b.WriteString(string(s.Target) + " = " + quote(s.Value) + "\n")
}

// Raw is a verbatim block of VRL. It is reserved for fixed program fragments.
type Raw string

func (r Raw) render(b *strings.Builder) {
	s := strings.TrimSpace(string(r))
	if s == "" {
		return
	}

	b.WriteString(s + "\n")
}

// Render renders the statements in order.
func Render(stmts ...Statement) string {
	var b strings.Builder
	for _, s := range stmts {
		s.render(&b)
	}

	return b.String()
}

// Includes renders a boolean expression that is true if the value at field is one of values.
func Includes(field Path, values []string) string {
	return "includes(" + list(values) + ", " + string(field) + ")"
}

func list(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = quote(v)
	}

	return "[" + strings.Join(quoted, ", ") + "]"
}

// quote renders a VRL string literal. "$" is doubled because Vector interpolates
// environment variables across the whole configuration file before parsing VRL.
func quote(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
		"\r", `\r`,
		"\t", `\t`,
		"$", "$$",
	)

	return `"` + r.Replace(s) + `"`
}
