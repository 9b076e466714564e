// Package tpspec parses the free-standing textual tracepoint
// descriptor used to name or define a tracepoint on the command line
// or in a config file: an identifier referencing an existing
// tracepoint, a user_events field-declaration definition, or an
// EventHeader-style suffixed definition.
package tpspec

import (
	"strconv"
	"strings"

	"github.com/tracefs-go/tracepoint/internal/tracerr"
	"github.com/tracefs-go/tracepoint/tracefmt"
)

// Form classifies which of the three textual shapes a Spec parsed
// from.
type Form int

const (
	// FormIdentifier is ":system:event" or bare "event", referencing a
	// tracepoint that already exists.
	FormIdentifier Form = iota
	// FormDefinition is "system:event field_decl; field_decl; ...",
	// defining a new user_events tracepoint.
	FormDefinition
	// FormEventHeader is "system:ProviderName_Lx_Kx[Gname]", defining
	// an EventHeader-style event via a structured name suffix.
	FormEventHeader
)

// Severity names the EventHeader level suffix when it's spelled out
// instead of given as a hex digit.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityCritical
	SeverityError
	SeverityWarning
	SeverityInformational
	SeverityVerbose
)

var severityNames = map[string]Severity{
	"Critical":      SeverityCritical,
	"Error":         SeverityError,
	"Warning":       SeverityWarning,
	"Informational": SeverityInformational,
	"Verbose":       SeverityVerbose,
}

// EventHeaderSuffix is the decoded "_Lx_Kx[Gname]" suffix of an
// EventHeader-style provider name.
type EventHeaderSuffix struct {
	Level    uint8 // raw level nibble, 0-15
	Severity Severity
	Keyword  uint64
	Group    string // "" if no [Gname] suffix was given
}

// Spec is a parsed tracepoint descriptor.
type Spec struct {
	Form Form

	System string
	Event  string

	// Fields holds the field declarations for FormDefinition as raw
	// strings, split on ';' and trimmed of surrounding whitespace.
	// Parse does not check them against any declaration grammar.
	Fields []string

	// EventHeader is populated for FormEventHeader.
	EventHeader EventHeaderSuffix
}

// Parse parses a free-standing tracepoint descriptor. text is one of:
//
//	:system:event
//	event
//	system:event field_decl; field_decl; ...
//	system:ProviderName_Lx_Kx[Gname]
//
// A bare event name (no colon) is treated as an identifier on the
// default system, tracefmt.DefaultSystem ("user_events"). Any form
// with a field-declaration list or EventHeader suffix must name
// "user_events" explicitly; another system with a definition body is
// a parse error (only user_events can register new tracepoints at
// runtime). Without a system, a name followed by field declarations
// is rejected, and an EventHeader-shaped name is taken as a plain
// identifier.
func Parse(text string) (*Spec, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, tracerr.New(tracerr.Invalid, "empty tracepoint spec")
	}

	if strings.HasPrefix(text, ":") {
		return parseIdentifier(text[1:])
	}

	system, rest, hasColon := cutColon(text)
	if !hasColon {
		return parseIdentifier(text)
	}
	if system == "" {
		return nil, tracerr.New(tracerr.Invalid, "empty system name in %q", text)
	}

	// A definition body has a space or ';' before any '[' group
	// suffix; an EventHeader suffix doesn't. Decide by looking for
	// the "_Lx_Kx" marker pattern, which a field-declaration event
	// name can't legally contain (identifiers don't have bare
	// underscores followed by that exact two-segment shape in
	// practice for this grammar, and definitions always carry a
	// space-or-semicolon-delimited decl list after the event name).
	if idx := strings.IndexAny(rest, " \t;"); idx >= 0 {
		event := rest[:idx]
		if event == "" {
			return nil, tracerr.New(tracerr.Invalid, "empty event name in %q", text)
		}
		if system != tracefmt.DefaultSystem {
			return nil, tracerr.New(tracerr.Invalid, "definitions must use system %q, got %q", tracefmt.DefaultSystem, system)
		}
		decls := splitDecls(rest[idx:])
		if len(decls) == 0 {
			return nil, tracerr.New(tracerr.Invalid, "definition %q has no field declarations", text)
		}
		return &Spec{Form: FormDefinition, System: system, Event: event, Fields: decls}, nil
	}

	if looksLikeEventHeader(rest) {
		suffix, name, err := parseEventHeaderSuffix(rest)
		if err != nil {
			return nil, err
		}
		if system != tracefmt.DefaultSystem {
			return nil, tracerr.New(tracerr.Invalid, "EventHeader definitions must use system %q, got %q", tracefmt.DefaultSystem, system)
		}
		return &Spec{Form: FormEventHeader, System: system, Event: name, EventHeader: suffix}, nil
	}

	return &Spec{Form: FormIdentifier, System: system, Event: rest}, nil
}

func parseIdentifier(name string) (*Spec, error) {
	system, event, hasColon := cutColon(name)
	if !hasColon {
		system, event = tracefmt.DefaultSystem, name
	}
	if event == "" {
		return nil, tracerr.New(tracerr.Invalid, "empty event name")
	}
	if system == "" {
		return nil, tracerr.New(tracerr.Invalid, "empty system name")
	}
	if idx := strings.IndexAny(event, " \t;"); idx >= 0 {
		return nil, tracerr.New(tracerr.Invalid, "forbidden field on identifier %q", name)
	}
	return &Spec{Form: FormIdentifier, System: system, Event: event}, nil
}

func cutColon(s string) (before, after string, found bool) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

func splitDecls(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// looksLikeEventHeader reports whether rest has the "_L..._K..."
// marker shape of an EventHeader suffix, to distinguish it from a
// plain identifier before committing to EventHeader parsing (and its
// stricter error reporting).
func looksLikeEventHeader(rest string) bool {
	li := strings.Index(rest, "_L")
	if li < 0 {
		return false
	}
	return strings.Index(rest[li:], "_K") >= 0
}

// parseEventHeaderSuffix parses rest as "ProviderName_Lx_Kx[Gname]".
// Once looksLikeEventHeader has matched, any further malformation is
// reported as a parse error rather than falling back to another form.
func parseEventHeaderSuffix(rest string) (EventHeaderSuffix, string, error) {
	group := ""
	body := rest
	if i := strings.IndexByte(rest, '['); i >= 0 {
		if !strings.HasSuffix(rest, "]") {
			return EventHeaderSuffix{}, "", tracerr.New(tracerr.Invalid, "unterminated group suffix in %q", rest)
		}
		body, group = rest[:i], rest[i+1:len(rest)-1]
		if !strings.HasPrefix(group, "G") || !isIdent(group[1:]) {
			return EventHeaderSuffix{}, "", tracerr.New(tracerr.Invalid, "invalid group name in %q", rest)
		}
		group = group[1:]
	}

	li := strings.Index(body, "_L")
	ki := strings.Index(body[li:], "_K")
	ki += li

	provider := body[:li]
	levelText := body[li+2 : ki]
	keywordText := body[ki+2:]
	if provider == "" || !isIdent(provider) {
		return EventHeaderSuffix{}, "", tracerr.New(tracerr.Invalid, "invalid provider name in %q", rest)
	}

	var suf EventHeaderSuffix
	if sev, ok := severityNames[levelText]; ok {
		suf.Severity = sev
		suf.Level = severityLevel(sev)
	} else if len(levelText) == 1 && isHexDigit(levelText[0]) {
		v, _ := strconv.ParseUint(levelText, 16, 8)
		suf.Level = uint8(v)
	} else {
		return EventHeaderSuffix{}, "", tracerr.New(tracerr.Invalid, "invalid level %q in %q", levelText, rest)
	}

	if keywordText == "" || len(keywordText) > 16 || !isHexString(keywordText) {
		return EventHeaderSuffix{}, "", tracerr.New(tracerr.Invalid, "invalid keyword %q in %q", keywordText, rest)
	}
	kw, err := strconv.ParseUint(keywordText, 16, 64)
	if err != nil {
		return EventHeaderSuffix{}, "", tracerr.Wrap(tracerr.Invalid, err, "invalid keyword in %q", rest)
	}
	suf.Keyword = kw
	suf.Group = group

	return suf, provider, nil
}

func severityLevel(s Severity) uint8 {
	switch s {
	case SeverityCritical:
		return 1
	case SeverityError:
		return 2
	case SeverityWarning:
		return 3
	case SeverityInformational:
		return 4
	case SeverityVerbose:
		return 5
	default:
		return 0
	}
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		ok := c == '_' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(i > 0 && c >= '0' && c <= '9')
		if !ok {
			return false
		}
	}
	return true
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isHexString(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isHexDigit(s[i]) {
			return false
		}
	}
	return true
}
