package eventbus

import (
	"regexp"

	"github.com/renflow/runner/pkg/events"
)

// Matcher tests one dimension (source or type) of a record.
type Matcher interface {
	Match(value string) bool
}

// Exact matches a value by equality.
type Exact string

func (e Exact) Match(value string) bool { return string(e) == value }

// Pattern matches a value against a regular expression.
type Pattern struct {
	re *regexp.Regexp
}

// NewPattern compiles expr into a Pattern matcher.
func NewPattern(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{re: re}, nil
}

// MustPattern is like NewPattern but panics on an invalid expression.
func MustPattern(expr string) Pattern {
	return Pattern{re: regexp.MustCompile(expr)}
}

func (p Pattern) Match(value string) bool { return p.re != nil && p.re.MatchString(value) }

func (p Pattern) String() string {
	if p.re == nil {
		return ""
	}
	return p.re.String()
}

// Filter selects records by source and type. A nil dimension matches any
// value; the zero Filter matches everything.
type Filter struct {
	Source Matcher
	Type   Matcher
}

// Any matches every record.
var Any = Filter{}

// ByType returns a filter on the exact event type.
func ByType(eventType string) Filter {
	return Filter{Type: Exact(eventType)}
}

// BySource returns a filter on the exact event source.
func BySource(source string) Filter {
	return Filter{Source: Exact(source)}
}

// Matches reports whether evt satisfies every present dimension.
func (f Filter) Matches(evt events.Record) bool {
	if f.Source != nil && !f.Source.Match(evt.Source) {
		return false
	}
	if f.Type != nil && !f.Type.Match(evt.Type) {
		return false
	}
	return true
}
