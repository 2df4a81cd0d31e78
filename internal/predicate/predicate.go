// Package predicate implements the small typed condition language used by
// rule conditions and the URL-pattern signal checks. Conditions are parsed
// into an AST of (field, operator, literal) comparisons joined by
// AND/OR/NOT and evaluated against a single event; nothing is ever
// concatenated into a query string.
package predicate

import (
	"fmt"
	"strings"

	"traffic-prism/internal/models"
)

// Field names an event attribute a predicate can inspect.
type Field string

const (
	FieldURL           Field = "url"
	FieldReferrer      Field = "referrer"
	FieldUserAgent     Field = "user_agent"
	FieldIP            Field = "ip"
	FieldHostname      Field = "hostname"
	FieldPlatform      Field = "platform"
	FieldLanguage      Field = "language"
	FieldBrowserID     Field = "browser_id"
	FieldFingerprintID Field = "fingerprint_id"
	FieldCountry       Field = "country"
	FieldRegion        Field = "region"
	FieldCity          Field = "city"
	FieldClickData     Field = "clickdata"
)

var fieldAliases = map[string]Field{
	"url":            FieldURL,
	"referrer":       FieldReferrer,
	"user_agent":     FieldUserAgent,
	"useragent":      FieldUserAgent,
	"ip":             FieldIP,
	"ip_address":     FieldIP,
	"hostname":       FieldHostname,
	"platform":       FieldPlatform,
	"language":       FieldLanguage,
	"browser_id":     FieldBrowserID,
	"fingerprint_id": FieldFingerprintID,
	"country":        FieldCountry,
	"region":         FieldRegion,
	"city":           FieldCity,
	"clickdata":      FieldClickData,
	"click_data":     FieldClickData,
}

// LookupField resolves a field name as written in a condition.
func LookupField(name string) (Field, bool) {
	f, ok := fieldAliases[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

func (f Field) value(ev *models.Event) string {
	switch f {
	case FieldURL:
		return ev.URL
	case FieldReferrer:
		return ev.Referrer
	case FieldUserAgent:
		return ev.UserAgent
	case FieldIP:
		return ev.IPAddress
	case FieldHostname:
		return ev.Hostname
	case FieldPlatform:
		return ev.Platform
	case FieldLanguage:
		return ev.Language
	case FieldBrowserID:
		return ev.BrowserID
	case FieldFingerprintID:
		return ev.FingerprintID
	case FieldCountry:
		return ev.Country
	case FieldRegion:
		return ev.Region
	case FieldCity:
		return ev.City
	case FieldClickData:
		return ev.ClickData
	default:
		return ""
	}
}

// Op is a comparison operator.
type Op string

const (
	OpContains  Op = "contains"
	OpIContains Op = "icontains"
	OpEquals    Op = "equals"
	OpPrefix    Op = "startsWith"
	OpSuffix    Op = "endsWith"
	OpLike      Op = "like"
)

var opAliases = map[string]Op{
	"contains":   OpContains,
	"icontains":  OpIContains,
	"equals":     OpEquals,
	"eq":         OpEquals,
	"startswith": OpPrefix,
	"endswith":   OpSuffix,
	"like":       OpLike,
}

// Predicate is a boolean test over one event.
type Predicate interface {
	Eval(ev *models.Event) bool
	String() string
}

// Match compares one field with a literal. Fold makes the comparison
// case-insensitive.
type Match struct {
	Field Field
	Op    Op
	Value string
	Fold  bool
}

func (m Match) Eval(ev *models.Event) bool {
	subject, literal := m.Field.value(ev), m.Value
	if m.Fold || m.Op == OpIContains {
		subject, literal = strings.ToLower(subject), strings.ToLower(literal)
	}
	switch m.Op {
	case OpContains, OpIContains:
		return strings.Contains(subject, literal)
	case OpEquals:
		return subject == literal
	case OpPrefix:
		return strings.HasPrefix(subject, literal)
	case OpSuffix:
		return strings.HasSuffix(subject, literal)
	case OpLike:
		return Like(subject, literal)
	default:
		return false
	}
}

func (m Match) String() string {
	return fmt.Sprintf("%s(%s, %s)", m.Op, m.Field, quote(m.Value))
}

type And []Predicate

func (a And) Eval(ev *models.Event) bool {
	for _, p := range a {
		if !p.Eval(ev) {
			return false
		}
	}
	return len(a) > 0
}

func (a And) String() string { return join(a, " AND ") }

type Or []Predicate

func (o Or) Eval(ev *models.Event) bool {
	for _, p := range o {
		if p.Eval(ev) {
			return true
		}
	}
	return false
}

func (o Or) String() string { return join(o, " OR ") }

type Not struct {
	P Predicate
}

func (n Not) Eval(ev *models.Event) bool { return !n.P.Eval(ev) }

func (n Not) String() string { return "NOT " + n.P.String() }

// AnyOf is a case-insensitive OR of several Match values on one field.
func AnyOf(field Field, op Op, values ...string) Or {
	out := make(Or, 0, len(values))
	for _, v := range values {
		out = append(out, Match{Field: field, Op: op, Value: v, Fold: true})
	}
	return out
}

// Like implements SQL LIKE: '%' matches any run of characters and '_'
// exactly one.
func Like(s, pattern string) bool {
	sr, pr := []rune(s), []rune(pattern)
	si, pi := 0, 0
	star, mark := -1, 0
	for si < len(sr) {
		switch {
		case pi < len(pr) && (pr[pi] == '_' || pr[pi] == sr[si]):
			si++
			pi++
		case pi < len(pr) && pr[pi] == '%':
			star, mark = pi, si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pr) && pr[pi] == '%' {
		pi++
	}
	return pi == len(pr)
}

func join[T Predicate](ps []T, sep string) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
