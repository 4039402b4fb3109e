package poll

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Context carries the user-local settings every answer is interpreted under.
// Relative and wall-clock values resolve against the user's timezone and
// language, never the server locale.
type Context struct {
	Lang string
	Loc  *time.Location
	Now  func() time.Time
}

func (c Context) now() time.Time {
	if c.Now != nil {
		return c.Now().In(c.location())
	}
	return time.Now().In(c.location())
}

func (c Context) location() *time.Location {
	if c.Loc != nil {
		return c.Loc
	}
	return time.UTC
}

// Value is a validated answer to a question.
type Value struct {
	Kind   Kind      `json:"kind"`
	Text   string    `json:"text,omitempty"`
	Number float64   `json:"number,omitempty"`
	Time   time.Time `json:"time,omitempty"`
	Label  string    `json:"label,omitempty"`
}

// Param exposes the value as a predicate parameter: numbers for numeric
// kinds, strings for everything else.
func (v Value) Param() interface{} {
	switch v.Kind {
	case KindInt, KindFloat:
		return v.Number
	case KindTimestamp, KindRelativeTime:
		return v.Time.Format(time.RFC3339)
	default:
		return v.Text
	}
}

// Serialize renders the canonical stored form of the value.
func (v Value) Serialize() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(int64(v.Number), 10)
	case KindFloat:
		return strconv.FormatFloat(v.Number, 'g', -1, 64)
	case KindTimestamp, KindRelativeTime:
		return v.Time.Format(time.RFC3339)
	default:
		return v.Text
	}
}

const timestampLayout = "2006-01-02 15:04"

// Parse validates a raw answer against the question's value type and returns
// the typed value. Failures wrap ErrUnsupportedAnswer.
func (q *Question) Parse(raw string, ctx Context) (Value, error) {
	raw = strings.TrimSpace(raw)
	switch q.Kind {
	case KindSelect:
		opt, ok := q.option(raw)
		if !ok {
			return Value{}, fmt.Errorf("%w: %q is not one of the options for %q", ErrUnsupportedAnswer, raw, q.ID)
		}
		return Value{Kind: KindSelect, Text: opt.Value, Label: opt.DisplayLabel()}, nil

	case KindInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not an integer", ErrUnsupportedAnswer, raw)
		}
		return Value{Kind: KindInt, Number: float64(n), Label: raw}, nil

	case KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a number", ErrUnsupportedAnswer, raw)
		}
		return Value{Kind: KindFloat, Number: f, Label: raw}, nil

	case KindText:
		if raw == "" {
			return Value{}, fmt.Errorf("%w: empty text answer", ErrUnsupportedAnswer)
		}
		return Value{Kind: KindText, Text: raw, Label: raw}, nil

	case KindTimestamp:
		ts, err := parseTimestamp(raw, ctx.location())
		if err != nil {
			return Value{}, err
		}
		return timeValue(KindTimestamp, ts), nil

	case KindRelativeTime:
		d, err := parseRelativeDuration(raw, ctx.Lang)
		if err != nil {
			return Value{}, err
		}
		return timeValue(KindRelativeTime, ctx.now().Add(-d)), nil

	case KindTimeOfDay:
		tod, err := parseTimeOfDay(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindTimeOfDay, Text: tod, Label: tod}, nil
	}
	return Value{}, fmt.Errorf("%w: unknown question kind %q", ErrUnsupportedAnswer, q.Kind)
}

// DefaultValue resolves the question's default rule. The second return is
// false when the question declares no default. Static defaults are
// re-validated against the question's value type before being stored.
func (q *Question) DefaultValue(ctx Context) (Value, bool, error) {
	if q.Default == nil {
		return Value{}, false, nil
	}
	if q.AutoFills() {
		now := ctx.now()
		if q.Kind == KindTimeOfDay {
			tod := now.Format("15:04")
			return Value{Kind: KindTimeOfDay, Text: tod, Label: tod}, true, nil
		}
		return timeValue(KindTimestamp, now), true, nil
	}
	v, err := q.Parse(*q.Default, ctx)
	if err != nil {
		return Value{}, true, err
	}
	return v, true, nil
}

// ParseStored reconstructs a Value from its serialized record form, used when
// a once-per-day poll re-enters edit mode.
func (q *Question) ParseStored(serialized string, ctx Context) (Value, error) {
	switch q.Kind {
	case KindTimestamp, KindRelativeTime:
		ts, err := time.Parse(time.RFC3339, serialized)
		if err != nil {
			return Value{}, fmt.Errorf("%w: stored value %q", ErrUnsupportedAnswer, serialized)
		}
		return timeValue(q.Kind, ts.In(ctx.location())), nil
	default:
		return q.Parse(serialized, ctx)
	}
}

func timeValue(kind Kind, ts time.Time) Value {
	return Value{Kind: kind, Time: ts, Label: ts.Format("01/02/2006 15:04")}
}

func parseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.In(loc), nil
	}
	if ts, err := time.ParseInLocation(timestampLayout, raw, loc); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q is not a timestamp", ErrUnsupportedAnswer, raw)
}

func parseTimeOfDay(raw string) (string, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.Format("15:04"), nil
		}
	}
	return "", fmt.Errorf("%w: %q is not a time of day", ErrUnsupportedAnswer, raw)
}

// dayWords maps a language code to the spellings of "day" accepted in
// relative answers like "3 days, 2:12".
var dayWords = map[string][]string{
	"en": {"d", "day", "days"},
	"ru": {"д", "день", "дня", "дней"},
}

// parseRelativeDuration parses the humanized "[N days, ][HH[:MM[:SS]]]"
// form; a bare number means that many hours ago.
func parseRelativeDuration(raw string, lang string) (time.Duration, error) {
	words, ok := dayWords[strings.ToLower(lang)]
	if !ok {
		words = dayWords["en"]
	}
	pattern := fmt.Sprintf(
		`^(?:(?P<days>\d+)\s*(?:%s)\s*,?\s*)?(?:(?P<hours>\d{1,3})(?::(?P<minutes>\d{1,2})(?::(?P<seconds>\d{1,2}))?)?)?$`,
		strings.Join(words, "|"),
	)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, err
	}
	raw = strings.TrimSpace(strings.ToLower(raw))
	m := re.FindStringSubmatch(raw)
	if m == nil || raw == "" {
		return 0, fmt.Errorf("%w: %q is not a relative time", ErrUnsupportedAnswer, raw)
	}
	part := func(name string) int {
		for i, n := range re.SubexpNames() {
			if n == name && m[i] != "" {
				v, _ := strconv.Atoi(m[i])
				return v
			}
		}
		return 0
	}
	d := time.Duration(part("days"))*24*time.Hour +
		time.Duration(part("hours"))*time.Hour +
		time.Duration(part("minutes"))*time.Minute +
		time.Duration(part("seconds"))*time.Second
	if d == 0 && part("days") == 0 && m[0] == "" {
		return 0, fmt.Errorf("%w: %q is not a relative time", ErrUnsupportedAnswer, raw)
	}
	return d, nil
}
