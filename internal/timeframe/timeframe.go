// Package timeframe parses the closed grammar of time expressions accepted
// by recall. The parser is a small recursive descent over word tokens; no
// NLP machinery. All windows are half-open [Start, End) over node creation
// time, expressed in the location of the reference time.
package timeframe

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MadBomber/htm/internal/errs"
)

// WeekStart selects which day begins a calendar week.
type WeekStart int

const (
	Sunday WeekStart = iota
	Monday
)

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Day returns the window covering the calendar day of t.
func Day(t time.Time) Window {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return Window{Start: start, End: start.AddDate(0, 0, 1)}
}

// "few" is fixed at three by the grammar; "couple" at two.
var numberWords = map[string]int{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"couple": 2, "few": 3,
}

// Parse converts a timeframe expression into one or more windows. An
// expression is a list of terms separated by ";" (or "," outside
// parentheses), ORed together. Each term is one of:
//
//	a natural-language phrase       "yesterday", "2 weeks ago"
//	a date or datetime literal      "2024-06-12", "2024-06-12 14:30"
//	an explicit interval            "(2024-06-01, 2024-06-30)"
//
// A bare literal covers the calendar day containing it. In an interval, a
// date-only endpoint on the right includes that whole day; a datetime
// endpoint is an exact instant. Returns ErrValidation for anything
// outside the grammar.
func Parse(expr string, now time.Time, ws WeekStart) ([]Window, error) {
	terms := splitTerms(expr)
	if len(terms) == 0 {
		return nil, fmt.Errorf("%w: unrecognized timeframe %q", errs.ErrValidation, expr)
	}
	windows := make([]Window, 0, len(terms))
	for _, term := range terms {
		w, err := parseTerm(term, now, ws)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, nil
}

// splitTerms breaks a list expression at ";" and top-level ",". Commas
// inside parentheses belong to an interval, not the list.
func splitTerms(expr string) []string {
	var terms []string
	depth := 0
	start := 0
	for i, r := range expr {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ';':
			terms = append(terms, expr[start:i])
			start = i + 1
		case ',':
			if depth == 0 {
				terms = append(terms, expr[start:i])
				start = i + 1
			}
		}
	}
	terms = append(terms, expr[start:])
	out := terms[:0]
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseTerm(term string, now time.Time, ws WeekStart) (Window, error) {
	if strings.HasPrefix(term, "(") && strings.HasSuffix(term, ")") {
		return parseInterval(term[1:len(term)-1], now.Location())
	}
	if t, _, ok := parseLiteral(term, now.Location()); ok {
		return Day(t), nil
	}
	p := &parser{now: now, ws: ws}
	w, ok := p.parsePhrase(strings.Fields(strings.ToLower(term)))
	if !ok {
		return Window{}, fmt.Errorf("%w: unrecognized timeframe %q", errs.ErrValidation, term)
	}
	return w, nil
}

// literalLayouts, most specific first so "2024-06-12 14:30" is not cut
// short by the date-only layout.
var literalLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseLiteral reads a date or datetime literal. dateOnly reports whether
// the literal carried no time of day.
func parseLiteral(s string, loc *time.Location) (t time.Time, dateOnly bool, ok bool) {
	s = strings.TrimSpace(s)
	for _, layout := range literalLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, layout == "2006-01-02", true
		}
	}
	return time.Time{}, false, false
}

// parseInterval reads the body of "(start, end)". A date-only end is
// inclusive of its whole day.
func parseInterval(body string, loc *time.Location) (Window, error) {
	first, second, ok := strings.Cut(body, ",")
	if !ok {
		return Window{}, fmt.Errorf("%w: interval needs a start and an end, got %q", errs.ErrValidation, "("+body+")")
	}
	start, _, ok := parseLiteral(first, loc)
	if !ok {
		return Window{}, fmt.Errorf("%w: bad interval start %q", errs.ErrValidation, strings.TrimSpace(first))
	}
	end, endDateOnly, ok := parseLiteral(second, loc)
	if !ok {
		return Window{}, fmt.Errorf("%w: bad interval end %q", errs.ErrValidation, strings.TrimSpace(second))
	}
	if endDateOnly {
		end = end.AddDate(0, 0, 1)
	}
	if !start.Before(end) {
		return Window{}, fmt.Errorf("%w: interval start %s is not before end %s", errs.ErrValidation,
			start.Format(time.DateTime), end.Format(time.DateTime))
	}
	return Window{Start: start, End: end}, nil
}

type parser struct {
	now time.Time
	ws  WeekStart
}

// parsePhrase recognizes one phrase of the grammar:
//
//	today | yesterday
//	this|last (week | month | year | weekend)
//	N (hours|days|weeks|months|years|weekends) ago
func (p *parser) parsePhrase(words []string) (Window, bool) {
	switch len(words) {
	case 0:
		return Window{}, false
	case 1:
		switch words[0] {
		case "today":
			return Day(p.now), true
		case "yesterday":
			return Day(p.now.AddDate(0, 0, -1)), true
		}
		return Window{}, false
	case 2:
		var back int
		switch words[0] {
		case "this":
			back = 0
		case "last":
			back = 1
		default:
			return Window{}, false
		}
		return p.unitWindow(words[1], back)
	}
	// N unit ago ("of" tolerated: "couple of days ago")
	rest := words
	n, ok := parseCount(rest[0])
	if !ok {
		return Window{}, false
	}
	rest = rest[1:]
	if rest[0] == "of" {
		rest = rest[1:]
	}
	if len(rest) != 2 || rest[1] != "ago" {
		return Window{}, false
	}
	return p.unitWindow(rest[0], n)
}

func parseCount(word string) (int, bool) {
	if n, ok := numberWords[word]; ok {
		return n, true
	}
	n, err := strconv.Atoi(word)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// unitWindow returns the window covering the unit instance `back` steps
// before the current one. back == 0 means the current instance.
func (p *parser) unitWindow(unit string, back int) (Window, bool) {
	switch strings.TrimSuffix(unit, "s") {
	case "hour":
		start := p.now.Truncate(time.Hour).Add(-time.Duration(back) * time.Hour)
		return Window{Start: start, End: start.Add(time.Hour)}, true
	case "day":
		return Day(p.now.AddDate(0, 0, -back)), true
	case "week":
		start := p.startOfWeek(p.now).AddDate(0, 0, -7*back)
		return Window{Start: start, End: start.AddDate(0, 0, 7)}, true
	case "month":
		first := time.Date(p.now.Year(), p.now.Month(), 1, 0, 0, 0, 0, p.now.Location())
		start := first.AddDate(0, -back, 0)
		return Window{Start: start, End: start.AddDate(0, 1, 0)}, true
	case "year":
		start := time.Date(p.now.Year()-back, 1, 1, 0, 0, 0, 0, p.now.Location())
		return Window{Start: start, End: start.AddDate(1, 0, 0)}, true
	case "weekend":
		return p.weekendWindow(back), true
	}
	return Window{}, false
}

// startOfWeek returns midnight of the first day of the week containing t.
func (p *parser) startOfWeek(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	first := time.Sunday
	if p.ws == Monday {
		first = time.Monday
	}
	offset := (int(day.Weekday()) - int(first) + 7) % 7
	return day.AddDate(0, 0, -offset)
}

// weekendWindow covers Saturday 00:00 through Monday 00:00. back == 0 is
// the weekend of the current week; back == 1 the one before it.
func (p *parser) weekendWindow(back int) Window {
	day := time.Date(p.now.Year(), p.now.Month(), p.now.Day(), 0, 0, 0, 0, p.now.Location())
	offset := (int(day.Weekday()) - int(time.Saturday) + 7) % 7
	sat := day.AddDate(0, 0, -offset-7*back)
	return Window{Start: sat, End: sat.AddDate(0, 0, 2)}
}

// autoPattern matches any grammar phrase embedded in free text.
var autoPattern = regexp.MustCompile(
	`(?i)\b(today|yesterday|(?:this|last)\s+(?:week|month|year|weekend)|` +
		`(?:\d+|a|an|one|two|three|four|five|six|seven|eight|nine|ten|couple(?:\s+of)?|few)\s+` +
		`(?:hours?|days?|weeks?|months?|years?|weekends?)\s+ago)\b`)

var spaceRun = regexp.MustCompile(`\s+`)

// Auto extracts the first time expression found in a query, returning the
// query with the expression removed and the parsed windows. A query with no
// recognizable expression comes back unchanged with nil windows.
func Auto(query string, now time.Time, ws WeekStart) (string, []Window) {
	loc := autoPattern.FindStringIndex(query)
	if loc == nil {
		return query, nil
	}
	phrase := query[loc[0]:loc[1]]
	windows, err := Parse(phrase, now, ws)
	if err != nil {
		return query, nil
	}
	cleaned := query[:loc[0]] + query[loc[1]:]
	cleaned = strings.TrimSpace(spaceRun.ReplaceAllString(cleaned, " "))
	// Drop a now-dangling connective left where the phrase sat.
	cleaned = strings.TrimSuffix(cleaned, " about")
	return cleaned, windows
}
