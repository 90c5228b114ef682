package calendar

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

//go:embed holidays.yaml
var holidaysYAML []byte

const maxSpan = 50 * 366

var registry map[string]*Calendar

func init() {
	parsed, err := parseCalendars(holidaysYAML)
	if err != nil {
		panic("failed to parse holiday calendars: " + err.Error())
	}
	registry = parsed
}

// Calendar is an immutable trading calendar.
type Calendar struct {
	name     string
	loc      *time.Location
	holidays map[time.Time]struct{}
	// firstYear and lastYear bound the years with published closures; zero means unbounded.
	firstYear int
	lastYear  int
}

// Get returns the named calendar.
func Get(name string) (*Calendar, error) {
	cal, ok := registry[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown calendar %q", name)
	}
	return cal, nil
}

// Names lists the registered calendars.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Calendar) Name() string { return c.name }

// Location is the venue's local time zone.
func (c *Calendar) Location() *time.Location { return c.loc }

// IsSession reports whether the date is a trading day.
func (c *Calendar) IsSession(t time.Time) bool {
	d := Day(t)
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, closed := c.holidays[d]
	return !closed
}

// Sessions returns the ordered trading days within [start, end].
func (c *Calendar) Sessions(start, end time.Time) []time.Time {
	if start.IsZero() || end.IsZero() {
		return nil
	}
	from, to := Day(start), Day(end)
	if to.Before(from) {
		return nil
	}

	out := make([]time.Time, 0, int(to.Sub(from).Hours()/24)+1)
	for d, n := from, 0; !d.After(to) && n < maxSpan; d, n = d.AddDate(0, 0, 1), n+1 {
		if c.IsSession(d) {
			out = append(out, d)
		}
	}
	return out
}

// Covers reports whether every year touched by [start, end] has published closures.
func (c *Calendar) Covers(start, end time.Time) bool {
	if c.firstYear == 0 && c.lastYear == 0 {
		return true
	}
	if !start.IsZero() && start.Year() < c.firstYear {
		return false
	}
	if !end.IsZero() && end.Year() > c.lastYear {
		return false
	}
	return true
}

// Years returns the covered year range; zeros mean unbounded.
func (c *Calendar) Years() (first, last int) {
	return c.firstYear, c.lastYear
}

// Today returns the venue-local calendar date of now.
func (c *Calendar) Today(now time.Time) time.Time {
	return Day(now.In(c.loc))
}

// Day truncates t to a UTC-midnight date using t's own year, month and day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type calendarFile struct {
	Calendars map[string]calendarSpec `yaml:"calendars"`
}

type calendarSpec struct {
	Timezone  string   `yaml:"timezone"`
	SameAs    string   `yaml:"same_as"`
	FirstYear int      `yaml:"first_year"`
	LastYear  int      `yaml:"last_year"`
	Holidays  []string `yaml:"holidays"`
}

func parseCalendars(raw []byte) (map[string]*Calendar, error) {
	var file calendarFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, err
	}

	out := make(map[string]*Calendar, len(file.Calendars))
	for name, spec := range file.Calendars {
		if spec.SameAs != "" {
			continue
		}
		cal, err := buildCalendar(name, spec)
		if err != nil {
			return nil, err
		}
		out[name] = cal
	}
	for name, spec := range file.Calendars {
		if spec.SameAs == "" {
			continue
		}
		base, ok := out[spec.SameAs]
		if !ok {
			return nil, fmt.Errorf("calendar %s: unknown base %q", name, spec.SameAs)
		}
		out[name] = &Calendar{name: name, loc: base.loc, holidays: base.holidays, firstYear: base.firstYear, lastYear: base.lastYear}
	}
	return out, nil
}

func buildCalendar(name string, spec calendarSpec) (*Calendar, error) {
	loc := time.UTC
	if spec.Timezone != "" {
		l, err := time.LoadLocation(spec.Timezone)
		if err != nil {
			return nil, fmt.Errorf("calendar %s: %w", name, err)
		}
		loc = l
	}

	if spec.FirstYear > spec.LastYear {
		return nil, fmt.Errorf("calendar %s: first_year %d after last_year %d", name, spec.FirstYear, spec.LastYear)
	}

	holidays := make(map[time.Time]struct{}, len(spec.Holidays))
	for _, h := range spec.Holidays {
		d, err := time.Parse("2006-01-02", h)
		if err != nil {
			return nil, fmt.Errorf("calendar %s: %w", name, err)
		}
		if spec.LastYear > 0 && (d.Year() < spec.FirstYear || d.Year() > spec.LastYear) {
			return nil, fmt.Errorf("calendar %s: holiday %s outside %d-%d", name, h, spec.FirstYear, spec.LastYear)
		}
		holidays[d] = struct{}{}
	}
	return &Calendar{name: name, loc: loc, holidays: holidays, firstYear: spec.FirstYear, lastYear: spec.LastYear}, nil
}
