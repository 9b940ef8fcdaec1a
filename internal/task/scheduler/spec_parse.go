package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecInterval SpecKind = iota
	SpecCron
	SpecOnce
)

func (k SpecKind) String() string {
	switch k {
	case SpecInterval:
		return "interval"
	case SpecCron:
		return "cron"
	case SpecOnce:
		return "once"
	default:
		return "unknown"
	}
}

// Spec is a parsed schedule string.
//
// Supported forms:
//   - Interval: "300s", "5m", "2h", "1d", Go durations like "2h30m", "@every 55m"
//   - Cron: "*/5 * * * *", "0 */10 * * * *" (with seconds), "@hourly"
//   - Once: "@once" (as soon as possible), "@once 10m" (after the delay)
//
// Optional prefixes force a kind: "cron:" and "every:".
//
// Intervals are measured from the given time, which for a recurring job is
// its completion time, so run duration adds to the period.
type Spec struct {
	Kind  SpecKind
	Every time.Duration
	Cron  cron.Schedule
	Raw   string
}

// Next returns the next run time after from. The zero time means the
// schedule will never fire again.
func (s Spec) Next(from time.Time) time.Time {
	switch s.Kind {
	case SpecCron:
		return s.Cron.Next(from)
	default:
		return from.Add(s.Every)
	}
}

// Recurring reports whether the spec fires more than once.
func (s Spec) Recurring() bool { return s.Kind != SpecOnce }

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reSuffix = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseSchedule parses raw into a Spec. Unrecognized strings are rejected
// with ErrInvalidSchedule.
func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("%w: empty", ErrInvalidSchedule)
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(strings.TrimSpace(s[len("every:"):]))
		if err != nil {
			return Spec{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, raw, err)
		}
		return Spec{Kind: SpecInterval, Every: d, Raw: s}, nil
	case low == "@once":
		return Spec{Kind: SpecOnce, Raw: s}, nil
	case strings.HasPrefix(low, "@once "):
		d, err := parseInterval(strings.TrimSpace(s[len("@once "):]))
		if err != nil {
			return Spec{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, raw, err)
		}
		return Spec{Kind: SpecOnce, Every: d, Raw: s}, nil
	case strings.HasPrefix(low, "@every "):
		d, err := parseInterval(strings.TrimSpace(s[len("@every "):]))
		if err != nil {
			return Spec{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, raw, err)
		}
		return Spec{Kind: SpecInterval, Every: d, Raw: s}, nil
	}

	// Any whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(raw, s)
	}
	d, err := parseInterval(s)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %q (use an interval like '300s' or '2h30m', or a cron expression)", ErrInvalidSchedule, raw)
	}
	return Spec{Kind: SpecInterval, Every: d, Raw: s}, nil
}

func parseCron(raw, expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("%w: cron expression required", ErrInvalidSchedule)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, raw, err)
	}
	// cron returns the zero time for expressions that never match (Feb 30).
	if sched.Next(time.Now()).IsZero() {
		return Spec{}, fmt.Errorf("%w: %q never fires", ErrInvalidSchedule, raw)
	}
	return Spec{Kind: SpecCron, Cron: sched, Raw: expr}, nil
}

// parseInterval accepts "<int>(s|m|h|d)" and Go durations. The result must
// be positive.
func parseInterval(v string) (time.Duration, error) {
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reSuffix.FindStringSubmatch(v); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, err
		}
		unit := map[string]time.Duration{"s": time.Second, "m": time.Minute, "h": time.Hour, "d": 24 * time.Hour}[m[2]]
		if n > int64(1<<62)/int64(unit) {
			return 0, fmt.Errorf("interval %q overflows", v)
		}
		d = time.Duration(n) * unit
	} else {
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return 0, err
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
