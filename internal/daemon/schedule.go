package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
)

// ParseCron checks a 5 field cron expression or a macro like @hourly.
func ParseCron(expr string) error {
	e := strings.TrimSpace(expr)
	if e == "" {
		return errors.New("empty cron expression")
	}

	// Macros / @every handled by ParseStandard
	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		return err
	}

	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser5.Parse(e)
	return err
}

var (
	shortDurationRx = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$`)
	isoDurationRx   = regexp.MustCompile(`^P((?P<day>\d+)D)?(T?(?:(?P<hour>\d+)H)?(?:(?P<minute>\d+)M)?(?:(?P<second>\d+(?:[.,]\d+)?)S)?)?$`)
)

var ErrDurationFormat = errors.New("invalid duration format")

// ParseDuration accepts either ordered day/hour/minute/second segments like
// 1d2h3m4s or an ISO8601 duration like P1DT2H. The result must be positive.
func ParseDuration(s string) (time.Duration, error) {
	var d time.Duration
	var err error
	if strings.HasPrefix(s, "P") {
		d, err = parseISODuration(s)
	} else {
		d, err = parseShortDuration(s)
	}
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %q is not positive", ErrDurationFormat, s)
	}
	return d, nil
}

func parseShortDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty duration")
	}
	m := shortDurationRx.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrDurationFormat, s)
	}
	var total time.Duration
	for _, seg := range m[1:] {
		if seg == "" {
			continue
		}
		val, err := strconv.ParseInt(seg[:len(seg)-1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number in %s: %w", seg, err)
		}
		var unit time.Duration
		switch seg[len(seg)-1] {
		case 'd':
			unit = 24 * time.Hour
		case 'h':
			unit = time.Hour
		case 'm':
			unit = time.Minute
		case 's':
			unit = time.Second
		}
		if val > int64(math.MaxInt64/unit) {
			return 0, errors.New("duration overflow")
		}
		add := time.Duration(val) * unit
		if total > time.Duration(math.MaxInt64)-add {
			return 0, errors.New("duration overflow")
		}
		total += add
	}
	return total, nil
}

func parseISODuration(dur string) (time.Duration, error) {
	if dur == "P" || dur == "PT" || !isoDurationRx.MatchString(dur) {
		return 0, fmt.Errorf("%w: %q", ErrDurationFormat, dur)
	}
	match := isoDurationRx.FindStringSubmatch(dur)

	// without T, P2M would be months
	hasT := strings.Contains(dur, "T")
	hasHMS := false

	var ret time.Duration
	for i, name := range isoDurationRx.SubexpNames() {
		part := match[i]
		if i == 0 || name == "" || part == "" {
			continue
		}
		var unit time.Duration
		switch name {
		case "day":
			unit = 24 * time.Hour
		case "hour":
			hasHMS = true
			unit = time.Hour
		case "minute":
			hasHMS = true
			if !hasT {
				return 0, fmt.Errorf("%w: %q", ErrDurationFormat, dur)
			}
			unit = time.Minute
		case "second":
			hasHMS = true
			unit = time.Second
		}
		f, err := strconv.ParseFloat(strings.Replace(part, ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %s: %w", name, err)
		}
		ret += time.Duration(f * float64(unit))
	}

	if hasT && !hasHMS {
		return 0, fmt.Errorf("%w: %q", ErrDurationFormat, dur)
	}
	return ret, nil
}

// newScheduler returns a scheduler running task every interval or on a cron
// schedule. Both empty means no scheduler and a nil result.
func newScheduler(ctx context.Context, every, crontab string, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case crontab != "":
		if err := ParseCron(crontab); err != nil {
			return nil, fmt.Errorf("parsing status_cron: %w", err)
		}
		job = gocron.CronJob(crontab, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", crontab)
	case every != "":
		d, err := ParseDuration(every)
		if err != nil {
			return nil, fmt.Errorf("parsing status_every: %w", err)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
	default:
		return nil, nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
