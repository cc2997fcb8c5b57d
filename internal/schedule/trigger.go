package schedule

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Daily fires once a day at Hour:Minute wall-clock time in Location.
//
// The next occurrence is recomputed from the current instant after every
// run, so DST shifts are applied day by day. A wall time skipped by a
// spring-forward transition fires at the shifted instant time.Date
// normalizes it to.
type Daily struct {
	Hour     int
	Minute   int
	Location *time.Location
}

var _ cron.Schedule = Daily{}

// Next returns the first occurrence strictly after t.
func (d Daily) Next(t time.Time) time.Time {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	y, m, day := local.Date()

	next := time.Date(y, m, day, d.Hour, d.Minute, 0, 0, loc)
	for !next.After(t) {
		day++
		next = time.Date(y, m, day, d.Hour, d.Minute, 0, 0, loc)
	}
	return next
}

func (d Daily) equal(o Daily) bool {
	return d.Hour == o.Hour && d.Minute == o.Minute && d.Location.String() == o.Location.String()
}

// Interval fires First after it is scheduled and then every Every.
type Interval struct {
	First time.Duration
	Every time.Duration

	started bool
}

var _ cron.Schedule = (*Interval)(nil)

// Next is called by the cron run loop only, one call at a time.
func (i *Interval) Next(t time.Time) time.Time {
	if !i.started {
		i.started = true
		return t.Add(i.First)
	}
	return cron.Every(i.Every).Next(t)
}
