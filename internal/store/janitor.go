package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Janitor prunes old chat history on a cron schedule.
type Janitor struct {
	store     *Store
	retention time.Duration
	schedule  cron.Schedule
	now       func() time.Time
}

// JanitorOpts holds parameters for creating a Janitor.
type JanitorOpts struct {
	Store     *Store
	Retention time.Duration // zero disables pruning
	Schedule  string        // 5-field cron expression or @descriptor
}

// NewJanitor validates opts and returns a Janitor.
func NewJanitor(opts JanitorOpts) (*Janitor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store: janitor: store is required")
	}
	sched, err := cronParser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("store: janitor: schedule %q: %w", opts.Schedule, err)
	}
	return &Janitor{
		store:     opts.Store,
		retention: opts.Retention,
		schedule:  sched,
		now:       time.Now,
	}, nil
}

// Enabled reports whether the janitor will delete anything.
func (j *Janitor) Enabled() bool {
	return j.retention > 0
}

// Next returns the next scheduled run after t.
func (j *Janitor) Next(t time.Time) time.Time {
	return j.schedule.Next(t)
}

// RunOnce prunes everything older than the retention period.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	if !j.Enabled() {
		return 0, nil
	}
	return j.store.Prune(ctx, j.now().Add(-j.retention))
}

// Run blocks, pruning on schedule until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if !j.Enabled() {
		return
	}
	c := cron.New(cron.WithParser(cronParser))
	c.Schedule(j.schedule, cron.FuncJob(func() {
		n, err := j.RunOnce(ctx)
		if err != nil {
			log.Printf("store: janitor: %v", err)
			return
		}
		if n > 0 {
			log.Printf("store: janitor pruned %d messages older than %v", n, j.retention)
		}
	}))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}
