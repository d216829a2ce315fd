package schedule

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "aitester/pkg/logx"
)

// Trigger is a live recurring callback.
type Trigger interface {
	Stop()
	Running() bool
	// NextFire returns false when no further fire is planned.
	NextFire() (time.Time, bool)
}

// Triggerer creates triggers. All triggers evaluate in UTC.
type Triggerer interface {
	Validate(expr string) error
	Schedule(expr string, fn func()) (Trigger, error)
	Start()
	// Stop halts all triggers and waits for callbacks in progress until ctx is done.
	Stop(ctx context.Context) error
}

// CronTriggerer runs every trigger on one shared robfig/cron instance.
type CronTriggerer struct {
	c       *cron.Cron
	running atomic.Bool
}

func NewCronTriggerer(log logx.Logger) *CronTriggerer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CronTriggerer{
		c: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger{log: log}),
		),
	}
}

func (t *CronTriggerer) Validate(expr string) error {
	_, err := ParseCron(expr)
	return err
}

func (t *CronTriggerer) Schedule(expr string, fn func()) (Trigger, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	id := t.c.Schedule(sched, cron.FuncJob(fn))
	return &cronTrigger{owner: t, id: id, sched: sched}, nil
}

func (t *CronTriggerer) Start() {
	if t.running.Swap(true) {
		return
	}
	t.c.Start()
}

func (t *CronTriggerer) Stop(ctx context.Context) error {
	if !t.running.Swap(false) {
		return nil
	}
	select {
	case <-t.c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type cronTrigger struct {
	owner   *CronTriggerer
	id      cron.EntryID
	sched   cron.Schedule
	stopped atomic.Bool
}

func (t *cronTrigger) Stop() {
	if t.stopped.Swap(true) {
		return
	}
	t.owner.c.Remove(t.id)
}

func (t *cronTrigger) Running() bool {
	return !t.stopped.Load() && t.owner.running.Load()
}

func (t *cronTrigger) NextFire() (time.Time, bool) {
	if t.stopped.Load() {
		return time.Time{}, false
	}
	if t.owner.running.Load() {
		if e := t.owner.c.Entry(t.id); e.Valid() && !e.Next.IsZero() {
			return e.Next.UTC(), true
		}
	}
	next := t.sched.Next(time.Now().UTC())
	return next, !next.IsZero()
}

// cronLogger routes robfig/cron diagnostics through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	if !l.log.Enabled(logx.LevelTrace) {
		return
	}
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
