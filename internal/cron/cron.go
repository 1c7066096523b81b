// Package cron rotates the connection log on a cron schedule, in addition
// to the hourly check done on every write.
package cron

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Rotator is anything that can roll its output over on demand.
type Rotator interface {
	Rotate() error
}

var parser = rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// Validate reports whether expr is a schedule the Scheduler accepts:
// five or six cron fields, or a descriptor such as "@daily" or "@every 30m".
func Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return errors.New("empty schedule")
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return nil
}

// Scheduler fires Rotate on every tick. A tick that arrives while the
// previous rotation is still running is skipped.
type Scheduler struct {
	c       *rcron.Cron
	r       Rotator
	log     *slog.Logger
	expr    string
	running atomic.Bool
	fired   atomic.Uint64
	skipped atomic.Uint64
}

// New parses expr and prepares a stopped scheduler. loc may be nil for the
// local time zone.
func New(expr string, r Rotator, log *slog.Logger, loc *time.Location) (*Scheduler, error) {
	if err := Validate(expr); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if loc == nil {
		loc = time.Local
	}
	s := &Scheduler{
		c:    rcron.New(rcron.WithParser(parser), rcron.WithLocation(loc)),
		r:    r,
		log:  log,
		expr: expr,
	}
	if _, err := s.c.AddFunc(expr, s.tick); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) tick() {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Warn("scheduled rotation skipped, previous one still running", "schedule", s.expr)
		return
	}
	defer s.running.Store(false)
	s.fired.Add(1)
	if err := s.r.Rotate(); err != nil {
		s.log.Warn("scheduled rotation failed", "schedule", s.expr, "error", err)
		return
	}
	s.log.Info("scheduled rotation done", "schedule", s.expr)
}

// Start runs the schedule in the background until Stop.
func (s *Scheduler) Start() { s.c.Start() }

// Stop cancels future ticks and waits for a running rotation to finish.
func (s *Scheduler) Stop() { <-s.c.Stop().Done() }

// Fired is the number of rotations attempted so far.
func (s *Scheduler) Fired() uint64 { return s.fired.Load() }

// Skipped is the number of ticks dropped because a rotation was in flight.
func (s *Scheduler) Skipped() uint64 { return s.skipped.Load() }
