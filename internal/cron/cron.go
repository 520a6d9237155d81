// Package cron implements the scheduler's timer on top of robfig/cron/v3.
// Entries are registered under caller-chosen names; intervals are expressed
// as every-n-units with an optional unit-specific alignment, so schedules
// below one second (which the cron expression grammar cannot express) work
// through custom Schedule values.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/funtask-io/funtask/internal/metrics"
)

// Service wraps a robfig cron with a name -> entry registry so entries can
// be cancelled and enumerated by name.
type Service struct {
	cron    *robfig.Cron
	mu      sync.Mutex
	entries map[string]robfig.EntryID
	log     zerolog.Logger
}

func New(log zerolog.Logger) *Service {
	return &Service{
		cron:    robfig.New(),
		entries: make(map[string]robfig.EntryID),
		log:     log.With().Str("component", "cron").Logger(),
	}
}

// Start launches the underlying cron runner.
func (s *Service) Start() { s.cron.Start() }

// Stop halts the runner; running callbacks finish on their own.
func (s *Service) Stop() { s.cron.Stop() }

func (s *Service) EveryNMilliseconds(name string, n int, cb func()) error {
	return s.schedule(name, intervalSchedule{every: time.Duration(n) * time.Millisecond}, cb)
}

func (s *Service) EveryNSeconds(name string, n int, cb func(), at string) error {
	sched, err := alignedSchedule(time.Duration(n)*time.Second, time.Second, at)
	if err != nil {
		return err
	}
	return s.schedule(name, sched, cb)
}

func (s *Service) EveryNMinutes(name string, n int, cb func(), at string) error {
	sched, err := alignedSchedule(time.Duration(n)*time.Minute, time.Minute, at)
	if err != nil {
		return err
	}
	return s.schedule(name, sched, cb)
}

func (s *Service) EveryNHours(name string, n int, cb func(), at string) error {
	sched, err := alignedSchedule(time.Duration(n)*time.Hour, time.Hour, at)
	if err != nil {
		return err
	}
	return s.schedule(name, sched, cb)
}

func (s *Service) EveryNDays(name string, n int, cb func(), at string) error {
	sched, err := alignedSchedule(time.Duration(n)*24*time.Hour, 24*time.Hour, at)
	if err != nil {
		return err
	}
	return s.schedule(name, sched, cb)
}

func (s *Service) EveryNWeeks(name string, n int, cb func(), at string) error {
	sched, err := alignedSchedule(time.Duration(n)*7*24*time.Hour, 7*24*time.Hour, at)
	if err != nil {
		return err
	}
	return s.schedule(name, sched, cb)
}

// Cancel removes the named entry. Unknown names are a no-op.
func (s *Service) Cancel(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return nil
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	metrics.CronEntries.Dec()
	s.log.Debug().Str("entry", name).Msg("cron entry cancelled")
	return nil
}

// Entries lists every registered entry name.
func (s *Service) Entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

func (s *Service) schedule(name string, sched robfig.Schedule, cb func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("cron entry %q already registered", name)
	}
	id := s.cron.Schedule(sched, robfig.FuncJob(cb))
	s.entries[name] = id
	metrics.CronEntries.Inc()
	s.log.Debug().Str("entry", name).Msg("cron entry registered")
	return nil
}

// intervalSchedule fires a fixed duration after each activation, with no
// sub-unit truncation (robfig's ConstantDelaySchedule rounds to seconds).
type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.every)
}

// offsetSchedule fires every interval, aligned so fires land on an in-unit
// offset (e.g. minute 30 of the hour for hour units).
type offsetSchedule struct {
	every  time.Duration
	unit   time.Duration
	offset time.Duration
}

func (s offsetSchedule) Next(t time.Time) time.Time {
	next := t.Truncate(s.unit).Add(s.offset)
	for !next.After(t) {
		next = next.Add(s.every)
	}
	return next
}

// alignedSchedule builds the schedule for an every-n-units entry. An empty
// at gives plain interval behavior. Otherwise at is an offset inside one
// unit: "30" seconds into a minute, "15:04" into a day, "2 15:04" into a
// week (weekday number, Sunday = 0).
func alignedSchedule(every, unit time.Duration, at string) (robfig.Schedule, error) {
	if at == "" {
		return intervalSchedule{every: every}, nil
	}
	offset, err := parseAt(unit, at)
	if err != nil {
		return nil, err
	}
	return offsetSchedule{every: every, unit: unit, offset: offset}, nil
}

func parseAt(unit time.Duration, at string) (time.Duration, error) {
	switch unit {
	case time.Second:
		return 0, fmt.Errorf("at alignment not supported for second units")
	case time.Minute:
		sec, err := strconv.Atoi(at)
		if err != nil || sec < 0 || sec > 59 {
			return 0, fmt.Errorf("invalid at %q for minute unit", at)
		}
		return time.Duration(sec) * time.Second, nil
	case time.Hour:
		min, err := strconv.Atoi(at)
		if err != nil || min < 0 || min > 59 {
			return 0, fmt.Errorf("invalid at %q for hour unit", at)
		}
		return time.Duration(min) * time.Minute, nil
	case 24 * time.Hour:
		clock, err := time.Parse("15:04", at)
		if err != nil {
			return 0, fmt.Errorf("invalid at %q for day unit: %w", at, err)
		}
		return time.Duration(clock.Hour())*time.Hour + time.Duration(clock.Minute())*time.Minute, nil
	case 7 * 24 * time.Hour:
		parts := strings.SplitN(at, " ", 2)
		day, err := strconv.Atoi(parts[0])
		if err != nil || day < 0 || day > 6 {
			return 0, fmt.Errorf("invalid at %q for week unit", at)
		}
		// Truncating to a week lands on a Monday, so Sunday (0) sits six
		// days into the unit.
		offset := time.Duration((day+6)%7) * 24 * time.Hour
		if len(parts) == 2 {
			clock, err := time.Parse("15:04", parts[1])
			if err != nil {
				return 0, fmt.Errorf("invalid at %q for week unit: %w", at, err)
			}
			offset += time.Duration(clock.Hour())*time.Hour + time.Duration(clock.Minute())*time.Minute
		}
		return offset, nil
	default:
		return 0, fmt.Errorf("at alignment not supported for unit %s", unit)
	}
}
