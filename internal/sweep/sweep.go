// Package sweep runs periodic compaction checks over registered
// conversations, so long-idle sessions get compacted without waiting for
// their next message.
package sweep

import (
	"context"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/loopworks/condense/internal/compact"
)

// DefaultSchedule checks every five minutes.
const DefaultSchedule = "@every 5m"

// sweepTimeout bounds one conversation's check, model call included.
const sweepTimeout = 5 * time.Minute

// Engine is the compaction entry point the sweeper drives.
// *compact.Engine satisfies it.
type Engine interface {
	CheckAndCompact(ctx context.Context, conversationID, modelID string, inToolUseLoop bool) (*compact.Result, error)
}

// Target is one registered conversation and the model used to compact it.
type Target struct {
	ConversationID string
	ModelID        string
}

// Sweeper schedules periodic CheckAndCompact calls for registered
// conversations. Sweeps never run concurrently with themselves; a slow sweep
// skips the next tick.
type Sweeper struct {
	engine    Engine
	schedule  string
	scheduler *cronlib.Cron

	mu       sync.Mutex
	targets  map[string]Target
	sweeping bool
}

// New builds a sweeper. An empty schedule uses DefaultSchedule.
func New(engine Engine, schedule string) *Sweeper {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Sweeper{
		engine:   engine,
		schedule: schedule,
		targets:  make(map[string]Target),
	}
}

// Register adds (or updates) a conversation to sweep.
func (s *Sweeper) Register(conversationID, modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[conversationID] = Target{ConversationID: conversationID, ModelID: modelID}
}

// Deregister removes a conversation from the sweep set.
func (s *Sweeper) Deregister(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.targets, conversationID)
}

// Targets returns a snapshot of the registered targets.
func (s *Sweeper) Targets() []Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t)
	}
	return out
}

// Start begins the periodic sweep. Returns an error for an invalid schedule.
func (s *Sweeper) Start() error {
	scheduler := cronlib.New()
	if _, err := scheduler.AddFunc(s.schedule, func() {
		s.RunOnce(context.Background())
	}); err != nil {
		return err
	}
	s.scheduler = scheduler
	scheduler.Start()
	return nil
}

// Stop halts the scheduler. A sweep already in flight finishes.
func (s *Sweeper) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// RunOnce sweeps all registered targets sequentially. Per-conversation
// failures are swallowed; one broken conversation must not starve the rest.
// Returns the number of conversations that were actually compacted.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		return 0
	}
	s.sweeping = true
	targets := make([]Target, 0, len(s.targets))
	for _, t := range s.targets {
		targets = append(targets, t)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
	}()

	compacted := 0
	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}
		tctx, cancel := context.WithTimeout(ctx, sweepTimeout)
		// Sweeps always run between turns, never inside a tool-use loop.
		result, err := s.engine.CheckAndCompact(tctx, target.ConversationID, target.ModelID, false)
		cancel()
		if err == nil && result != nil && result.Compacted {
			compacted++
		}
	}
	return compacted
}
