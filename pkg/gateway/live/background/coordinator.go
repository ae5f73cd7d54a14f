// Package background runs the work that follows a completed voice turn:
// persisting it, titling a new conversation and refreshing the running
// summary. The live session hands a Job off and never waits.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-voice/pkg/core/generation"
	"github.com/vango-go/vai-voice/pkg/store"
)

// Job describes one completed turn.
type Job struct {
	SessionID      string
	ConversationID string
	TurnID         string // assigned by Submit when empty
	UserText       string
	AssistantText  string
	// History is the conversation before this turn, oldest first.
	History []generation.Exchange
	// FirstTurn requests a title for the conversation.
	FirstTurn bool

	// OnRenamed and OnSummary are invoked from background goroutines and
	// must not block.
	OnRenamed func(title string)
	OnSummary func(summary string)
}

type Config struct {
	PersistTimeout time.Duration
	TitleTimeout   time.Duration
	SummaryTimeout time.Duration
}

type Coordinator struct {
	store     store.Store
	generator generation.Streamer
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
	jobs   errgroup.Group
}

func New(st store.Store, g generation.Streamer, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if cfg.TitleTimeout <= 0 {
		cfg.TitleTimeout = 15 * time.Second
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:     st,
		generator: g,
		cfg:       cfg,
		logger:    logger,
	}
}

// Submit starts the job's tasks and returns immediately. Jobs submitted
// after Wait has been called are logged and dropped.
func (c *Coordinator) Submit(job Job) {
	if job.TurnID == "" {
		job.TurnID = uuid.NewString()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.logger.Warn("background job dropped after shutdown",
			"session_id", job.SessionID,
			"conversation_id", job.ConversationID,
			"turn_id", job.TurnID,
		)
		return
	}
	c.jobs.Go(func() error {
		c.run(job)
		return nil
	})
}

// Wait closes the coordinator to new jobs and blocks until every accepted
// job finished or ctx ends. A session still draining after a CancelAll
// timeout may submit concurrently; its job is either accepted before the
// close and awaited, or dropped.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = c.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes the tasks concurrently. A failing task does not cancel the
// others, and nothing is retried or rolled back.
func (c *Coordinator) run(job Job) {
	logger := c.logger.With(
		"session_id", job.SessionID,
		"conversation_id", job.ConversationID,
		"turn_id", job.TurnID,
	)

	var g errgroup.Group
	g.Go(func() error {
		return c.task(logger, "persist", c.cfg.PersistTimeout, func(ctx context.Context) error {
			_, err := c.store.AppendTurn(ctx, store.Turn{
				ID:             job.TurnID,
				ConversationID: job.ConversationID,
				UserText:       job.UserText,
				AssistantText:  job.AssistantText,
			})
			return err
		})
	})
	if job.FirstTurn {
		g.Go(func() error {
			return c.task(logger, "title", c.cfg.TitleTimeout, func(ctx context.Context) error {
				return c.title(ctx, job)
			})
		})
	}
	g.Go(func() error {
		return c.task(logger, "summary", c.cfg.SummaryTimeout, func(ctx context.Context) error {
			return c.summarize(ctx, job)
		})
	})
	if err := g.Wait(); err != nil {
		logger.Warn("background job incomplete", "error", err)
	}
}

func (c *Coordinator) task(logger *slog.Logger, name string, timeout time.Duration, fn func(context.Context) error) error {
	// Tasks outlive the session that submitted them.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		logger.Warn("background task failed", "task", name, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return err
	}
	logger.Info("background task done", "task", name, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (c *Coordinator) title(ctx context.Context, job Job) error {
	title, err := generation.Title(ctx, c.generator, job.UserText)
	if err != nil {
		return fmt.Errorf("generate title: %w", err)
	}
	if err := c.store.RenameConversation(ctx, job.ConversationID, title); err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	if job.OnRenamed != nil {
		job.OnRenamed(title)
	}
	return nil
}

// summarize folds the whole conversation, including this turn, into the
// running summary. It does not depend on the persist task having finished.
func (c *Coordinator) summarize(ctx context.Context, job Job) error {
	history := make([]generation.Exchange, 0, len(job.History)+1)
	history = append(history, job.History...)
	history = append(history, generation.Exchange{User: job.UserText, Assistant: job.AssistantText})

	summary, err := generation.Summarize(ctx, c.generator, history)
	if err != nil {
		return fmt.Errorf("generate summary: %w", err)
	}
	if err := c.store.UpdateSummary(ctx, job.ConversationID, summary); err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	if job.OnSummary != nil {
		job.OnSummary(summary)
	}
	return nil
}
