package activitypub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	TaskReconcileFollowers      = "reconcile_followers"
	TaskDeleteActorInteractions = "delete_actor_interactions"
	TaskDeleteActorPosts        = "delete_actor_posts"
)

// Scheduler defers work. Execution is at-least-once with no ordering
// between tasks.
type Scheduler interface {
	Schedule(ctx context.Context, name string, payload any, runAfter time.Time) error
}

// TaskHandler runs one deferred task.
type TaskHandler func(ctx context.Context, payload []byte) error

// TaskRunner persists tasks in the TaskStore and runs the due ones on a
// cron schedule. Failed tasks are logged and dropped.
type TaskRunner struct {
	store     TaskStore
	batchSize int
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[string]TaskHandler

	quartz *cron.Cron
}

func NewTaskRunner(store TaskStore) *TaskRunner {
	return &TaskRunner{
		store:     store,
		batchSize: 50,
		now:       time.Now,
		handlers:  make(map[string]TaskHandler),
	}
}

// Handle registers the handler for tasks called name.
func (r *TaskRunner) Handle(name string, h TaskHandler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

func (r *TaskRunner) Schedule(ctx context.Context, name string, payload any, runAfter time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", name, err)
	}
	id, err := r.store.InsertTask(ctx, name, string(body), runAfter)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	log.Debug().Int64("id", id).Str("task", name).Time("run_after", runAfter).Msg("Tasks: scheduled")
	return nil
}

// RunDue claims and runs every task that is due, returning how many ran
// successfully.
func (r *TaskRunner) RunDue(ctx context.Context) (int, error) {
	tasks, err := r.store.ClaimDueTasks(ctx, r.now(), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim tasks: %w", err)
	}

	done := 0
	for _, task := range tasks {
		r.mu.RLock()
		h, ok := r.handlers[task.Name]
		r.mu.RUnlock()

		switch {
		case !ok:
			log.Warn().Str("task", task.Name).Msg("Tasks: no handler, dropping")
		default:
			if err := h(ctx, []byte(task.Payload)); err != nil {
				log.Error().Err(err).Str("task", task.Name).Int64("id", task.Id).Msg("Tasks: failed")
			} else {
				done++
			}
		}

		if err := r.store.DeleteTask(ctx, task.Id); err != nil {
			return done, err
		}
	}
	return done, nil
}

// Start polls for due tasks on the given cron spec, e.g. "@every 30s".
func (r *TaskRunner) Start(spec string) error {
	r.quartz = cron.New(cron.WithLogger(cron.VerbosePrintfLogger(&log.Logger)))
	if _, err := r.quartz.AddFunc(spec, func() {
		if _, err := r.RunDue(context.Background()); err != nil {
			log.Error().Err(err).Msg("Tasks: run failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid task schedule %q: %w", spec, err)
	}
	r.quartz.Start()
	return nil
}

// Stop waits for a running poll to finish.
func (r *TaskRunner) Stop() {
	if r.quartz == nil {
		return
	}
	<-r.quartz.Stop().Done()
}
