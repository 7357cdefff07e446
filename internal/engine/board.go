package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"classboard/internal/cache"
	"classboard/internal/domain"
	"classboard/internal/metrics"
)

// API is the request/response surface the board needs. The SDK client
// implements it.
type API interface {
	Tasks(ctx context.Context) ([]domain.Task, error)
	Task(ctx context.Context, id int64) (domain.Task, error)
	MoveStage(ctx context.Context, id int64, stage domain.Stage, comment string) error
	RequestHelp(ctx context.Context, id int64, message string) error
	DeleteTask(ctx context.Context, id int64) error
	HelpRequests(ctx context.Context, resolved *bool) ([]domain.HelpRequest, error)
	CreateHelpRequest(ctx context.Context, taskID int64, message string) (domain.HelpRequest, error)
	ResolveHelpRequest(ctx context.Context, id int64, message string) (domain.HelpRequest, error)
}

// Store persists cache snapshots. repo.Repo implements it.
type Store interface {
	SaveTasks(ctx context.Context, tasks []domain.Task) error
	SaveHelpRequests(ctx context.Context, hrs []domain.HelpRequest) error
}

var ErrUnknownTask = errors.New("task not in cache")

// TimeoutError reports a command that did not complete within its bound.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

type Options struct {
	Timeout time.Duration
	Store   Store
	Journal Journal
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Board owns the task and help-request caches and runs commands against them.
type Board struct {
	Tasks        *cache.Cache[domain.Task]
	HelpRequests *cache.Cache[domain.HelpRequest]

	api     API
	timeout time.Duration
	store   Store
	journal Journal
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewBoard(api API, opts Options) *Board {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	b := &Board{
		Tasks:        cache.New(func(t domain.Task) int64 { return t.ID }),
		HelpRequests: cache.New(func(hr domain.HelpRequest) int64 { return hr.ID }, cache.WithMerge(LatchResolved)),
		api:          api,
		timeout:      opts.Timeout,
		store:        opts.Store,
		journal:      opts.Journal,
		metrics:      opts.Metrics,
		log:          opts.Logger.Named("board"),
	}
	b.Tasks.Subscribe(func(cache.Change) { b.metrics.CacheEntries("task", b.Tasks.Len()) })
	b.HelpRequests.Subscribe(func(cache.Change) { b.metrics.CacheEntries("help_request", b.HelpRequests.Len()) })
	return b
}

// LatchResolved keeps a resolved help request resolved: a stale unresolved
// copy never reopens it and the resolution details are preserved.
func LatchResolved(current, incoming domain.HelpRequest) domain.HelpRequest {
	if !current.Resolved || incoming.Resolved {
		return incoming
	}
	incoming.Resolved = true
	if incoming.ResolvedAt == nil {
		incoming.ResolvedAt = current.ResolvedAt
	}
	if incoming.ResolvedBy == nil {
		incoming.ResolvedBy = current.ResolvedBy
	}
	if incoming.ResolverName == nil {
		incoming.ResolverName = current.ResolverName
	}
	if incoming.ResolutionMessage == nil {
		incoming.ResolutionMessage = current.ResolutionMessage
	}
	return incoming
}

// run bounds fn by the command timeout and tells a timeout apart from a
// server rejection.
func (b *Board) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	err := fn(cctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = &TimeoutError{Op: op, After: b.timeout}
			outcome = "timeout"
		}
	}
	b.metrics.Command(op, outcome, time.Since(start).Seconds())
	return err
}

// FetchTasks replaces the task cache with the server list.
func (b *Board) FetchTasks(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	err := b.run(ctx, "fetch_tasks", func(ctx context.Context) error {
		var err error
		tasks, err = b.api.Tasks(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}
	b.Tasks.ReplaceAll(tasks)
	b.persistTasks(ctx)
	return b.Tasks.List(), nil
}

// FetchHelpRequests replaces the help-request cache with the server list,
// optionally filtered by resolution.
func (b *Board) FetchHelpRequests(ctx context.Context, resolved *bool) ([]domain.HelpRequest, error) {
	var hrs []domain.HelpRequest
	err := b.run(ctx, "fetch_help_requests", func(ctx context.Context) error {
		var err error
		hrs, err = b.api.HelpRequests(ctx, resolved)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch help requests: %w", err)
	}
	b.HelpRequests.ReplaceAll(hrs)
	b.persistHelpRequests(ctx)
	return b.HelpRequests.List(), nil
}

// MoveStage moves a task optimistically, confirms with the server and
// re-fetches the authoritative copy. Any failure restores the previous
// stage.
func (b *Board) MoveStage(ctx context.Context, id int64, stage domain.Stage, comment string) (domain.Task, error) {
	if _, err := domain.ParseStage(string(stage)); err != nil {
		return domain.Task{}, err
	}
	snap, err := b.Tasks.OptimisticApply(id, func(t domain.Task) domain.Task {
		t.Stage = stage
		t.CurrentStageStartedAt = nil
		return t
	})
	if errors.Is(err, cache.ErrNotFound) {
		return domain.Task{}, fmt.Errorf("move task %d: %w", id, ErrUnknownTask)
	}
	var fresh domain.Task
	err = b.run(ctx, "move_stage", func(ctx context.Context) error {
		if err := b.api.MoveStage(ctx, id, stage, comment); err != nil {
			return err
		}
		var err error
		fresh, err = b.api.Task(ctx, id)
		return err
	})
	if err != nil {
		b.rollbackTask(snap, err)
		return domain.Task{}, fmt.Errorf("move task %d to %s: %w", id, stage, err)
	}
	b.Tasks.Upsert(fresh)
	b.persistTasks(ctx)
	got, _ := b.Tasks.Get(id)
	return got, nil
}

// RequestHelp flags a task as needing help, optimistically.
func (b *Board) RequestHelp(ctx context.Context, taskID int64, message string) (domain.Task, error) {
	snap, err := b.Tasks.OptimisticApply(taskID, func(t domain.Task) domain.Task {
		t.HelpNeeded = true
		if message != "" {
			msg := message
			t.HelpMessage = &msg
		}
		return t
	})
	if errors.Is(err, cache.ErrNotFound) {
		return domain.Task{}, fmt.Errorf("request help on task %d: %w", taskID, ErrUnknownTask)
	}
	var fresh domain.Task
	err = b.run(ctx, "request_help", func(ctx context.Context) error {
		if err := b.api.RequestHelp(ctx, taskID, message); err != nil {
			return err
		}
		var err error
		fresh, err = b.api.Task(ctx, taskID)
		return err
	})
	if err != nil {
		b.rollbackTask(snap, err)
		return domain.Task{}, fmt.Errorf("request help on task %d: %w", taskID, err)
	}
	b.Tasks.Upsert(fresh)
	b.persistTasks(ctx)
	got, _ := b.Tasks.Get(taskID)
	return got, nil
}

func (b *Board) rollbackTask(snap cache.Snapshot[domain.Task], cause error) {
	if b.Tasks.Rollback(snap) {
		b.metrics.Rollback("task")
		b.log.Info("optimistic update reverted", zap.Int64("task_id", snap.ID), zap.Error(cause))
		return
	}
	b.log.Debug("optimistic update superseded by server copy", zap.Int64("task_id", snap.ID))
}

// CreateHelpRequest opens a help request and caches the server's copy.
func (b *Board) CreateHelpRequest(ctx context.Context, taskID int64, message string) (domain.HelpRequest, error) {
	var hr domain.HelpRequest
	err := b.run(ctx, "create_help_request", func(ctx context.Context) error {
		var err error
		hr, err = b.api.CreateHelpRequest(ctx, taskID, message)
		return err
	})
	if err != nil {
		return domain.HelpRequest{}, fmt.Errorf("create help request for task %d: %w", taskID, err)
	}
	b.HelpRequests.Upsert(hr)
	b.persistHelpRequests(ctx)
	got, _ := b.HelpRequests.Get(hr.ID)
	return got, nil
}

// ResolveHelpRequest resolves a help request and caches the server's copy.
func (b *Board) ResolveHelpRequest(ctx context.Context, id int64, message string) (domain.HelpRequest, error) {
	var hr domain.HelpRequest
	err := b.run(ctx, "resolve_help_request", func(ctx context.Context) error {
		var err error
		hr, err = b.api.ResolveHelpRequest(ctx, id, message)
		return err
	})
	if err != nil {
		return domain.HelpRequest{}, fmt.Errorf("resolve help request %d: %w", id, err)
	}
	if hr.ID == 0 {
		hr.ID = id
	}
	b.HelpRequests.Upsert(hr)
	b.persistHelpRequests(ctx)
	got, _ := b.HelpRequests.Get(id)
	return got, nil
}

// DeleteTask deletes a task on the server, then locally.
func (b *Board) DeleteTask(ctx context.Context, id int64) error {
	err := b.run(ctx, "delete_task", func(ctx context.Context) error {
		return b.api.DeleteTask(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	b.Tasks.Remove(id)
	b.persistTasks(ctx)
	return nil
}

func (b *Board) persistTasks(ctx context.Context) {
	if b.store == nil {
		return
	}
	if err := b.store.SaveTasks(context.WithoutCancel(ctx), b.Tasks.List()); err != nil {
		b.log.Warn("save task snapshot", zap.Error(err))
	}
}

func (b *Board) persistHelpRequests(ctx context.Context) {
	if b.store == nil {
		return
	}
	if err := b.store.SaveHelpRequests(context.WithoutCancel(ctx), b.HelpRequests.List()); err != nil {
		b.log.Warn("save help request snapshot", zap.Error(err))
	}
}

// Restore seeds the caches from persisted snapshots.
func (b *Board) Restore(tasks []domain.Task, hrs []domain.HelpRequest) {
	if len(tasks) > 0 {
		b.Tasks.ReplaceAll(tasks)
	}
	if len(hrs) > 0 {
		b.HelpRequests.ReplaceAll(hrs)
	}
}
