package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"classboard/internal/domain"
	"classboard/internal/stream"
)

// Journal records applied stream events. events.Writer implements it.
type Journal interface {
	Append(ctx context.Context, evtType, entityKind, entityID string, payload json.RawMessage) error
}

// EventSource is the listener surface of the stream client.
type EventSource interface {
	AddListener(name string, fn stream.Listener) stream.ListenerID
	RemoveListener(name string, id stream.ListenerID)
}

var routedTypes = []string{
	stream.TypeTaskUpdated,
	stream.TypeTaskDeleted,
	stream.TypeTaskDelayed,
	stream.TypeHelpRequestCreated,
	stream.TypeHelpRequestResolved,
	stream.TypeInitialTasks,
	stream.TypeInitialHelpRequests,
	stream.TypeInitialDelayedTasks,
}

// Attach routes stream events into the caches until the returned function
// is called.
func (b *Board) Attach(src EventSource) func() {
	ids := make(map[string]stream.ListenerID, len(routedTypes))
	for _, typ := range routedTypes {
		ids[typ] = src.AddListener(typ, b.HandleEvent)
	}
	return func() {
		for typ, id := range ids {
			src.RemoveListener(typ, id)
		}
	}
}

type entityRef struct {
	ID            *int64 `json:"id"`
	TaskID        *int64 `json:"task_id"`
	HelpRequestID *int64 `json:"help_request_id"`
}

// HandleEvent reconciles one stream event into the caches. Undecodable
// payloads are logged and dropped.
func (b *Board) HandleEvent(evt stream.Event) {
	var err error
	switch evt.Type {
	case stream.TypeTaskUpdated:
		err = b.applyTask(evt, evt.Data, false)
	case stream.TypeTaskDelayed:
		err = b.applyTask(evt, evt.Data, true)
	case stream.TypeTaskDeleted:
		err = b.deleteTask(evt)
	case stream.TypeHelpRequestCreated:
		err = b.applyHelpRequest(evt, evt.Data, false)
	case stream.TypeHelpRequestResolved:
		err = b.applyHelpRequest(evt, evt.Data, true)
	case stream.TypeInitialTasks, stream.TypeInitialDelayedTasks:
		err = eachElement(evt.Data, func(item json.RawMessage) error {
			return b.applyTask(evt, item, evt.Type == stream.TypeInitialDelayedTasks)
		})
	case stream.TypeInitialHelpRequests:
		err = eachElement(evt.Data, func(item json.RawMessage) error {
			return b.applyHelpRequest(evt, item, false)
		})
	default:
		return
	}
	if err != nil {
		b.log.Warn("dropping stream event", zap.String("type", evt.Type), zap.Error(err))
		return
	}
	ctx := context.Background()
	switch evt.Type {
	case stream.TypeHelpRequestCreated, stream.TypeHelpRequestResolved, stream.TypeInitialHelpRequests:
		b.persistHelpRequests(ctx)
	default:
		b.persistTasks(ctx)
	}
}

func eachElement(data json.RawMessage, fn func(json.RawMessage) error) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("expected array payload: %w", err)
	}
	for _, item := range items {
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

func (b *Board) applyTask(evt stream.Event, data json.RawMessage, delayed bool) error {
	fields := data
	if delayed {
		var err error
		if fields, err = delayedFields(data); err != nil {
			return err
		}
	}
	id, err := refID(fields, true)
	if err != nil {
		return err
	}
	cur, cached := b.Tasks.Get(id)
	if !cached {
		ok, err := hasField(fields, "stage")
		if err != nil {
			return err
		}
		if !ok {
			b.log.Debug("skipping partial payload for uncached task",
				zap.String("type", evt.Type), zap.Int64("task_id", id))
			return nil
		}
	}
	next, err := patch(cur, id, fields)
	if err != nil {
		return err
	}
	if delayed {
		next.IsDelayed = true
	}
	b.Tasks.Upsert(next)
	b.record(evt, "task", id, data)
	return nil
}

// delayReport is the server's delay notice for one task. Its started_at is
// when the current stage began; expected_time is the stage budget, so it
// is not copied onto the task.
type delayReport struct {
	ID           *int64        `json:"id"`
	TaskID       *int64        `json:"task_id"`
	Title        *string       `json:"title"`
	UserID       *int64        `json:"user_id"`
	CurrentStage *domain.Stage `json:"current_stage"`
	Stage        *domain.Stage `json:"stage"`
	StartedAt    *string       `json:"started_at"`
}

// delayedTask holds the task fields a delay report carries, in task shape.
type delayedTask struct {
	ID                    *int64        `json:"id,omitempty"`
	TaskID                *int64        `json:"task_id,omitempty"`
	Title                 *string       `json:"title,omitempty"`
	UserID                *int64        `json:"user_id,omitempty"`
	Stage                 *domain.Stage `json:"stage,omitempty"`
	CurrentStageStartedAt *string       `json:"current_stage_started_at,omitempty"`
}

func delayedFields(data json.RawMessage) (json.RawMessage, error) {
	var r delayReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode delay report: %w", err)
	}
	out := delayedTask{
		ID:                    r.ID,
		TaskID:                r.TaskID,
		Title:                 r.Title,
		UserID:                r.UserID,
		Stage:                 r.CurrentStage,
		CurrentStageStartedAt: r.StartedAt,
	}
	if out.Stage == nil {
		out.Stage = r.Stage
	}
	return json.Marshal(out)
}

func hasField(data json.RawMessage, name string) (bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false, err
	}
	raw, ok := fields[name]
	return ok && string(raw) != "null", nil
}

func (b *Board) deleteTask(evt stream.Event) error {
	id, err := refID(evt.Data, true)
	if err != nil {
		return err
	}
	b.Tasks.Remove(id)
	b.record(evt, "task", id, evt.Data)
	return nil
}

func (b *Board) applyHelpRequest(evt stream.Event, data json.RawMessage, resolved bool) error {
	id, err := refID(data, false)
	if err != nil {
		return err
	}
	cur, _ := b.HelpRequests.Get(id)
	next, err := patch(cur, id, data)
	if err != nil {
		return err
	}
	if resolved {
		next.Resolved = true
	}
	b.HelpRequests.Upsert(next)
	b.record(evt, "help_request", id, data)
	return nil
}

func (b *Board) record(evt stream.Event, kind string, id int64, data json.RawMessage) {
	if b.journal == nil {
		return
	}
	if err := b.journal.Append(context.Background(), evt.Type, kind, strconv.FormatInt(id, 10), data); err != nil {
		b.log.Warn("journal stream event", zap.String("type", evt.Type), zap.Error(err))
	}
}

// refID finds the entity id of a payload. Task payloads may name the task
// as task_id, help-request payloads as help_request_id.
func refID(data json.RawMessage, task bool) (int64, error) {
	var ref entityRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return 0, err
	}
	switch {
	case ref.ID != nil:
		return *ref.ID, nil
	case task && ref.TaskID != nil:
		return *ref.TaskID, nil
	case !task && ref.HelpRequestID != nil:
		return *ref.HelpRequestID, nil
	}
	return 0, fmt.Errorf("payload has no id")
}

// patch overlays the fields present in data onto cur. Fields the payload
// omits keep their cached values, so partial server payloads never blank
// out known state. The result shares no memory with cur.
func patch[V any](cur V, id int64, data json.RawMessage) (V, error) {
	var out V
	base, err := json.Marshal(cur)
	if err != nil {
		return out, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &fields); err != nil {
		return out, err
	}
	var incoming map[string]json.RawMessage
	if err := json.Unmarshal(data, &incoming); err != nil {
		return out, err
	}
	for k, v := range incoming {
		fields[k] = v
	}
	fields["id"] = json.RawMessage(strconv.FormatInt(id, 10))
	merged, err := json.Marshal(fields)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(merged, &out); err != nil {
		return out, err
	}
	return out, nil
}
