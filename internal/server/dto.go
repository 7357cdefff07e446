package server

import (
	"encoding/json"

	"classboard/internal/domain"
)

// Request payloads

type MoveStageRequest struct {
	Stage   string `json:"stage" enum:"todo,requirements,design,implementation,testing,review,done"`
	Comment string `json:"comment,omitempty"`
}

type HelpMessageRequest struct {
	Message string `json:"message,omitempty"`
}

// Response payloads

type StatusResponse struct {
	Connection   domain.ConnState `json:"connection" enum:"disconnected,connecting,open,authenticated"`
	Connected    bool             `json:"connected"`
	Polling      bool             `json:"polling"`
	User         *domain.User     `json:"user,omitempty"`
	Tasks        int              `json:"tasks"`
	HelpRequests int              `json:"help_requests"`
	DelayedTasks int              `json:"delayed_tasks"`
	OpenRequests int              `json:"open_help_requests"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type taskList struct {
	Items []domain.Task `json:"items"`
}

type helpRequestList struct {
	Items []domain.HelpRequest `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
