package httpdto

import (
	"encoding/json"
	"time"

	"commerce-relay/internal/domain/outbox"
)

// ResolveDeadLetterRequest is used for POST /admin/dead-letters/:id/resolve
type ResolveDeadLetterRequest struct {
	Note string `json:"note" binding:"required"`
}

type DeadLetterDTO struct {
	ID              int64           `json:"id"`
	OriginalEventID int64           `json:"original_event_id"`
	OriginEventID   int64           `json:"origin_event_id"`
	EventType       string          `json:"event_type"`
	AggregateType   string          `json:"aggregate_type"`
	AggregateID     string          `json:"aggregate_id"`
	Payload         json.RawMessage `json:"payload"`
	ErrorMessage    string          `json:"error_message"`
	FailedAt        string          `json:"failed_at"`
	RetryCount      int             `json:"retry_count"`
	Resolved        bool            `json:"resolved"`
	ResolvedAt      string          `json:"resolved_at,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	ResolutionNote  string          `json:"resolution_note,omitempty"`
}

// DeadLetterListResponse is returned by GET /admin/dead-letters
type DeadLetterListResponse struct {
	Items  []DeadLetterDTO `json:"items"`
	Total  int64           `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// RetryResponse carries the fresh pending event created by a retry.
type RetryResponse struct {
	DeadLetterID int64  `json:"dead_letter_id"`
	EventID      int64  `json:"event_id"`
	EventType    string `json:"event_type"`
	Status       string `json:"status"`
}

type StatsResponse struct {
	PendingEvents         int64 `json:"pending_events"`
	UnresolvedDeadLetters int64 `json:"unresolved_dead_letters"`
}

func NewDeadLetterDTO(dl outbox.DeadLetterEvent) DeadLetterDTO {
	dto := DeadLetterDTO{
		ID:              dl.ID,
		OriginalEventID: dl.OriginalEventID,
		OriginEventID:   dl.LogicalID(),
		EventType:       dl.EventType,
		AggregateType:   dl.AggregateType,
		AggregateID:     dl.AggregateID,
		Payload:         dl.Payload,
		ErrorMessage:    dl.ErrorMessage,
		FailedAt:        dl.FailedAt.UTC().Format(time.RFC3339),
		RetryCount:      dl.RetryCount,
		Resolved:        dl.Resolved,
	}
	if dl.ResolvedAt != nil {
		dto.ResolvedAt = dl.ResolvedAt.UTC().Format(time.RFC3339)
	}
	if dl.ResolvedBy != nil {
		dto.ResolvedBy = *dl.ResolvedBy
	}
	if dl.ResolutionNote != nil {
		dto.ResolutionNote = *dl.ResolutionNote
	}
	return dto
}
