package model

import "time"

// LinkEvent records one attempt to open a link through the dispatcher.
type LinkEvent struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	LinkID    uint64    `json:"link_id" gorm:"index"`
	Code      string    `json:"code" gorm:"size:100;index"`
	Outcome   string    `json:"outcome" gorm:"size:32;index"`
	Status    int       `json:"status"`
	IP        string    `json:"ip" gorm:"size:64"`
	UserAgent string    `json:"user_agent" gorm:"type:text"`
	Timestamp time.Time `json:"timestamp" gorm:"index"`
}

// Dispatch outcomes recorded on LinkEvent.
const (
	OutcomeNotFound     = "not_found"
	OutcomeUnavailable  = "unavailable"
	OutcomeUnsupported  = "unsupported"
	OutcomeOpened       = "opened"
	OutcomeHandlerError = "handler_error"
	OutcomeConflict     = "conflict"
)

const (
	LinkStreamName     = "LINKS"
	LinkStreamSubject  = "links.events"
	LinkConsumerName   = "link-auditor"
	LinkStreamMaxBytes = 1024 * 1024 * 100 // 100MB
)
