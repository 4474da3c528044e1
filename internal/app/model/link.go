package model

import (
	"strings"
	"time"
)

// NoExpiry is the expiry stamped on links created without one.
var NoExpiry = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// DefaultLimit is the number of opens granted when a description does not set one.
const DefaultLimit = 1

// ActionKind is the normalised, upper-cased form of an action type. Dispatchers map
// kinds to handler functions.
type ActionKind string

const (
	ActionRedirect ActionKind = "REDIRECT"
	ActionPage     ActionKind = "PAGE"
)

// Action describes what happens when a link is opened. Type selects the handler;
// the remaining fields are interpreted by that handler only.
type Action struct {
	Type    string            `json:"type"`
	URL     string            `json:"url,omitempty"`
	Title   string            `json:"title,omitempty"`
	Message string            `json:"message,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// Kind returns the dispatch key for the action.
func (a Action) Kind() ActionKind {
	return ActionKind(strings.ToUpper(a.Type))
}

// Link is a persisted, limited-use capability identified by its unique code.
type Link struct {
	ID         uint64    `db:"id" gorm:"primaryKey;autoIncrement"`
	Code       string    `db:"code" gorm:"size:100;uniqueIndex;not null"`
	Opens      int       `db:"opens" gorm:"not null;default:0"`
	Limit      int       `db:"open_limit" gorm:"column:open_limit;not null;default:1"`
	Expires    time.Time `db:"expires" gorm:"index;not null"`
	Reason     string    `db:"reason" gorm:"size:200;not null;default:''"`
	ReasonType string    `db:"reason_type" gorm:"size:50;not null;default:''"`
	ReasonOID  int64     `db:"reason_oid" gorm:"index;not null;default:0"`
	Action     Action    `db:"action" gorm:"type:jsonb;serializer:json"`
	Closed     bool      `db:"closed" gorm:"index;not null;default:false"`
	ClosedOn   time.Time `db:"closed_on"`
	CreatedAt  time.Time `db:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time `db:"updated_at" gorm:"autoUpdateTime"`
}

// Ready reports whether the link refers to a persisted record. Loading a link that
// does not exist yields a Link that is not ready.
func (l *Link) Ready() bool {
	return l != nil && l.ID > 0
}

// IsAvailable reports whether the link may be opened at the given instant.
func (l *Link) IsAvailable(now time.Time) bool {
	if !l.Ready() || l.Closed {
		return false
	}
	if l.Opens >= l.Limit {
		return false
	}
	return l.Expires.After(now)
}
