package database

import (
	"fmt"
	"log"
	"time"
)

// Session lifecycle event names recorded in the audit trail.
const (
	EventCreated  = "created"
	EventAttached = "attached"
	EventDetached = "detached"
	EventStopped  = "stopped"
	EventExited   = "exited"
)

// SessionEvent is one row of the session audit trail.
type SessionEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"index;not null" json:"session_id"`
	Event     string    `gorm:"not null" json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Recorder persists session lifecycle events. It satisfies the
// registry's recorder hook; a nil *Recorder is usable and drops events.
type Recorder struct{}

func (r *Recorder) Record(sessionID, event, detail string) {
	if r == nil || DB == nil {
		return
	}
	row := SessionEvent{SessionID: sessionID, Event: event, Detail: detail}
	if err := DB.Create(&row).Error; err != nil {
		log.Printf("Failed to record %s event for session %s: %v", event, sessionID, err)
	}
}

// EventsForSession returns the audit trail for one session, oldest first.
func EventsForSession(sessionID string) ([]SessionEvent, error) {
	var events []SessionEvent
	if err := DB.Where("session_id = ?", sessionID).Order("id asc").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	return events, nil
}

// PruneEvents deletes events older than the cutoff and reports how many
// rows went away.
func PruneEvents(cutoff time.Time) (int64, error) {
	res := DB.Where("created_at < ?", cutoff).Delete(&SessionEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune session events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
