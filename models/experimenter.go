package models

import "fmt"

// SessionExperimenter is the experimenter's actor within a session.
// There is exactly one per session.
type SessionExperimenter struct {
	ID        uint `gorm:"primaryKey" json:"id"`
	SessionID uint `gorm:"not null;uniqueIndex" json:"session_id"`

	SessionUser

	Timestamps
}

func (e *SessionExperimenter) StartURL() string {
	return fmt.Sprintf("/InitializeSessionExperimenter/%s/", e.Code)
}
