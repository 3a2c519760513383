package models

import (
	"fmt"
	"time"
)

// Participant is a human subject taking part in a session.
type Participant struct {
	ID          uint `gorm:"primaryKey" json:"id"`
	SessionID   uint `gorm:"not null;index" json:"session_id"`
	IDInSession int  `gorm:"not null;default:0" json:"id_in_session"`

	SessionUser

	ExcludeFromDataAnalysis bool       `gorm:"default:false" json:"exclude_from_data_analysis"`
	TimeStarted             *time.Time `json:"time_started,omitempty"`
	MturkAssignmentID       string     `gorm:"size:50" json:"mturk_assignment_id,omitempty"`
	MturkWorkerID           string     `gorm:"size:50" json:"mturk_worker_id,omitempty"`
	// Label is set by the experimenter, e.g. via ?participant_label= on the start URL.
	// It is not unique: the same external ID can appear in several sessions.
	Label string `gorm:"size:50" json:"label,omitempty"`
	// RoomClaimed marks a participant handed to an unlabeled room visitor.
	RoomClaimed bool `gorm:"default:false" json:"room_claimed"`

	Timestamps
}

// StartURL is the entry point that initializes the participant on first visit.
func (p *Participant) StartURL() string {
	return fmt.Sprintf("/InitializeParticipant/%s", p.Code)
}

// Name is the participant's number within the session, with the label if any.
func (p *Participant) Name() string {
	if p.Label == "" {
		return fmt.Sprintf("%d", p.IDInSession)
	}
	return fmt.Sprintf("%d (%s)", p.IDInSession, p.Label)
}

// PageURL is where the participant's page at index is served.
func (p *Participant) PageURL(index int) string {
	return fmt.Sprintf("/p/%s/%d/", p.Code, index)
}
