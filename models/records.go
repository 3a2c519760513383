package models

import "time"

// Bookkeeping rows written while participants move through their pages.
// Apart from the lock rows they are insert-only.

// ParticipantToPlayerLookup maps a participant's page index to the round
// record (player) that page belongs to.
type ParticipantToPlayerLookup struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	ParticipantCode string `gorm:"size:20;not null" json:"participant_code"`
	ParticipantID   uint   `gorm:"not null;uniqueIndex:idx_lookup_participant_page" json:"participant_id"`
	PageIndex       int    `gorm:"not null;uniqueIndex:idx_lookup_participant_page" json:"page_index"`
	AppName         string `gorm:"size:300;not null" json:"app_name"`
	PlayerPK        uint   `gorm:"not null" json:"player_pk"`
	// no group pk: group membership can change after the lookup is built
	SubsessionPK uint   `gorm:"not null" json:"subsession_pk"`
	SessionPK    uint   `gorm:"not null;index" json:"session_pk"`
	URL          string `gorm:"size:300" json:"url"`
}

// PageCompletion is an audit row written each time a page is submitted.
type PageCompletion struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	AppName       string `gorm:"size:300" json:"app_name"`
	PageIndex     int    `json:"page_index"`
	PageName      string `gorm:"size:300" json:"page_name"`
	TimeStamp     int64  `json:"time_stamp"` // unix seconds
	SecondsOnPage int64  `json:"seconds_on_page"`
	SubsessionPK  uint   `json:"subsession_pk"`
	ParticipantID uint   `gorm:"not null;index" json:"participant_id"`
	SessionID     uint   `gorm:"not null;index" json:"session_id"`
	AutoSubmitted bool   `json:"auto_submitted"`
}

// PageTimeout records when a timed page expires. It is advisory data; no
// scheduler acts on it.
type PageTimeout struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	ParticipantID  uint    `gorm:"not null;uniqueIndex:idx_timeout_participant_page" json:"participant_id"`
	PageIndex      int     `gorm:"not null;uniqueIndex:idx_timeout_participant_page" json:"page_index"`
	ExpirationTime float64 `json:"expiration_time"` // unix seconds
}

type CompletedGroupWaitPage struct {
	ID             uint `gorm:"primaryKey" json:"id"`
	PageIndex      int  `gorm:"not null;uniqueIndex:idx_group_wait_page" json:"page_index"`
	SessionID      uint `gorm:"not null;uniqueIndex:idx_group_wait_page" json:"session_id"`
	IDInSubsession int  `gorm:"not null;default:0;uniqueIndex:idx_group_wait_page" json:"id_in_subsession"`
}

type CompletedSubsessionWaitPage struct {
	ID        uint `gorm:"primaryKey" json:"id"`
	PageIndex int  `gorm:"not null;uniqueIndex:idx_subsession_wait_page" json:"page_index"`
	SessionID uint `gorm:"not null;uniqueIndex:idx_subsession_wait_page" json:"session_id"`
}

// GlobalLock is the single advisory lock row for site-wide operations.
type GlobalLock struct {
	ID     uint `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Locked bool `gorm:"default:false" json:"locked"`
}

// ParticipantLock serializes requests of one participant.
type ParticipantLock struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	ParticipantCode string `gorm:"size:16;uniqueIndex;not null" json:"participant_code"`
	Locked          bool   `gorm:"default:false" json:"locked"`
}

type RoomToSession struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	RoomName  string `gorm:"size:255;uniqueIndex;not null" json:"room_name"`
	SessionID uint   `gorm:"not null;index" json:"session_id"`
}

const FailureMessageMaxLength = 300

// FailedSessionCreation keeps the reason a session could not be built.
type FailedSessionCreation struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	PreCreateID string    `gorm:"size:100;index" json:"pre_create_id"`
	Message     string    `gorm:"size:300" json:"message"`
	Traceback   string    `gorm:"type:text;default:''" json:"traceback"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ParticipantRoomVisit is a heartbeat from a browser tab waiting in a room.
type ParticipantRoomVisit struct {
	ID               uint    `gorm:"primaryKey" json:"id"`
	RoomName         string  `gorm:"size:50;index" json:"room_name"`
	ParticipantLabel string  `gorm:"size:200" json:"participant_label"`
	TabUniqueID      string  `gorm:"size:40;uniqueIndex;not null" json:"tab_unique_id"`
	LastUpdated      float64 `gorm:"index" json:"last_updated"` // unix seconds
}

// All lists every record owned by this package, for migrations.
func All() []any {
	return []any{
		&Session{},
		&Participant{},
		&SessionExperimenter{},
		&GlobalSingleton{},
		&ParticipantToPlayerLookup{},
		&PageCompletion{},
		&PageTimeout{},
		&CompletedGroupWaitPage{},
		&CompletedSubsessionWaitPage{},
		&GlobalLock{},
		&ParticipantLock{},
		&RoomToSession{},
		&FailedSessionCreation{},
		&ParticipantRoomVisit{},
	}
}
