package services

import (
	"errors"
	"log"
	"time"

	"experiment-session-system/models"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoomService maps persistent room names to sessions and tracks which
// participant labels currently have a tab open in a room.
type RoomService struct {
	DB *gorm.DB
}

func NewRoomService(db *gorm.DB) *RoomService {
	return &RoomService{DB: db}
}

func (s *RoomService) WithTx(tx *gorm.DB) *RoomService {
	return &RoomService{DB: tx}
}

// RoomName normalizes a room name to its slug.
func RoomName(name string) (string, error) {
	room := slug.Make(name)
	if room == "" {
		return "", ErrInvalidRoomName
	}
	return room, nil
}

// AssignSession points the room at sessionID, replacing any previous session.
func (s *RoomService) AssignSession(name string, sessionID uint) error {
	room, err := RoomName(name)
	if err != nil {
		return err
	}
	mapping := models.RoomToSession{RoomName: room, SessionID: sessionID}
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"session_id"}),
	}).Create(&mapping).Error
}

// SessionForRoom returns the session currently assigned to the room.
func (s *RoomService) SessionForRoom(name string) (*models.Session, error) {
	room, err := RoomName(name)
	if err != nil {
		return nil, err
	}
	var mapping models.RoomToSession
	if err := s.DB.Where("room_name = ?", room).First(&mapping).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomEmpty
		}
		return nil, err
	}
	var session models.Session
	if err := s.DB.First(&session, mapping.SessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomEmpty
		}
		return nil, err
	}
	return &session, nil
}

// RecordVisit stores a heartbeat for a browser tab in the room and returns
// the tab ID, generating one when tabID is empty.
func (s *RoomService) RecordVisit(name, label, tabID string) (string, error) {
	room, err := RoomName(name)
	if err != nil {
		return "", err
	}
	if tabID == "" {
		tabID = uuid.NewString()
	}
	visit := models.ParticipantRoomVisit{
		RoomName:         room,
		ParticipantLabel: label,
		TabUniqueID:      tabID,
		LastUpdated:      unixSeconds(time.Now()),
	}
	err = s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tab_unique_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"room_name", "participant_label", "last_updated"}),
	}).Create(&visit).Error
	return tabID, err
}

// PresentLabels lists the distinct labels seen in the room within the window.
func (s *RoomService) PresentLabels(name string, within time.Duration) ([]string, error) {
	room, err := RoomName(name)
	if err != nil {
		return nil, err
	}
	cutoff := unixSeconds(time.Now().Add(-within))
	var labels []string
	err = s.DB.Model(&models.ParticipantRoomVisit{}).
		Where("room_name = ? AND last_updated >= ? AND participant_label <> ''", room, cutoff).
		Distinct("participant_label").
		Order("participant_label ASC").
		Pluck("participant_label", &labels).Error
	return labels, err
}

// PruneStaleVisits deletes heartbeats older than olderThan and returns how
// many were removed.
func (s *RoomService) PruneStaleVisits(olderThan time.Duration) (int64, error) {
	cutoff := unixSeconds(time.Now().Add(-olderThan))
	res := s.DB.Where("last_updated < ?", cutoff).Delete(&models.ParticipantRoomVisit{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("[ROOMS] pruned %d stale room visit(s)", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
