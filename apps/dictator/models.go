package dictator

import (
	"gorm.io/gorm"
)

type Subsession struct {
	ID          uint    `gorm:"primaryKey" json:"id"`
	SessionID   uint    `gorm:"not null;index" json:"session_id"`
	RoundNumber int     `gorm:"not null" json:"round_number"`
	Endowment   float64 `gorm:"not null" json:"endowment"`
}

func (Subsession) TableName() string { return "dictator_subsessions" }

type Group struct {
	ID             uint     `gorm:"primaryKey" json:"id"`
	SessionID      uint     `gorm:"not null;index" json:"session_id"`
	SubsessionID   uint     `gorm:"not null;index" json:"subsession_id"`
	RoundNumber    int      `gorm:"not null" json:"round_number"`
	IDInSubsession int      `gorm:"not null" json:"id_in_subsession"`
	Kept           *float64 `json:"kept,omitempty"` // set by the dictator
}

func (Group) TableName() string { return "dictator_groups" }

type Player struct {
	ID            uint  `gorm:"primaryKey" json:"id"`
	SessionID     uint  `gorm:"not null;index" json:"session_id"`
	SubsessionID  uint  `gorm:"not null;index" json:"subsession_id"`
	ParticipantID uint  `gorm:"not null;index" json:"participant_id"`
	GroupID       *uint `gorm:"index" json:"group_id,omitempty"`
	RoundNumber   int   `gorm:"not null" json:"round_number"`
	// IDInGroup 1 is the dictator, 2 the recipient.
	IDInGroup         int      `gorm:"not null;default:0" json:"id_in_group"`
	GroupInSubsession int      `gorm:"not null;default:0" json:"group_in_subsession"`
	Role              string   `gorm:"size:20" json:"role,omitempty"`
	Payoff            *float64 `json:"payoff,omitempty"`
}

func (Player) TableName() string { return "dictator_players" }

const (
	roleDictator  = "dictator"
	roleRecipient = "recipient"
)

func (p *Player) GetID() uint                 { return p.ID }
func (p *Player) GetRoundNumber() int         { return p.RoundNumber }
func (p *Player) GetSubsessionID() uint       { return p.SubsessionID }
func (p *Player) GetGroupIDInSubsession() int { return p.GroupInSubsession }
func (p *Player) GetPayoff() *float64         { return p.Payoff }

func (p *Player) IsDictator() bool { return p.IDInGroup == 1 }

func (s *Subsession) GetID() uint         { return s.ID }
func (s *Subsession) GetRoundNumber() int { return s.RoundNumber }

func (s *Subsession) players(tx *gorm.DB) ([]Player, error) {
	var players []Player
	err := tx.Where("subsession_id = ?", s.ID).Order("participant_id ASC").Find(&players).Error
	return players, err
}

// CreateEmptyGroups creates one group per pair of players. An odd player out
// gets a group of their own.
func (s *Subsession) CreateEmptyGroups(tx *gorm.DB) error {
	var n int64
	if err := tx.Model(&Player{}).Where("subsession_id = ?", s.ID).Count(&n).Error; err != nil {
		return err
	}
	numGroups := int((n + playersPerGroup - 1) / playersPerGroup)
	if numGroups == 0 {
		return nil
	}
	groups := make([]Group, numGroups)
	for i := range groups {
		groups[i] = Group{
			SessionID:      s.SessionID,
			SubsessionID:   s.ID,
			RoundNumber:    s.RoundNumber,
			IDInSubsession: i + 1,
		}
	}
	return tx.Create(&groups).Error
}

func groupSize(numPlayers, groupIdx int) int {
	return min(playersPerGroup, numPlayers-(groupIdx-1)*playersPerGroup)
}

// AssignGroups pairs players in participant order in round 1. Later rounds
// keep the previous round's pairs and swap roles within each full pair.
func (s *Subsession) AssignGroups(tx *gorm.DB) error {
	players, err := s.players(tx)
	if err != nil {
		return err
	}
	var groups []Group
	if err := tx.Where("subsession_id = ?", s.ID).Order("id_in_subsession ASC").Find(&groups).Error; err != nil {
		return err
	}
	byIDInSubsession := make(map[int]uint, len(groups))
	for _, g := range groups {
		byIDInSubsession[g.IDInSubsession] = g.ID
	}

	var previous map[uint]Player
	if s.RoundNumber > 1 {
		var prev []Player
		if err := tx.Where("session_id = ? AND round_number = ?", s.SessionID, s.RoundNumber-1).
			Find(&prev).Error; err != nil {
			return err
		}
		previous = make(map[uint]Player, len(prev))
		for _, p := range prev {
			previous[p.ParticipantID] = p
		}
	}

	for i := range players {
		p := &players[i]
		groupIdx := i/playersPerGroup + 1
		idInGroup := i%playersPerGroup + 1
		if prev, ok := previous[p.ParticipantID]; ok && prev.GroupInSubsession > 0 {
			groupIdx = prev.GroupInSubsession
			idInGroup = prev.IDInGroup
			// A leftover player sits alone and stays dictator.
			if groupSize(len(players), groupIdx) == playersPerGroup {
				idInGroup = playersPerGroup + 1 - prev.IDInGroup
			}
		}
		groupID, ok := byIDInSubsession[groupIdx]
		if !ok {
			return errMissingGroup
		}
		p.GroupID = &groupID
		p.GroupInSubsession = groupIdx
		p.IDInGroup = idInGroup
		if err := tx.Model(p).Updates(map[string]any{
			"group_id":            groupID,
			"group_in_subsession": groupIdx,
			"id_in_group":         idInGroup,
		}).Error; err != nil {
			return err
		}
	}
	return nil
}

// Initialize gives every player the role that matches their position.
func (s *Subsession) Initialize(tx *gorm.DB) error {
	if err := tx.Model(&Player{}).Where("subsession_id = ? AND id_in_group = 1", s.ID).
		Update("role", roleDictator).Error; err != nil {
		return err
	}
	return tx.Model(&Player{}).Where("subsession_id = ? AND id_in_group = 2", s.ID).
		Update("role", roleRecipient).Error
}

func (s *Subsession) Delete(tx *gorm.DB) error {
	if err := tx.Where("subsession_id = ?", s.ID).Delete(&Player{}).Error; err != nil {
		return err
	}
	if err := tx.Where("subsession_id = ?", s.ID).Delete(&Group{}).Error; err != nil {
		return err
	}
	return tx.Delete(s).Error
}
