// Package dictator is a two-player dictator game: in every round the
// dictator splits an endowment between themselves and the recipient.
package dictator

import (
	"errors"
	"fmt"
	"strconv"

	"experiment-session-system/apps"
	"experiment-session-system/models"

	"gorm.io/gorm"
)

const (
	Name            = "dictator"
	playersPerGroup = 2
)

var (
	ErrInvalidOffer = fmt.Errorf("%w: kept amount must be between 0 and the endowment", apps.ErrInvalidInput)
	errMissingGroup = errors.New("dictator: player has no group to join")
)

// App implements apps.App.
type App struct {
	NumRounds int
	Endowment float64
}

func New(numRounds int, endowment float64) *App {
	if numRounds < 1 {
		numRounds = 1
	}
	return &App{NumRounds: numRounds, Endowment: endowment}
}

func (a *App) Name() string { return Name }

func (a *App) Models() []any {
	return []any{&Subsession{}, &Group{}, &Player{}}
}

func (a *App) Pages() []apps.Page {
	return []apps.Page{
		{Name: "Introduction"},
		{Name: "Offer", Submit: submitOffer},
		{Name: "ResultsWaitPage", WaitPage: true, GroupWaitPage: true, Ready: offerMade},
		{Name: "Results"},
	}
}

func (a *App) CreateRounds(tx *gorm.DB, session *models.Session, participants []models.Participant) error {
	for round := 1; round <= a.NumRounds; round++ {
		sub := Subsession{SessionID: session.ID, RoundNumber: round, Endowment: a.Endowment}
		if err := tx.Create(&sub).Error; err != nil {
			return fmt.Errorf("create round %d: %w", round, err)
		}
		if len(participants) == 0 {
			continue
		}
		players := make([]Player, len(participants))
		for i, p := range participants {
			players[i] = Player{
				SessionID:     session.ID,
				SubsessionID:  sub.ID,
				ParticipantID: p.ID,
				RoundNumber:   round,
			}
		}
		if err := tx.Create(&players).Error; err != nil {
			return fmt.Errorf("create players for round %d: %w", round, err)
		}
	}
	return nil
}

func (a *App) Subsessions(tx *gorm.DB, sessionID uint) ([]apps.Subsession, error) {
	var subs []Subsession
	if err := tx.Where("session_id = ?", sessionID).Order("round_number ASC").Find(&subs).Error; err != nil {
		return nil, err
	}
	out := make([]apps.Subsession, len(subs))
	for i := range subs {
		out[i] = &subs[i]
	}
	return out, nil
}

func (a *App) Players(tx *gorm.DB, participantID uint) ([]apps.Player, error) {
	var players []Player
	if err := tx.Where("participant_id = ?", participantID).Order("round_number ASC").Find(&players).Error; err != nil {
		return nil, err
	}
	out := make([]apps.Player, len(players))
	for i := range players {
		out[i] = &players[i]
	}
	return out, nil
}

func (a *App) Player(tx *gorm.DB, id uint) (apps.Player, error) {
	var p Player
	if err := tx.First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// submitOffer records the dictator's split and pays out the whole group.
// Recipients submit the page without effect. An auto-submit keeps half.
func submitOffer(tx *gorm.DB, player apps.Player, form map[string]string, autoSubmit bool) error {
	p, ok := player.(*Player)
	if !ok {
		return fmt.Errorf("dictator: unexpected player type %T", player)
	}
	if !p.IsDictator() || p.GroupID == nil {
		return nil
	}

	var sub Subsession
	if err := tx.First(&sub, p.SubsessionID).Error; err != nil {
		return err
	}

	kept := sub.Endowment / 2
	if raw, ok := form["kept"]; ok && !autoSubmit {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
		}
		kept = v
	}
	if kept < 0 || kept > sub.Endowment {
		return ErrInvalidOffer
	}

	if err := tx.Model(&Group{}).Where("id = ?", *p.GroupID).Update("kept", kept).Error; err != nil {
		return err
	}

	var members []Player
	if err := tx.Where("group_id = ?", *p.GroupID).Find(&members).Error; err != nil {
		return err
	}
	for i := range members {
		payoff := sub.Endowment - kept
		if members[i].IsDictator() {
			payoff = kept
		}
		if err := tx.Model(&members[i]).Update("payoff", payoff).Error; err != nil {
			return err
		}
	}
	return nil
}

func offerMade(tx *gorm.DB, session *models.Session, player apps.Player) (bool, error) {
	p, ok := player.(*Player)
	if !ok {
		return false, fmt.Errorf("dictator: unexpected player type %T", player)
	}
	if p.GroupID == nil {
		return false, nil
	}
	var g Group
	if err := tx.First(&g, *p.GroupID).Error; err != nil {
		return false, err
	}
	return g.Kept != nil, nil
}
