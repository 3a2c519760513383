package services

import (
	"errors"
	"fmt"

	"experiment-session-system/apps"
	"experiment-session-system/models"

	"gorm.io/gorm"
)

const incompleteSuffix = " (incomplete)"

// ParticipantService derives a participant's page sequence, progress and
// payoff from the round records owned by the session's apps.
type ParticipantService struct {
	DB           *gorm.DB
	Registry     *apps.Registry
	CurrencyCode string
}

func NewParticipantService(db *gorm.DB, registry *apps.Registry, currencyCode string) *ParticipantService {
	return &ParticipantService{DB: db, Registry: registry, CurrencyCode: currencyCode}
}

// WithTx returns a copy of the service bound to tx.
func (s *ParticipantService) WithTx(tx *gorm.DB) *ParticipantService {
	c := *s
	c.DB = tx
	return &c
}

// OwnedPlayer is a round record together with the app that defines it.
type OwnedPlayer struct {
	App    apps.App
	Player apps.Player
}

// ResolvedPage is one entry of a participant's page sequence.
type ResolvedPage struct {
	Index int
	App   apps.App
	Page  apps.Page
	// Player is the round record the page belongs to.
	Player apps.Player
	// Position within the round: 0 is the synthetic wait page.
	Position int
}

func (s *ParticipantService) GetByCode(code string) (*models.Participant, error) {
	var p models.Participant
	if err := s.DB.Where("code = ?", code).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *ParticipantService) session(sessionID uint) (*models.Session, *apps.SessionType, error) {
	var session models.Session
	if err := s.DB.First(&session, sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, err
	}
	st, err := s.Registry.SessionType(session.ConfigName)
	if err != nil {
		return nil, nil, err
	}
	return &session, st, nil
}

// Players returns the participant's round records across every app of the
// session type, in declared app order and then by round number.
func (s *ParticipantService) Players(p *models.Participant) ([]OwnedPlayer, error) {
	_, st, err := s.session(p.SessionID)
	if err != nil {
		return nil, err
	}
	var owned []OwnedPlayer
	for _, app := range st.Apps {
		players, err := app.Players(s.DB, p.ID)
		if err != nil {
			return nil, fmt.Errorf("load %s players: %w", app.Name(), err)
		}
		for _, player := range players {
			owned = append(owned, OwnedPlayer{App: app, Player: player})
		}
	}
	return owned, nil
}

// Pages builds the participant's page sequence from the live app
// configuration: every round contributes the synthetic wait page followed by
// its app's pages.
func (s *ParticipantService) Pages(p *models.Participant) ([]ResolvedPage, error) {
	owned, err := s.Players(p)
	if err != nil {
		return nil, err
	}
	var pages []ResolvedPage
	for _, op := range owned {
		roundPages := append([]apps.Page{apps.WaitUntilAssignedToGroup}, op.App.Pages()...)
		for pos, page := range roundPages {
			pages = append(pages, ResolvedPage{
				Index:    len(pages),
				App:      op.App,
				Page:     page,
				Player:   op.Player,
				Position: pos,
			})
		}
	}
	return pages, nil
}

// PagesCompleted is "{index}/{total} pages", or nil before the first visit.
func (s *ParticipantService) PagesCompleted(p *models.Participant) (*string, error) {
	if !p.Visited {
		return nil, nil
	}
	pages, err := s.Pages(p)
	if err != nil {
		return nil, err
	}
	return p.PagesCompleted(len(pages)), nil
}

// SubsessionsCompleted is "{index}/{total} subsessions", or nil before the first visit.
func (s *ParticipantService) SubsessionsCompleted(p *models.Participant) (*string, error) {
	if !p.Visited {
		return nil, nil
	}
	subs, err := s.subsessions(p.SessionID)
	if err != nil {
		return nil, err
	}
	return p.SubsessionsCompleted(len(subs)), nil
}

// CurrentSubsession is the display name of the app the participant is in,
// or nil before the first visit and after the last subsession.
func (s *ParticipantService) CurrentSubsession(p *models.Participant) (*string, error) {
	if !p.Visited {
		return nil, nil
	}
	subs, err := s.subsessions(p.SessionID)
	if err != nil {
		return nil, err
	}
	if p.IndexInSubsessions >= len(subs) {
		return nil, nil
	}
	name := apps.DisplayName(subs[p.IndexInSubsessions].App.Name())
	return &name, nil
}

type appSubsession struct {
	App apps.App
	apps.Subsession
}

func (s *ParticipantService) subsessions(sessionID uint) ([]appSubsession, error) {
	_, st, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	return subsessionsOf(s.DB, st, sessionID)
}

func subsessionsOf(db *gorm.DB, st *apps.SessionType, sessionID uint) ([]appSubsession, error) {
	var out []appSubsession
	for _, app := range st.Apps {
		subs, err := app.Subsessions(db, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load %s subsessions: %w", app.Name(), err)
		}
		for _, sub := range subs {
			out = append(out, appSubsession{App: app, Subsession: sub})
		}
	}
	return out, nil
}

// BuildLookups writes one lookup row per page index for every round record
// the participant owns and sets MaxPageIndex to the number of rows. Existing
// rows are replaced, and the whole build is one transaction.
func (s *ParticipantService) BuildLookups(p *models.Participant, numPagesPerApp map[string]int) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		owned, err := s.WithTx(tx).Players(p)
		if err != nil {
			return err
		}

		var rows []models.ParticipantToPlayerLookup
		pageIndex := 0
		for _, op := range owned {
			name := op.App.Name()
			numPages, ok := numPagesPerApp[name]
			if !ok {
				return fmt.Errorf("%w: no page count for %q", apps.ErrUnknownApp, name)
			}
			// +1 for WaitUntilAssignedToGroup
			for i := 0; i < numPages+1; i++ {
				rows = append(rows, models.ParticipantToPlayerLookup{
					ParticipantCode: p.Code,
					ParticipantID:   p.ID,
					PageIndex:       pageIndex,
					AppName:         name,
					PlayerPK:        op.Player.GetID(),
					SubsessionPK:    op.Player.GetSubsessionID(),
					SessionPK:       p.SessionID,
					URL:             p.PageURL(pageIndex),
				})
				pageIndex++
			}
		}

		if err := tx.Where("participant_id = ?", p.ID).Delete(&models.ParticipantToPlayerLookup{}).Error; err != nil {
			return err
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(&rows, 200).Error; err != nil {
				return fmt.Errorf("insert lookups: %w", err)
			}
		}
		if err := tx.Model(p).Update("max_page_index", pageIndex).Error; err != nil {
			return err
		}
		p.MaxPageIndex = pageIndex
		return nil
	})
}

// Payoff is a participant's payoff from all rounds, in points.
type Payoff struct {
	Points float64
	// Complete is false while any round record still has no payoff.
	Complete bool
}

func (s *ParticipantService) Payoff(p *models.Participant) (Payoff, error) {
	owned, err := s.Players(p)
	if err != nil {
		return Payoff{}, err
	}
	result := Payoff{Complete: true}
	for _, op := range owned {
		if v := op.Player.GetPayoff(); v != nil {
			result.Points += *v
		} else {
			result.Complete = false
		}
	}
	return result, nil
}

// PayoffFromSubsessions sums the round payoffs; unset payoffs count as zero.
func (s *ParticipantService) PayoffFromSubsessions(p *models.Participant) (float64, error) {
	payoff, err := s.Payoff(p)
	return payoff.Points, err
}

func (s *ParticipantService) PayoffIsComplete(p *models.Participant) (bool, error) {
	payoff, err := s.Payoff(p)
	return payoff.Complete, err
}

// TotalPay is the session's fixed pay plus the (possibly partial) payoff sum.
func (s *ParticipantService) TotalPay(p *models.Participant) (float64, error) {
	session, _, err := s.session(p.SessionID)
	if err != nil {
		return 0, err
	}
	payoff, err := s.Payoff(p)
	if err != nil {
		return 0, err
	}
	return session.FixedPay + payoff.Points, nil
}

func (s *ParticipantService) PayoffDisplay(p *models.Participant) (string, error) {
	session, _, err := s.session(p.SessionID)
	if err != nil {
		return "", err
	}
	payoff, err := s.Payoff(p)
	if err != nil {
		return "", err
	}
	return s.display(payoff.Points, session, payoff.Complete), nil
}

func (s *ParticipantService) TotalPayDisplay(p *models.Participant) (string, error) {
	session, _, err := s.session(p.SessionID)
	if err != nil {
		return "", err
	}
	payoff, err := s.Payoff(p)
	if err != nil {
		return "", err
	}
	return s.display(session.FixedPay+payoff.Points, session, payoff.Complete), nil
}

func (s *ParticipantService) display(points float64, session *models.Session, complete bool) string {
	text := FormatMoney(points*session.MoneyPerPoint, s.CurrencyCode)
	if !complete {
		text += incompleteSuffix
	}
	return text
}

// FormatMoney renders an amount with two decimals and the currency code.
func FormatMoney(amount float64, currencyCode string) string {
	if currencyCode == "" {
		return fmt.Sprintf("%.2f", amount)
	}
	return fmt.Sprintf("%.2f %s", amount, currencyCode)
}

// AllPayoffsComplete reports whether every participant of the session has a
// complete payoff.
func (s *ParticipantService) AllPayoffsComplete(sessionID uint) (bool, error) {
	var participants []models.Participant
	if err := s.DB.Where("session_id = ?", sessionID).Order("id ASC").Find(&participants).Error; err != nil {
		return false, err
	}
	for i := range participants {
		complete, err := s.PayoffIsComplete(&participants[i])
		if err != nil {
			return false, err
		}
		if !complete {
			return false, nil
		}
	}
	return true, nil
}
