package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"experiment-session-system/apps"
	"experiment-session-system/models"
	"experiment-session-system/utils"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PageService moves participants through their page sequence. Every
// request of a participant runs under that participant's lock.
type PageService struct {
	DB           *gorm.DB
	Registry     *apps.Registry
	Participants *ParticipantService
	Locks        *LockService
}

func NewPageService(db *gorm.DB, registry *apps.Registry, participants *ParticipantService, locks *LockService) *PageService {
	return &PageService{DB: db, Registry: registry, Participants: participants, Locks: locks}
}

// PageView is what a participant sees at their current position.
type PageView struct {
	ParticipantCode string `json:"participant_code"`
	Index           int    `json:"index"`
	URL             string `json:"url"`
	App             string `json:"app,omitempty"`
	Page            string `json:"page,omitempty"`
	RoundNumber     int    `json:"round_number,omitempty"`
	Waiting         bool   `json:"waiting"`
	Finished        bool   `json:"finished"`
	// ExpirationTime is the advisory deadline of a timed page, in unix seconds.
	ExpirationTime *float64 `json:"expiration_time,omitempty"`
}

// Start initializes the participant on their first visit and returns the
// URL of their current page.
func (s *PageService) Start(ctx context.Context, code, label, ip string) (string, error) {
	var target string
	err := s.Locks.WithParticipantLock(ctx, code, func(tx *gorm.DB) error {
		p, err := s.Participants.WithTx(tx).GetByCode(code)
		if err != nil {
			return err
		}
		now := time.Now()
		if !p.Visited {
			p.Visited = true
			p.TimeStarted = &now
			p.LastPageTimestamp = &now
			log.Printf("[PAGES] participant %s started", p.Code)
		}
		if label != "" {
			p.Label = utils.CleanLabel(label)
		}
		if ip != "" {
			p.IPAddress = ip
		}
		target = p.PageURL(p.IndexInPages)
		if !p.Finished() {
			p.CurrentFormPageURL = target
		}
		return tx.Save(p).Error
	})
	return target, err
}

// StartExperimenter marks the session's experimenter as visited.
func (s *PageService) StartExperimenter(ctx context.Context, code string) (*models.SessionExperimenter, error) {
	var e models.SessionExperimenter
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("code = ?", code).First(&e).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrExperimenterNotFound
			}
			return err
		}
		if e.Visited {
			return nil
		}
		now := time.Now()
		e.Visited = true
		e.LastPageTimestamp = &now
		return tx.Save(&e).Error
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Show returns the participant's page at index, passing any wait pages that
// are already cleared. A stale index fails with a *WrongPageError.
func (s *PageService) Show(ctx context.Context, code string, index int) (*PageView, error) {
	var view *PageView
	err := s.Locks.WithParticipantLock(ctx, code, func(tx *gorm.DB) error {
		p, err := s.current(tx, code, index)
		if err != nil {
			return err
		}
		view, err = s.settle(tx, p)
		return err
	})
	return view, err
}

// Submit completes the page at index. Form pages run their submit hook with
// the posted form; wait pages are only passed once ready. autoSubmit marks
// submissions made on the participant's behalf.
func (s *PageService) Submit(ctx context.Context, code string, index int, form map[string]string, autoSubmit bool) (*PageView, error) {
	var view *PageView
	err := s.Locks.WithParticipantLock(ctx, code, func(tx *gorm.DB) error {
		p, err := s.current(tx, code, index)
		if err != nil {
			return err
		}
		if p.Finished() {
			return ErrAlreadyFinished
		}
		session, err := s.sessionOf(tx, p)
		if err != nil {
			return err
		}
		rp, err := s.resolve(tx, p, index)
		if err != nil {
			return err
		}

		if rp.Page.WaitPage {
			ready, err := pageReady(tx, session, rp)
			if err != nil {
				return err
			}
			if !ready {
				view, err = s.settle(tx, p)
				return err
			}
		} else if rp.Page.Submit != nil {
			if err := rp.Page.Submit(tx, rp.Player, form, autoSubmit); err != nil {
				return err
			}
		}

		if err := s.advance(tx, p, rp, autoSubmit); err != nil {
			return err
		}
		view, err = s.settle(tx, p)
		return err
	})
	return view, err
}

func (s *PageService) current(tx *gorm.DB, code string, index int) (*models.Participant, error) {
	p, err := s.Participants.WithTx(tx).GetByCode(code)
	if err != nil {
		return nil, err
	}
	if index != p.IndexInPages {
		return nil, &WrongPageError{Requested: index, Current: p.IndexInPages, URL: p.PageURL(p.IndexInPages)}
	}
	return p, nil
}

func (s *PageService) sessionOf(tx *gorm.DB, p *models.Participant) (*models.Session, error) {
	var session models.Session
	if err := tx.First(&session, p.SessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// resolve finds the page at index through the participant's lookup rows.
func (s *PageService) resolve(tx *gorm.DB, p *models.Participant, index int) (*ResolvedPage, error) {
	var lookup models.ParticipantToPlayerLookup
	err := tx.Where("participant_id = ? AND page_index = ?", p.ID, index).First(&lookup).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: participant %s page %d", ErrLookupMissing, p.Code, index)
		}
		return nil, err
	}

	app, err := s.Registry.App(lookup.AppName)
	if err != nil {
		return nil, err
	}
	player, err := app.Player(tx, lookup.PlayerPK)
	if err != nil {
		return nil, fmt.Errorf("load %s player %d: %w", lookup.AppName, lookup.PlayerPK, err)
	}

	var position int64
	err = tx.Model(&models.ParticipantToPlayerLookup{}).
		Where("participant_id = ? AND app_name = ? AND player_pk = ? AND page_index < ?",
			p.ID, lookup.AppName, lookup.PlayerPK, index).
		Count(&position).Error
	if err != nil {
		return nil, err
	}

	page := apps.WaitUntilAssignedToGroup
	if position > 0 {
		pages := app.Pages()
		if int(position) > len(pages) {
			return nil, fmt.Errorf("%w: %s has no page %d", ErrLookupMissing, app.Name(), position)
		}
		page = pages[position-1]
	}
	return &ResolvedPage{Index: index, App: app, Page: page, Player: player, Position: int(position)}, nil
}

func pageReady(tx *gorm.DB, session *models.Session, rp *ResolvedPage) (bool, error) {
	if rp.Page.Ready == nil {
		return true, nil
	}
	return rp.Page.Ready(tx, session, rp.Player)
}

// settle passes every ready wait page from the participant's current
// position, then stores the position and returns what to show there.
func (s *PageService) settle(tx *gorm.DB, p *models.Participant) (*PageView, error) {
	session, err := s.sessionOf(tx, p)
	if err != nil {
		return nil, err
	}

	for {
		view := &PageView{ParticipantCode: p.Code, Index: p.IndexInPages, URL: p.PageURL(p.IndexInPages)}
		if p.Finished() {
			p.IsOnWaitPage = false
			p.CurrentPage = ""
			view.Finished = true
			return view, tx.Save(p).Error
		}

		rp, err := s.resolve(tx, p, p.IndexInPages)
		if err != nil {
			return nil, err
		}
		view.App = rp.App.Name()
		view.Page = rp.Page.Name
		view.RoundNumber = rp.Player.GetRoundNumber()

		if rp.Page.WaitPage {
			ready, err := pageReady(tx, session, rp)
			if err != nil {
				return nil, err
			}
			if ready {
				if err := s.advance(tx, p, rp, false); err != nil {
					return nil, err
				}
				continue
			}
			p.IsOnWaitPage = true
			p.CurrentPage = rp.Page.Name
			view.Waiting = true
			return view, tx.Save(p).Error
		}

		p.IsOnWaitPage = false
		p.CurrentPage = rp.Page.Name
		p.CurrentFormPageURL = view.URL
		if rp.Page.Timeout > 0 {
			timeout := models.PageTimeout{ParticipantID: p.ID, PageIndex: rp.Index}
			err := tx.Where("participant_id = ? AND page_index = ?", p.ID, rp.Index).
				Attrs(models.PageTimeout{ExpirationTime: unixSeconds(time.Now().Add(rp.Page.Timeout))}).
				FirstOrCreate(&timeout).Error
			if err != nil {
				return nil, err
			}
			view.ExpirationTime = &timeout.ExpirationTime
		}
		return view, tx.Save(p).Error
	}
}

// advance records the completion of rp and moves the participant one page
// forward. The caller saves the participant.
func (s *PageService) advance(tx *gorm.DB, p *models.Participant, rp *ResolvedPage, autoSubmitted bool) error {
	now := time.Now()
	var seconds int64
	if p.LastPageTimestamp != nil {
		seconds = int64(now.Sub(*p.LastPageTimestamp) / time.Second)
	}
	completion := models.PageCompletion{
		AppName:       rp.App.Name(),
		PageIndex:     rp.Index,
		PageName:      rp.Page.Name,
		TimeStamp:     now.Unix(),
		SecondsOnPage: seconds,
		SubsessionPK:  rp.Player.GetSubsessionID(),
		ParticipantID: p.ID,
		SessionID:     p.SessionID,
		AutoSubmitted: autoSubmitted,
	}
	if err := tx.Create(&completion).Error; err != nil {
		return fmt.Errorf("record page completion: %w", err)
	}

	if rp.Position == 0 {
		marker := models.CompletedSubsessionWaitPage{PageIndex: rp.Index, SessionID: p.SessionID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker).Error; err != nil {
			return err
		}
	} else if rp.Page.GroupWaitPage {
		marker := models.CompletedGroupWaitPage{
			PageIndex:      rp.Index,
			SessionID:      p.SessionID,
			IDInSubsession: rp.Player.GetGroupIDInSubsession(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker).Error; err != nil {
			return err
		}
	}

	next := rp.Index + 1
	if next > p.MaxPageIndex {
		next = p.MaxPageIndex
	}
	if next > p.IndexInPages {
		newRound := next >= p.MaxPageIndex
		if !newRound {
			var lookup models.ParticipantToPlayerLookup
			if err := tx.Where("participant_id = ? AND page_index = ?", p.ID, next).First(&lookup).Error; err != nil {
				return fmt.Errorf("%w: participant %s page %d", ErrLookupMissing, p.Code, next)
			}
			newRound = lookup.AppName != rp.App.Name() || lookup.PlayerPK != rp.Player.GetID()
		}
		if newRound {
			p.IndexInSubsessions++
		}
		p.IndexInPages = next
	}
	p.LastPageTimestamp = &now
	p.IsOnWaitPage = false
	return nil
}
