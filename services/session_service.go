package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"experiment-session-system/apps"
	"experiment-session-system/models"
	"experiment-session-system/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	codeLength = 8
	// AutoSubmitField is the form field that makes a page submit with defaults.
	AutoSubmitField = "auto_submit"
)

// BotClient issues synthetic requests against the participant pages. The
// handlers package provides one that drives the fiber app in-process.
type BotClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type SessionService struct {
	DB           *gorm.DB
	Registry     *apps.Registry
	Globals      *GlobalState
	Participants *ParticipantService
	Locks        *LockService
	Rooms        *RoomService
	Bot          BotClient
}

func NewSessionService(db *gorm.DB, registry *apps.Registry, globals *GlobalState, participants *ParticipantService, locks *LockService, rooms *RoomService) *SessionService {
	return &SessionService{
		DB:           db,
		Registry:     registry,
		Globals:      globals,
		Participants: participants,
		Locks:        locks,
		Rooms:        rooms,
	}
}

// WithTx returns a copy of the service whose queries run on tx.
func (s *SessionService) WithTx(tx *gorm.DB) *SessionService {
	c := *s
	c.DB = tx
	c.Participants = s.Participants.WithTx(tx)
	if s.Rooms != nil {
		c.Rooms = s.Rooms.WithTx(tx)
	}
	return &c
}

type CreateSessionParams struct {
	ConfigName       string `json:"config_name"`
	NumParticipants  int    `json:"num_participants"`
	Label            string `json:"label"`
	ExperimenterName string `json:"experimenter_name"`
	Comment          string `json:"comment"`
	SpecialCategory  string `json:"special_category"`
	RoomName         string `json:"room_name"`
}

// CreateSession builds a complete session: the session row, its
// experimenter and participants, every app's round records, the page
// lookups and the groups. The session is marked Ready only when all of that
// succeeded. Failures are recorded as FailedSessionCreation rows.
func (s *SessionService) CreateSession(ctx context.Context, params CreateSessionParams) (*models.Session, error) {
	preCreateID := uuid.NewString()

	var session *models.Session
	err := s.Locks.WithGlobalLock(ctx, func(tx *gorm.DB) error {
		var err error
		session, err = s.WithTx(tx).createSession(params)
		return err
	})
	if err != nil {
		s.recordFailure(preCreateID, params, err)
		return nil, err
	}

	log.Printf("[SESSION] ✅ created session %s (%s, %d participants)", session.Code, session.ConfigName, params.NumParticipants)
	return session, nil
}

func (s *SessionService) createSession(params CreateSessionParams) (*models.Session, error) {
	if params.NumParticipants <= 0 {
		return nil, ErrInvalidParticipantCount
	}
	st, err := s.Registry.SessionType(params.ConfigName)
	if err != nil {
		return nil, err
	}

	session := &models.Session{
		Code:             utils.RandomCode(codeLength),
		ConfigName:       st.Name,
		Label:            params.Label,
		ExperimenterName: params.ExperimenterName,
		Comment:          params.Comment,
		SpecialCategory:  params.SpecialCategory,
		MoneyPerPoint:    st.MoneyPerPoint,
		FixedPay:         st.FixedPay,
	}
	if err := s.DB.Create(session).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	experimenter := &models.SessionExperimenter{
		SessionID:   session.ID,
		SessionUser: models.SessionUser{Code: utils.RandomCode(codeLength)},
	}
	if err := s.DB.Create(experimenter).Error; err != nil {
		return nil, fmt.Errorf("create experimenter: %w", err)
	}

	participants := make([]models.Participant, params.NumParticipants)
	for i := range participants {
		participants[i] = models.Participant{
			SessionID:   session.ID,
			IDInSession: i + 1,
			SessionUser: models.SessionUser{Code: utils.RandomCode(codeLength)},
		}
	}
	if err := s.DB.Create(&participants).Error; err != nil {
		return nil, fmt.Errorf("create participants: %w", err)
	}

	for _, app := range st.Apps {
		if err := app.CreateRounds(s.DB, session, participants); err != nil {
			return nil, fmt.Errorf("create %s rounds: %w", app.Name(), err)
		}
	}

	if err := s.BuildSessionUserToUserLookups(session); err != nil {
		return nil, err
	}
	if err := s.AssignGroupsAndInitialize(session); err != nil {
		return nil, err
	}

	if params.RoomName != "" {
		if err := s.Rooms.AssignSession(params.RoomName, session.ID); err != nil {
			return nil, err
		}
	}

	session.Ready = true
	if err := s.DB.Model(session).Update("ready", true).Error; err != nil {
		return nil, err
	}
	return session, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (s *SessionService) recordFailure(preCreateID string, params CreateSessionParams, cause error) {
	message := truncateUTF8(cause.Error(), models.FailureMessageMaxLength)
	failure := models.FailedSessionCreation{
		PreCreateID: preCreateID,
		Message:     message,
		Traceback: fmt.Sprintf("session type=%q participants=%d room=%q\n%+v",
			params.ConfigName, params.NumParticipants, params.RoomName, cause),
	}
	if err := s.DB.Create(&failure).Error; err != nil {
		log.Printf("[SESSION] ⚠️ failed to record session creation failure %s: %v", preCreateID, err)
		return
	}
	log.Printf("[SESSION] ❌ session creation %s failed: %v", preCreateID, cause)
}

// FailedCreations lists recorded session creation failures, newest first.
func (s *SessionService) FailedCreations(limit int) ([]models.FailedSessionCreation, error) {
	var failures []models.FailedSessionCreation
	err := s.DB.Order("id DESC").Limit(limit).Find(&failures).Error
	return failures, err
}

func (s *SessionService) GetByCode(code string) (*models.Session, error) {
	var session models.Session
	if err := s.DB.Where("code = ?", code).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// List returns sessions in creation order. Hidden sessions are skipped
// unless includeHidden is set.
func (s *SessionService) List(includeHidden bool) ([]models.Session, error) {
	q := s.DB.Order("id ASC")
	if !includeHidden {
		q = q.Where("hidden = ?", false)
	}
	var sessions []models.Session
	err := q.Find(&sessions).Error
	return sessions, err
}

func (s *SessionService) GetParticipants(session *models.Session) ([]models.Participant, error) {
	var participants []models.Participant
	err := s.DB.Where("session_id = ?", session.ID).Order("id ASC").Find(&participants).Error
	return participants, err
}

func (s *SessionService) GetExperimenter(session *models.Session) (*models.SessionExperimenter, error) {
	var e models.SessionExperimenter
	if err := s.DB.Where("session_id = ?", session.ID).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrExperimenterNotFound
		}
		return nil, err
	}
	return &e, nil
}

// GetSubsessions returns the session's subsessions: for each app of the
// session type in declared order, that app's subsessions by round number.
func (s *SessionService) GetSubsessions(session *models.Session) ([]apps.Subsession, error) {
	subs, err := s.appSubsessions(session)
	if err != nil {
		return nil, err
	}
	out := make([]apps.Subsession, len(subs))
	for i, sub := range subs {
		out[i] = sub.Subsession
	}
	return out, nil
}

func (s *SessionService) appSubsessions(session *models.Session) ([]appSubsession, error) {
	st, err := s.Registry.SessionType(session.ConfigName)
	if err != nil {
		return nil, err
	}
	return subsessionsOf(s.DB, st, session.ID)
}

// SubsessionNames is a human-readable summary of the session's rounds.
func (s *SessionService) SubsessionNames(session *models.Session) (string, error) {
	subs, err := s.appSubsessions(session)
	if err != nil {
		return "", err
	}
	if len(subs) == 0 {
		return "[empty sequence]", nil
	}
	names := make([]string, len(subs))
	for i, sub := range subs {
		names[i] = fmt.Sprintf("%s round %d", apps.DisplayName(sub.App.Name()), sub.GetRoundNumber())
	}
	return strings.Join(names, ", "), nil
}

// IsOpen reports whether the session is the site's currently open session.
func (s *SessionService) IsOpen(session *models.Session) bool {
	return s.Globals.IsOpen(session.ID)
}

func (s *SessionService) SetOpenSession(session *models.Session) error {
	if session == nil {
		return s.Globals.SetOpenSession(nil)
	}
	id := session.ID
	return s.Globals.SetOpenSession(&id)
}

// DeleteSession removes the session and everything it owns. Round records
// are deleted explicitly, subsession by subsession, before the session row.
func (s *SessionService) DeleteSession(ctx context.Context, session *models.Session) error {
	subs, err := s.GetSubsessions(session)
	if err != nil {
		return err
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, sub := range subs {
			if err := sub.Delete(tx); err != nil {
				return fmt.Errorf("delete subsession %d: %w", sub.GetID(), err)
			}
		}

		participantIDs := tx.Model(&models.Participant{}).Select("id").Where("session_id = ?", session.ID)
		participantCodes := tx.Model(&models.Participant{}).Select("code").Where("session_id = ?", session.ID)

		steps := []struct {
			model any
			query string
			arg   any
		}{
			{&models.ParticipantToPlayerLookup{}, "session_pk = ?", session.ID},
			{&models.PageCompletion{}, "session_id = ?", session.ID},
			{&models.PageTimeout{}, "participant_id IN (?)", participantIDs},
			{&models.CompletedGroupWaitPage{}, "session_id = ?", session.ID},
			{&models.CompletedSubsessionWaitPage{}, "session_id = ?", session.ID},
			{&models.ParticipantLock{}, "participant_code IN (?)", participantCodes},
			{&models.RoomToSession{}, "session_id = ?", session.ID},
			{&models.Participant{}, "session_id = ?", session.ID},
			{&models.SessionExperimenter{}, "session_id = ?", session.ID},
		}
		for _, step := range steps {
			if err := tx.Where(step.query, step.arg).Delete(step.model).Error; err != nil {
				return fmt.Errorf("delete %T: %w", step.model, err)
			}
		}
		return tx.Delete(&models.Session{}, session.ID).Error
	})
	if err != nil {
		return err
	}

	if err := s.Globals.CloseSessionIfOpen(session.ID); err != nil {
		return err
	}
	log.Printf("[SESSION] 🗑️ deleted session %s", session.Code)
	return nil
}

// PaymentsReady reports whether every participant's payoff is complete.
func (s *SessionService) PaymentsReady(session *models.Session) (bool, error) {
	return s.Participants.AllPayoffsComplete(session.ID)
}

// AssignGroupsAndInitialize forms the groups of every subsession in round
// order and runs each round's initialization. Later rounds may build on the
// groups of earlier ones.
func (s *SessionService) AssignGroupsAndInitialize(session *models.Session) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		subs, err := s.WithTx(tx).GetSubsessions(session)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			if err := sub.CreateEmptyGroups(tx); err != nil {
				return fmt.Errorf("create groups for subsession %d: %w", sub.GetID(), err)
			}
			if err := sub.AssignGroups(tx); err != nil {
				return fmt.Errorf("assign groups for subsession %d: %w", sub.GetID(), err)
			}
			if err := sub.Initialize(tx); err != nil {
				return fmt.Errorf("initialize subsession %d: %w", sub.GetID(), err)
			}
		}
		if err := tx.Model(session).Update("players_assigned_to_groups", true).Error; err != nil {
			return err
		}
		session.PlayersAssignedToGroups = true
		return nil
	})
}

// BuildSessionUserToUserLookups builds every participant's page lookups.
// Experimenters own no round records, so they get none.
func (s *SessionService) BuildSessionUserToUserLookups(session *models.Session) error {
	st, err := s.Registry.SessionType(session.ConfigName)
	if err != nil {
		return err
	}
	numPagesPerApp := make(map[string]int, len(st.Apps))
	for _, app := range st.Apps {
		numPagesPerApp[app.Name()] = len(app.Pages())
	}

	participants, err := s.GetParticipants(session)
	if err != nil {
		return err
	}
	for i := range participants {
		if err := s.Participants.BuildLookups(&participants[i], numPagesPerApp); err != nil {
			return fmt.Errorf("build lookups for participant %s: %w", participants[i].Code, err)
		}
	}
	return nil
}

// AdvanceLastPlaceParticipants pushes the participants furthest behind one
// page forward. Participants who never opened their start URL are visited
// first. Each last-place participant gets an auto-submit POST on their
// current form page; a response of 400 or above aborts the whole pass.
// Requests are issued one at a time. It returns the codes of the advanced
// participants.
func (s *SessionService) AdvanceLastPlaceParticipants(ctx context.Context, session *models.Session) ([]string, error) {
	if s.Bot == nil {
		return nil, ErrNoBotClient
	}
	participants, err := s.GetParticipants(session)
	if err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, nil
	}

	someNotVisited := false
	for _, p := range participants {
		if p.Visited {
			continue
		}
		someNotVisited = true
		if err := s.botRequest(ctx, http.MethodGet, p.StartURL(), nil); err != nil {
			return nil, err
		}
	}
	if someNotVisited {
		// start URLs set the current form page
		if participants, err = s.GetParticipants(session); err != nil {
			return nil, err
		}
	}

	lastPlace := participants[0].IndexInPages
	for _, p := range participants[1:] {
		if p.IndexInPages < lastPlace {
			lastPlace = p.IndexInPages
		}
	}

	var advanced []string
	form := url.Values{AutoSubmitField: {"true"}}
	for _, p := range participants {
		if p.IndexInPages != lastPlace {
			continue
		}
		if p.CurrentFormPageURL == "" {
			return advanced, fmt.Errorf("%w: participant %s has no current form page", ErrRemediationFailed, p.Code)
		}
		if err := s.botRequest(ctx, http.MethodPost, p.CurrentFormPageURL, form); err != nil {
			return advanced, err
		}
		advanced = append(advanced, p.Code)
	}

	log.Printf("[SESSION] ⏩ advanced %d participant(s) at page %d in session %s", len(advanced), lastPlace, session.Code)
	return advanced, nil
}

func (s *SessionService) botRequest(ctx context.Context, method, target string, form url.Values) error {
	var req *http.Request
	var err error
	if form != nil {
		req, err = http.NewRequestWithContext(ctx, method, target, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target, nil)
	}
	if err != nil {
		return fmt.Errorf("build bot request %s %s: %w", method, target, err)
	}

	resp, err := s.Bot.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrRemediationFailed, method, target, err)
	}
	defer resp.Body.Close()

	if method == http.MethodPost && resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: %s %s returned %d", ErrRemediationFailed, method, target, resp.StatusCode)
	}
	log.Printf("[BOT] %s %s -> %d", method, target, resp.StatusCode)
	return nil
}

// ParticipantProgress is the monitor view of one participant.
type ParticipantProgress struct {
	Code              string     `json:"code"`
	IDInSession       int        `json:"id_in_session"`
	Label             string     `json:"label,omitempty"`
	Visited           bool       `json:"visited"`
	PagesCompleted    *string    `json:"pages_completed"`
	CurrentSubsession *string    `json:"current_subsession"`
	CurrentPage       string     `json:"current_page,omitempty"`
	Status            string     `json:"status"`
	LastPageTimestamp *time.Time `json:"last_page_timestamp,omitempty"`
	Payoff            string     `json:"payoff"`
	TotalPay          string     `json:"total_pay"`
}

func (s *SessionService) Progress(session *models.Session) ([]ParticipantProgress, error) {
	participants, err := s.GetParticipants(session)
	if err != nil {
		return nil, err
	}
	out := make([]ParticipantProgress, 0, len(participants))
	for i := range participants {
		p := &participants[i]
		pagesCompleted, err := s.Participants.PagesCompleted(p)
		if err != nil {
			return nil, err
		}
		current, err := s.Participants.CurrentSubsession(p)
		if err != nil {
			return nil, err
		}
		payoff, err := s.Participants.PayoffDisplay(p)
		if err != nil {
			return nil, err
		}
		total, err := s.Participants.TotalPayDisplay(p)
		if err != nil {
			return nil, err
		}
		out = append(out, ParticipantProgress{
			Code:              p.Code,
			IDInSession:       p.IDInSession,
			Label:             p.Label,
			Visited:           p.Visited,
			PagesCompleted:    pagesCompleted,
			CurrentSubsession: current,
			CurrentPage:       p.CurrentPage,
			Status:            p.Status(),
			LastPageTimestamp: p.LastPageTimestamp,
			Payoff:            payoff,
			TotalPay:          total,
		})
	}
	return out, nil
}

// ParticipantForLabel returns the session's participant carrying label,
// claiming the first unvisited unlabeled participant when none does yet. An
// empty label always claims a fresh participant.
func (s *SessionService) ParticipantForLabel(ctx context.Context, session *models.Session, label string) (*models.Participant, error) {
	label = utils.CleanLabel(label)
	var p models.Participant
	err := s.Locks.WithGlobalLock(ctx, func(tx *gorm.DB) error {
		if label != "" {
			err := tx.Where("session_id = ? AND label = ?", session.ID, label).Order("id ASC").First(&p).Error
			if err == nil || !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		err := tx.Where("session_id = ? AND visited = ? AND label = ? AND room_claimed = ?", session.ID, false, "", false).
			Order("id ASC").First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionFull
		}
		if err != nil {
			return err
		}
		if label == "" {
			p.RoomClaimed = true
			return tx.Model(&p).Update("room_claimed", true).Error
		}
		p.Label = label
		return tx.Model(&p).Update("label", label).Error
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}
