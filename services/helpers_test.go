package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"experiment-session-system/apps"
	"experiment-session-system/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testContext returns a context cancelled when the test finishes
// (equivalent of testing.T.Context, which requires Go 1.24).
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// stubSubsession and stubPlayer back every stub app; the App column tells
// the apps apart.
type stubSubsession struct {
	ID          uint `gorm:"primaryKey"`
	App         string
	SessionID   uint
	RoundNumber int
}

func (stubSubsession) TableName() string { return "stub_subsessions" }

func (s *stubSubsession) GetID() uint                         { return s.ID }
func (s *stubSubsession) GetRoundNumber() int                 { return s.RoundNumber }
func (s *stubSubsession) CreateEmptyGroups(tx *gorm.DB) error { return nil }
func (s *stubSubsession) Initialize(tx *gorm.DB) error        { return nil }

func (s *stubSubsession) AssignGroups(tx *gorm.DB) error {
	return tx.Model(&stubPlayer{}).Where("subsession_id = ?", s.ID).Update("group_id", 1).Error
}

func (s *stubSubsession) Delete(tx *gorm.DB) error {
	if err := tx.Where("subsession_id = ?", s.ID).Delete(&stubPlayer{}).Error; err != nil {
		return err
	}
	return tx.Delete(s).Error
}

type stubPlayer struct {
	ID            uint `gorm:"primaryKey"`
	App           string
	SessionID     uint
	SubsessionID  uint
	ParticipantID uint
	RoundNumber   int
	GroupID       int
	Payoff        *float64
}

func (stubPlayer) TableName() string { return "stub_players" }

func (p *stubPlayer) GetID() uint                 { return p.ID }
func (p *stubPlayer) GetRoundNumber() int         { return p.RoundNumber }
func (p *stubPlayer) GetSubsessionID() uint       { return p.SubsessionID }
func (p *stubPlayer) GetGroupIDInSubsession() int { return p.GroupID }
func (p *stubPlayer) GetPayoff() *float64         { return p.Payoff }

type stubApp struct {
	name      string
	pages     []apps.Page
	rounds    int
	roundsErr error
}

func (a *stubApp) Name() string       { return a.name }
func (a *stubApp) Pages() []apps.Page { return a.pages }
func (a *stubApp) Models() []any      { return []any{&stubSubsession{}, &stubPlayer{}} }

func (a *stubApp) CreateRounds(tx *gorm.DB, session *models.Session, participants []models.Participant) error {
	if a.roundsErr != nil {
		return a.roundsErr
	}
	for round := 1; round <= a.rounds; round++ {
		sub := stubSubsession{App: a.name, SessionID: session.ID, RoundNumber: round}
		if err := tx.Create(&sub).Error; err != nil {
			return err
		}
		for _, p := range participants {
			player := stubPlayer{App: a.name, SessionID: session.ID, SubsessionID: sub.ID, ParticipantID: p.ID, RoundNumber: round}
			if err := tx.Create(&player).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *stubApp) Subsessions(tx *gorm.DB, sessionID uint) ([]apps.Subsession, error) {
	var rows []stubSubsession
	if err := tx.Where("app = ? AND session_id = ?", a.name, sessionID).Order("round_number ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]apps.Subsession, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (a *stubApp) Players(tx *gorm.DB, participantID uint) ([]apps.Player, error) {
	var rows []stubPlayer
	if err := tx.Where("app = ? AND participant_id = ?", a.name, participantID).Order("round_number ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]apps.Player, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (a *stubApp) Player(tx *gorm.DB, id uint) (apps.Player, error) {
	var p stubPlayer
	if err := tx.First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// submitPoints stores form["points"] as the payoff; auto-submits score 1.
func submitPoints(tx *gorm.DB, player apps.Player, form map[string]string, autoSubmit bool) error {
	points := 1.0
	if !autoSubmit {
		v, err := strconv.ParseFloat(form["points"], 64)
		if err != nil {
			return err
		}
		points = v
	}
	return tx.Model(&stubPlayer{}).Where("id = ?", player.GetID()).Update("payoff", points).Error
}

func groupDone(tx *gorm.DB, session *models.Session, player apps.Player) (bool, error) {
	var pending int64
	err := tx.Model(&stubPlayer{}).
		Where("subsession_id = ? AND group_id = ? AND payoff IS NULL", player.GetSubsessionID(), player.GetGroupIDInSubsession()).
		Count(&pending).Error
	return pending == 0, err
}

func newAlpha() *stubApp {
	return &stubApp{name: "alpha", rounds: 1, pages: []apps.Page{
		{Name: "Intro"},
		{Name: "Decide", Submit: submitPoints, Timeout: time.Minute},
		{Name: "ResultsWait", WaitPage: true, GroupWaitPage: true, Ready: groupDone},
	}}
}

func newBeta() *stubApp {
	return &stubApp{name: "beta", rounds: 1, pages: []apps.Page{
		{Name: "Survey", Submit: submitPoints},
		{Name: "Thanks"},
	}}
}

type testEnv struct {
	db           *gorm.DB
	registry     *apps.Registry
	globals      *GlobalState
	participants *ParticipantService
	locks        *LockService
	rooms        *RoomService
	sessions     *SessionService
	pages        *PageService
	payments     *PaymentService
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// newTestEnv wires the services against a fresh database with the session
// types "stub" (alpha then beta), "broken" and "empty".
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := openTestDB(t)

	registry := apps.NewRegistry()
	for _, app := range []apps.App{
		newAlpha(),
		newBeta(),
		&stubApp{name: "broken", rounds: 1, roundsErr: errors.New(strings.Repeat("x", 500))},
		&stubApp{name: "gamma"},
	} {
		if err := registry.Register(app); err != nil {
			t.Fatalf("register %s: %v", app.Name(), err)
		}
	}
	for _, cfg := range []apps.SessionConfig{
		{Name: "stub", AppSequence: []string{"alpha", "beta"}, FixedPay: 5, MoneyPerPoint: 0.5},
		{Name: "broken", AppSequence: []string{"alpha", "broken"}},
		{Name: "empty", AppSequence: []string{"gamma"}},
	} {
		if err := registry.AddSessionType(cfg); err != nil {
			t.Fatalf("session type %s: %v", cfg.Name, err)
		}
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.AutoMigrate(&stubSubsession{}, &stubPlayer{}); err != nil {
		t.Fatalf("migrate stub apps: %v", err)
	}

	globals, err := InitGlobalState(db, "")
	if err != nil {
		t.Fatalf("global state: %v", err)
	}
	t.Cleanup(func() { _ = globals.Close() })

	env := &testEnv{db: db, registry: registry, globals: globals}
	env.participants = NewParticipantService(db, registry, "USD")
	env.locks = NewLockService(db)
	env.rooms = NewRoomService(db)
	env.sessions = NewSessionService(db, registry, globals, env.participants, env.locks, env.rooms)
	env.pages = NewPageService(db, registry, env.participants, env.locks)
	env.payments = NewPaymentService(db, env.participants, nil, "USD")
	return env
}

func (e *testEnv) createSession(t *testing.T, n int) *models.Session {
	t.Helper()
	session, err := e.sessions.CreateSession(testContext(t), CreateSessionParams{ConfigName: "stub", NumParticipants: n})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func (e *testEnv) participantsOf(t *testing.T, session *models.Session) []models.Participant {
	t.Helper()
	participants, err := e.sessions.GetParticipants(session)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	return participants
}

func (e *testEnv) reload(t *testing.T, code string) *models.Participant {
	t.Helper()
	p, err := e.participants.GetByCode(code)
	if err != nil {
		t.Fatalf("reload %s: %v", code, err)
	}
	return p
}

func (e *testEnv) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	if err := e.db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count %T: %v", model, err)
	}
	return n
}

// fakeBot records requests and answers them with status, or with handle
// when set.
type fakeBot struct {
	status   int
	handle   func(req *http.Request) int
	requests []string
	bodies   []string
}

func (b *fakeBot) Do(req *http.Request) (*http.Response, error) {
	entry := req.Method + " " + req.URL.String()
	b.requests = append(b.requests, entry)
	body := ""
	if req.Body != nil {
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		body = string(raw)
	}
	b.bodies = append(b.bodies, body)

	status := b.status
	if b.handle != nil {
		status = b.handle(req)
	}
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{StatusCode: status, Body: http.NoBody}, nil
}
