package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"experiment-session-system/apps"
	"experiment-session-system/apps/dictator"
	"experiment-session-system/models"
	"experiment-session-system/services"

	"github.com/gofiber/fiber/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testAdminToken = "test-admin-token"

type testServer struct {
	app      *fiber.App
	db       *gorm.DB
	sessions *services.SessionService
	bot      *InProcessClient
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	registry := apps.NewRegistry()
	if err := registry.Register(dictator.New(1, 100)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.AddSessionType(apps.SessionConfig{Name: "dictator", AppSequence: []string{dictator.Name}}); err != nil {
		t.Fatalf("session type: %v", err)
	}
	if err := db.AutoMigrate(append(models.All(), registry.Models()...)...); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	globals, err := services.InitGlobalState(db, testAdminToken)
	if err != nil {
		t.Fatalf("global state: %v", err)
	}
	t.Cleanup(func() { _ = globals.Close() })

	participants := services.NewParticipantService(db, registry, "USD")
	locks := services.NewLockService(db)
	rooms := services.NewRoomService(db)
	sessions := services.NewSessionService(db, registry, globals, participants, locks, rooms)
	pages := services.NewPageService(db, registry, participants, locks)
	payments := services.NewPaymentService(db, participants, nil, "USD")

	app := fiber.New()
	SetupAdminRoutes(app, globals, registry, sessions, payments)
	SetupParticipantRoutes(app, pages, participants)
	SetupRoomRoutes(app, rooms, sessions, time.Minute)

	bot := NewInProcessClient(app)
	sessions.Bot = bot
	return &testServer{app: app, db: db, sessions: sessions, bot: bot}
}

func (s *testServer) do(t *testing.T, method, target string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.HasPrefix(target, "/admin") {
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
	}
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

type createdSession struct {
	Session      models.Session     `json:"session"`
	Participants []participantLinks `json:"participants"`
}

func (s *testServer) createSession(t *testing.T, params services.CreateSessionParams) createdSession {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/admin/sessions", params)
	if resp.StatusCode != fiber.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("create session: %d %s", resp.StatusCode, body)
	}
	var created createdSession
	decode(t, resp, &created)
	return created
}

func TestAdminRequiresAccessCode(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.app.Test(httptest.NewRequest(http.MethodGet, "/admin/sessions", nil), -1)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("missing token: %d", resp.StatusCode)
	}
	req := httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
	req.Header.Set("Authorization", "Bearer nope")
	resp, _ = s.app.Test(req, -1)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("wrong token: %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodGet, "/admin/sessions", nil); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("valid token: %d", resp.StatusCode)
	}
}

func TestCreateSessionRoute(t *testing.T) {
	s := newTestServer(t)
	created := s.createSession(t, services.CreateSessionParams{ConfigName: "dictator", NumParticipants: 2})

	if !created.Session.Ready || len(created.Participants) != 2 {
		t.Fatalf("unexpected session %+v", created)
	}
	if created.Participants[0].StartURL != "/InitializeParticipant/"+created.Participants[0].Code {
		t.Fatalf("start url %q", created.Participants[0].StartURL)
	}

	var detail struct {
		Session struct {
			Code            string `json:"code"`
			IsOpen          bool   `json:"is_open"`
			SubsessionNames string `json:"subsession_names"`
		} `json:"session"`
		PaymentsReady bool `json:"payments_ready"`
	}
	decode(t, s.do(t, http.MethodGet, "/admin/sessions/"+created.Session.Code, nil), &detail)
	if detail.Session.SubsessionNames != "Dictator round 1" || detail.Session.IsOpen || detail.PaymentsReady {
		t.Fatalf("unexpected detail %+v", detail)
	}

	if resp := s.do(t, http.MethodPost, "/admin/sessions/"+created.Session.Code+"/open", nil); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("open: %d", resp.StatusCode)
	}
	decode(t, s.do(t, http.MethodGet, "/admin/sessions/"+created.Session.Code, nil), &detail)
	if !detail.Session.IsOpen {
		t.Fatal("session should be open")
	}
}

func TestCreateSessionUnknownType(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodPost, "/admin/sessions", services.CreateSessionParams{ConfigName: "nope", NumParticipants: 2})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var failures []models.FailedSessionCreation
	decode(t, s.do(t, http.MethodGet, "/admin/failures", nil), &failures)
	if len(failures) != 1 || !strings.Contains(failures[0].Message, "unknown session type") {
		t.Fatalf("failures %+v", failures)
	}
}

func TestParticipantFlow(t *testing.T) {
	s := newTestServer(t)
	created := s.createSession(t, services.CreateSessionParams{ConfigName: "dictator", NumParticipants: 2})
	p := created.Participants[0]

	resp := s.do(t, http.MethodGet, p.StartURL+"?participant_label=ann", nil)
	if resp.StatusCode != fiber.StatusFound || resp.Header.Get("Location") != fmt.Sprintf("/p/%s/0/", p.Code) {
		t.Fatalf("start: %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	// the assigned-to-group wait page is passed straight away
	resp = s.do(t, http.MethodGet, fmt.Sprintf("/p/%s/0/", p.Code), nil)
	if resp.StatusCode != fiber.StatusFound || resp.Header.Get("Location") != fmt.Sprintf("/p/%s/1/", p.Code) {
		t.Fatalf("wait page: %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	var view services.PageView
	decode(t, s.do(t, http.MethodGet, fmt.Sprintf("/p/%s/1/", p.Code), nil), &view)
	if view.Page != "Introduction" || view.App != dictator.Name {
		t.Fatalf("view %+v", view)
	}

	resp = s.do(t, http.MethodGet, fmt.Sprintf("/p/%s/3/", p.Code), nil)
	if resp.StatusCode != fiber.StatusFound || resp.Header.Get("Location") != fmt.Sprintf("/p/%s/1/", p.Code) {
		t.Fatalf("wrong page: %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	if resp := s.do(t, http.MethodGet, "/p/unknown/0/", nil); resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("unknown participant: %d", resp.StatusCode)
	}

	var stored models.Participant
	s.db.Where("code = ?", p.Code).First(&stored)
	if stored.Label != "ann" || !stored.Visited {
		t.Fatalf("stored participant %+v", stored)
	}
}

func TestAdvanceLastPlaceThroughApp(t *testing.T) {
	s := newTestServer(t)
	created := s.createSession(t, services.CreateSessionParams{ConfigName: "dictator", NumParticipants: 2})
	advanceURL := "/admin/sessions/" + created.Session.Code + "/advance"

	var result struct {
		Advanced []string `json:"advanced"`
	}
	resp := s.do(t, http.MethodPost, advanceURL, nil)
	if resp.StatusCode != fiber.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("advance: %d %s", resp.StatusCode, body)
	}
	decode(t, resp, &result)
	if len(result.Advanced) != 2 {
		t.Fatalf("advanced %v", result.Advanced)
	}

	var participants []models.Participant
	s.db.Order("id ASC").Find(&participants)
	for _, p := range participants {
		if !p.Visited || p.IndexInPages != 2 || p.CurrentPage != "Offer" {
			t.Fatalf("participant %s at %d (%s)", p.Code, p.IndexInPages, p.CurrentPage)
		}
	}

	// auto-submitted offers pay 50/50
	if resp := s.do(t, http.MethodPost, advanceURL, nil); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("second advance: %d", resp.StatusCode)
	}
	var report services.PaymentReport
	decode(t, s.do(t, http.MethodGet, "/admin/sessions/"+created.Session.Code+"/payments", nil), &report)
	if !report.Ready || len(report.Rows) != 2 || report.Rows[0].PayoffPoints != 50 || report.Rows[1].PayoffPoints != 50 {
		t.Fatalf("report %+v", report)
	}

	resp = s.do(t, http.MethodPost, "/admin/sessions/"+created.Session.Code+"/payments/export", nil)
	if resp.StatusCode != fiber.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/csv") {
		t.Fatalf("export: %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	var progress []services.ParticipantProgress
	decode(t, s.do(t, http.MethodGet, "/admin/sessions/"+created.Session.Code+"/progress", nil), &progress)
	if len(progress) != 2 || progress[0].PagesCompleted == nil {
		t.Fatalf("progress %+v", progress)
	}
}

func TestInvalidOfferIsBadRequest(t *testing.T) {
	s := newTestServer(t)
	created := s.createSession(t, services.CreateSessionParams{ConfigName: "dictator", NumParticipants: 2})
	code := created.Participants[0].Code

	for _, target := range []string{fmt.Sprintf("/p/%s/0/", code), fmt.Sprintf("/p/%s/1/", code)} {
		req := httptest.NewRequest(http.MethodPost, target, nil)
		if _, err := s.bot.Do(req); err != nil {
			t.Fatalf("post %s: %v", target, err)
		}
	}

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/p/%s/2/", code), strings.NewReader("kept=140"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRoomRoutes(t *testing.T) {
	s := newTestServer(t)

	var waiting struct {
		Room    string   `json:"room"`
		Waiting bool     `json:"waiting"`
		TabID   string   `json:"tab_id"`
		Present []string `json:"present"`
	}
	decode(t, s.do(t, http.MethodGet, "/room/Lab?participant_label=ann", nil), &waiting)
	if waiting.Room != "lab" || !waiting.Waiting || waiting.TabID == "" || len(waiting.Present) != 1 {
		t.Fatalf("waiting room %+v", waiting)
	}

	created := s.createSession(t, services.CreateSessionParams{ConfigName: "dictator", NumParticipants: 2, RoomName: "lab"})
	resp := s.do(t, http.MethodGet, "/room/lab?participant_label=ann", nil)
	want := "/InitializeParticipant/" + created.Participants[0].Code + "?participant_label=ann"
	if resp.StatusCode != fiber.StatusFound || resp.Header.Get("Location") != want {
		t.Fatalf("room redirect: %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestDeleteSessionRoute(t *testing.T) {
	s := newTestServer(t)
	created := s.createSession(t, services.CreateSessionParams{ConfigName: "dictator", NumParticipants: 2})

	if resp := s.do(t, http.MethodDelete, "/admin/sessions/"+created.Session.Code, nil); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	if resp := s.do(t, http.MethodGet, "/admin/sessions/"+created.Session.Code, nil); resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("deleted session still served: %d", resp.StatusCode)
	}
	var n int64
	s.db.Model(&dictator.Player{}).Count(&n)
	if n != 0 {
		t.Fatalf("%d dictator players left", n)
	}
}

func TestLauncherSession(t *testing.T) {
	s := newTestServer(t)
	created := s.createSession(t, services.CreateSessionParams{ConfigName: "dictator", NumParticipants: 2})
	target := "/admin/sessions/" + created.Session.Code

	if resp := s.do(t, http.MethodPost, target+"/launcher", nil); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("set launcher: %d", resp.StatusCode)
	}
	var detail struct {
		IsLauncher bool `json:"is_launcher"`
	}
	decode(t, s.do(t, http.MethodGet, target, nil), &detail)
	if !detail.IsLauncher {
		t.Fatal("session should be the launcher target")
	}
}
