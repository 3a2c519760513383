package services

import (
	"fmt"
	"log"
	"sync"

	"experiment-session-system/models"
	"experiment-session-system/utils"

	"gorm.io/gorm"
)

// GlobalState is the process-wide copy of the site settings: which session is
// open, the admin access code and the browser-bot launcher target. It is
// created once with InitGlobalState and released with Close. Every change is
// written to the database before it becomes visible in memory.
type GlobalState struct {
	db *gorm.DB

	mu     sync.RWMutex
	row    models.GlobalSingleton
	closed bool
}

// InitGlobalState loads the settings row, creating it on first start.
// A non-empty adminToken replaces the stored admin access code.
func InitGlobalState(db *gorm.DB, adminToken string) (*GlobalState, error) {
	var row models.GlobalSingleton
	err := db.Where(models.GlobalSingleton{ID: models.GlobalSingletonID}).
		Attrs(models.GlobalSingleton{AdminAccessCode: utils.RandomCode(8)}).
		FirstOrCreate(&row).Error
	if err != nil {
		return nil, fmt.Errorf("load global settings: %w", err)
	}

	if adminToken != "" && adminToken != row.AdminAccessCode {
		if err := db.Model(&row).Update("admin_access_code", adminToken).Error; err != nil {
			return nil, fmt.Errorf("store admin access code: %w", err)
		}
		row.AdminAccessCode = adminToken
	}

	log.Printf("[GLOBAL] settings loaded (open session: %v)", formatSessionID(row.OpenSessionID))
	return &GlobalState{db: db, row: row}, nil
}

// Close detaches the state from the database. Reads keep returning the last
// known values; writes fail with ErrGlobalStateClosed.
func (g *GlobalState) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *GlobalState) OpenSessionID() *uint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.row.OpenSessionID == nil {
		return nil
	}
	id := *g.row.OpenSessionID
	return &id
}

// IsOpen reports whether sessionID is the currently open session.
func (g *GlobalState) IsOpen(sessionID uint) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.row.OpenSessionID != nil && *g.row.OpenSessionID == sessionID
}

// SetOpenSession makes sessionID the open session. nil closes it.
func (g *GlobalState) SetOpenSession(sessionID *uint) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGlobalStateClosed
	}
	var value any
	if sessionID != nil {
		value = *sessionID
	}
	if err := g.db.Model(&models.GlobalSingleton{ID: models.GlobalSingletonID}).
		Update("open_session_id", value).Error; err != nil {
		return fmt.Errorf("store open session: %w", err)
	}
	if sessionID == nil {
		g.row.OpenSessionID = nil
	} else {
		id := *sessionID
		g.row.OpenSessionID = &id
	}
	log.Printf("[GLOBAL] open session set to %s", formatSessionID(sessionID))
	return nil
}

// CloseSessionIfOpen clears the open session when it is sessionID.
func (g *GlobalState) CloseSessionIfOpen(sessionID uint) error {
	if !g.IsOpen(sessionID) {
		return nil
	}
	return g.SetOpenSession(nil)
}

func (g *GlobalState) AdminAccessCode() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.row.AdminAccessCode
}

func (g *GlobalState) LauncherSessionCode() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.row.LauncherSessionCode
}

func (g *GlobalState) SetLauncherSessionCode(code string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGlobalStateClosed
	}
	if err := g.db.Model(&models.GlobalSingleton{ID: models.GlobalSingletonID}).
		Update("launcher_session_code", code).Error; err != nil {
		return fmt.Errorf("store launcher session code: %w", err)
	}
	g.row.LauncherSessionCode = code
	return nil
}

func formatSessionID(id *uint) string {
	if id == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *id)
}
