// Package apps describes the experiment apps a session is made of and the
// registry that resolves session types to them.
//
// An app owns its round records: one subsession per round and one player per
// participant per round. The session core only sees them through the
// Subsession and Player interfaces.
package apps

import (
	"time"

	"experiment-session-system/models"

	"gorm.io/gorm"
)

// Page is one step of an app's page sequence.
type Page struct {
	Name     string
	WaitPage bool
	// GroupWaitPage marks a wait page that is cleared per group rather than
	// per subsession.
	GroupWaitPage bool
	// Timeout, if set, is recorded as an advisory PageTimeout when the page is
	// first shown.
	Timeout time.Duration

	// Ready decides whether a wait page can be passed. Nil means always.
	Ready func(tx *gorm.DB, session *models.Session, player Player) (bool, error)
	// Submit applies a submitted (or auto-submitted) form to the player.
	Submit func(tx *gorm.DB, player Player, form map[string]string, autoSubmit bool) error
}

// WaitUntilAssignedToGroup precedes every round of every app. It holds
// participants until the session's groups have been formed.
var WaitUntilAssignedToGroup = Page{
	Name:     "WaitUntilAssignedToGroup",
	WaitPage: true,
	Ready: func(tx *gorm.DB, session *models.Session, player Player) (bool, error) {
		return session.PlayersAssignedToGroups, nil
	},
}

// Subsession is one round of an app within a session.
type Subsession interface {
	GetID() uint
	GetRoundNumber() int
	CreateEmptyGroups(tx *gorm.DB) error
	AssignGroups(tx *gorm.DB) error
	Initialize(tx *gorm.DB) error
	// Delete removes the subsession together with its groups and players.
	Delete(tx *gorm.DB) error
}

// Player is one participant's record for one round.
type Player interface {
	GetID() uint
	GetRoundNumber() int
	GetSubsessionID() uint
	// GetGroupIDInSubsession is 0 until the player is assigned to a group.
	GetGroupIDInSubsession() int
	// GetPayoff is nil until the round has produced a payoff.
	GetPayoff() *float64
}

// App is the statically typed descriptor of an experiment app.
type App interface {
	Name() string
	Pages() []Page
	// Models lists the app's gorm models, for migrations.
	Models() []any
	// CreateRounds creates every subsession and player of the app for a new session.
	CreateRounds(tx *gorm.DB, session *models.Session, participants []models.Participant) error
	// Subsessions returns the session's subsessions ordered by round number.
	Subsessions(tx *gorm.DB, sessionID uint) ([]Subsession, error)
	// Players returns the participant's players ordered by round number.
	Players(tx *gorm.DB, participantID uint) ([]Player, error)
	Player(tx *gorm.DB, id uint) (Player, error)
}
