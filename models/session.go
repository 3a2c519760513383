package models

import (
	"time"
)

// Session is one run of an experiment. It owns its participants, its
// experimenter and, through the configured apps, every round record.
type Session struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Code       string `gorm:"size:16;uniqueIndex;not null" json:"code"`
	ConfigName string `gorm:"size:300" json:"config_name"` // session type, resolved through the app registry

	Label            string `gorm:"size:300" json:"label,omitempty"`
	ExperimenterName string `gorm:"size:300" json:"experimenter_name,omitempty"`

	MoneyPerPoint float64 `gorm:"not null;default:1" json:"money_per_point"`
	FixedPay      float64 `gorm:"not null;default:0" json:"fixed_pay"` // show-up fee, in points

	TimeScheduled *time.Time `json:"time_scheduled,omitempty"`
	TimeStarted   *time.Time `json:"time_started,omitempty"`

	MturkPaymentWasSent bool   `gorm:"default:false" json:"mturk_payment_was_sent"`
	Hidden              bool   `gorm:"default:false" json:"hidden"`
	GitCommitTimestamp  string `gorm:"size:200" json:"git_commit_timestamp,omitempty"`
	Comment             string `gorm:"type:text" json:"comment,omitempty"`
	SpecialCategory     string `gorm:"size:20" json:"special_category,omitempty"` // demo, test, ...
	DemoAlreadyUsed     bool   `gorm:"default:false" json:"demo_already_used"`

	PlayersAssignedToGroups bool `gorm:"default:false" json:"players_assigned_to_groups"`
	// Ready is set once every owned record of the session has been created.
	Ready bool `gorm:"default:false;index" json:"ready"`

	ModelWithVars

	Participants        []Participant        `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"participants,omitempty"`
	SessionExperimenter *SessionExperimenter `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"session_experimenter,omitempty"`

	Timestamps
}

func (s Session) String() string {
	return s.Code
}

// Timestamps adds GORM auto-times. Records in this service are hard-deleted,
// so there is no soft-delete column.
type Timestamps struct {
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
