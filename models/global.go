package models

// GlobalSingletonID is the fixed primary key of the only GlobalSingleton row.
const GlobalSingletonID = 1

// GlobalSingleton persists site-wide settings. It is only accessed through
// services.GlobalState, which owns the process-wide copy.
type GlobalSingleton struct {
	ID                  uint   `gorm:"primaryKey;autoIncrement:false" json:"id"`
	OpenSessionID       *uint  `gorm:"index" json:"open_session_id,omitempty"`
	AdminAccessCode     string `gorm:"size:128;not null" json:"-"`
	LauncherSessionCode string `gorm:"size:16" json:"launcher_session_code,omitempty"` // browser-bot launcher target

	Timestamps
}
