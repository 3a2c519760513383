package models

import (
	"fmt"
	"time"
)

const statusWaiting = "Waiting"

// SessionUser holds what participants and experimenters share: a position in
// the page sequence derived from the session's apps and visitation state.
type SessionUser struct {
	Code string `gorm:"size:16;uniqueIndex;not null" json:"code"`

	IndexInSubsessions int `gorm:"not null;default:0" json:"index_in_subsessions"`
	IndexInPages       int `gorm:"not null;default:0" json:"index_in_pages"`
	MaxPageIndex       int `gorm:"not null;default:0" json:"max_page_index"`

	LastRequestSucceeded *bool      `json:"last_request_succeeded,omitempty"`
	Visited              bool       `gorm:"default:false;index" json:"visited"`
	IPAddress            string     `gorm:"size:64" json:"ip_address,omitempty"`
	LastPageTimestamp    *time.Time `json:"last_page_timestamp,omitempty"` // when the current page was first shown
	IsOnWaitPage         bool       `gorm:"default:false" json:"is_on_wait_page"`
	CurrentPage          string     `gorm:"size:200" json:"current_page,omitempty"`
	CurrentFormPageURL   string     `gorm:"size:300" json:"current_form_page_url,omitempty"`

	ModelWithVars
}

// Status is "Waiting" while the user sits on a wait page and empty otherwise.
func (u *SessionUser) Status() string {
	if u.IsOnWaitPage {
		return statusWaiting
	}
	return ""
}

// PagesCompleted renders "{index}/{total} pages", or nil before the first visit.
func (u *SessionUser) PagesCompleted(totalPages int) *string {
	if !u.Visited {
		return nil
	}
	s := fmt.Sprintf("%d/%d pages", u.IndexInPages, totalPages)
	return &s
}

// SubsessionsCompleted renders "{index}/{total} subsessions", or nil before the first visit.
func (u *SessionUser) SubsessionsCompleted(totalSubsessions int) *string {
	if !u.Visited {
		return nil
	}
	s := fmt.Sprintf("%d/%d subsessions", u.IndexInSubsessions, totalSubsessions)
	return &s
}

// Finished reports whether the user has gone past the last page.
func (u *SessionUser) Finished() bool {
	return u.MaxPageIndex > 0 && u.IndexInPages >= u.MaxPageIndex
}
