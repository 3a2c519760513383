package services

import (
	"context"

	"experiment-session-system/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const globalLockID = 1

// LockService implements the advisory lock convention: one row for
// site-wide operations and one row per participant. A lock is held by a
// transaction that has the row selected FOR UPDATE; Locked mirrors that for
// anyone inspecting the table.
type LockService struct {
	DB *gorm.DB
}

func NewLockService(db *gorm.DB) *LockService {
	return &LockService{DB: db}
}

// WithGlobalLock runs fn in a transaction holding the global lock.
func (s *LockService) WithGlobalLock(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lock := models.GlobalLock{ID: globalLockID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&lock).Error; err != nil {
			return err
		}
		return hold(tx, &lock, tx.Where("id = ?", globalLockID), fn)
	})
}

// WithParticipantLock runs fn in a transaction holding the lock of the
// participant with the given code.
func (s *LockService) WithParticipantLock(ctx context.Context, code string, fn func(tx *gorm.DB) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lock := models.ParticipantLock{ParticipantCode: code}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "participant_code"}},
			DoNothing: true,
		}).Create(&lock).Error; err != nil {
			return err
		}
		var held models.ParticipantLock
		return hold(tx, &held, tx.Where("participant_code = ?", code), fn)
	})
}

func hold(tx *gorm.DB, lock any, query *gorm.DB, fn func(tx *gorm.DB) error) error {
	if err := query.Clauses(clause.Locking{Strength: "UPDATE"}).First(lock).Error; err != nil {
		return err
	}
	if err := tx.Model(lock).Update("locked", true).Error; err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Model(lock).Update("locked", false).Error
}
