package services

import (
	"errors"
	"testing"

	"experiment-session-system/models"

	"gorm.io/gorm"
)

func TestParticipantLockMarksRow(t *testing.T) {
	db := openTestDB(t)
	if err := db.AutoMigrate(&models.ParticipantLock{}, &models.GlobalLock{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	locks := NewLockService(db)

	for i := 0; i < 2; i++ {
		err := locks.WithParticipantLock(testContext(t), "abc", func(tx *gorm.DB) error {
			var lock models.ParticipantLock
			if err := tx.Where("participant_code = ?", "abc").First(&lock).Error; err != nil {
				return err
			}
			if !lock.Locked {
				t.Fatal("lock row not marked while held")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("with participant lock: %v", err)
		}
	}

	var locksHeld []models.ParticipantLock
	db.Find(&locksHeld)
	if len(locksHeld) != 1 || locksHeld[0].Locked {
		t.Fatalf("expected one released lock row, got %+v", locksHeld)
	}
}

func TestGlobalLockRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	if err := db.AutoMigrate(&models.GlobalLock{}, &models.RoomToSession{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	locks := NewLockService(db)
	boom := errors.New("boom")

	err := locks.WithGlobalLock(testContext(t), func(tx *gorm.DB) error {
		if err := tx.Create(&models.RoomToSession{RoomName: "lab", SessionID: 1}).Error; err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	var n int64
	db.Model(&models.RoomToSession{}).Count(&n)
	if n != 0 {
		t.Fatalf("write inside failed lock survived: %d", n)
	}

	if err := locks.WithGlobalLock(testContext(t), func(tx *gorm.DB) error { return nil }); err != nil {
		t.Fatalf("second global lock: %v", err)
	}
	var lock models.GlobalLock
	if err := db.First(&lock, globalLockID).Error; err != nil || lock.Locked {
		t.Fatalf("global lock row: %+v %v", lock, err)
	}
}
