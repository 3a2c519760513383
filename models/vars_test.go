package models

import (
	"fmt"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

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
	if err := db.AutoMigrate(All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestVarsChangedByValue(t *testing.T) {
	var m ModelWithVars
	if m.VarsChanged() {
		t.Fatal("empty vars reported as changed")
	}

	m.SetVar("endowment", 100)
	if !m.VarsChanged() {
		t.Fatal("new key not detected")
	}

	m.snapshotVars()
	if m.VarsChanged() {
		t.Fatal("vars changed right after snapshot")
	}

	m.Vars["endowment"] = 100
	if m.VarsChanged() {
		t.Fatal("re-assigning an equal value must not count as a change")
	}

	m.Vars["nested"] = map[string]any{"a": []any{1, 2}}
	if !m.VarsChanged() {
		t.Fatal("nested value not detected")
	}
}

func TestVarsWrittenOnPartialUpdate(t *testing.T) {
	db := openTestDB(t)

	p := Participant{SessionID: 1, SessionUser: SessionUser{Code: "p1"}}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	var loaded Participant
	if err := db.First(&loaded, p.ID).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	loaded.SetVar("treatment", "high")
	if err := db.Model(&loaded).Update("current_page", "Decide").Error; err != nil {
		t.Fatalf("update: %v", err)
	}

	var reloaded Participant
	if err := db.First(&reloaded, p.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Vars["treatment"] != "high" {
		t.Fatalf("vars not persisted: %#v", reloaded.Vars)
	}
	if reloaded.CurrentPage != "Decide" {
		t.Fatalf("current page = %q", reloaded.CurrentPage)
	}
}

func TestVarsSnapshotRefreshedAfterSave(t *testing.T) {
	db := openTestDB(t)

	s := Session{Code: "sess0001"}
	s.SetVar("round", 1)
	if err := db.Create(&s).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.VarsChanged() {
		t.Fatal("snapshot not refreshed after create")
	}

	s.Vars["round"] = 2
	if !s.VarsChanged() {
		t.Fatal("second mutation not detected")
	}
	if err := db.Save(&s).Error; err != nil {
		t.Fatalf("save: %v", err)
	}
	if s.VarsChanged() {
		t.Fatal("snapshot not refreshed after save")
	}

	var reloaded Session
	if err := db.First(&reloaded, s.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Vars["round"]; got != float64(2) {
		t.Fatalf("round = %#v, want 2", got)
	}
}
