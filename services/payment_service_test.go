package services

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type memoryStore struct {
	objects map[string][]byte
}

func (m *memoryStore) Put(ctx context.Context, key, contentType string, body []byte) (string, error) {
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = body
	return "https://cdn.test/" + key, nil
}

func TestPaymentReport(t *testing.T) {
	env := newTestEnv(t)
	session := env.createSession(t, 2)
	participants := env.participantsOf(t, session)
	env.db.Model(&stubPlayer{}).Where("participant_id = ?", participants[0].ID).Update("payoff", 2)

	report, err := env.payments.Report(session)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Ready || len(report.Rows) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	first := report.Rows[0]
	if !first.PayoffComplete || first.PayoffPoints != 4 || first.TotalPay != 4.5 || first.TotalPayText != "4.50 USD" {
		t.Fatalf("first row %+v", first)
	}
	if report.Rows[1].PayoffComplete || !strings.HasSuffix(report.Rows[1].Payoff, "(incomplete)") {
		t.Fatalf("second row %+v", report.Rows[1])
	}

	if _, _, err := env.payments.Export(testContext(t), session); !errors.Is(err, ErrPaymentsNotReady) {
		t.Fatalf("expected ErrPaymentsNotReady, got %v", err)
	}
}

func TestPaymentExportUploads(t *testing.T) {
	env := newTestEnv(t)
	store := &memoryStore{}
	env.payments.Store = store
	session := env.createSession(t, 2)
	env.db.Model(&stubPlayer{}).Where("session_id = ?", session.ID).Update("payoff", 1)

	body, url, err := env.payments.Export(testContext(t), session)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "participant_code,") {
		t.Fatalf("csv:\n%s", body)
	}
	if !strings.HasSuffix(lines[1], ",2.00,3.50,USD") {
		t.Fatalf("row %q", lines[1])
	}
	if !strings.HasPrefix(url, "https://cdn.test/payments/"+session.Code+"-") {
		t.Fatalf("url %q", url)
	}
	if len(store.objects) != 1 {
		t.Fatalf("expected 1 uploaded object, got %d", len(store.objects))
	}
}
