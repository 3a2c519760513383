package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"strconv"
	"time"

	"experiment-session-system/models"
	"experiment-session-system/utils"

	"gorm.io/gorm"
)

// PaymentRow is one participant's line in a session's payment report.
type PaymentRow struct {
	Code           string  `json:"code"`
	Name           string  `json:"name"`
	Label          string  `json:"label,omitempty"`
	PayoffPoints   float64 `json:"payoff_points"`
	Payoff         string  `json:"payoff"`
	TotalPay       float64 `json:"total_pay"`
	TotalPayText   string  `json:"total_pay_display"`
	PayoffComplete bool    `json:"payoff_complete"`
}

type PaymentReport struct {
	SessionCode string       `json:"session_code"`
	Ready       bool         `json:"ready"`
	Rows        []PaymentRow `json:"rows"`
}

// PaymentService reports and exports what participants are owed. Store is
// optional; without it exports are returned but not uploaded.
type PaymentService struct {
	DB           *gorm.DB
	Participants *ParticipantService
	Store        utils.ObjectStore
	CurrencyCode string
}

func NewPaymentService(db *gorm.DB, participants *ParticipantService, store utils.ObjectStore, currencyCode string) *PaymentService {
	return &PaymentService{DB: db, Participants: participants, Store: store, CurrencyCode: currencyCode}
}

// Report lists what every participant of the session is owed. Incomplete
// payoffs are included and flagged.
func (s *PaymentService) Report(session *models.Session) (*PaymentReport, error) {
	var participants []models.Participant
	if err := s.DB.Where("session_id = ?", session.ID).Order("id_in_session ASC").Find(&participants).Error; err != nil {
		return nil, err
	}

	report := &PaymentReport{SessionCode: session.Code, Ready: true}
	for i := range participants {
		p := &participants[i]
		payoff, err := s.Participants.Payoff(p)
		if err != nil {
			return nil, err
		}
		payoffDisplay, err := s.Participants.PayoffDisplay(p)
		if err != nil {
			return nil, err
		}
		totalDisplay, err := s.Participants.TotalPayDisplay(p)
		if err != nil {
			return nil, err
		}
		if !payoff.Complete {
			report.Ready = false
		}
		report.Rows = append(report.Rows, PaymentRow{
			Code:           p.Code,
			Name:           p.Name(),
			Label:          p.Label,
			PayoffPoints:   payoff.Points,
			Payoff:         payoffDisplay,
			TotalPay:       (session.FixedPay + payoff.Points) * session.MoneyPerPoint,
			TotalPayText:   totalDisplay,
			PayoffComplete: payoff.Complete,
		})
	}
	return report, nil
}

// Export renders the payment report as CSV. It refuses while any payoff is
// incomplete. When a store is configured the file is uploaded and its URL
// returned.
func (s *PaymentService) Export(ctx context.Context, session *models.Session) ([]byte, string, error) {
	report, err := s.Report(session)
	if err != nil {
		return nil, "", err
	}
	if !report.Ready {
		return nil, "", ErrPaymentsNotReady
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"participant_code", "participant", "label", "payoff_points", "total_pay", "currency"})
	for _, row := range report.Rows {
		_ = w.Write([]string{
			row.Code,
			row.Name,
			row.Label,
			strconv.FormatFloat(row.PayoffPoints, 'f', 2, 64),
			strconv.FormatFloat(row.TotalPay, 'f', 2, 64),
			s.CurrencyCode,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", fmt.Errorf("write payments csv: %w", err)
	}

	if s.Store == nil {
		return buf.Bytes(), "", nil
	}
	key := fmt.Sprintf("payments/%s-%d.csv", session.Code, time.Now().Unix())
	url, err := s.Store.Put(ctx, key, "text/csv", buf.Bytes())
	if err != nil {
		return nil, "", fmt.Errorf("upload payments: %w", err)
	}
	log.Printf("[PAYMENTS] 📤 exported %d row(s) for session %s to %s", len(report.Rows), session.Code, url)
	return buf.Bytes(), url, nil
}
