package devserver

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/binomepay/binomepay-go/internal/domain"
)

// DemoUserID is the seeded account the agent signs in as by default.
const DemoUserID = "u_awa"

// Seed loads the demo dataset when the database has no users. It reports
// whether anything was written.
func (d *DB) Seed(ctx context.Context) (bool, error) {
	empty, err := d.Empty(ctx)
	if err != nil || !empty {
		return false, err
	}

	now := d.now()
	ago := func(dur time.Duration) time.Time { return now.Add(-dur) }
	eur := func(v int64) decimal.Decimal { return decimal.NewFromInt(v) }
	send := string(domain.DirectionSend)
	open := string(domain.RequestOpen)
	matched := string(domain.RequestMatched)
	corridor := domain.Corridor("France", "Sénégal")

	users := []userRow{
		{ID: DemoUserID, DisplayName: "Awa D.", KYCStatus: string(domain.KYCVerified), Rating: 4.7, CreatedAt: ago(90 * 24 * time.Hour), UpdatedAt: ago(24 * time.Hour)},
		{ID: "u_fatou", DisplayName: "Fatou N.", KYCStatus: string(domain.KYCVerified), Rating: 4.9, CreatedAt: ago(60 * 24 * time.Hour), UpdatedAt: ago(24 * time.Hour)},
		{ID: "u_moussa", DisplayName: "Moussa D.", KYCStatus: string(domain.KYCPending), Rating: 4.5, CreatedAt: ago(30 * 24 * time.Hour), UpdatedAt: ago(24 * time.Hour)},
		{ID: "u_aminata", DisplayName: "Aminata K.", KYCStatus: string(domain.KYCVerified), Rating: 4.8, CreatedAt: ago(20 * 24 * time.Hour), UpdatedAt: ago(24 * time.Hour)},
		{ID: "u_ibrahima", DisplayName: "Ibrahima S.", KYCStatus: string(domain.KYCVerified), Rating: 4.6, CreatedAt: ago(120 * 24 * time.Hour), UpdatedAt: ago(24 * time.Hour)},
	}
	requests := []requestRow{
		{ID: "r_awa_0", UserID: DemoUserID, Direction: send, Amount: eur(100), Currency: "EUR", OriginCountry: "France", DestCountry: "Sénégal", Status: matched, CreatedAt: ago(50 * time.Hour), UpdatedAt: ago(48 * time.Hour)},
		{ID: "r_awa_1", UserID: DemoUserID, Direction: send, Amount: eur(200), Currency: "EUR", OriginCountry: "France", DestCountry: "Sénégal", Status: open, CreatedAt: ago(2 * time.Hour), UpdatedAt: ago(2 * time.Hour)},
		{ID: "r_fatou_1", UserID: "u_fatou", Direction: send, Amount: eur(200), Currency: "EUR", OriginCountry: "Sénégal", DestCountry: "France", Note: "Disponible ce week-end", Status: open, CreatedAt: ago(10 * time.Minute), UpdatedAt: ago(10 * time.Minute)},
		{ID: "r_moussa_1", UserID: "u_moussa", Direction: send, Amount: eur(150), Currency: "EUR", OriginCountry: "Sénégal", DestCountry: "France", Status: open, CreatedAt: ago(25 * time.Minute), UpdatedAt: ago(25 * time.Minute)},
		{ID: "r_aminata_1", UserID: "u_aminata", Direction: send, Amount: eur(300), Currency: "EUR", OriginCountry: "Côte d'Ivoire", DestCountry: "France", Note: "Urgent", Status: open, CreatedAt: ago(5 * time.Minute), UpdatedAt: ago(5 * time.Minute)},
		{ID: "r_ibrahima_1", UserID: "u_ibrahima", Direction: send, Amount: eur(100), Currency: "EUR", OriginCountry: "Sénégal", DestCountry: "France", Status: matched, CreatedAt: ago(49 * time.Hour), UpdatedAt: ago(48 * time.Hour)},
	}
	matches := []matchRow{
		{ID: "m_demo", RequestID: "r_ibrahima_1", RequesterID: DemoUserID, OwnerID: "u_ibrahima", Amount: eur(100), Currency: "EUR", Corridor: domain.Corridor("Sénégal", "France"), Status: string(domain.MatchAccepted), CreatedAt: ago(48 * time.Hour), UpdatedAt: ago(48 * time.Hour)},
		{ID: "m_pending", RequestID: "r_awa_1", RequesterID: "u_moussa", OwnerID: DemoUserID, Amount: eur(150), Currency: "EUR", Corridor: corridor, Status: string(domain.MatchPending), CreatedAt: ago(time.Hour), UpdatedAt: ago(time.Hour)},
	}
	conversations := []conversationRow{
		{ID: "c_demo", MatchID: "m_demo", UserA: DemoUserID, UserB: "u_ibrahima", UnreadA: 1, LastMessage: "Merci, bien reçu !", Amount: eur(100), Currency: "EUR", Corridor: domain.Corridor("Sénégal", "France"), CreatedAt: ago(48 * time.Hour), UpdatedAt: ago(47 * time.Hour)},
	}
	acceptances := []acceptanceRow{
		{RequestID: "r_ibrahima_1", UserID: DemoUserID, MatchID: "m_demo", ConversationID: "c_demo", CreatedAt: ago(48 * time.Hour)},
	}
	messages := []messageRow{
		{ID: "msg_demo_1", ConversationID: "c_demo", SenderID: "u_ibrahima", Content: "Bonjour, je suis disponible.", CreatedAt: ago(48 * time.Hour)},
		{ID: "msg_demo_2", ConversationID: "c_demo", SenderID: DemoUserID, Content: "Parfait, je vous envoie les détails.", CreatedAt: ago(47*time.Hour + 30*time.Minute)},
		{ID: "msg_demo_3", ConversationID: "c_demo", SenderID: "u_ibrahima", Content: "Merci, bien reçu !", CreatedAt: ago(47 * time.Hour)},
	}

	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, batch := range []any{&users, &requests, &matches, &conversations, &acceptances, &messages} {
			if err := tx.Create(batch).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
