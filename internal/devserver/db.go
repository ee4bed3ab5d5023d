package devserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/binomepay/binomepay-go/internal/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrConflict  = errors.New("conflict")
)

// DB is the development backend's persistence layer.
type DB struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenDB opens path (a file or ":memory:"), creating parent directories, and
// migrates the schema.
func OpenDB(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; a single connection also keeps ":memory:" shared.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &DB{db: db, now: utcNow}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Timestamps are stored in UTC so text comparisons order correctly.
func utcNow() time.Time { return time.Now().UTC() }

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// EnsureUser creates the user when missing.
func (d *DB) EnsureUser(ctx context.Context, id, displayName string) (*domain.User, error) {
	var row userRow
	err := d.db.WithContext(ctx).
		Where(userRow{ID: id}).
		Attrs(userRow{DisplayName: displayName, KYCStatus: string(domain.KYCUnverified)}).
		FirstOrCreate(&row).Error
	if err != nil {
		return nil, err
	}
	u := row.toDomain()
	return &u, nil
}

func (d *DB) User(ctx context.Context, id string) (*domain.User, error) {
	var row userRow
	if err := d.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	u := row.toDomain()
	return &u, nil
}

// UpdateUser applies a profile patch.
func (d *DB) UpdateUser(ctx context.Context, id string, patch domain.ProfilePatch) (*domain.User, error) {
	var out domain.User
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row userRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		u := patch.Apply(row.toDomain(), d.now())
		row.DisplayName = u.DisplayName
		row.AvatarURL = u.AvatarURL
		row.LastAvatarChangeAt = u.LastAvatarChangeAt
		row.UpdatedAt = u.UpdatedAt
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = row.toDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SetKYCStatus changes a user's verification state.
func (d *DB) SetKYCStatus(ctx context.Context, id string, status domain.KYCStatus) error {
	res := d.db.WithContext(ctx).Model(&userRow{}).Where("id = ?", id).
		Updates(map[string]any{"kyc_status": string(status), "updated_at": d.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) CreateRequest(ctx context.Context, userID string, nr domain.NewRequest) (*domain.Request, error) {
	now := d.now()
	row := requestRow{
		ID:            newID("r_"),
		UserID:        userID,
		Direction:     string(nr.Direction),
		Amount:        nr.Amount,
		Currency:      nr.Currency,
		OriginCountry: nr.OriginCountry,
		DestCountry:   nr.DestCountry,
		Status:        string(domain.RequestOpen),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if row.Direction == "" {
		row.Direction = string(domain.DirectionSend)
	}
	if err := d.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	r := row.toDomain()
	return &r, nil
}

// Requests lists a user's requests, newest first.
func (d *DB) Requests(ctx context.Context, userID string) ([]domain.Request, error) {
	var rows []requestRow
	if err := d.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Request, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (d *DB) names(tx *gorm.DB, ids []string) (map[string]string, error) {
	var rows []userRow
	if len(ids) == 0 {
		return map[string]string{}, nil
	}
	if err := tx.Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.ID] = r.DisplayName
	}
	return out, nil
}

// Suggestions returns the open requests of other users that mirror one of
// userID's open requests (reverse corridor, same currency), followed by the
// requests userID already accepted.
func (d *DB) Suggestions(ctx context.Context, userID string) ([]domain.Suggestion, error) {
	tx := d.db.WithContext(ctx)

	var candidates []requestRow
	err := tx.Raw(`
SELECT DISTINCT r.* FROM requests r
JOIN requests q ON q.user_id = ? AND q.status = ?
  AND q.origin_country = r.dest_country AND q.dest_country = r.origin_country
  AND q.currency = r.currency
WHERE r.user_id <> ? AND r.status = ?
  AND NOT EXISTS (SELECT 1 FROM acceptances a WHERE a.request_id = r.id AND a.user_id = ?)
ORDER BY r.created_at DESC`,
		userID, string(domain.RequestOpen), userID, string(domain.RequestOpen), userID).Scan(&candidates).Error
	if err != nil {
		return nil, err
	}

	var accepted []acceptanceRow
	if err := tx.Where("user_id = ?", userID).Order("created_at DESC").Find(&accepted).Error; err != nil {
		return nil, err
	}
	acceptedReqs := make(map[string]requestRow, len(accepted))
	if len(accepted) > 0 {
		ids := make([]string, len(accepted))
		for i, a := range accepted {
			ids[i] = a.RequestID
		}
		var rows []requestRow
		if err := tx.Where("id IN ?", ids).Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, r := range rows {
			acceptedReqs[r.ID] = r
		}
	}

	owners := make([]string, 0, len(candidates)+len(acceptedReqs))
	for _, r := range candidates {
		owners = append(owners, r.UserID)
	}
	for _, r := range acceptedReqs {
		owners = append(owners, r.UserID)
	}
	names, err := d.names(tx, owners)
	if err != nil {
		return nil, err
	}

	toSuggestion := func(r requestRow) domain.Suggestion {
		return domain.Suggestion{
			ID:                r.ID,
			Amount:            r.Amount,
			Currency:          r.Currency,
			OriginCountryName: r.OriginCountry,
			DestCountryName:   r.DestCountry,
			SenderName:        names[r.UserID],
			Note:              r.Note,
			CreatedAt:         r.CreatedAt,
		}
	}

	out := make([]domain.Suggestion, 0, len(candidates)+len(accepted))
	for _, r := range candidates {
		out = append(out, toSuggestion(r))
	}
	for _, a := range accepted {
		r, ok := acceptedReqs[a.RequestID]
		if !ok {
			continue
		}
		s := toSuggestion(r)
		s.MarkAccepted(a.ConversationID)
		out = append(out, s)
	}
	return out, nil
}

// AcceptOutcome reports what an acceptance created.
type AcceptOutcome struct {
	domain.AcceptResult
	// OwnerID is the user whose request was accepted.
	OwnerID string
	// Created is false when the user had already accepted the request.
	Created bool
}

// Accept makes userID accept the request behind suggestionID. It creates an
// ACCEPTED match and its conversation and marks the accepted request, plus
// userID's reciprocal open request when there is one, MATCHED. Accepting the
// same request twice returns the first result.
func (d *DB) Accept(ctx context.Context, suggestionID, userID string) (*AcceptOutcome, error) {
	var out AcceptOutcome
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req requestRow
		if err := tx.First(&req, "id = ?", suggestionID).Error; err != nil {
			return notFound(err)
		}
		if req.UserID == userID {
			return fmt.Errorf("%w: cannot accept your own request", ErrConflict)
		}
		out.OwnerID = req.UserID

		var prior acceptanceRow
		err := tx.Where("request_id = ? AND user_id = ?", req.ID, userID).First(&prior).Error
		if err == nil {
			out.ConversationID = prior.ConversationID
			out.MatchID = prior.MatchID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if req.Status != string(domain.RequestOpen) {
			return fmt.Errorf("%w: request is %s", ErrConflict, strings.ToLower(req.Status))
		}

		now := d.now()
		match := matchRow{
			ID:          newID("m_"),
			RequestID:   req.ID,
			RequesterID: userID,
			OwnerID:     req.UserID,
			Amount:      req.Amount,
			Currency:    req.Currency,
			Corridor:    domain.Corridor(req.OriginCountry, req.DestCountry),
			Status:      string(domain.MatchAccepted),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		conv := conversationRow{
			ID:        newID("c_"),
			MatchID:   match.ID,
			UserA:     userID,
			UserB:     req.UserID,
			Amount:    req.Amount,
			Currency:  req.Currency,
			Corridor:  match.Corridor,
			CreatedAt: now,
			UpdatedAt: now,
		}
		acc := acceptanceRow{
			RequestID:      req.ID,
			UserID:         userID,
			MatchID:        match.ID,
			ConversationID: conv.ID,
			CreatedAt:      now,
		}
		for _, v := range []any{&match, &conv, &acc} {
			if err := tx.Create(v).Error; err != nil {
				return err
			}
		}

		matched := map[string]any{"status": string(domain.RequestMatched), "updated_at": now}
		if err := tx.Model(&requestRow{}).Where("id = ?", req.ID).Updates(matched).Error; err != nil {
			return err
		}
		var mirror requestRow
		err = tx.Where("user_id = ? AND status = ? AND origin_country = ? AND dest_country = ? AND currency = ?",
			userID, string(domain.RequestOpen), req.DestCountry, req.OriginCountry, req.Currency).
			Order("created_at").First(&mirror).Error
		switch {
		case err == nil:
			if err := tx.Model(&requestRow{}).Where("id = ?", mirror.ID).Updates(matched).Error; err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		out.ConversationID = conv.ID
		out.MatchID = match.ID
		out.Created = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Matches lists the matches userID takes part in, newest first.
func (d *DB) Matches(ctx context.Context, userID string) ([]domain.Match, error) {
	tx := d.db.WithContext(ctx)
	var rows []matchRow
	if err := tx.Where("requester_id = ? OR owner_id = ?", userID, userID).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, m := range rows {
		ids[i] = m.counterpart(userID)
	}
	names, err := d.names(tx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Match, len(rows))
	for i, m := range rows {
		out[i] = domain.Match{
			ID:              m.ID,
			CounterpartName: names[m.counterpart(userID)],
			Amount:          m.Amount,
			Currency:        m.Currency,
			Corridor:        m.Corridor,
			Status:          domain.MatchStatus(m.Status),
			CreatedAt:       m.CreatedAt,
			UpdatedAt:       m.UpdatedAt,
		}
	}
	return out, nil
}

// ExpireMatches moves PENDING matches created before cutoff to EXPIRED and
// returns them.
func (d *DB) ExpireMatches(ctx context.Context, cutoff time.Time) ([]matchRow, error) {
	var expired []matchRow
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ? AND created_at < ?", string(domain.MatchPending), cutoff.UTC()).Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		ids := make([]string, len(expired))
		for i, m := range expired {
			ids[i] = m.ID
		}
		return tx.Model(&matchRow{}).Where("id IN ?", ids).
			Updates(map[string]any{"status": string(domain.MatchExpired), "updated_at": d.now()}).Error
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// Conversations lists userID's conversations, most recently active first.
func (d *DB) Conversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	tx := d.db.WithContext(ctx)
	var rows []conversationRow
	if err := tx.Where("user_a = ? OR user_b = ?", userID, userID).Order("updated_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, c := range rows {
		ids[i] = c.other(userID)
	}
	names, err := d.names(tx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Conversation, len(rows))
	for i, c := range rows {
		conv := domain.Conversation{
			ID:              c.ID,
			CounterpartName: names[c.other(userID)],
			LastMessage:     c.LastMessage,
			UpdatedAt:       c.UpdatedAt,
			UnreadCount:     c.unreadFor(userID),
		}
		if c.Currency != "" {
			conv.MatchDetails = &domain.MatchDetails{Amount: c.Amount, Currency: c.Currency, Corridor: c.Corridor}
		}
		out[i] = conv
	}
	return out, nil
}

func (d *DB) conversation(tx *gorm.DB, id, userID string) (*conversationRow, error) {
	var c conversationRow
	if err := tx.First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	if !c.has(userID) {
		return nil, ErrForbidden
	}
	return &c, nil
}

// Messages lists a conversation's messages, oldest first.
func (d *DB) Messages(ctx context.Context, conversationID, userID string) ([]domain.Message, error) {
	tx := d.db.WithContext(ctx)
	if _, err := d.conversation(tx, conversationID, userID); err != nil {
		return nil, err
	}
	var rows []messageRow
	if err := tx.Where("conversation_id = ?", conversationID).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Message, len(rows))
	for i, m := range rows {
		out[i] = m.toDomain()
	}
	return out, nil
}

// SendMessage appends a message and bumps the recipient's unread counter. It
// returns the message and the recipient id.
func (d *DB) SendMessage(ctx context.Context, conversationID, senderID, content string) (*domain.Message, string, error) {
	var (
		msg       messageRow
		recipient string
	)
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := d.conversation(tx, conversationID, senderID)
		if err != nil {
			return err
		}
		now := d.now()
		msg = messageRow{
			ID:             newID("msg_"),
			ConversationID: c.ID,
			SenderID:       senderID,
			Content:        content,
			CreatedAt:      now,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		recipient = c.other(senderID)
		unread := "unread_b"
		if c.UserA == recipient {
			unread = "unread_a"
		}
		return tx.Model(&conversationRow{}).Where("id = ?", c.ID).Updates(map[string]any{
			"last_message": content,
			"updated_at":   now,
			unread:         gorm.Expr(unread + " + 1"),
		}).Error
	})
	if err != nil {
		return nil, "", err
	}
	m := msg.toDomain()
	return &m, recipient, nil
}

// MarkRead resets userID's unread counter.
func (d *DB) MarkRead(ctx context.Context, conversationID, userID string) error {
	tx := d.db.WithContext(ctx)
	c, err := d.conversation(tx, conversationID, userID)
	if err != nil {
		return err
	}
	col := "unread_b"
	if c.UserA == userID {
		col = "unread_a"
	}
	return tx.Model(&conversationRow{}).Where("id = ?", c.ID).UpdateColumn(col, 0).Error
}

func (d *DB) CreateReport(ctx context.Context, reporterID string, r domain.Report) error {
	return d.db.WithContext(ctx).Create(&reportRow{
		ReporterID:     reporterID,
		ReportedUserID: r.ReportedUserID,
		Reason:         r.Reason,
		Details:        r.Details,
		CreatedAt:      d.now(),
	}).Error
}

// ReportCount returns how many reports target userID.
func (d *DB) ReportCount(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&reportRow{}).Where("reported_user_id = ?", userID).Count(&n).Error
	return n, err
}

// Empty reports whether no user exists yet.
func (d *DB) Empty(ctx context.Context) (bool, error) {
	var n int64
	if err := d.db.WithContext(ctx).Model(&userRow{}).Count(&n).Error; err != nil {
		return false, err
	}
	return n == 0, nil
}
