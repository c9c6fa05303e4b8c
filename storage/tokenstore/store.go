// Package tokenstore is the durable wallet store: tokens, keyset counters,
// promises and messages on gorm. Embedded deployments use sqlite, hosted
// ones point the DSN at postgres.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"cashrail/native/credit"
	"cashrail/native/delivery"
	"cashrail/native/ecash"
)

// Store implements ecash.TokenStore, credit.Store and delivery.MessageStore.
type Store struct {
	db  *gorm.DB
	seq atomic.Int64
}

var (
	_ ecash.TokenStore      = (*Store)(nil)
	_ credit.Store          = (*Store)(nil)
	_ delivery.MessageStore = (*Store)(nil)
)

// Dialector picks the gorm driver for dsn: postgres:// and postgresql://
// URLs use postgres, anything else is a sqlite path or file: URI.
func Dialector(dsn string) gorm.Dialector {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("tokenstore: dsn required")
	}
	db, err := gorm.Open(Dialector(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("tokenstore: open: %w", err)
	}
	return New(db)
}

// New wraps an open gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("tokenstore: db required")
	}
	if err := db.AutoMigrate(&tokenRow{}, &counterRow{}, &promiseRow{}, &messageRow{}); err != nil {
		return nil, fmt.Errorf("tokenstore: migrate: %w", err)
	}
	s := &Store{db: db}
	s.seq.Store(time.Now().UnixNano())
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// next returns a strictly increasing insertion sequence so listings keep
// insertion order across restarts.
func (s *Store) next() int64 {
	for {
		prev := s.seq.Load()
		now := time.Now().UnixNano()
		if now <= prev {
			now = prev + 1
		}
		if s.seq.CompareAndSwap(prev, now) {
			return now
		}
	}
}

func (s *Store) InsertTokens(ctx context.Context, tokens ...ecash.Token) error {
	if len(tokens) == 0 {
		return nil
	}
	rows := make([]tokenRow, 0, len(tokens))
	for _, tok := range tokens {
		row, err := toTokenRow(tok, s.next())
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "owner"}, {Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"mint", "unit", "amount", "payload", "proofs", "state", "reason", "source", "updated_at", "deleted_at"}),
			}).Create(&rows[i]).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tokenstore: insert tokens: %w", err)
	}
	return nil
}

func (s *Store) UpdateToken(ctx context.Context, tok ecash.Token) error {
	row, err := toTokenRow(tok, 0)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&tokenRow{}).
		Where("owner = ? AND id = ?", tok.Owner, tok.ID).
		Updates(map[string]any{
			"mint":       row.Mint,
			"unit":       row.Unit,
			"amount":     row.Amount,
			"payload":    row.Payload,
			"proofs":     row.Proofs,
			"state":      row.State,
			"reason":     row.Reason,
			"source":     row.Source,
			"deleted_at": row.DeletedAt,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("tokenstore: update token %s: %w", tok.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ecash.ErrTokenNotFound, tok.ID)
	}
	return nil
}

func (s *Store) SetTokenState(ctx context.Context, owner, id string, state ecash.TokenState, reason string) error {
	if !state.Valid() {
		return fmt.Errorf("tokenstore: unknown token state %q", state)
	}
	res := s.db.WithContext(ctx).Model(&tokenRow{}).
		Where("owner = ? AND id = ?", owner, id).
		Updates(map[string]any{"state": string(state), "reason": reason, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("tokenstore: set state %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ecash.ErrTokenNotFound, id)
	}
	return nil
}

func (s *Store) SoftDeleteTokens(ctx context.Context, owner string, ids []string, at time.Time) error {
	deleted := at.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			res := tx.Model(&tokenRow{}).
				Where("owner = ? AND id = ?", owner, id).
				Updates(map[string]any{"state": string(ecash.StateDeleted), "deleted_at": deleted, "updated_at": deleted})
			if res.Error != nil {
				return fmt.Errorf("tokenstore: soft delete %s: %w", id, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: %s", ecash.ErrTokenNotFound, id)
			}
		}
		return nil
	})
}

func (s *Store) GetToken(ctx context.Context, owner, id string) (ecash.Token, error) {
	var row tokenRow
	err := s.db.WithContext(ctx).Where("owner = ? AND id = ?", owner, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ecash.Token{}, ecash.ErrTokenNotFound
	}
	if err != nil {
		return ecash.Token{}, fmt.Errorf("tokenstore: get token %s: %w", id, err)
	}
	return row.token()
}

func (s *Store) ListTokens(ctx context.Context, owner string, filter ecash.TokenFilter) ([]ecash.Token, error) {
	q := s.db.WithContext(ctx).Model(&tokenRow{}).Where("owner = ?", owner)
	if mint := ecash.NormalizeMintURL(filter.Mint); mint != "" {
		q = q.Where("mint = ?", mint)
	}
	if filter.Unit != "" {
		q = q.Where("unit = ?", filter.Unit)
	}
	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, st := range filter.States {
			states = append(states, string(st))
		}
		q = q.Where("state IN ?", states)
	} else if !filter.IncludeDeleted {
		q = q.Where("state <> ?", string(ecash.StateDeleted))
	}
	var rows []tokenRow
	if err := q.Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("tokenstore: list tokens: %w", err)
	}
	out := make([]ecash.Token, 0, len(rows))
	for _, row := range rows {
		tok, err := row.token()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, nil
}

func (s *Store) KnownSecrets(ctx context.Context, owner, mint string) (map[string]struct{}, error) {
	q := s.db.WithContext(ctx).Model(&tokenRow{}).Where("owner = ?", owner)
	if mint = ecash.NormalizeMintURL(mint); mint != "" {
		q = q.Where("mint = ?", mint)
	}
	var rows []tokenRow
	if err := q.Select("owner", "id", "proofs").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("tokenstore: known secrets: %w", err)
	}
	out := make(map[string]struct{})
	for _, row := range rows {
		tok, err := row.token()
		if err != nil {
			return nil, err
		}
		for _, secret := range tok.Secrets() {
			out[secret] = struct{}{}
		}
	}
	return out, nil
}

func (s *Store) NextCounter(ctx context.Context, owner, mint, keysetID string) (uint32, error) {
	var row counterRow
	err := s.db.WithContext(ctx).
		Where("owner = ? AND mint = ? AND keyset_id = ?", owner, ecash.NormalizeMintURL(mint), keysetID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tokenstore: read counter: %w", err)
	}
	return row.NextIndex, nil
}

// AdvanceCounter raises the stored counter to next. Counters never move
// backwards.
func (s *Store) AdvanceCounter(ctx context.Context, owner, mint, keysetID string, next uint32) error {
	mint = ecash.NormalizeMintURL(mint)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row counterRow
		err := tx.Where("owner = ? AND mint = ? AND keyset_id = ?", owner, mint, keysetID).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&counterRow{Owner: owner, Mint: mint, KeysetID: keysetID, NextIndex: next}).Error
		case err != nil:
			return fmt.Errorf("tokenstore: read counter: %w", err)
		case next <= row.NextIndex:
			return nil
		}
		return tx.Model(&counterRow{}).
			Where("owner = ? AND mint = ? AND keyset_id = ?", owner, mint, keysetID).
			Update("next_index", next).Error
	})
}

func (s *Store) InsertPromise(ctx context.Context, p credit.Promise) (bool, error) {
	row := toPromiseRow(p)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("tokenstore: insert promise: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) GetPromise(ctx context.Context, owner, id string) (credit.Promise, error) {
	var row promiseRow
	err := s.db.WithContext(ctx).Where("owner = ? AND id = ?", owner, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credit.Promise{}, credit.ErrPromiseNotFound
	}
	if err != nil {
		return credit.Promise{}, fmt.Errorf("tokenstore: get promise: %w", err)
	}
	return row.promise(), nil
}

func (s *Store) UpdateSettlement(ctx context.Context, owner, id string, settled int64, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&promiseRow{}).
		Where("owner = ? AND id = ?", owner, id).
		Updates(map[string]any{"settled_amount": settled, "settled_at": at.UTC()})
	if res.Error != nil {
		return fmt.Errorf("tokenstore: update settlement: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return credit.ErrPromiseNotFound
	}
	return nil
}

func (s *Store) ListPromises(ctx context.Context, owner string, filter credit.PromiseFilter) ([]credit.Promise, error) {
	q := s.db.WithContext(ctx).Model(&promiseRow{}).Where("owner = ?", owner)
	if filter.Direction != "" {
		q = q.Where("direction = ?", string(filter.Direction))
	}
	if cp := filter.Counterparty; cp != "" {
		switch filter.Direction {
		case credit.DirectionIn:
			q = q.Where("issuer = ?", cp)
		case credit.DirectionOut:
			q = q.Where("recipient = ?", cp)
		default:
			q = q.Where("(direction = ? AND issuer = ?) OR (direction = ? AND recipient = ?)",
				string(credit.DirectionIn), cp, string(credit.DirectionOut), cp)
		}
	}
	var rows []promiseRow
	if err := q.Order("expires_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("tokenstore: list promises: %w", err)
	}
	out := make([]credit.Promise, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.promise())
	}
	return out, nil
}

func (s *Store) InsertMessage(ctx context.Context, msg delivery.Message) error {
	row := toMessageRow(msg, s.next())
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"contact_id", "direction", "content", "wrap_id", "client_id", "status", "local_only"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("tokenstore: insert message: %w", err)
	}
	return nil
}

func (s *Store) MarkSent(ctx context.Context, owner, id, wrapID string) (bool, error) {
	var changed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row messageRow
		err := tx.Where("owner = ? AND id = ?", owner, id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return delivery.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		updates := map[string]any{}
		if row.WrapID == "" && wrapID != "" {
			updates["wrap_id"] = wrapID
		}
		if row.Status != string(delivery.StatusSent) {
			updates["status"] = string(delivery.StatusSent)
			changed = true
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&messageRow{}).Where("owner = ? AND id = ?", owner, id).Updates(updates).Error
	})
	if err != nil {
		if errors.Is(err, delivery.ErrMessageNotFound) {
			return false, err
		}
		return false, fmt.Errorf("tokenstore: mark sent: %w", err)
	}
	return changed, nil
}

func (s *Store) GetMessage(ctx context.Context, owner, id string) (delivery.Message, error) {
	var row messageRow
	err := s.db.WithContext(ctx).Where("owner = ? AND id = ?", owner, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return delivery.Message{}, delivery.ErrMessageNotFound
	}
	if err != nil {
		return delivery.Message{}, fmt.Errorf("tokenstore: get message: %w", err)
	}
	return row.message(), nil
}

func (s *Store) FindByClientID(ctx context.Context, owner, clientID string) (delivery.Message, error) {
	if clientID == "" {
		return delivery.Message{}, delivery.ErrMessageNotFound
	}
	var row messageRow
	err := s.db.WithContext(ctx).Where("owner = ? AND client_id = ?", owner, clientID).Order("seq ASC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return delivery.Message{}, delivery.ErrMessageNotFound
	}
	if err != nil {
		return delivery.Message{}, fmt.Errorf("tokenstore: find message: %w", err)
	}
	return row.message(), nil
}

func (s *Store) ListMessages(ctx context.Context, owner string, filter delivery.MessageFilter) ([]delivery.Message, error) {
	q := s.db.WithContext(ctx).Model(&messageRow{}).Where("owner = ?", owner)
	if filter.ContactID != "" {
		q = q.Where("contact_id = ?", filter.ContactID)
	}
	if filter.Direction != "" {
		q = q.Where("direction = ?", string(filter.Direction))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	var rows []messageRow
	if err := q.Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("tokenstore: list messages: %w", err)
	}
	out := make([]delivery.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.message())
	}
	return out, nil
}

// Owners lists every owner with at least one token row.
func (s *Store) Owners(ctx context.Context) ([]string, error) {
	var owners []string
	if err := s.db.WithContext(ctx).Model(&tokenRow{}).Distinct("owner").Order("owner").Pluck("owner", &owners).Error; err != nil {
		return nil, fmt.Errorf("tokenstore: list owners: %w", err)
	}
	return owners, nil
}
