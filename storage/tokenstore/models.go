package tokenstore

import (
	"encoding/json"
	"fmt"
	"time"

	"cashrail/native/credit"
	"cashrail/native/delivery"
	"cashrail/native/ecash"
)

// tokenRow persists one ecash token. Proofs are stored as a JSON column.
type tokenRow struct {
	Owner     string `gorm:"primaryKey;size:128"`
	ID        string `gorm:"primaryKey;size:64"`
	Seq       int64  `gorm:"index"`
	Mint      string `gorm:"size:512;index"`
	Unit      string `gorm:"size:16"`
	Amount    int64
	Payload   string `gorm:"type:text"`
	Proofs    string `gorm:"type:text"`
	State     string `gorm:"size:16;index"`
	Reason    string `gorm:"type:text"`
	Source    string `gorm:"size:16"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

func (tokenRow) TableName() string { return "wallet_tokens" }

func toTokenRow(tok ecash.Token, seq int64) (tokenRow, error) {
	proofs, err := json.Marshal(tok.Proofs)
	if err != nil {
		return tokenRow{}, fmt.Errorf("tokenstore: encode proofs: %w", err)
	}
	return tokenRow{
		Owner:     tok.Owner,
		ID:        tok.ID,
		Seq:       seq,
		Mint:      ecash.NormalizeMintURL(tok.Mint),
		Unit:      tok.Unit,
		Amount:    tok.Amount,
		Payload:   tok.Payload,
		Proofs:    string(proofs),
		State:     string(tok.State),
		Reason:    tok.Error,
		Source:    string(tok.Source),
		CreatedAt: tok.CreatedAt.UTC(),
		UpdatedAt: tok.UpdatedAt.UTC(),
		DeletedAt: utcPtr(tok.DeletedAt),
	}, nil
}

func (r tokenRow) token() (ecash.Token, error) {
	var proofs []ecash.Proof
	if r.Proofs != "" {
		if err := json.Unmarshal([]byte(r.Proofs), &proofs); err != nil {
			return ecash.Token{}, fmt.Errorf("tokenstore: decode proofs of %s: %w", r.ID, err)
		}
	}
	return ecash.Token{
		ID:        r.ID,
		Owner:     r.Owner,
		Mint:      r.Mint,
		Unit:      r.Unit,
		Amount:    r.Amount,
		Payload:   r.Payload,
		Proofs:    proofs,
		State:     ecash.TokenState(r.State),
		Error:     r.Reason,
		Source:    ecash.TokenSource(r.Source),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
		DeletedAt: utcPtr(r.DeletedAt),
	}, nil
}

// counterRow holds the next deterministic output index per keyset.
type counterRow struct {
	Owner     string `gorm:"primaryKey;size:128"`
	Mint      string `gorm:"primaryKey;size:512"`
	KeysetID  string `gorm:"primaryKey;size:64"`
	NextIndex uint32
}

func (counterRow) TableName() string { return "wallet_keyset_counters" }

type promiseRow struct {
	Owner         string `gorm:"primaryKey;size:128"`
	ID            string `gorm:"primaryKey;size:64"`
	Issuer        string `gorm:"size:128;index"`
	Recipient     string `gorm:"size:128;index"`
	Amount        int64
	Unit          string `gorm:"size:16"`
	Direction     string `gorm:"size:8;index"`
	CreatedAt     time.Time
	ExpiresAt     time.Time `gorm:"index"`
	SettledAmount int64
	SettledAt     *time.Time
}

func (promiseRow) TableName() string { return "wallet_promises" }

func toPromiseRow(p credit.Promise) promiseRow {
	return promiseRow{
		Owner:         p.Owner,
		ID:            p.ID,
		Issuer:        p.Issuer,
		Recipient:     p.Recipient,
		Amount:        p.Amount,
		Unit:          p.Unit,
		Direction:     string(p.Direction),
		CreatedAt:     p.CreatedAt.UTC(),
		ExpiresAt:     p.ExpiresAt.UTC(),
		SettledAmount: p.SettledAmount,
		SettledAt:     utcPtr(p.SettledAt),
	}
}

func (r promiseRow) promise() credit.Promise {
	return credit.Promise{
		ID:            r.ID,
		Owner:         r.Owner,
		Issuer:        r.Issuer,
		Recipient:     r.Recipient,
		Amount:        r.Amount,
		Unit:          r.Unit,
		Direction:     credit.Direction(r.Direction),
		CreatedAt:     r.CreatedAt.UTC(),
		ExpiresAt:     r.ExpiresAt.UTC(),
		SettledAmount: r.SettledAmount,
		SettledAt:     utcPtr(r.SettledAt),
	}
}

type messageRow struct {
	Owner     string `gorm:"primaryKey;size:128"`
	ID        string `gorm:"primaryKey;size:64"`
	Seq       int64  `gorm:"index"`
	ContactID string `gorm:"size:128;index"`
	Direction string `gorm:"size:8"`
	Content   string `gorm:"type:text"`
	WrapID    string `gorm:"size:128;index"`
	ClientID  string `gorm:"size:64;index"`
	Status    string `gorm:"size:16;index"`
	LocalOnly bool
	CreatedAt time.Time
}

func (messageRow) TableName() string { return "wallet_messages" }

func toMessageRow(msg delivery.Message, seq int64) messageRow {
	return messageRow{
		Owner:     msg.Owner,
		ID:        msg.ID,
		Seq:       seq,
		ContactID: msg.ContactID,
		Direction: string(msg.Direction),
		Content:   msg.Content,
		WrapID:    msg.WrapID,
		ClientID:  msg.ClientID,
		Status:    string(msg.Status),
		LocalOnly: msg.LocalOnly,
		CreatedAt: msg.CreatedAt.UTC(),
	}
}

func (r messageRow) message() delivery.Message {
	return delivery.Message{
		ID:        r.ID,
		Owner:     r.Owner,
		ContactID: r.ContactID,
		Direction: delivery.Direction(r.Direction),
		Content:   r.Content,
		WrapID:    r.WrapID,
		ClientID:  r.ClientID,
		Status:    delivery.Status(r.Status),
		LocalOnly: r.LocalOnly,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
