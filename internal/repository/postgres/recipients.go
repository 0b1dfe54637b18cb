package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/lib/pq"
)

const recipientColumns = `
	id, campaign_id, email, name, company, role, location, status,
	sent_at, delivered_at, opened_at, clicked_at, bounced_at, replied_at,
	unsubscribed_at, complained_at, last_error, provider_message_id,
	created_at, updated_at`

func scanRecipient(row scanner) (*domain.Recipient, error) {
	r := &domain.Recipient{}
	err := row.Scan(
		&r.ID, &r.CampaignID, &r.Email, &r.Name, &r.Company, &r.Role, &r.Location, &r.Status,
		&r.SentAt, &r.DeliveredAt, &r.OpenedAt, &r.ClickedAt, &r.BouncedAt, &r.RepliedAt,
		&r.UnsubscribedAt, &r.ComplainedAt, &r.LastError, &r.ProviderMessageID,
		&r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

func (s *Store) queryRecipients(ctx context.Context, q string, args ...any) ([]domain.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// AddRecipients inserts recipients in order. Empty ids are generated.
func (s *Store) AddRecipients(ctx context.Context, campaignID string, rs []domain.Recipient) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO campaign_recipients
				(id, campaign_id, email, name, company, role, location, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		`)
		if err != nil {
			return fmt.Errorf("prepare recipient insert: %w", err)
		}
		defer stmt.Close()
		for i := range rs {
			if rs[i].ID == "" {
				rs[i].ID = uuid.NewString()
			}
			rs[i].CampaignID = campaignID
			rs[i].Status = domain.RecipientPending
			r := rs[i]
			if _, err := stmt.ExecContext(ctx, r.ID, campaignID, domain.NormalizeEmail(r.Email),
				r.Name, r.Company, r.Role, r.Location); err != nil {
				return fmt.Errorf("insert recipient %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// DispatchableRecipients returns pending and failed rows in insertion order.
func (s *Store) DispatchableRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error) {
	out, err := s.queryRecipients(ctx, `
		SELECT `+recipientColumns+`
		FROM campaign_recipients
		WHERE campaign_id = $1 AND status = ANY($2)
		ORDER BY seq
	`, campaignID, pq.Array([]string{string(domain.RecipientPending), string(domain.RecipientFailed)}))
	if err != nil {
		return nil, fmt.Errorf("dispatchable recipients: %w", err)
	}
	return out, nil
}

func (s *Store) Recipients(ctx context.Context, campaignID string) ([]domain.Recipient, error) {
	out, err := s.queryRecipients(ctx, `
		SELECT `+recipientColumns+`
		FROM campaign_recipients
		WHERE campaign_id = $1
		ORDER BY seq
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	return out, nil
}

func (s *Store) GetRecipient(ctx context.Context, id string) (*domain.Recipient, error) {
	r, err := scanRecipient(s.db.QueryRowContext(ctx,
		`SELECT `+recipientColumns+` FROM campaign_recipients WHERE id = $1`, id))
	if noRows(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	return r, nil
}

// LatestRecipientByEmail returns the most recently created row for the
// address across all campaigns.
func (s *Store) LatestRecipientByEmail(ctx context.Context, email string) (*domain.Recipient, error) {
	r, err := scanRecipient(s.db.QueryRowContext(ctx, `
		SELECT `+recipientColumns+`
		FROM campaign_recipients
		WHERE lower(email) = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, domain.NormalizeEmail(email)))
	if noRows(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("recipient by email: %w", err)
	}
	return r, nil
}

// RecipientByMessageID resolves through the "sent" ledger entries only.
func (s *Store) RecipientByMessageID(ctx context.Context, messageID string) (*domain.Recipient, error) {
	if messageID == "" {
		return nil, domain.ErrNotFound
	}
	r, err := scanRecipient(s.db.QueryRowContext(ctx, `
		SELECT `+prefixed("r", recipientColumns)+`
		FROM tracking_events e
		JOIN campaign_recipients r ON r.id = e.recipient_id
		WHERE e.event_type = 'sent' AND e.provider_message_id = $1
		ORDER BY e.created_at DESC
		LIMIT 1
	`, messageID))
	if noRows(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("recipient by message id: %w", err)
	}
	return r, nil
}

// ApplyEvent locks the recipient row, folds the occurrence into it with
// domain.Transition, writes the row when it changed and appends the ledger
// entry. The ledger entry is written even when the row is unchanged.
func (s *Store) ApplyEvent(ctx context.Context, recipientID string, o domain.Occurrence) (*domain.Recipient, domain.Outcome, error) {
	if o.At.IsZero() {
		o.At = s.now()
	}
	var (
		r   *domain.Recipient
		out domain.Outcome
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		r, err = scanRecipient(tx.QueryRowContext(ctx,
			`SELECT `+recipientColumns+` FROM campaign_recipients WHERE id = $1 FOR UPDATE`, recipientID))
		if noRows(err) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock recipient: %w", err)
		}

		out = domain.Transition(r, o)
		if out.Changed {
			if _, err := tx.ExecContext(ctx, `
				UPDATE campaign_recipients SET
					status = $2, sent_at = $3, delivered_at = $4, opened_at = $5,
					clicked_at = $6, bounced_at = $7, replied_at = $8,
					unsubscribed_at = $9, complained_at = $10,
					last_error = $11, provider_message_id = $12, updated_at = $13
				WHERE id = $1
			`, r.ID, string(r.Status), r.SentAt, r.DeliveredAt, r.OpenedAt,
				r.ClickedAt, r.BouncedAt, r.RepliedAt,
				r.UnsubscribedAt, r.ComplainedAt,
				r.LastError, r.ProviderMessageID, r.UpdatedAt); err != nil {
				return fmt.Errorf("update recipient: %w", err)
			}
		}
		return insertEvent(ctx, tx, o.LedgerEntry(uuid.NewString(), r))
	})
	if err != nil {
		return nil, domain.Outcome{}, err
	}
	return r, out, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev domain.TrackingEvent) error {
	payload := []byte("{}")
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		payload = b
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tracking_events
			(id, campaign_id, recipient_id, event_type, provider_message_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.CampaignID, ev.RecipientID, ev.Kind.String(), ev.ProviderMessageID, payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}
