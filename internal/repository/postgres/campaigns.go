package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

const campaignColumns = `
	id, user_id, name, subject, html_body, text_body, from_name, reply_to,
	smtp_credential_id, status, total_recipients,
	sent_count, delivered_count, opened_count, clicked_count, bounced_count,
	replied_count, failed_count, unsubscribed_count, complained_count,
	started_at, completed_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row scanner) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	st := &c.Stats
	err := row.Scan(
		&c.ID, &c.UserID, &c.Name, &c.Subject, &c.HTMLBody, &c.TextBody, &c.FromName, &c.ReplyTo,
		&c.CredentialID, &c.Status, &c.TotalRecipients,
		&st.Sent, &st.Delivered, &st.Opened, &st.Clicked, &st.Bounced,
		&st.Replied, &st.Failed, &st.Unsubscribed, &st.Complained,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	st.Total = c.TotalRecipients
	return c, nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if noRows(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// CreateCampaign inserts a draft campaign.
func (s *Store) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, user_id, name, subject, html_body, text_body, from_name, reply_to,
			 smtp_credential_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`, c.ID, c.UserID, c.Name, c.Subject, c.HTMLBody, c.TextBody, c.FromName, c.ReplyTo,
		c.CredentialID, c.Status)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

// SetCampaignStatus moves a campaign. Entering sending stamps started_at
// once and clears completed_at; entering completed stamps completed_at.
func (s *Store) SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET
			status = $2,
			started_at = CASE WHEN $2::text = 'sending' THEN COALESCE(started_at, NOW()) ELSE started_at END,
			completed_at = CASE
				WHEN $2::text = 'sending' THEN NULL
				WHEN $2::text = 'completed' THEN NOW()
				ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("set campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecomputeStats derives every counter from the recipient rows in one
// statement and stores them on the campaign.
func (s *Store) RecomputeStats(ctx context.Context, campaignID string) (domain.CampaignStats, error) {
	var st domain.CampaignStats
	err := s.db.QueryRowContext(ctx, `
		UPDATE campaigns c SET
			total_recipients   = a.total,
			sent_count         = a.sent,
			delivered_count    = a.delivered,
			opened_count       = a.opened,
			clicked_count      = a.clicked,
			bounced_count      = a.bounced,
			replied_count      = a.replied,
			failed_count       = a.failed,
			unsubscribed_count = a.unsubscribed,
			complained_count   = a.complained,
			updated_at         = NOW()
		FROM (
			SELECT COUNT(*) AS total,
			       COUNT(sent_at) AS sent,
			       COUNT(*) FILTER (WHERE delivered_at IS NOT NULL AND bounced_at IS NULL) AS delivered,
			       COUNT(opened_at) AS opened,
			       COUNT(clicked_at) AS clicked,
			       COUNT(bounced_at) AS bounced,
			       COUNT(replied_at) AS replied,
			       COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			       COUNT(unsubscribed_at) AS unsubscribed,
			       COUNT(complained_at) AS complained
			FROM campaign_recipients WHERE campaign_id = $1
		) a
		WHERE c.id = $1
		RETURNING c.total_recipients, c.sent_count, c.delivered_count, c.opened_count,
		          c.clicked_count, c.bounced_count, c.replied_count, c.failed_count,
		          c.unsubscribed_count, c.complained_count
	`, campaignID).Scan(
		&st.Total, &st.Sent, &st.Delivered, &st.Opened,
		&st.Clicked, &st.Bounced, &st.Replied, &st.Failed,
		&st.Unsubscribed, &st.Complained,
	)
	if noRows(err) {
		return domain.CampaignStats{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.CampaignStats{}, fmt.Errorf("recompute stats: %w", err)
	}
	return st, nil
}

func (s *Store) StaleSendingCampaigns(ctx context.Context, before time.Time) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = 'sending' AND updated_at < $1
		ORDER BY id
	`, before)
	if err != nil {
		return nil, fmt.Errorf("stale campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ActiveCampaignIDs lists campaigns with ledger activity since the given time.
func (s *Store) ActiveCampaignIDs(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT campaign_id FROM tracking_events
		WHERE created_at >= $1
		ORDER BY campaign_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("active campaigns: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan campaign id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) LedgerCounts(ctx context.Context, campaignID string) (map[domain.EventKind]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(DISTINCT recipient_id)
		FROM tracking_events
		WHERE campaign_id = $1
		GROUP BY event_type
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("ledger counts: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.EventKind]int)
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan ledger count: %w", err)
		}
		kind, err := domain.ParseEventKind(name)
		if err != nil {
			continue
		}
		out[kind] = n
	}
	return out, rows.Err()
}

func (s *Store) GetCredential(ctx context.Context, id string) (*domain.SMTPCredential, error) {
	c := &domain.SMTPCredential{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, host, port, username, password,
		       from_email, region, verified, updated_at
		FROM smtp_credentials WHERE id = $1
	`, id).Scan(
		&c.ID, &c.UserID, &c.Provider, &c.Host, &c.Port, &c.Username, &c.Password,
		&c.FromEmail, &c.Region, &c.Verified, &c.UpdatedAt,
	)
	if noRows(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}
