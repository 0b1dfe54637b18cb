package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/campaign-engine/internal/domain"
)

func (s *Store) CreatePixel(ctx context.Context, p *domain.TrackingPixel) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracking_pixels (id, recipient_id, campaign_id, url, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, p.ID, p.RecipientID, p.CampaignID, p.URL, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create pixel: %w", err)
	}
	return nil
}

// CreateLinks registers every tracked link of one message atomically.
func (s *Store) CreateLinks(ctx context.Context, links []domain.TrackedLink) error {
	if len(links) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tracked_links (id, recipient_id, campaign_id, original_url, tracked_url, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`)
		if err != nil {
			return fmt.Errorf("prepare link insert: %w", err)
		}
		defer stmt.Close()
		now := s.now()
		for _, l := range links {
			if l.CreatedAt.IsZero() {
				l.CreatedAt = now
			}
			if _, err := stmt.ExecContext(ctx, l.ID, l.RecipientID, l.CampaignID,
				l.OriginalURL, l.TrackedURL, l.CreatedAt); err != nil {
				return fmt.Errorf("insert link %s: %w", l.ID, err)
			}
		}
		return nil
	})
}

const linkColumns = `id, recipient_id, campaign_id, original_url, tracked_url,
	click_count, first_clicked_at, last_clicked_at, created_at`

func scanLink(row scanner) (*domain.TrackedLink, error) {
	l := &domain.TrackedLink{}
	err := row.Scan(&l.ID, &l.RecipientID, &l.CampaignID, &l.OriginalURL, &l.TrackedURL,
		&l.ClickCount, &l.FirstClickedAt, &l.LastClickedAt, &l.CreatedAt)
	return l, err
}

func (s *Store) GetLink(ctx context.Context, id string) (*domain.TrackedLink, error) {
	l, err := scanLink(s.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM tracked_links WHERE id = $1`, id))
	if noRows(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get link: %w", err)
	}
	return l, nil
}

// RecordPixelHit bumps the pixel's open counter. Every hit counts.
func (s *Store) RecordPixelHit(ctx context.Context, id string, hit domain.Hit) (*domain.TrackingPixel, error) {
	p := &domain.TrackingPixel{}
	err := s.db.QueryRowContext(ctx, `
		UPDATE tracking_pixels SET
			open_count = open_count + 1,
			first_opened_at = COALESCE(first_opened_at, $2),
			last_opened_at = $2,
			last_ip = $3,
			last_user_agent = $4
		WHERE id = $1
		RETURNING id, recipient_id, campaign_id, url, open_count,
		          first_opened_at, last_opened_at, last_ip, last_user_agent, created_at
	`, id, hit.At.UTC(), hit.IP, hit.UserAgent).Scan(
		&p.ID, &p.RecipientID, &p.CampaignID, &p.URL, &p.OpenCount,
		&p.FirstOpenedAt, &p.LastOpenedAt, &p.LastIP, &p.LastUserAgent, &p.CreatedAt,
	)
	if noRows(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("record pixel hit: %w", err)
	}
	return p, nil
}

func (s *Store) RecordLinkClick(ctx context.Context, id string, hit domain.Hit) (*domain.TrackedLink, error) {
	l, err := scanLink(s.db.QueryRowContext(ctx, `
		UPDATE tracked_links SET
			click_count = click_count + 1,
			first_clicked_at = COALESCE(first_clicked_at, $2),
			last_clicked_at = $2
		WHERE id = $1
		RETURNING `+linkColumns, id, hit.At.UTC()))
	if noRows(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("record link click: %w", err)
	}
	return l, nil
}
