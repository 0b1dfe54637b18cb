// Package memory is an in-process implementation of every store interface
// the engine consumes. It is the shared test fixture for the service, api,
// worker, tracking and webhook tests; the binaries always use Postgres. A
// single mutex provides the row-level atomicity the Postgres store gets
// from SELECT ... FOR UPDATE.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/campaign-engine/internal/domain"
)

// Store holds all entities in maps keyed by id.
type Store struct {
	mu           sync.Mutex
	campaigns    map[string]*domain.Campaign
	recipients   map[string]*domain.Recipient
	order        map[string][]string // campaign id -> recipient ids in insertion order
	credentials  map[string]*domain.SMTPCredential
	pixels       map[string]*domain.TrackingPixel
	links        map[string]*domain.TrackedLink
	events       []domain.TrackingEvent
	suppressions map[string]domain.Suppression
	seq          int
	now          func() time.Time
}

func New() *Store {
	return &Store{
		campaigns:    make(map[string]*domain.Campaign),
		recipients:   make(map[string]*domain.Recipient),
		order:        make(map[string][]string),
		credentials:  make(map[string]*domain.SMTPCredential),
		pixels:       make(map[string]*domain.TrackingPixel),
		links:        make(map[string]*domain.TrackedLink),
		suppressions: make(map[string]domain.Suppression),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// Seeding
// =============================================================================

// PutCampaign inserts or replaces a campaign.
func (s *Store) PutCampaign(c domain.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.UpdatedAt = s.now()
	s.campaigns[c.ID] = &c
}

// PutCredential inserts or replaces a credential.
func (s *Store) PutCredential(c domain.SMTPCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now()
	}
	s.credentials[c.ID] = &c
}

// AddRecipients appends recipients in order. Empty ids and statuses are
// filled in. Creation times are strictly increasing.
func (s *Store) AddRecipients(campaignID string, rs ...domain.Recipient) []domain.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Recipient, 0, len(rs))
	for _, r := range rs {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Status == "" {
			r.Status = domain.RecipientPending
		}
		r.CampaignID = campaignID
		s.seq++
		r.CreatedAt = s.now().Add(time.Duration(s.seq) * time.Microsecond)
		r.UpdatedAt = r.CreatedAt
		cp := r
		s.recipients[r.ID] = &cp
		s.order[campaignID] = append(s.order[campaignID], r.ID)
		out = append(out, r)
	}
	return out
}

// =============================================================================
// Campaigns
// =============================================================================

func (s *Store) GetCampaign(_ context.Context, id string) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) SetCampaignStatus(_ context.Context, id string, status domain.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := s.now()
	switch status {
	case domain.CampaignSending:
		if c.StartedAt == nil {
			c.StartedAt = &now
		}
		c.CompletedAt = nil
	case domain.CampaignCompleted:
		c.CompletedAt = &now
	}
	c.Status = status
	c.UpdatedAt = now
	return nil
}

func (s *Store) RecomputeStats(_ context.Context, campaignID string) (domain.CampaignStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return domain.CampaignStats{}, domain.ErrNotFound
	}
	stats := domain.ComputeStats(s.recipientsOf(campaignID))
	c.Stats = stats
	c.TotalRecipients = stats.Total
	c.UpdatedAt = s.now()
	return stats, nil
}

func (s *Store) StaleSendingCampaigns(_ context.Context, before time.Time) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if c.Status == domain.CampaignSending && c.UpdatedAt.Before(before) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ActiveCampaignIDs(_ context.Context, since time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	for _, ev := range s.events {
		if !ev.CreatedAt.Before(since) {
			seen[ev.CampaignID] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// LedgerCounts counts distinct recipients per event kind for a campaign.
func (s *Store) LedgerCounts(_ context.Context, campaignID string) (map[domain.EventKind]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[domain.EventKind]map[string]bool{}
	for _, ev := range s.events {
		if ev.CampaignID != campaignID {
			continue
		}
		if seen[ev.Kind] == nil {
			seen[ev.Kind] = map[string]bool{}
		}
		seen[ev.Kind][ev.RecipientID] = true
	}
	out := make(map[domain.EventKind]int, len(seen))
	for k, ids := range seen {
		out[k] = len(ids)
	}
	return out, nil
}

// =============================================================================
// Credentials
// =============================================================================

func (s *Store) GetCredential(_ context.Context, id string) (*domain.SMTPCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// =============================================================================
// Recipients
// =============================================================================

func (s *Store) recipientsOf(campaignID string) []domain.Recipient {
	ids := s.order[campaignID]
	out := make([]domain.Recipient, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.recipients[id])
	}
	return out
}

func (s *Store) DispatchableRecipients(_ context.Context, campaignID string) ([]domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Recipient
	for _, r := range s.recipientsOf(campaignID) {
		if r.Dispatchable() {
			out = append(out, r)
		}
	}
	return out, nil
}

// Recipients returns every recipient of a campaign in insertion order.
func (s *Store) Recipients(_ context.Context, campaignID string) ([]domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recipientsOf(campaignID), nil
}

func (s *Store) GetRecipient(_ context.Context, id string) (*domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) LatestRecipientByEmail(_ context.Context, email string) (*domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = domain.NormalizeEmail(email)
	var best *domain.Recipient
	for _, r := range s.recipients {
		if domain.NormalizeEmail(r.Email) != email {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

// RecipientByMessageID resolves through the "sent" ledger entries only.
func (s *Store) RecipientByMessageID(_ context.Context, messageID string) (*domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.Kind == domain.EventSent && ev.ProviderMessageID == messageID && messageID != "" {
			if r, ok := s.recipients[ev.RecipientID]; ok {
				cp := *r
				return &cp, nil
			}
		}
	}
	return nil, domain.ErrNotFound
}

// =============================================================================
// State updates and ledger
// =============================================================================

// ApplyEvent folds o into the recipient row and appends the ledger entry
// atomically.
func (s *Store) ApplyEvent(_ context.Context, recipientID string, o domain.Occurrence) (*domain.Recipient, domain.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[recipientID]
	if !ok {
		return nil, domain.Outcome{}, domain.ErrNotFound
	}
	if o.At.IsZero() {
		o.At = s.now()
	}
	out := domain.Transition(r, o)
	s.events = append(s.events, o.LedgerEntry(uuid.NewString(), r))
	cp := *r
	return &cp, out, nil
}

// Events returns the ledger for a campaign in append order.
func (s *Store) Events(campaignID string) []domain.TrackingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TrackingEvent
	for _, ev := range s.events {
		if ev.CampaignID == campaignID {
			out = append(out, ev)
		}
	}
	return out
}

// =============================================================================
// Tracking artifacts
// =============================================================================

func (s *Store) CreatePixel(_ context.Context, p *domain.TrackingPixel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.pixels[p.ID] = &cp
	return nil
}

func (s *Store) CreateLinks(_ context.Context, links []domain.TrackedLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range links {
		cp := l
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = s.now()
		}
		s.links[l.ID] = &cp
	}
	return nil
}

func (s *Store) GetLink(_ context.Context, id string) (*domain.TrackedLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

// Pixel returns a pixel by id.
func (s *Store) Pixel(id string) (*domain.TrackingPixel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pixels[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// PixelsFor returns the pixels registered for a recipient.
func (s *Store) PixelsFor(recipientID string) []domain.TrackingPixel {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TrackingPixel
	for _, p := range s.pixels {
		if p.RecipientID == recipientID {
			out = append(out, *p)
		}
	}
	return out
}

func (s *Store) RecordPixelHit(_ context.Context, id string, hit domain.Hit) (*domain.TrackingPixel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pixels[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	at := hit.At.UTC()
	p.OpenCount++
	if p.FirstOpenedAt == nil {
		p.FirstOpenedAt = &at
	}
	p.LastOpenedAt = &at
	p.LastIP = hit.IP
	p.LastUserAgent = hit.UserAgent
	cp := *p
	return &cp, nil
}

func (s *Store) RecordLinkClick(_ context.Context, id string, hit domain.Hit) (*domain.TrackedLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	at := hit.At.UTC()
	l.ClickCount++
	if l.FirstClickedAt == nil {
		l.FirstClickedAt = &at
	}
	l.LastClickedAt = &at
	cp := *l
	return &cp, nil
}

// =============================================================================
// Suppressions
// =============================================================================

func (s *Store) IsSuppressed(_ context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.suppressions[domain.NormalizeEmail(email)]
	return ok, nil
}

func (s *Store) Suppress(_ context.Context, sup domain.Suppression) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.NormalizeEmail(sup.Email)
	if _, exists := s.suppressions[key]; exists {
		return nil
	}
	if sup.CreatedAt.IsZero() {
		sup.CreatedAt = s.now()
	}
	sup.Email = key
	s.suppressions[key] = sup
	return nil
}

func (s *Store) RemoveSuppression(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.NormalizeEmail(email)
	if _, ok := s.suppressions[key]; !ok {
		return domain.ErrNotFound
	}
	delete(s.suppressions, key)
	return nil
}
