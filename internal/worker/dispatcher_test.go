package worker_test

import (
	"context"
	"errors"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ignite/campaign-engine/internal/broadcast"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/repository/memory"
	"github.com/ignite/campaign-engine/internal/service/engagement"
	"github.com/ignite/campaign-engine/internal/service/suppression"
	"github.com/ignite/campaign-engine/internal/smtpgw"
	"github.com/ignite/campaign-engine/internal/tracking"
	"github.com/ignite/campaign-engine/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender accepts every message unless reject names the address.
type fakeSender struct {
	mu     sync.Mutex
	reject map[string]bool
	sent   []*smtpgw.Message
}

func (f *fakeSender) Send(_ context.Context, _ string, msg *smtpgw.Message) (*smtpgw.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject[msg.To] {
		return nil, &smtpgw.GatewayError{
			Kind:     smtpgw.KindRecipient,
			Stage:    smtpgw.StageRcpt,
			Rejected: []string{msg.To},
			Err:      &textproto.Error{Code: 550, Msg: "5.1.1 mailbox unavailable"},
		}
	}
	f.sent = append(f.sent, msg)
	return &smtpgw.Receipt{MessageID: "pm-" + msg.RecipientID, Accepted: []string{msg.To}}, nil
}

func (f *fakeSender) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.To)
	}
	return out
}

type env struct {
	store  *memory.Store
	sender *fakeSender
	hub    *broadcast.Hub
	events <-chan broadcast.Event
	d      *worker.Dispatcher
}

const trackingBase = "https://t.example.com"

func newEnv(t *testing.T, opts worker.DispatcherOptions, emails ...string) (*env, []domain.Recipient) {
	t.Helper()
	store := memory.New()
	cred := "cred-1"
	store.PutCredential(domain.SMTPCredential{ID: cred, UserID: "u1", Provider: domain.ProviderSMTP, FromEmail: "owner@sender.example", Verified: true})
	store.PutCampaign(domain.Campaign{
		ID:           "c1",
		UserID:       "u1",
		Name:         "Launch",
		Subject:      "Hi {{ first_name }}",
		HTMLBody:     `<html><body><p>Hello {{ name }} at {{ company }}</p><a href="https://example.com/pricing">Pricing</a><a href="{{ unsubscribe_url }}">unsubscribe</a></body></html>`,
		TextBody:     "Hello {{ name }}",
		FromName:     "Owner",
		CredentialID: &cred,
	})
	var rs []domain.Recipient
	for _, e := range emails {
		rs = append(rs, domain.Recipient{Email: e, Name: "Ada Lovelace", Company: "Engines Ltd"})
	}
	rs = store.AddRecipients("c1", rs...)

	hub := broadcast.NewHub(512)
	events, cancel := hub.Subscribe("c1")
	t.Cleanup(cancel)

	if opts.Pacer == nil {
		opts.Pacer = worker.TokenBucket(0, 1)
	}
	sender := &fakeSender{reject: map[string]bool{}}
	rec := engagement.NewRecorder(store, hub)
	d := worker.NewDispatcher(store, sender, tracking.NewInjector(store, trackingBase), rec,
		suppression.NewService(store), hub, opts)
	return &env{store: store, sender: sender, hub: hub, events: events, d: d}, rs
}

func (e *env) drain() []broadcast.Event {
	var out []broadcast.Event
	for {
		select {
		case ev := <-e.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func progressEvents(evs []broadcast.Event) []broadcast.Progress {
	var out []broadcast.Progress
	for _, ev := range evs {
		if ev.Type == broadcast.CampaignProgress {
			out = append(out, ev.Data.(broadcast.Progress))
		}
	}
	return out
}

func job() *worker.Job { return &worker.Job{ID: worker.JobID("c1"), CampaignID: "c1", UserID: "u1", Attempt: 1} }

func TestDispatcher_AllAccepted(t *testing.T) {
	e, rs := newEnv(t, worker.DispatcherOptions{}, "a@example.com", "b@example.com", "c@example.com")
	ctx := context.Background()

	require.NoError(t, e.d.Run(ctx, job()))

	c, err := e.store.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCompleted, c.Status)
	assert.Equal(t, 3, c.Stats.Sent)
	assert.Equal(t, 3, c.Stats.Delivered)
	assert.Equal(t, 0, c.Stats.Failed)
	assert.NotNil(t, c.CompletedAt)

	progress := progressEvents(e.drain())
	require.Len(t, progress, 3)
	assert.Equal(t, 0, progress[0].Progress)
	assert.Equal(t, domain.CampaignSending, progress[0].Status)
	assert.Equal(t, 100, progress[2].Progress)
	assert.Equal(t, domain.CampaignCompleted, progress[2].Status)

	// Every delivered recipient has a sent ledger entry with the provider id.
	sentBy := map[string]string{}
	for _, ev := range e.store.Events("c1") {
		if ev.Kind == domain.EventSent {
			sentBy[ev.RecipientID] = ev.ProviderMessageID
		}
	}
	for _, r := range rs {
		got, err := e.store.GetRecipient(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RecipientDelivered, got.Status)
		assert.Equal(t, "pm-"+r.ID, sentBy[r.ID])
		assert.Len(t, e.store.PixelsFor(r.ID), 1)
	}
}

func TestDispatcher_RendersAndInstruments(t *testing.T) {
	e, rs := newEnv(t, worker.DispatcherOptions{}, "a@example.com")
	require.NoError(t, e.d.Run(context.Background(), job()))

	require.Len(t, e.sender.sent, 1)
	msg := e.sender.sent[0]
	assert.Equal(t, "Hi Ada", msg.Subject)
	assert.Equal(t, "Hello Ada Lovelace", msg.Text)
	assert.Equal(t, "Owner", msg.FromName)
	assert.Contains(t, msg.HTML, "Hello Ada Lovelace at Engines Ltd")
	assert.Contains(t, msg.HTML, trackingBase+"/link/")
	assert.NotContains(t, msg.HTML, `href="https://example.com/pricing"`)
	assert.Contains(t, msg.HTML, trackingBase+"/pixel/")
	assert.Equal(t, tracking.UnsubscribeURL(trackingBase, rs[0].ID), msg.UnsubscribeURL)
	// The unsubscribe link points at the tracking base and is left alone.
	assert.Contains(t, msg.HTML, tracking.UnsubscribeURL(trackingBase, rs[0].ID))
}

func TestDispatcher_RejectedRecipientFailsAndLoopContinues(t *testing.T) {
	e, rs := newEnv(t, worker.DispatcherOptions{}, "good@example.com", "bad@example.com")
	e.sender.reject["bad@example.com"] = true
	ctx := context.Background()

	require.NoError(t, e.d.Run(ctx, job()))

	first, _ := e.store.GetRecipient(ctx, rs[0].ID)
	second, _ := e.store.GetRecipient(ctx, rs[1].ID)
	assert.Equal(t, domain.RecipientDelivered, first.Status)
	assert.Equal(t, domain.RecipientFailed, second.Status)
	assert.Contains(t, second.LastError, "mailbox unavailable")
	assert.LessOrEqual(t, len([]rune(second.LastError)), domain.MaxErrorLength)

	c, _ := e.store.GetCampaign(ctx, "c1")
	assert.Equal(t, domain.CampaignCompleted, c.Status)
	assert.Equal(t, 1, c.Stats.Failed)
	assert.Equal(t, 1, c.Stats.Sent)

	progress := progressEvents(e.drain())
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, 1, last.Failed)
	assert.Equal(t, 100, last.Progress)
}

func TestDispatcher_NothingAcceptedRevertsToDraft(t *testing.T) {
	e, _ := newEnv(t, worker.DispatcherOptions{}, "bad@example.com")
	e.sender.reject["bad@example.com"] = true
	ctx := context.Background()

	require.NoError(t, e.d.Run(ctx, job()))
	c, _ := e.store.GetCampaign(ctx, "c1")
	assert.Equal(t, domain.CampaignDraft, c.Status)
}

func TestDispatcher_ResumesOnlyUnsentRecipients(t *testing.T) {
	e, rs := newEnv(t, worker.DispatcherOptions{}, "a@example.com", "b@example.com", "c@example.com")
	ctx := context.Background()
	rec := engagement.NewRecorder(e.store, nil)
	_, err := rec.Apply(ctx, rs[0].ID, domain.Occurrence{Kind: domain.EventSent, ProviderMessageID: "old"})
	require.NoError(t, err)
	_, err = rec.Apply(ctx, rs[0].ID, domain.Occurrence{Kind: domain.EventDelivered})
	require.NoError(t, err)
	_, err = rec.Apply(ctx, rs[1].ID, domain.Occurrence{Kind: domain.EventFailed, Detail: "timeout"})
	require.NoError(t, err)

	require.NoError(t, e.d.Run(ctx, job()))
	assert.Equal(t, []string{"b@example.com", "c@example.com"}, e.sender.recipients())

	retried, _ := e.store.GetRecipient(ctx, rs[1].ID)
	assert.Equal(t, domain.RecipientDelivered, retried.Status)
	assert.Empty(t, retried.LastError)
}

func TestDispatcher_SkipsSuppressedAddresses(t *testing.T) {
	e, rs := newEnv(t, worker.DispatcherOptions{}, "a@example.com", "gone@example.com")
	ctx := context.Background()
	require.NoError(t, e.store.Suppress(ctx, domain.Suppression{Email: "gone@example.com", Reason: domain.SuppressUnsubscribe}))

	require.NoError(t, e.d.Run(ctx, job()))
	assert.Equal(t, []string{"a@example.com"}, e.sender.recipients())

	skipped, _ := e.store.GetRecipient(ctx, rs[1].ID)
	assert.Equal(t, domain.RecipientUnsubscribed, skipped.Status)
}

func TestDispatcher_ValidationErrors(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		mutate func(s *memory.Store)
		job    *worker.Job
		want   string
	}{
		{"wrong owner", nil, &worker.Job{CampaignID: "c1", UserID: "intruder"}, "does not belong"},
		{"missing campaign", nil, &worker.Job{CampaignID: "nope", UserID: "u1"}, "not found"},
		{"unverified credential", func(s *memory.Store) {
			s.PutCredential(domain.SMTPCredential{ID: "cred-1", FromEmail: "owner@sender.example"})
		}, job(), "not verified"},
		{"no subject", func(s *memory.Store) {
			c, _ := s.GetCampaign(ctx, "c1")
			c.Subject = ""
			s.PutCampaign(*c)
		}, job(), "no subject"},
		{"already completed", func(s *memory.Store) {
			require.NoError(t, s.SetCampaignStatus(ctx, "c1", domain.CampaignCompleted))
		}, job(), "already completed"},
		{"broken template", func(s *memory.Store) {
			c, _ := s.GetCampaign(ctx, "c1")
			c.HTMLBody = "{% if %}"
			s.PutCampaign(*c)
		}, job(), "html body template"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newEnv(t, worker.DispatcherOptions{}, "a@example.com")
			if tc.mutate != nil {
				tc.mutate(e.store)
			}
			err := e.d.Run(ctx, tc.job)
			require.Error(t, err)
			assert.True(t, worker.IsValidation(err), "expected validation error, got %v", err)
			assert.Contains(t, err.Error(), tc.want)
			assert.Empty(t, e.sender.recipients())
		})
	}
}

func TestDispatcher_NoRecipients(t *testing.T) {
	e, _ := newEnv(t, worker.DispatcherOptions{})
	err := e.d.Run(context.Background(), job())
	require.Error(t, err)
	assert.True(t, worker.IsValidation(err))
	assert.Equal(t, "no recipients", err.Error())
}

type brokenInjector struct{}

func (brokenInjector) Inject(context.Context, string, *domain.Recipient) (*tracking.Injection, error) {
	return nil, errors.New("connection reset by peer")
}
func (brokenInjector) BaseURL() string { return trackingBase }

func TestDispatcher_InfrastructureErrorResetsToDraft(t *testing.T) {
	e, _ := newEnv(t, worker.DispatcherOptions{}, "a@example.com")
	d := worker.NewDispatcher(e.store, e.sender, brokenInjector{}, engagement.NewRecorder(e.store, e.hub),
		suppression.NewService(e.store), e.hub, worker.DispatcherOptions{Pacer: worker.TokenBucket(0, 1)})
	ctx := context.Background()

	err := d.Run(ctx, job())
	require.Error(t, err)
	assert.False(t, worker.IsValidation(err))

	c, _ := e.store.GetCampaign(ctx, "c1")
	assert.Equal(t, domain.CampaignDraft, c.Status)

	var terminal *broadcast.StatusChange
	for _, ev := range e.drain() {
		if ev.Type == broadcast.CampaignStatusChange {
			sc := ev.Data.(broadcast.StatusChange)
			terminal = &sc
		}
	}
	require.NotNil(t, terminal)
	assert.Equal(t, domain.CampaignDraft, terminal.To)
	assert.Contains(t, terminal.Error, "connection reset")
}

func TestDispatcher_ProgressEveryTenSends(t *testing.T) {
	emails := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		emails = append(emails, string(rune('a'+i))+"@example.com")
	}
	e, _ := newEnv(t, worker.DispatcherOptions{}, emails...)
	require.NoError(t, e.d.Run(context.Background(), job()))

	// start, 10th send, last recipient, end
	progress := progressEvents(e.drain())
	require.Len(t, progress, 4)
	assert.Equal(t, 10, progress[1].Sent)
	assert.Equal(t, 83, progress[1].Progress)
}

func TestDispatcher_LockHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	locks := distlock.NewFactory(rdb, nil, time.Minute)

	other := locks(worker.LockKey("c1"))
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	e, _ := newEnv(t, worker.DispatcherOptions{Locks: locks}, "a@example.com")
	err = e.d.Run(context.Background(), job())
	assert.ErrorIs(t, err, worker.ErrLocked)
	assert.Empty(t, e.sender.recipients())

	require.NoError(t, other.Release(context.Background()))
	require.NoError(t, e.d.Run(context.Background(), job()))
	assert.Len(t, e.sender.recipients(), 1)
}

func TestDispatcher_CancelledContext(t *testing.T) {
	e, _ := newEnv(t, worker.DispatcherOptions{Pacer: worker.TokenBucket(0.001, 1)}, "a@example.com", "b@example.com")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := e.d.Run(ctx, job())
	require.Error(t, err)
	assert.False(t, worker.IsValidation(err))
	assert.Equal(t, []string{"a@example.com"}, e.sender.recipients())

	c, _ := e.store.GetCampaign(context.Background(), "c1")
	assert.Equal(t, domain.CampaignDraft, c.Status)
}
