package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/broadcast"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/service/engagement"
	"github.com/ignite/campaign-engine/internal/smtpgw"
	"github.com/ignite/campaign-engine/internal/tracking"
	"github.com/osteele/liquid"
)

// =============================================================================
// CAMPAIGN DISPATCHER - Sequential, Resumable Send Loop
// =============================================================================
// One job sends one campaign. Recipients are processed strictly in
// insertion order; only pending and failed recipients are (re)sent, so a
// retried job resumes where the previous attempt stopped.

// ValidationError rejects a job permanently. It is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrLocked means another worker holds the campaign's dispatch lock.
var ErrLocked = errors.New("campaign dispatch lock held by another worker")

// Store is the persistence the dispatcher needs.
type Store interface {
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	GetCredential(ctx context.Context, id string) (*domain.SMTPCredential, error)
	SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error
	// DispatchableRecipients returns pending and failed recipients in
	// insertion order.
	DispatchableRecipients(ctx context.Context, campaignID string) ([]domain.Recipient, error)
}

// Sender delivers one message. *smtpgw.Gateway satisfies it.
type Sender interface {
	Send(ctx context.Context, credentialID string, msg *smtpgw.Message) (*smtpgw.Receipt, error)
}

// Injector rewrites outbound HTML. *tracking.Injector satisfies it.
type Injector interface {
	Inject(ctx context.Context, body string, r *domain.Recipient) (*tracking.Injection, error)
	BaseURL() string
}

// Recorder is the state-update primitive. *engagement.Recorder satisfies it.
type Recorder interface {
	Apply(ctx context.Context, recipientID string, o domain.Occurrence) (*engagement.Result, error)
	Refresh(ctx context.Context, campaignID string) (domain.CampaignStats, error)
}

// Suppressions answers whether an address is on the global list.
type Suppressions interface {
	IsSuppressed(ctx context.Context, email string) (bool, error)
}

// ProgressSink stores job progress for pollers. *JobQueue satisfies it.
type ProgressSink interface {
	SetProgress(ctx context.Context, campaignID string, p broadcast.Progress) error
}

// LockKey names the distributed lock guarding a campaign's send loop.
func LockKey(campaignID string) string { return "dispatch:campaign:" + campaignID }

// DispatcherOptions wires optional collaborators.
type DispatcherOptions struct {
	Pacer PacerFunc
	Locks distlock.Factory
	// ProgressEvery is the number of successful sends between progress
	// snapshots.
	ProgressEvery int
	// LockRefresh is how often a running job extends its lock lease.
	LockRefresh time.Duration
	Progress    ProgressSink
}

type Dispatcher struct {
	store    Store
	sender   Sender
	injector Injector
	recorder Recorder
	suppress Suppressions
	pub      broadcast.Publisher
	engine   *liquid.Engine
	opts     DispatcherOptions
	log      *logger.Logger
}

func NewDispatcher(store Store, sender Sender, injector Injector, recorder Recorder,
	suppress Suppressions, pub broadcast.Publisher, opts DispatcherOptions) *Dispatcher {
	if pub == nil {
		pub = broadcast.Discard{}
	}
	if opts.Pacer == nil {
		opts.Pacer = TokenBucket(10, 1)
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 10
	}
	if opts.LockRefresh <= 0 {
		opts.LockRefresh = time.Minute
	}
	return &Dispatcher{
		store:    store,
		sender:   sender,
		injector: injector,
		recorder: recorder,
		suppress: suppress,
		pub:      pub,
		engine:   liquid.NewEngine(),
		opts:     opts,
		log:      logger.With("component", "dispatcher"),
	}
}

// Run executes one job. A ValidationError means the job must not be
// retried; any other error leaves the campaign in draft for the retry.
func (d *Dispatcher) Run(ctx context.Context, job *Job) error {
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	var lock distlock.Lock
	if d.opts.Locks != nil {
		lock = d.opts.Locks(LockKey(job.CampaignID))
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire dispatch lock: %w", err)
		}
		if !ok {
			return ErrLocked
		}
		defer lock.Release(context.WithoutCancel(ctx))
	}

	c, recipients, tpl, err := d.prepare(ctx, job)
	if err != nil {
		if IsValidation(err) {
			metrics.Jobs.WithLabelValues("invalid").Inc()
			d.log.Warn("campaign rejected", "campaign_id", job.CampaignID, "err", err)
		}
		return err
	}

	if err := d.store.SetCampaignStatus(ctx, c.ID, domain.CampaignSending); err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}
	d.pub.Publish(ctx, broadcast.New(broadcast.CampaignStatusChange, c.ID, broadcast.StatusChange{
		From: c.Status, To: domain.CampaignSending,
	}))
	d.log.Info("dispatch started", "campaign_id", c.ID, "recipients", len(recipients), "attempt", job.Attempt)

	final, err := d.send(ctx, c, recipients, tpl, lock)
	if err != nil {
		d.abort(ctx, c.ID, err)
		metrics.Jobs.WithLabelValues("error").Inc()
		return err
	}
	metrics.Jobs.WithLabelValues(string(final)).Inc()
	return nil
}

// prepare loads and validates everything the loop needs.
func (d *Dispatcher) prepare(ctx context.Context, job *Job) (*domain.Campaign, []domain.Recipient, *templates, error) {
	c, err := d.store.GetCampaign(ctx, job.CampaignID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, nil, invalid("campaign %s not found", job.CampaignID)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load campaign: %w", err)
	}
	if c.UserID != job.UserID {
		return nil, nil, nil, invalid("campaign %s does not belong to user %s", c.ID, job.UserID)
	}
	if c.CredentialID == nil || *c.CredentialID == "" {
		return nil, nil, nil, invalid("campaign has no SMTP credential")
	}
	cred, err := d.store.GetCredential(ctx, *c.CredentialID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, nil, invalid("SMTP credential %s not found", *c.CredentialID)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load credential: %w", err)
	}
	if !cred.Verified {
		return nil, nil, nil, invalid("SMTP credential %s is not verified", cred.ID)
	}
	if c.Subject == "" {
		return nil, nil, nil, invalid("campaign has no subject")
	}
	if c.HTMLBody == "" {
		return nil, nil, nil, invalid("campaign has no HTML body")
	}
	if c.Status == domain.CampaignSending || c.Status == domain.CampaignCompleted {
		return nil, nil, nil, invalid("campaign is already %s", c.Status)
	}
	tpl, err := compileTemplates(d.engine, c)
	if err != nil {
		return nil, nil, nil, invalid("%s", err.Error())
	}

	recipients, err := d.store.DispatchableRecipients(ctx, c.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load recipients: %w", err)
	}
	if len(recipients) == 0 {
		return nil, nil, nil, invalid("no recipients")
	}
	return c, recipients, tpl, nil
}

type tally struct {
	total     int
	processed int
	sent      int
	failed    int
}

func (t tally) percent() int {
	if t.total == 0 {
		return 100
	}
	return t.processed * 100 / t.total
}

// send is the per-recipient loop. It returns the campaign's final status.
func (d *Dispatcher) send(ctx context.Context, c *domain.Campaign, recipients []domain.Recipient, tpl *templates, lock distlock.Lock) (domain.CampaignStatus, error) {
	pacer := d.opts.Pacer(c)
	t := tally{total: len(recipients)}
	d.progress(ctx, c.ID, domain.CampaignSending, t)

	lastRefresh := time.Now()
	for i := range recipients {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if lock != nil && time.Since(lastRefresh) >= d.opts.LockRefresh {
			if err := lock.Refresh(ctx); err != nil {
				return "", fmt.Errorf("refresh dispatch lock: %w", err)
			}
			lastRefresh = time.Now()
		}

		r := &recipients[i]
		accepted, err := d.sendOne(ctx, c, r, tpl, pacer)
		if err != nil {
			return "", err
		}
		t.processed++
		if accepted {
			t.sent++
		} else if r.Status == domain.RecipientFailed {
			t.failed++
		}

		last := i == len(recipients)-1
		if last || (accepted && t.sent%d.opts.ProgressEvery == 0) {
			if _, err := d.recorder.Refresh(ctx, c.ID); err != nil {
				return "", err
			}
			d.progress(ctx, c.ID, domain.CampaignSending, t)
		}
	}

	stats, err := d.recorder.Refresh(ctx, c.ID)
	if err != nil {
		return "", err
	}
	final := domain.CampaignCompleted
	if stats.Sent == 0 {
		final = domain.CampaignDraft
	}
	if err := d.store.SetCampaignStatus(ctx, c.ID, final); err != nil {
		return "", fmt.Errorf("mark %s: %w", final, err)
	}
	d.progress(ctx, c.ID, final, t)
	d.pub.Publish(ctx, broadcast.New(broadcast.CampaignStatusChange, c.ID, broadcast.StatusChange{
		From: domain.CampaignSending, To: final,
	}))
	d.log.Info("dispatch finished", "campaign_id", c.ID, "status", string(final),
		"sent", t.sent, "failed", t.failed, "total_sent", stats.Sent)
	return final, nil
}

// sendOne handles a single recipient and reports whether the provider
// accepted the message. Per-recipient problems are recorded on the
// recipient; only infrastructure errors are returned.
func (d *Dispatcher) sendOne(ctx context.Context, c *domain.Campaign, r *domain.Recipient, tpl *templates, pacer Pacer) (bool, error) {
	suppressed, err := d.suppress.IsSuppressed(ctx, r.Email)
	if err != nil {
		return false, fmt.Errorf("check suppression: %w", err)
	}
	if suppressed {
		metrics.EmailsSent.WithLabelValues("suppressed").Inc()
		return false, d.apply(ctx, r, domain.Occurrence{
			Kind:    domain.EventUnsubscribed,
			Payload: map[string]any{"reason": "suppressed"},
		})
	}

	if err := pacer.Wait(ctx); err != nil {
		return false, err
	}

	unsubscribeURL := tracking.UnsubscribeURL(d.injector.BaseURL(), r.ID)
	out, err := tpl.render(bindings(r, unsubscribeURL))
	if err != nil {
		return false, d.fail(ctx, r, err)
	}
	inj, err := d.injector.Inject(ctx, out.html, r)
	if err != nil {
		return false, fmt.Errorf("inject tracking: %w", err)
	}

	receipt, err := d.sender.Send(ctx, *c.CredentialID, &smtpgw.Message{
		FromName:       c.FromName,
		To:             r.Email,
		ToName:         r.Name,
		ReplyTo:        c.ReplyTo,
		Subject:        out.subject,
		HTML:           inj.HTML,
		Text:           out.text,
		CampaignID:     c.ID,
		RecipientID:    r.ID,
		UnsubscribeURL: unsubscribeURL,
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		metrics.EmailsSent.WithLabelValues("failed").Inc()
		d.log.Warn("send failed", "campaign_id", c.ID, "recipient_id", r.ID, "email", r.Email, "err", err)
		return false, d.fail(ctx, r, err)
	}

	metrics.EmailsSent.WithLabelValues("accepted").Inc()
	if err := d.apply(ctx, r, domain.Occurrence{
		Kind:              domain.EventSent,
		ProviderMessageID: receipt.MessageID,
		Payload:           map[string]any{"message_id": receipt.MessageID, "pixel_id": inj.Pixel.ID},
	}); err != nil {
		return true, err
	}
	return true, d.apply(ctx, r, domain.Occurrence{Kind: domain.EventDelivered})
}

func (d *Dispatcher) fail(ctx context.Context, r *domain.Recipient, cause error) error {
	return d.apply(ctx, r, domain.Occurrence{Kind: domain.EventFailed, Detail: cause.Error()})
}

// apply records o and copies the resulting row back into r.
func (d *Dispatcher) apply(ctx context.Context, r *domain.Recipient, o domain.Occurrence) error {
	res, err := d.recorder.Apply(ctx, r.ID, o)
	if err != nil {
		return fmt.Errorf("record %s for %s: %w", o.Kind, r.ID, err)
	}
	*r = *res.Recipient
	return nil
}

func (d *Dispatcher) progress(ctx context.Context, campaignID string, status domain.CampaignStatus, t tally) {
	p := broadcast.Progress{
		Status:    status,
		Total:     t.total,
		Processed: t.processed,
		Sent:      t.sent,
		Failed:    t.failed,
		Progress:  t.percent(),
	}
	d.pub.Publish(ctx, broadcast.New(broadcast.CampaignProgress, campaignID, p))
	if d.opts.Progress != nil {
		if err := d.opts.Progress.SetProgress(ctx, campaignID, p); err != nil {
			d.log.Warn("store job progress", "campaign_id", campaignID, "err", err)
		}
	}
}

// abort resets a campaign whose job failed so the retry starts from draft.
func (d *Dispatcher) abort(ctx context.Context, campaignID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.store.SetCampaignStatus(ctx, campaignID, domain.CampaignDraft); err != nil {
		d.log.Error("reset campaign to draft", "campaign_id", campaignID, "err", err)
	}
	d.pub.Publish(ctx, broadcast.New(broadcast.CampaignStatusChange, campaignID, broadcast.StatusChange{
		From: domain.CampaignSending, To: domain.CampaignDraft, Error: cause.Error(),
	}))
	d.log.Error("dispatch aborted", "campaign_id", campaignID, "err", cause)
}
