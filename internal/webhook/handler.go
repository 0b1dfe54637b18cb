package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/campaign-engine/internal/ingest"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/service/reply"
)

// maxEnvelopeBytes is above the 256 KiB SNS message limit plus envelope.
const maxEnvelopeBytes = 512 << 10

// confirmTimeout bounds a background subscription confirmation, retries
// included.
const confirmTimeout = time.Minute

// ReplyProcessor classifies and records inbound replies.
type ReplyProcessor interface {
	Process(ctx context.Context, in reply.Inbound) (*reply.Result, error)
}

// Options tunes the provider webhook.
type Options struct {
	// Verifier is nil when signature checks are disabled.
	Verifier      *Verifier
	AutoConfirm   bool
	Confirmer     CertFetcher
	AllowedTopics []string
}

type Handler struct {
	queue    ingest.Queue
	replies  ReplyProcessor
	opts     Options
	confirms sync.WaitGroup
	log      *logger.Logger
}

func NewHandler(queue ingest.Queue, replies ReplyProcessor, opts Options) *Handler {
	return &Handler{queue: queue, replies: replies, opts: opts, log: logger.With("component", "webhook")}
}

// Wait blocks until background subscription confirmations have finished.
func (h *Handler) Wait() { h.confirms.Wait() }

func (h *Handler) Mount(r chi.Router) {
	r.Post("/webhooks/provider", h.HandleProvider)
	r.Post("/webhooks/email-reply", h.HandleReply)
}

// HandleProvider always answers 200 so SNS does not retry messages that
// will never succeed; problems are logged and counted.
func (h *Handler) HandleProvider(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes))
	if err != nil {
		h.drop(w, "unknown", "unreadable", "read body failed", err)
		return
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.drop(w, "unknown", "malformed", "envelope is not json", err)
		return
	}
	if len(h.opts.AllowedTopics) > 0 && !slices.Contains(h.opts.AllowedTopics, env.TopicArn) {
		h.drop(w, env.Type, "foreign_topic", "topic not allowed", errors.New(env.TopicArn))
		return
	}
	if h.opts.Verifier != nil {
		if err := h.opts.Verifier.Verify(ctx, &env); err != nil {
			h.drop(w, env.Type, "invalid_signature", "signature verification failed", err)
			return
		}
	}

	switch env.Type {
	case TypeSubscriptionConfirmation:
		h.confirm(ctx, &env)
		metrics.Webhooks.WithLabelValues(env.Type, "ok").Inc()
		httputil.OK(w, map[string]string{"subscribe_url": env.SubscribeURL})
	case TypeUnsubscribeConfirmation:
		h.log.Warn("sns subscription removed", "topic", env.TopicArn)
		metrics.Webhooks.WithLabelValues(env.Type, "ok").Inc()
		httputil.OK(w, map[string]string{"status": "ok"})
	case TypeNotification:
		h.notification(ctx, w, &env)
	default:
		h.drop(w, env.Type, "unknown_type", "unknown sns message type", nil)
	}
}

func (h *Handler) notification(ctx context.Context, w http.ResponseWriter, env *Envelope) {
	ev, err := DecodeSES(env.Message)
	if errors.Is(err, errUnsupported) {
		metrics.Webhooks.WithLabelValues(env.Type, "ignored").Inc()
		httputil.OK(w, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		h.drop(w, env.Type, "malformed", "undecodable ses notification", err)
		return
	}
	sig := ingest.Signal{
		Kind:      ingest.KindProvider,
		MessageID: ev.MessageID,
		Event:     ev.Kind,
		Detail:    ev.Detail,
		Payload:   ev.Payload,
		At:        ev.At,
	}
	if err := h.queue.Enqueue(ctx, sig); err != nil {
		h.drop(w, env.Type, "enqueue_failed", "enqueue provider event failed", err)
		return
	}
	metrics.Webhooks.WithLabelValues(env.Type, "accepted").Inc()
	httputil.OK(w, map[string]string{"status": "accepted"})
}

func (h *Handler) confirm(ctx context.Context, env *Envelope) {
	if !h.opts.AutoConfirm || h.opts.Confirmer == nil {
		h.log.Info("sns subscription pending confirmation", "topic", env.TopicArn)
		return
	}
	if err := ValidSNSURL(env.SubscribeURL); err != nil {
		h.log.Warn("refusing to confirm subscription", "topic", env.TopicArn, "err", err)
		return
	}
	// The confirm GET retries with backoff, so it runs after the response.
	topic, subscribeURL := env.TopicArn, env.SubscribeURL
	h.confirms.Add(1)
	go func() {
		defer h.confirms.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), confirmTimeout)
		defer cancel()
		if _, err := h.opts.Confirmer.Get(cctx, subscribeURL, 64<<10); err != nil {
			h.log.Error("sns subscription confirm failed", "topic", topic, "err", err)
			return
		}
		h.log.Info("sns subscription confirmed", "topic", topic)
	}()
}

func (h *Handler) drop(w http.ResponseWriter, typ, outcome, msg string, err error) {
	if typ == "" {
		typ = "unknown"
	}
	metrics.Webhooks.WithLabelValues(typ, outcome).Inc()
	h.log.Warn("dropping provider webhook: "+msg, "type", typ, "err", err)
	httputil.OK(w, map[string]string{"status": "dropped"})
}

// HandleReply classifies an inbound message posted by the mail relay.
func (h *Handler) HandleReply(w http.ResponseWriter, r *http.Request) {
	var in reply.Inbound
	if !httputil.Decode(w, r, &in) {
		return
	}
	res, err := h.replies.Process(r.Context(), in)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, res)
}
