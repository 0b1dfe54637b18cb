package tracking

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/ingest"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/service/engagement"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// LinkResolver looks up a tracked link for the synchronous redirect.
type LinkResolver interface {
	GetLink(ctx context.Context, id string) (*domain.TrackedLink, error)
}

// Recorder records the unsubscribe transition.
type Recorder interface {
	Record(ctx context.Context, recipientID string, o domain.Occurrence) (*engagement.Result, error)
}

// Suppressor adds an address to the global do-not-send list.
type Suppressor interface {
	Suppress(ctx context.Context, email, reason, source string) error
}

// Handler serves the public pixel, link and unsubscribe endpoints. Opens
// and clicks are handed to the ingest queue; the response never waits on
// state updates.
type Handler struct {
	queue       ingest.Queue
	links       LinkResolver
	rec         Recorder
	sup         Suppressor
	fallbackURL string
	log         *logger.Logger
}

func NewHandler(queue ingest.Queue, links LinkResolver, rec Recorder, sup Suppressor, fallbackURL string) *Handler {
	return &Handler{
		queue:       queue,
		links:       links,
		rec:         rec,
		sup:         sup,
		fallbackURL: fallbackURL,
		log:         logger.With("component", "tracking"),
	}
}

// Mount registers the routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/pixel/{pixelID}", h.HandlePixel)
	r.Get("/link/{linkID}", h.HandleLink)
	r.Get("/unsubscribe", h.HandleUnsubscribe)
	r.Post("/unsubscribe", h.HandleUnsubscribe)
}

func (h *Handler) HandlePixel(w http.ResponseWriter, r *http.Request) {
	sig := h.signal(r, ingest.KindOpen)
	sig.PixelID = chi.URLParam(r, "pixelID")
	h.enqueue(r.Context(), sig)
	servePixel(w)
}

func (h *Handler) HandleLink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "linkID")
	link, err := h.links.GetLink(r.Context(), id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			h.log.Error("link lookup failed", "link_id", id, "err", err)
		}
		metrics.Signals.WithLabelValues(string(ingest.KindClick), "unresolved").Inc()
		http.Redirect(w, r, h.fallbackURL, http.StatusFound)
		return
	}

	sig := h.signal(r, ingest.KindClick)
	sig.LinkID = link.ID
	h.enqueue(r.Context(), sig)
	http.Redirect(w, r, link.OriginalURL, http.StatusFound)
}

// HandleUnsubscribe accepts ?recipientId= from the footer link and
// List-Unsubscribe one-click POSTs, or ?email= for a bare opt-out.
// Repeating it is harmless.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	recipientID := r.FormValue("recipientId")
	email := r.FormValue("email")

	if recipientID == "" && email == "" {
		renderUnsubscribe(w, http.StatusBadRequest, "This unsubscribe link is incomplete.")
		return
	}

	if recipientID != "" {
		res, err := h.rec.Record(ctx, recipientID, domain.Occurrence{
			Kind:    domain.EventUnsubscribed,
			Payload: map[string]any{"source": "unsubscribe_link", "ip": realIP(r)},
		})
		switch {
		case errors.Is(err, engagement.ErrUnresolved):
			h.log.Info("unsubscribe for unknown recipient", "recipient_id", recipientID)
		case err != nil:
			h.log.Error("record unsubscribe failed", "recipient_id", recipientID, "err", err)
			renderUnsubscribe(w, http.StatusInternalServerError, "We could not process your request. Please try again.")
			return
		default:
			email = res.Recipient.Email
		}
	}

	if email != "" {
		if err := h.sup.Suppress(ctx, email, domain.SuppressUnsubscribe, "unsubscribe_link"); err != nil {
			h.log.Warn("suppress on unsubscribe failed", "email", email, "err", err)
		}
	}
	h.log.Info("unsubscribed", "recipient_id", recipientID, "email", email)
	renderUnsubscribe(w, http.StatusOK, "You will no longer receive these emails.")
}

func (h *Handler) signal(r *http.Request, kind ingest.Kind) ingest.Signal {
	ua := r.UserAgent()
	return ingest.Signal{
		Kind:      kind,
		IP:        realIP(r),
		UserAgent: ua,
		Device:    DeviceType(ua),
		Bot:       IsBot(ua),
		At:        time.Now().UTC(),
	}
}

func (h *Handler) enqueue(ctx context.Context, s ingest.Signal) {
	if err := h.queue.Enqueue(ctx, s); err != nil {
		h.log.Warn("enqueue signal failed", "kind", string(s.Kind), "err", err)
	}
}

func servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelGIF)
}

var unsubscribePage = template.Must(template.New("unsubscribe").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Unsubscribe</title></head>
<body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
<h1>{{if .OK}}You have been unsubscribed{{else}}Unsubscribe{{end}}</h1>
<p>{{.Message}}</p>
</body></html>`))

func renderUnsubscribe(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	unsubscribePage.Execute(w, struct {
		OK      bool
		Message string
	}{status == http.StatusOK, msg})
}
