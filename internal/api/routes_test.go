package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ignite/campaign-engine/internal/api"
	"github.com/ignite/campaign-engine/internal/broadcast"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/repository/memory"
	"github.com/ignite/campaign-engine/internal/service/campaign"
	"github.com/ignite/campaign-engine/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T, mutate func(*domain.Campaign)) (http.Handler, *broadcast.Hub) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := memory.New()
	cred := "cred-1"
	store.PutCredential(domain.SMTPCredential{ID: cred, UserID: "u1", FromEmail: "me@sender.example", Verified: true})
	c := domain.Campaign{ID: "c1", UserID: "u1", Subject: "Hi", HTMLBody: "<p>Hi</p>", CredentialID: &cred}
	if mutate != nil {
		mutate(&c)
	}
	store.PutCampaign(c)

	hub := broadcast.NewHub(8)
	svc := campaign.NewService(store, worker.NewJobQueue(rdb, worker.JobQueueOptions{}))
	return api.NewRouter(api.Deps{
		Campaigns: svc,
		Hub:       hub,
		Checks: map[string]api.Check{
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	}), hub
}

func send(h http.Handler, id, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/campaigns/"+id+"/send", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSend_AcceptsThenRejectsDuplicate(t *testing.T) {
	h, _ := newRouter(t, nil)

	rec := send(h, "c1", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp api.SendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "campaign-c1", resp.JobID)
	assert.Equal(t, worker.JobQueued, resp.Status)

	rec = send(h, "c1", `{"user_id":"u1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already queued")
}

func TestSend_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Campaign)
		id     string
		body   string
		want   int
	}{
		{"missing user", nil, "c1", `{}`, http.StatusBadRequest},
		{"bad json", nil, "c1", `{`, http.StatusBadRequest},
		{"unknown campaign", nil, "nope", `{"user_id":"u1"}`, http.StatusNotFound},
		{"foreign campaign", nil, "c1", `{"user_id":"u2"}`, http.StatusForbidden},
		{"no subject", func(c *domain.Campaign) { c.Subject = "" }, "c1", `{"user_id":"u1"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newRouter(t, tt.mutate)
			rec := send(h, tt.id, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestSend_UserFromHeader(t *testing.T) {
	h, _ := newRouter(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/campaigns/c1/send", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestProgress(t *testing.T) {
	h, _ := newRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/campaigns/c1/progress", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusAccepted, send(h, "c1", `{"user_id":"u1"}`).Code)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"queued"`)
}

func TestHealthz(t *testing.T) {
	h, _ := newRouter(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"ok"`)
}

func TestHealthz_FailingCheck(t *testing.T) {
	h := api.HealthHandler(map[string]api.Check{
		"database": func(context.Context) error { return errors.New("connection refused") },
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newRouter(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventsStream(t *testing.T) {
	h, hub := newRouter(t, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/campaigns/c1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, ": subscribed campaign:c1", lines.Text())

	require.Eventually(t, func() bool { return hub.Subscribers("c1") == 1 }, time.Second, 10*time.Millisecond)
	hub.Publish(ctx, broadcast.New(broadcast.CampaignStatusChange, "c1",
		broadcast.StatusChange{From: domain.CampaignDraft, To: domain.CampaignSending}))

	var got []string
	for lines.Scan() {
		if lines.Text() == "" {
			if len(got) > 0 {
				break
			}
			continue
		}
		got = append(got, lines.Text())
	}
	require.Len(t, got, 2)
	assert.Equal(t, "event: campaign-status-change", got[0])
	assert.Contains(t, got[1], `"to":"sending"`)
}

func TestSend_BusyWhenQueueSaturated(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	store := memory.New()
	cred := "cred-1"
	store.PutCredential(domain.SMTPCredential{ID: cred, UserID: "u1", FromEmail: "me@sender.example", Verified: true})
	store.PutCampaign(domain.Campaign{ID: "c2", UserID: "u1", Subject: "Hi", HTMLBody: "<p>Hi</p>", CredentialID: &cred})

	jobs := worker.NewJobQueue(rdb, worker.JobQueueOptions{})
	_, err := jobs.Enqueue(ctx, "c1", "u1")
	require.NoError(t, err)
	bp := worker.NewBackpressureMonitor(jobs, 1, time.Minute)
	bp.Check(ctx)

	h := api.NewRouter(api.Deps{
		Campaigns: campaign.NewService(store, jobs).WithGate(bp),
		Hub:       broadcast.NewHub(8),
	})
	rec := send(h, "c2", `{"user_id":"u1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}
