package webhook

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/ingest"
	"github.com/ignite/campaign-engine/internal/repository/memory"
	"github.com/ignite/campaign-engine/internal/service/engagement"
	"github.com/ignite/campaign-engine/internal/service/reply"
	"github.com/ignite/campaign-engine/internal/service/suppression"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const certURL = "https://sns.us-east-1.amazonaws.com/SimpleNotificationService-test.pem"

type signer struct {
	key *rsa.PrivateKey
	pem []byte
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "sns.amazonaws.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return &signer{key: key, pem: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})}
}

func (s *signer) sign(t *testing.T, msg *Envelope, version string) {
	t.Helper()
	msg.SignatureVersion = version
	msg.SigningCertURL = certURL
	canonical, err := StringToSign(msg)
	require.NoError(t, err)

	var sig []byte
	if version == "1" {
		sum := sha1.Sum([]byte(canonical))
		sig, err = rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA1, sum[:])
	} else {
		sum := sha256.Sum256([]byte(canonical))
		sig, err = rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, sum[:])
	}
	require.NoError(t, err)
	msg.Signature = base64.StdEncoding.EncodeToString(sig)
}

type fakeFetcher struct {
	mu    sync.Mutex
	body  map[string][]byte
	calls map[string]int
	// block, when set, holds every subscribe call until closed.
	block chan struct{}
}

func (f *fakeFetcher) Get(_ context.Context, url string, _ int64) ([]byte, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[url]++
	body, block := f.body[url], f.block
	f.mu.Unlock()
	if block != nil && url != certURL {
		<-block
	}
	return body, nil
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type env struct {
	store   *memory.Store
	router  chi.Router
	signer  *signer
	fetcher *fakeFetcher
	handler *Handler
	r       domain.Recipient
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	store := memory.New()
	store.PutCampaign(domain.Campaign{ID: "c1", UserID: "u1", Status: domain.CampaignCompleted})
	r := store.AddRecipients("c1", domain.Recipient{Email: "lead@example.com"})[0]
	rec := engagement.NewRecorder(store, nil)
	_, err := rec.Apply(context.Background(), r.ID, domain.Occurrence{Kind: domain.EventSent, ProviderMessageID: "ses-msg-1"})
	require.NoError(t, err)
	_, err = rec.Apply(context.Background(), r.ID, domain.Occurrence{Kind: domain.EventDelivered})
	require.NoError(t, err)

	s := newSigner(t)
	f := &fakeFetcher{body: map[string][]byte{certURL: s.pem}}
	if opts.Verifier == nil {
		opts.Verifier = NewVerifier(f)
	}
	if opts.Confirmer == nil {
		opts.Confirmer = f
	}
	queue := ingest.Inline(ingest.NewProcessor(rec, suppression.NewService(store)).Handle)
	router := chi.NewRouter()
	h := NewHandler(queue, reply.NewDetector(store, rec), opts)
	h.Mount(router)
	return &env{store: store, router: router, signer: s, fetcher: f, handler: h, r: r}
}

func (e *env) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func notification(t *testing.T, message any) *Envelope {
	t.Helper()
	b, err := json.Marshal(message)
	require.NoError(t, err)
	return &Envelope{
		Type:      TypeNotification,
		MessageID: "sns-1",
		TopicArn:  "arn:aws:sns:us-east-1:123456789012:ses-events",
		Message:   string(b),
		Timestamp: "2025-01-06T10:00:00.000Z",
	}
}

func bounce(messageID, bounceType string) map[string]any {
	return map[string]any{
		"notificationType": "Bounce",
		"mail":             map[string]any{"messageId": messageID, "timestamp": "2025-01-06T09:59:00.000Z"},
		"bounce": map[string]any{
			"bounceType":    bounceType,
			"bounceSubType": "General",
			"timestamp":     "2025-01-06T10:00:00.000Z",
			"bouncedRecipients": []map[string]any{
				{"emailAddress": "lead@example.com", "status": "5.1.1", "diagnosticCode": "smtp; 550 5.1.1 user unknown"},
			},
		},
	}
}

func TestProvider_BounceForUnknownMessageIsDropped(t *testing.T) {
	e := newEnv(t, Options{})
	before := len(e.store.Events("c1"))

	n := notification(t, bounce("never-sent", "Permanent"))
	e.signer.sign(t, n, "2")
	w := e.post(t, "/webhooks/provider", n)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, e.store.Events("c1"), before)
	got, _ := e.store.GetRecipient(context.Background(), e.r.ID)
	assert.Equal(t, domain.RecipientDelivered, got.Status)
	suppressed, _ := e.store.IsSuppressed(context.Background(), "lead@example.com")
	assert.False(t, suppressed)
}

func TestProvider_PermanentBounceApplied(t *testing.T) {
	e := newEnv(t, Options{})

	n := notification(t, bounce("ses-msg-1", "Permanent"))
	e.signer.sign(t, n, "1")
	w := e.post(t, "/webhooks/provider", n)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "accepted")

	got, _ := e.store.GetRecipient(context.Background(), e.r.ID)
	assert.Equal(t, domain.RecipientBounced, got.Status)
	events := e.store.Events("c1")
	last := events[len(events)-1]
	assert.Equal(t, domain.EventBounced, last.Kind)
	assert.Equal(t, "ses-msg-1", last.ProviderMessageID)
	assert.Equal(t, "Permanent", last.Payload["bounce_type"])
	suppressed, _ := e.store.IsSuppressed(context.Background(), "lead@example.com")
	assert.True(t, suppressed)
}

func TestProvider_OpenEventViaConfigurationSet(t *testing.T) {
	e := newEnv(t, Options{})
	n := notification(t, map[string]any{
		"eventType": "Open",
		"mail":      map[string]any{"messageId": "ses-msg-1"},
		"open":      map[string]any{"timestamp": "2025-01-06T11:00:00.000Z", "ipAddress": "198.51.100.7", "userAgent": "Mozilla"},
	})
	e.signer.sign(t, n, "2")
	require.Equal(t, http.StatusOK, e.post(t, "/webhooks/provider", n).Code)

	got, _ := e.store.GetRecipient(context.Background(), e.r.ID)
	assert.Equal(t, domain.RecipientOpened, got.Status)
}

func TestProvider_TamperedSignatureDropped(t *testing.T) {
	e := newEnv(t, Options{})
	n := notification(t, bounce("ses-msg-1", "Permanent"))
	e.signer.sign(t, n, "2")
	n.Message = string(mustJSON(t, bounce("ses-msg-1", "Transient")))

	w := e.post(t, "/webhooks/provider", n)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dropped")
	got, _ := e.store.GetRecipient(context.Background(), e.r.ID)
	assert.Equal(t, domain.RecipientDelivered, got.Status)
}

func TestProvider_ForeignCertHostRejected(t *testing.T) {
	e := newEnv(t, Options{})
	n := notification(t, bounce("ses-msg-1", "Permanent"))
	e.signer.sign(t, n, "2")
	n.SigningCertURL = "https://evil.example.com/cert.pem"

	e.post(t, "/webhooks/provider", n)
	got, _ := e.store.GetRecipient(context.Background(), e.r.ID)
	assert.Equal(t, domain.RecipientDelivered, got.Status)
	assert.Zero(t, e.fetcher.count("https://evil.example.com/cert.pem"))
}

func TestProvider_SubscriptionConfirmation(t *testing.T) {
	e := newEnv(t, Options{AutoConfirm: true})
	sub := &Envelope{
		Type:         TypeSubscriptionConfirmation,
		MessageID:    "sns-2",
		Token:        "tok",
		TopicArn:     "arn:aws:sns:us-east-1:123456789012:ses-events",
		Message:      "You have chosen to subscribe",
		SubscribeURL: "https://sns.us-east-1.amazonaws.com/?Action=ConfirmSubscription&Token=tok",
		Timestamp:    "2025-01-06T10:00:00.000Z",
	}
	e.signer.sign(t, sub, "2")

	w := e.post(t, "/webhooks/provider", sub)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, sub.SubscribeURL, body["subscribe_url"])
	e.handler.Wait()
	assert.Equal(t, 1, e.fetcher.count(sub.SubscribeURL))
	assert.Equal(t, 1, e.fetcher.count(certURL))
}

func TestProvider_SubscriptionConfirmDoesNotBlockResponse(t *testing.T) {
	e := newEnv(t, Options{AutoConfirm: true})
	release := make(chan struct{})
	e.fetcher.mu.Lock()
	e.fetcher.block = release
	e.fetcher.mu.Unlock()

	sub := &Envelope{
		Type:         TypeSubscriptionConfirmation,
		MessageID:    "sns-3",
		Token:        "tok",
		TopicArn:     "arn:aws:sns:us-east-1:123456789012:ses-events",
		Message:      "You have chosen to subscribe",
		SubscribeURL: "https://sns.us-east-1.amazonaws.com/?Action=ConfirmSubscription&Token=tok",
		Timestamp:    "2025-01-06T10:00:00.000Z",
	}
	e.signer.sign(t, sub, "2")

	done := make(chan int, 1)
	go func() { done <- e.post(t, "/webhooks/provider", sub).Code }()
	select {
	case code := <-done:
		assert.Equal(t, http.StatusOK, code)
	case <-time.After(2 * time.Second):
		t.Fatal("response waited for the confirmation request")
	}

	close(release)
	e.handler.Wait()
	assert.Equal(t, 1, e.fetcher.count(sub.SubscribeURL))
}

func TestProvider_CertIsCached(t *testing.T) {
	e := newEnv(t, Options{})
	for i := 0; i < 3; i++ {
		n := notification(t, bounce("unknown", "Transient"))
		e.signer.sign(t, n, "2")
		e.post(t, "/webhooks/provider", n)
	}
	assert.Equal(t, 1, e.fetcher.count(certURL))
}

func TestProvider_MalformedStill200(t *testing.T) {
	e := newEnv(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReplyWebhook(t *testing.T) {
	e := newEnv(t, Options{})

	w := e.post(t, "/webhooks/email-reply", map[string]string{
		"from":    "lead@example.com",
		"subject": "Re: intro",
		"body":    "Interested, send details.",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var res reply.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Processed)

	w = e.post(t, "/webhooks/email-reply", map[string]string{"subject": "Re: intro"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecodeSES_Unsupported(t *testing.T) {
	_, err := DecodeSES(`{"eventType":"Send","mail":{"messageId":"m"}}`)
	assert.ErrorIs(t, err, errUnsupported)
}

func TestValidSNSURL(t *testing.T) {
	assert.NoError(t, ValidSNSURL("https://sns.eu-west-1.amazonaws.com/x.pem"))
	assert.NoError(t, ValidSNSURL("https://sns.cn-north-1.amazonaws.com.cn/x.pem"))
	assert.Error(t, ValidSNSURL("http://sns.us-east-1.amazonaws.com/x.pem"))
	assert.Error(t, ValidSNSURL("https://sns.us-east-1.amazonaws.com.evil.io/x.pem"))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
