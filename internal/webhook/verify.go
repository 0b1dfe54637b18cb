package webhook

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// ErrInvalidSignature is returned for envelopes that fail verification.
var ErrInvalidSignature = errors.New("webhook: invalid sns signature")

// CertFetcher downloads a signing certificate. *httpretry.Client
// satisfies it.
type CertFetcher interface {
	Get(ctx context.Context, url string, limit int64) ([]byte, error)
}

var snsHost = regexp.MustCompile(`^sns\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`)

// maxCertBytes bounds a downloaded PEM.
const maxCertBytes = 64 << 10

// Verifier checks SNS message signatures against the signing certificate
// named in the envelope. Certificates are cached by URL.
type Verifier struct {
	fetch CertFetcher
	certs *cache.Cache
}

func NewVerifier(fetch CertFetcher) *Verifier {
	return &Verifier{fetch: fetch, certs: cache.New(24*time.Hour, time.Hour)}
}

// Verify returns nil when env carries a valid SignatureVersion 1 or 2
// signature from an SNS-hosted certificate.
func (v *Verifier) Verify(ctx context.Context, env *Envelope) error {
	if err := ValidSNSURL(env.SigningCertURL); err != nil {
		return fmt.Errorf("%w: signing cert url: %v", ErrInvalidSignature, err)
	}
	var alg x509.SignatureAlgorithm
	switch env.SignatureVersion {
	case "1":
		alg = x509.SHA1WithRSA
	case "2":
		alg = x509.SHA256WithRSA
	default:
		return fmt.Errorf("%w: unsupported signature version %q", ErrInvalidSignature, env.SignatureVersion)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature encoding: %v", ErrInvalidSignature, err)
	}
	canonical, err := StringToSign(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	cert, err := v.cert(ctx, env.SigningCertURL)
	if err != nil {
		return err
	}
	if err := cert.CheckSignature(alg, []byte(canonical), sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func (v *Verifier) cert(ctx context.Context, certURL string) (*x509.Certificate, error) {
	if c, ok := v.certs.Get(certURL); ok {
		return c.(*x509.Certificate), nil
	}
	raw, err := v.fetch.Get(ctx, certURL, maxCertBytes)
	if err != nil {
		return nil, fmt.Errorf("fetch signing cert: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%w: signing cert is not PEM", ErrInvalidSignature)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse signing cert: %v", ErrInvalidSignature, err)
	}
	v.certs.Set(certURL, cert, cache.DefaultExpiration)
	return cert, nil
}

// ValidSNSURL accepts only HTTPS URLs on an SNS regional endpoint.
func ValidSNSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not https", u.Scheme)
	}
	if !snsHost.MatchString(strings.ToLower(u.Hostname())) {
		return fmt.Errorf("host %q is not an sns endpoint", u.Hostname())
	}
	return nil
}

// StringToSign builds the canonical newline-delimited form SNS signs.
func StringToSign(env *Envelope) (string, error) {
	type kv struct{ k, v string }
	var fields []kv
	switch env.Type {
	case TypeNotification:
		fields = []kv{{"Message", env.Message}, {"MessageId", env.MessageID}}
		if env.Subject != "" {
			fields = append(fields, kv{"Subject", env.Subject})
		}
		fields = append(fields, kv{"Timestamp", env.Timestamp}, kv{"TopicArn", env.TopicArn}, kv{"Type", env.Type})
	case TypeSubscriptionConfirmation, TypeUnsubscribeConfirmation:
		fields = []kv{
			{"Message", env.Message}, {"MessageId", env.MessageID}, {"SubscribeURL", env.SubscribeURL},
			{"Timestamp", env.Timestamp}, {"Token", env.Token}, {"TopicArn", env.TopicArn}, {"Type", env.Type},
		}
	default:
		return "", fmt.Errorf("unknown message type %q", env.Type)
	}
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f.k)
		b.WriteByte('\n')
		b.WriteString(f.v)
		b.WriteByte('\n')
	}
	return b.String(), nil
}
