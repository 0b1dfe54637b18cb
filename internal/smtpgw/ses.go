package smtpgw

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/ignite/campaign-engine/internal/domain"
)

// SESAPI is the subset of the SES v2 client the transport uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, in *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// SESTransport sends raw MIME through the SES v2 API. The credential's
// username and password are the access key pair.
type SESTransport struct {
	client SESAPI
}

func NewSESTransport(ctx context.Context, cred *domain.SMTPCredential) (*SESTransport, error) {
	region := cred.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cred.Username != "" && cred.Password != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cred.Username, cred.Password, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &GatewayError{Kind: KindConfig, Stage: StageDial, Hint: hints[KindConfig], Err: err}
	}
	return &SESTransport{client: sesv2.NewFromConfig(cfg)}, nil
}

// NewSESTransportWithClient is used when the caller owns the client.
func NewSESTransportWithClient(client SESAPI) *SESTransport {
	return &SESTransport{client: client}
}

func (t *SESTransport) Verify(ctx context.Context) error {
	out, err := t.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return sesError(StageAuth, err)
	}
	if !out.SendingEnabled {
		return &GatewayError{Kind: KindProvider, Stage: StageAuth, Hint: "sending is paused for this SES account",
			Err: errors.New("ses account sending disabled")}
	}
	return nil
}

func (t *SESTransport) Send(ctx context.Context, env Envelope, raw []byte) (string, error) {
	out, err := t.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(env.From),
		Destination:      &types.Destination{ToAddresses: env.To},
		Content:          &types.EmailContent{Raw: &types.RawMessage{Data: raw}},
	})
	if err != nil {
		return "", sesError(StageAPI, err)
	}
	return aws.ToString(out.MessageId), nil
}

func (t *SESTransport) Close() error { return nil }

func sesError(stage Stage, err error) *GatewayError {
	var (
		rejected *types.MessageRejected
		notVer   *types.MailFromDomainNotVerifiedException
		badReq   *types.BadRequestException
	)
	kind := KindProvider
	switch {
	case errors.As(err, &rejected):
		kind = KindMessage
	case errors.As(err, &notVer):
		kind = KindSender
	case errors.As(err, &badReq):
		kind = KindConfig
	}
	return &GatewayError{Kind: kind, Stage: stage, Hint: hints[kind], Err: fmt.Errorf("ses: %w", err)}
}
