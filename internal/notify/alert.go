package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/observability"
)

type Alert struct {
	Subject string         `json:"subject"`
	Details map[string]any `json:"details,omitempty"`
}

func (a Alert) Text() string {
	keys := make([]string, 0, len(a.Details))
	for k := range a.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(a.Subject)
	b.WriteString("\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, a.Details[k])
	}
	return b.String()
}

// Alerter raises an operator alert.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the log at warn level.
type LogAlerter struct {
	Logger *slog.Logger
}

func (l LogAlerter) Alert(_ context.Context, a Alert) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	args := []any{"subject", a.Subject}
	for k, v := range a.Details {
		args = append(args, k, v)
	}
	logger.Warn("admin alert", args...)
	return nil
}

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESAlerter emails alerts to the operations inbox through SES v2.
type SESAlerter struct {
	client sesAPI
	from   string
	to     string
}

// NewSESAlerter loads AWS credentials from the environment.
func NewSESAlerter(ctx context.Context, region, from, to string) (*SESAlerter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &SESAlerter{client: sesv2.NewFromConfig(cfg), from: from, to: to}, nil
}

func (s *SESAlerter) Alert(ctx context.Context, a Alert) error {
	subject := "[dispatch] " + a.Subject
	body := a.Text()
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: []string{s.to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body:    &types.Body{Text: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	return nil
}

// MultiAlerter fans out to every alerter and swallows failures after logging.
type MultiAlerter struct {
	alerters []Alerter
	logger   *slog.Logger
}

func NewMultiAlerter(logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{alerters: alerters, logger: logging.Component(logger, "alert")}
}

func (m *MultiAlerter) Alert(ctx context.Context, a Alert) error {
	for _, al := range m.alerters {
		if err := al.Alert(ctx, a); err != nil {
			observability.SideEffectFailures.WithLabelValues("alert").Inc()
			m.logger.Error("alert delivery failed", "subject", a.Subject, "err", err)
		}
	}
	return nil
}
