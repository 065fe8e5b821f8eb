package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"

	"github.com/taniwha3/trackwatch/internal/models"
)

// SNSAPI is the part of the SNS client the notifier uses
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes one message per tick for alerts at or above a minimum severity
type SNSNotifier struct {
	api         SNSAPI
	topicARN    string
	minSeverity models.Severity
}

// NewSNSNotifier loads the default AWS credential chain for region
func NewSNSNotifier(ctx context.Context, region, topicARN string, minSeverity models.Severity) (*SNSNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return NewSNSNotifierWithAPI(sns.NewFromConfig(cfg), topicARN, minSeverity), nil
}

// NewSNSNotifierWithAPI builds a notifier over an existing SNS client
func NewSNSNotifierWithAPI(api SNSAPI, topicARN string, minSeverity models.Severity) *SNSNotifier {
	if minSeverity == "" {
		minSeverity = models.SeverityCritical
	}
	return &SNSNotifier{api: api, topicARN: topicARN, minSeverity: minSeverity}
}

// Name returns the notifier name
func (n *SNSNotifier) Name() string {
	return "sns"
}

// Notify publishes the qualifying alerts as a single message.
// Batches with nothing at or above the minimum severity are skipped.
func (n *SNSNotifier) Notify(ctx context.Context, batch Batch) error {
	alerts := atOrAbove(batch.Alerts, n.minSeverity)
	if len(alerts) == 0 {
		return nil
	}
	batch.Alerts = alerts

	_, err := n.api.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(alertSubject(batch)),
		Message:  aws.String(snsMessage(batch)),
	})
	if err != nil {
		return classifySNSError(err)
	}
	return nil
}

// Client faults (bad topic, auth) will not succeed on retry
func classifySNSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
		return &NonRetryableError{Err: fmt.Errorf("failed to publish to SNS: %w", err)}
	}
	return &RetryableError{Err: fmt.Errorf("failed to publish to SNS: %w", err)}
}

func snsMessage(b Batch) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Track health alert\n\nLine: %s\nStation: %s\nHealth score: %.1f\n\n", b.Line, b.Station, b.Score)
	for i, a := range b.Alerts {
		fmt.Fprintf(&sb, "%d. [%s] %s (%s)\n", i+1, strings.ToUpper(string(a.Severity)), a.Message, a.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return sb.String()
}
