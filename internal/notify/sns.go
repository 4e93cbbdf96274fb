package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/sethvargo/go-retry"
)

// Publisher is the slice of the SNS client the sink uses.
type Publisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSConfig locates the topic and, optionally, fixed credentials.
type SNSConfig struct {
	TopicARN        string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// SNSSink publishes events as JSON messages to one topic.
type SNSSink struct {
	client   Publisher
	topicARN string
	retries  uint64
	backoff  time.Duration
}

// SNSOption customises an SNSSink.
type SNSOption func(*SNSSink)

// WithRetry sets the number of retries and the initial exponential delay.
func WithRetry(retries uint64, base time.Duration) SNSOption {
	return func(s *SNSSink) {
		s.retries = retries
		if base > 0 {
			s.backoff = base
		}
	}
}

// NewSNSSink builds an SNS client from the default AWS chain, overridden by
// static credentials and a custom endpoint when given.
func NewSNSSink(ctx context.Context, cfg SNSConfig, opts ...SNSOption) (*SNSSink, error) {
	if cfg.TopicARN == "" {
		return nil, errors.New("notify: topic arn is required")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSNSSinkWithClient(client, cfg.TopicARN, opts...), nil
}

// NewSNSSinkWithClient wraps an existing client.
func NewSNSSinkWithClient(client Publisher, topicARN string, opts ...SNSOption) *SNSSink {
	s := &SNSSink{
		client:   client,
		topicARN: topicARN,
		retries:  3,
		backoff:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify implements Sink. Publish failures are retried with exponential
// backoff until the retry budget or ctx runs out.
func (s *SNSSink) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	in := &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(body)),
	}
	b := retry.WithMaxRetries(s.retries, retry.NewExponential(s.backoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if _, err := s.client.Publish(ctx, in); err != nil {
			return retry.RetryableError(fmt.Errorf("sns publish: %w", err))
		}
		return nil
	})
}
