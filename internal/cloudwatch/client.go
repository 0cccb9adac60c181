// Package cloudwatch wraps the CloudWatch Logs API for shiplog: ensuring
// the target group/stream exist and appending batches of log events.
package cloudwatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"

	"github.com/shiplog/shiplog/internal/log"
)

// maxPutRetries bounds retries of a PutLogEvents call that failed with a
// transport error. API rejections are never retried.
const maxPutRetries = 5

// retryDelay is the pause between PutLogEvents retry attempts.
const retryDelay = time.Second

// api is the slice of the CloudWatch Logs API the client uses.
// *cloudwatchlogs.Client satisfies it; tests substitute a fake.
type api interface {
	CreateLogGroup(ctx context.Context, in *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	CreateLogStream(ctx context.Context, in *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, in *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// Credentials holds the static AWS credentials passed through from flags.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// Client appends log events to a single CloudWatch group/stream.
type Client struct {
	api    api
	group  string
	stream string

	retryDelay time.Duration
}

// NewClient builds a CloudWatch Logs client for the given region and
// static credentials, bound to one group/stream.
func NewClient(ctx context.Context, region string, creds Credentials, group, stream string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Client{
		api:        cloudwatchlogs.NewFromConfig(cfg),
		group:      group,
		stream:     stream,
		retryDelay: retryDelay,
	}, nil
}

// EnsureGroupStream creates the log group and stream, treating
// already-exists as success.
func (c *Client) EnsureGroupStream(ctx context.Context) error {
	log.Info("ensuring log group and stream exist", "group", c.group, "stream", c.stream)

	_, err := c.api.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(c.group),
	})
	if err != nil && !alreadyExists(err) {
		return fmt.Errorf("creating log group %q: %w", c.group, err)
	}

	_, err = c.api.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(c.group),
		LogStreamName: aws.String(c.stream),
	})
	if err != nil && !alreadyExists(err) {
		return fmt.Errorf("creating log stream %q: %w", c.stream, err)
	}

	return nil
}

// PutEvents appends a batch of events to the stream. Transport failures
// are retried up to maxPutRetries times; an error returned by the API
// itself surfaces immediately.
func (c *Client) PutEvents(ctx context.Context, events []types.InputLogEvent) error {
	if len(events) == 0 {
		return nil
	}

	var err error
	for attempt := 1; attempt <= maxPutRetries; attempt++ {
		_, err = c.api.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
			LogGroupName:  aws.String(c.group),
			LogStreamName: aws.String(c.stream),
			LogEvents:     events,
		})
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return fmt.Errorf("putting log events: %w", err)
		}
		if attempt == maxPutRetries {
			break
		}

		log.Warn("network error pushing log events, retrying",
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}

	return fmt.Errorf("putting log events: retries exhausted: %w", err)
}

// alreadyExists reports whether err is a ResourceAlreadyExistsException.
func alreadyExists(err error) bool {
	var exists *types.ResourceAlreadyExistsException
	return errors.As(err, &exists)
}

// retryable reports whether err looks like a transport failure rather
// than an API rejection. If the service produced a typed error, the
// request reached CloudWatch and retrying the same payload won't help.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr smithy.APIError
	return !errors.As(err, &apiErr)
}
