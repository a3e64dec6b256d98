package deadletter

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsAPI is the subset of the SQS client used by SQSStore.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// sqsMaxBatch is the SQS limit on messages per ReceiveMessage call.
const sqsMaxBatch = 10

// replayVisibility hides received records from other readers while a
// replay is in progress.
const replayVisibility = 60

// SQSStore sends records to an SQS queue. Receipt handles serve as entry
// ids, so an entry can only be removed during the visibility window of the
// List call that returned it.
type SQSStore struct {
	client   sqsAPI
	queueURL string
}

// NewSQSStore creates an SQSStore on an existing client.
func NewSQSStore(client sqsAPI, queueURL string) *SQSStore {
	return &SQSStore{client: client, queueURL: queueURL}
}

// NewSQSStoreFromConfig loads the default AWS configuration for region and
// creates an SQSStore.
func NewSQSStoreFromConfig(ctx context.Context, region, queueURL string) (*SQSStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("deadletter: load aws config: %w", err)
	}
	return NewSQSStore(sqs.NewFromConfig(awsCfg), queueURL), nil
}

func (s *SQSStore) Name() string { return "sqs" }

func (s *SQSStore) Put(ctx context.Context, rec *Record) error {
	data, err := rec.marshal()
	if err != nil {
		return err
	}

	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(data)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.Kind),
			},
			"error_class": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(rec.ErrorClass)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("deadletter: sqs send: %w", err)
	}
	return nil
}

// List receives up to limit messages (at most 10) without long polling.
func (s *SQSStore) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > sqsMaxBatch {
		limit = sqsMaxBatch
	}

	out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		MaxNumberOfMessages: int32(limit),
		WaitTimeSeconds:     0,
		VisibilityTimeout:   replayVisibility,
	})
	if err != nil {
		return nil, fmt.Errorf("deadletter: sqs receive: %w", err)
	}

	entries := make([]Entry, 0, len(out.Messages))
	for _, m := range out.Messages {
		rec, err := unmarshalRecord([]byte(aws.ToString(m.Body)))
		if err != nil {
			continue
		}
		entries = append(entries, Entry{ID: aws.ToString(m.ReceiptHandle), Record: rec})
	}
	return entries, nil
}

// Remove deletes the message with the given receipt handle.
func (s *SQSStore) Remove(ctx context.Context, entryID string) error {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.queueURL),
		ReceiptHandle: aws.String(entryID),
	})
	if err != nil {
		return fmt.Errorf("deadletter: sqs delete: %w", err)
	}
	return nil
}

func (s *SQSStore) Close() error { return nil }
