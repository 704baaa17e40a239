package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
)

// sqsAPI is the slice of the SQS client the bus uses; tests inject a fake.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *awssqs.SendMessageInput, opts ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *awssqs.ReceiveMessageInput, opts ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *awssqs.DeleteMessageInput, opts ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
}

// SQS is the durable bus backed by an SQS queue. Visibility-timeout expiry
// provides redelivery; deletion on successful handling gives at-least-once
// semantics.
type SQS struct {
	client   sqsAPI
	queueURL string

	// WaitTimeSeconds is the long-poll interval (default 10).
	WaitTimeSeconds int32
	// VisibilityTimeout is how long a received message stays invisible
	// before redelivery (default 120 s).
	VisibilityTimeout int32
}

// NewSQS connects to the queue at queueURL using ambient AWS configuration.
func NewSQS(ctx context.Context, queueURL string) (*SQS, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &SQS{client: awssqs.NewFromConfig(cfg), queueURL: queueURL}, nil
}

// Publish sends the event to the queue. Failures surface as ErrUnavailable.
func (s *SQS) Publish(ctx context.Context, e Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	_, err = s.client.SendMessage(ctx, &awssqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(data)),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Run long-polls the queue until ctx is canceled, handing messages to h one
// at a time. Successfully handled and undecodable messages are deleted;
// handler failures are left for visibility-timeout redelivery.
func (s *SQS) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		out, err := s.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
			QueueUrl:            aws.String(s.queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     orDefault(s.WaitTimeSeconds, 10),
			VisibilityTimeout:   orDefault(s.VisibilityTimeout, 120),
		})
		if err != nil {
			slog.Error("bus.receive.error", "err", err)
			// Back off to avoid a hot loop on persistent errors.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for _, m := range out.Messages {
			if m.ReceiptHandle == nil {
				slog.Warn("bus.message.missing_receipt_handle", "messageID", aws.ToString(m.MessageId))
				continue
			}

			e, decodeErr := Decode([]byte(aws.ToString(m.Body)))
			if decodeErr != nil {
				// Poison message: delete so it does not loop forever.
				slog.Warn("bus.message.dropped", "messageID", aws.ToString(m.MessageId), "err", decodeErr)
				s.delete(ctx, m.ReceiptHandle)
				continue
			}

			if err := h.Handle(ctx, e); err != nil {
				slog.Warn("bus.message.redelivery", "kind", e.Kind(), "err", err)
				continue
			}
			s.delete(ctx, m.ReceiptHandle)
		}
	}
}

func (s *SQS) delete(ctx context.Context, receipt *string) {
	_, err := s.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.queueURL),
		ReceiptHandle: receipt,
	})
	if err != nil {
		slog.Error("bus.message.delete_error", "err", err)
	}
}

func orDefault(v, def int32) int32 {
	if v <= 0 {
		return def
	}
	return v
}
