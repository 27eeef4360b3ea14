// Package broker wraps the SQS queue the coordinator consumes from.
// Delivery is at-least-once with a visibility timeout; acknowledgment is
// late (DeleteMessage after the handler returns).
package broker

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/digital-land/async-request-backend/internal/config"
	"github.com/digital-land/async-request-backend/internal/resilience"
)

// Handler processes one message body. A nil return acknowledges the
// message; an error leaves it for re-delivery after the visibility
// timeout.
type Handler func(ctx context.Context, body []byte) error

// SQSBroker consumes and publishes request messages.
type SQSBroker struct {
	client            sqsiface.SQSAPI
	queueURL          string
	visibilityTimeout int64
	waitSeconds       int64
}

// NewSQS resolves the queue URL and returns a broker.
func NewSQS(ctx context.Context, cfg config.BrokerConfig) (*SQSBroker, error) {
	awsCfg := &aws.Config{}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	if cfg.URL != "" {
		awsCfg.Endpoint = aws.String(cfg.URL)
	}
	if !cfg.Secure {
		awsCfg.DisableSSL = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, eris.Wrap(err, "broker: create aws session")
	}
	client := sqs.New(sess)

	out, err := client.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(cfg.QueueName),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "broker: resolve queue %s", cfg.QueueName)
	}

	return newSQS(client, aws.StringValue(out.QueueUrl), cfg), nil
}

// NewSQSFromClient wraps an existing client. Used by tests.
func NewSQSFromClient(client sqsiface.SQSAPI, queueURL string, cfg config.BrokerConfig) *SQSBroker {
	return newSQS(client, queueURL, cfg)
}

func newSQS(client sqsiface.SQSAPI, queueURL string, cfg config.BrokerConfig) *SQSBroker {
	visibility := int64(cfg.VisibilityTimeout)
	if visibility <= 0 {
		visibility = 60
	}
	wait := int64(cfg.ReceiveWaitSeconds)
	if wait <= 0 {
		wait = 10
	}
	return &SQSBroker{
		client:            client,
		queueURL:          queueURL,
		visibilityTimeout: visibility,
		waitSeconds:       wait,
	}
}

// Publish sends one message body to the queue.
func (b *SQSBroker) Publish(ctx context.Context, body []byte) error {
	_, err := b.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.queueURL),
		MessageBody: aws.String(string(body)),
	})
	return eris.Wrap(err, "broker: send message")
}

// Consume long-polls the queue until ctx is cancelled, handing each
// message to handler. Prefetch is pinned to 1: a worker claims one
// message at a time so work redistributes across the fleet. Transport
// errors are logged and retried; the message itself is protected by the
// visibility timeout.
func (b *SQSBroker) Consume(ctx context.Context, handler Handler) error {
	log := zap.L().With(zap.String("component", "broker.sqs"))
	log.Info("consuming", zap.String("queue", b.queueURL), zap.Int64("visibility_timeout", b.visibilityTimeout))

	for {
		if ctx.Err() != nil {
			log.Info("consume loop stopping")
			return nil
		}

		out, err := b.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(b.queueURL),
			MaxNumberOfMessages: aws.Int64(1),
			WaitTimeSeconds:     aws.Int64(b.waitSeconds),
			VisibilityTimeout:   aws.Int64(b.visibilityTimeout),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("receive failed", zap.Error(err))
			if !resilience.IsTransient(err) {
				// Misconfiguration shows up here as a hard loop;
				// back off harder so logs stay readable.
				sleepCtx(ctx, 10*time.Second)
				continue
			}
			sleepCtx(ctx, 2*time.Second)
			continue
		}

		for _, msg := range out.Messages {
			body := aws.StringValue(msg.Body)
			if err := handler(ctx, []byte(body)); err != nil {
				// Leave the message in flight; it reappears after
				// the visibility timeout.
				log.Error("handler failed, message will be re-delivered", zap.Error(err))
				continue
			}

			if _, err := b.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(b.queueURL),
				ReceiptHandle: msg.ReceiptHandle,
			}); err != nil {
				log.Warn("delete failed, message may be re-delivered", zap.Error(err))
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
