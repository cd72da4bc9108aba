// Package events publishes order lifecycle events to SQS.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/go-faster/jx"

	"github.com/xenking/foodstore/internal/domain/order"
)

const (
	TypePaid          = "order.paid"
	TypePaymentFailed = "order.payment_failed"
)

// SQSAPI is the subset of the SQS client the publisher needs.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

var _ order.EventPublisher = (*Publisher)(nil)

// Publisher sends order events to a single queue.
type Publisher struct {
	sqs      SQSAPI
	queueURL string
}

// NewPublisher returns a Publisher bound to queueURL.
func NewPublisher(client SQSAPI, queueURL string) *Publisher {
	return &Publisher{sqs: client, queueURL: queueURL}
}

// NewSQSPublisher loads the default AWS config for region and returns a
// Publisher backed by a real SQS client.
func NewSQSPublisher(ctx context.Context, region, queueURL string) (*Publisher, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewPublisher(sqs.NewFromConfig(cfg), queueURL), nil
}

func (p *Publisher) PublishPaid(ctx context.Context, o *order.Order) error {
	return p.send(ctx, TypePaid, o)
}

func (p *Publisher) PublishPaymentFailed(ctx context.Context, o *order.Order) error {
	return p.send(ctx, TypePaymentFailed, o)
}

func (p *Publisher) send(ctx context.Context, eventType string, o *order.Order) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(encodeEvent(eventType, o))),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(eventType)},
			"order_id":   {DataType: aws.String("String"), StringValue: aws.String(o.ID)},
		},
	}
	if _, err := p.sqs.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send %s for order %q: %w", eventType, o.ID, err)
	}
	return nil
}

func encodeEvent(eventType string, o *order.Order) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.FieldStart("type")
		e.Str(eventType)
		e.FieldStart("orderId")
		e.Str(o.ID)
		if o.UserID != "" {
			e.FieldStart("userId")
			e.Str(o.UserID)
		}
		e.FieldStart("status")
		e.Str(string(o.Status))
		e.FieldStart("totalPrice")
		e.Str(o.TotalPrice.StringFixed(2))
		e.FieldStart("currency")
		e.Str(o.Currency)
		if code := o.CouponCode(); code != "" {
			e.FieldStart("couponCode")
			e.Str(code)
		}
		e.FieldStart("gatewayOrderId")
		e.Str(o.Payment.GatewayOrderID)
		if o.Payment.FailureReason != "" {
			e.FieldStart("failureReason")
			e.Str(o.Payment.FailureReason)
		}
		if o.PaidAt != nil {
			e.FieldStart("paidAt")
			e.Str(o.PaidAt.UTC().Format(time.RFC3339))
		}
	})
	return e.Bytes()
}

// Nop discards events. It is used when no queue is configured.
type Nop struct{}

func (Nop) PublishPaid(context.Context, *order.Order) error          { return nil }
func (Nop) PublishPaymentFailed(context.Context, *order.Order) error { return nil }
