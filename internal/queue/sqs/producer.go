package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// MaxMessageBytes is the SQS message size limit.
const MaxMessageBytes = 256 * 1024

var ErrTooLarge = errors.New("message exceeds queue size limit")

// API is the subset of the SQS client the queues use.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// OutboundMail is one composed message handed to the delivery agent. Raw is
// the full RFC 5322 message.
type OutboundMail struct {
	ID    string   `json:"id"`
	Owner string   `json:"owner"`
	Zone  string   `json:"zone"`
	From  string   `json:"from"`
	To    []string `json:"to"`
	Raw   string   `json:"raw"`
}

const ZoneLists = "lists"

type Producer struct {
	SQS      API
	QueueURL string
}

// Send enqueues v as a JSON message body.
func (p *Producer) Send(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > MaxMessageBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(body))
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.QueueURL),
		MessageBody: aws.String(string(body)),
	})
	return err
}

func (p *Producer) PushMail(ctx context.Context, m OutboundMail) error {
	if m.Zone == "" {
		m.Zone = ZoneLists
	}
	return p.Send(ctx, m)
}
