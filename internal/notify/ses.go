package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ses"
)

const charset = "UTF-8"

// Sender delivers one message to one recipient.
type Sender interface {
	Send(ctx context.Context, recipient, subject string, body Body) error
}

// SESSender sends mail through Amazon SES.
type SESSender struct {
	client *ses.SES
	from   string
}

// NewSESSender creates a sender from an AWS session.
func NewSESSender(sess *session.Session, from string) *SESSender {
	return &SESSender{client: ses.New(sess), from: from}
}

func (s *SESSender) Send(ctx context.Context, recipient, subject string, body Body) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &ses.Destination{
			ToAddresses: []*string{aws.String(recipient)},
		},
		Message: &ses.Message{
			Subject: &ses.Content{Charset: aws.String(charset), Data: aws.String(subject)},
			Body: &ses.Body{
				Text: &ses.Content{Charset: aws.String(charset), Data: aws.String(body.Text)},
				Html: &ses.Content{Charset: aws.String(charset), Data: aws.String(body.HTML)},
			},
		},
	}
	if _, err := s.client.SendEmailWithContext(ctx, input); err != nil {
		return fmt.Errorf("ses send to %s: %w", recipient, err)
	}
	return nil
}
