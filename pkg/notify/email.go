package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"

	"github.com/mrz1836/postmark"
)

// EmailConfig holds Postmark credentials. Email notifications are disabled
// when PostmarkServerToken is empty.
type EmailConfig struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"NOTIFY_SENDER_EMAIL"`
	SupportEmail         string `env:"NOTIFY_SUPPORT_EMAIL"`
}

func (c EmailConfig) Enabled() bool { return c.PostmarkServerToken != "" }

// Message is a single outbound email.
type Message struct {
	To       string
	Subject  string
	BodyHTML string
	Tag      string
}

// Sender delivers one email.
type Sender interface {
	SendEmail(ctx context.Context, msg Message) error
}

type postmarkSender struct {
	client *postmark.Client
	from   string
	reply  string
}

// NewPostmarkSender validates cfg and returns a Postmark-backed Sender.
func NewPostmarkSender(cfg EmailConfig) (Sender, error) {
	if cfg.PostmarkServerToken == "" {
		return nil, fmt.Errorf("%w: PostmarkServerToken is required", ErrInvalidConfig)
	}
	if _, err := mail.ParseAddress(cfg.SenderEmail); err != nil {
		return nil, fmt.Errorf("%w: SenderEmail must be a valid email address", ErrInvalidConfig)
	}
	reply := cfg.SupportEmail
	if reply == "" {
		reply = cfg.SenderEmail
	} else if _, err := mail.ParseAddress(reply); err != nil {
		return nil, fmt.Errorf("%w: SupportEmail must be a valid email address", ErrInvalidConfig)
	}

	return &postmarkSender{
		client: postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken),
		from:   cfg.SenderEmail,
		reply:  reply,
	}, nil
}

func (s *postmarkSender) SendEmail(ctx context.Context, msg Message) error {
	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:     s.from,
		ReplyTo:  s.reply,
		To:       msg.To,
		Subject:  msg.Subject,
		Tag:      msg.Tag,
		HTMLBody: msg.BodyHTML,
	})
	if err != nil {
		return errors.Join(ErrDeliveryFailed, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(
			ErrDeliveryFailed,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message),
		)
	}
	return nil
}

var emailTemplates = map[Type]struct {
	subject string
	body    *template.Template
}{
	TypeActivated: {
		subject: "Your subscription is active",
		body: template.Must(template.New("activated").Parse(
			`<p>Your subscription to <strong>{{.ProductID}}</strong> is now active.</p>` +
				`<p>Reference: {{.ExternalReference}}</p>`)),
	},
	TypeCancelled: {
		subject: "Your subscription was cancelled",
		body: template.Must(template.New("cancelled").Parse(
			`<p>Your subscription to <strong>{{.ProductID}}</strong> has been cancelled.</p>` +
				`{{with .Reason}}<p>Reason: {{.}}</p>{{end}}` +
				`<p>Reference: {{.ExternalReference}}</p>`)),
	},
}

// EmailNotifier emails the customer about activations and cancellations.
type EmailNotifier struct {
	sender Sender
}

func NewEmailNotifier(sender Sender) *EmailNotifier {
	return &EmailNotifier{sender: sender}
}

// Notify renders and sends the email for ev. Events without a customer email
// are skipped.
func (n *EmailNotifier) Notify(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.CustomerEmail == "" {
		return nil
	}
	tpl, ok := emailTemplates[ev.Type]
	if !ok {
		return nil
	}

	var body bytes.Buffer
	if err := tpl.body.Execute(&body, ev); err != nil {
		return fmt.Errorf("render %s email: %w", ev.Type, err)
	}

	return n.sender.SendEmail(ctx, Message{
		To:       ev.CustomerEmail,
		Subject:  tpl.subject,
		BodyHTML: body.String(),
		Tag:      string(ev.Type),
	})
}
