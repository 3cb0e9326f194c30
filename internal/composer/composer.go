// Package composer turns a campaign and one recipient into a wire-ready
// message and its dispatch record.
package composer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"

	"mailcast/internal/domain"
	"mailcast/internal/util"
	"mailcast/internal/verp"
)

// Site is the public identity messages are sent under.
type Site struct {
	AppName  string
	AppURL   string
	Hostname string
}

type MailStore interface {
	CreateMail(ctx context.Context, m domain.Mail) error
}

type Composer struct {
	Site  Site
	Store MailStore

	NewID func() string
	Now   func() time.Time
}

type Input struct {
	Campaign   domain.Campaign
	List       domain.List
	Subscriber domain.Subscriber
	// Templates are compiled from Campaign when nil.
	Templates *Templates
	TestRun   bool
}

type Envelope struct {
	From string
	To   []string
}

// Message is a composed email. Body streams the RFC 5322 message and must be
// read to EOF or closed.
type Message struct {
	Envelope  Envelope
	MessageID string
	Subject   string
	Body      io.ReadCloser
}

// Compose creates the dispatch record for the recipient and renders the
// message. When rendering fails after the record was created, the record is
// returned together with the error so the caller can mark it errored.
func (c *Composer) Compose(ctx context.Context, in Input) (domain.Mail, *Message, error) {
	now := c.now()
	m := domain.Mail{
		ID:           c.newID(),
		Owner:        in.Campaign.Owner,
		CampaignID:   in.Campaign.ID,
		SubscriberID: in.Subscriber.ID,
		Generation:   in.Campaign.Generation,
		To:           in.Subscriber.Email,
		Status:       domain.MailInitialized,
		Test:         in.TestRun,
		Created:      now,
	}
	if err := c.Store.CreateMail(ctx, m); err != nil {
		return domain.Mail{}, nil, fmt.Errorf("create mail: %w", err)
	}

	tmpl := in.Templates
	if tmpl == nil {
		var err error
		if tmpl, err = Compile(in.Campaign); err != nil {
			return m, nil, err
		}
	}
	locals, err := Locals(c.Site, in.List, in.Campaign, in.Subscriber)
	if err != nil {
		return m, nil, err
	}
	r, err := tmpl.Render(locals, in.Campaign.TextOnly)
	if err != nil {
		return m, nil, err
	}

	var keys openpgp.EntityList
	if in.Subscriber.PublicKey != "" {
		if keys, err = ReadKeys(in.Subscriber.PublicKey); err != nil {
			return m, nil, err
		}
	}

	returnPath := verp.Address(m.ID, c.Site.Hostname)
	h := c.header(headerInput{
		MailID:      m.ID,
		Owner:       in.Campaign.Owner,
		ListID:      in.List.ID,
		ListName:    in.List.Name,
		ListEmail:   in.List.Email,
		ToName:      in.Subscriber.Name,
		ToAddress:   in.Subscriber.Email,
		ReturnPath:  returnPath,
		Subject:     r.Subject,
		Unsubscribe: r.UnsubscribeURL,
		Date:        now,
	})

	pr, pw := io.Pipe()
	go func() {
		var err error
		if keys != nil {
			err = writeEncrypted(pw, h, keys, r.Text, r.HTML)
		} else {
			err = writeBody(pw, h, r.Text, r.HTML)
		}
		pw.CloseWithError(err)
	}()

	return m, &Message{
		Envelope:  Envelope{From: returnPath, To: []string{in.Subscriber.Email}},
		MessageID: m.ID + "@" + c.Site.Hostname,
		Subject:   r.Subject,
		Body:      pr,
	}, nil
}

func (c *Composer) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return util.NewID()
}

func (c *Composer) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return util.NowUTC()
}
