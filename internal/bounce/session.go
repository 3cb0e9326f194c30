package bounce

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-smtp"

	"mailcast/internal/domain"
	"mailcast/internal/observability"
	"mailcast/internal/util"
	"mailcast/internal/verp"
)

// State is the position of a session in the bounce intake cycle.
type State int

const (
	ReceivingEnvelope State = iota
	BufferingBody
	Classifying
	Acknowledging
)

func (s State) String() string {
	switch s {
	case ReceivingEnvelope:
		return "receiving_envelope"
	case BufferingBody:
		return "buffering_body"
	case Classifying:
		return "classifying"
	case Acknowledging:
		return "acknowledging"
	default:
		return "unknown"
	}
}

// Session handles one SMTP connection. Envelope recipients that decode as
// VERP addresses are resolved to dispatch records; everything else is
// accepted and ignored.
type Session struct {
	srv   *Server
	id    string
	log   *slog.Logger
	state State

	from  string
	mails []domain.Mail
}

var _ smtp.Session = (*Session)(nil)

func (s *Session) State() State { return s.state }

// Mails returns the dispatch records attached to the current envelope.
func (s *Session) Mails() []domain.Mail { return s.mails }

func (s *Session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = util.NormalizeEmail(from)
	s.state = ReceivingEnvelope
	return nil
}

func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	addr := util.NormalizeEmail(to)
	s.log.Info("RCPT", "from", s.from, "to", addr)

	id, ok := verp.Decode(addr)
	if !ok {
		return nil
	}
	ctx, cancel := s.srv.opCtx()
	defer cancel()
	m, err := s.srv.Mails.GetMail(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.log.Info("verp address without dispatch record", "mail_id", id)
	case err != nil:
		s.log.Error("dispatch record lookup failed", "mail_id", id, "err", err)
	default:
		s.mails = append(s.mails, m)
	}
	return nil
}

// Data buffers the report, classifies it and applies hard bounces. It never
// rejects: a malformed report is logged and acknowledged.
func (s *Session) Data(r io.Reader) error {
	s.state = BufferingBody
	buf := &Buffer{Cap: s.srv.bodyCap()}
	if _, err := buf.ReadFrom(r); err != nil {
		return err
	}
	if buf.Truncated() {
		s.log.Info("report truncated", "size", buf.Total(), "kept", len(buf.Bytes()))
	}

	s.state = Classifying
	res, err := Classify(buf.Bytes())
	if err != nil {
		observability.Bounces.WithLabelValues("unparsed").Inc()
		s.log.Error("failed parsing bounce message", "size", buf.Total(), "err", err)
		s.state = Acknowledging
		return nil
	}
	observability.Bounces.WithLabelValues(res.Class.String()).Inc()

	if res.IsHard() {
		s.applyHard(res)
	} else {
		s.log.Info("report ignored", "class", res.Class.String(), "diagnostic", res.Diagnostic, "mails", len(s.mails))
	}
	s.state = Acknowledging
	return nil
}

func (s *Session) applyHard(res Result) {
	for _, m := range s.mails {
		ctx, cancel := s.srv.opCtx()
		_, err := s.srv.Ledger.UpdateStatus(ctx, m.ID, domain.MailBounced, domain.LogEntry{
			Action:   domain.ActionBounced,
			Created:  time.Now().UTC(),
			Response: res.Diagnostic,
			Source:   "MX",
		})
		cancel()
		if err != nil {
			s.log.Error("DBFAIL", "source", "MX", "mail_id", m.ID, "status", "BOUNCED", "err", err)
			continue
		}
		s.log.Info("hard bounce recorded", "mail_id", m.ID, "diagnostic", res.Diagnostic)
	}
}

func (s *Session) Reset() {
	s.from = ""
	s.mails = nil
	s.state = ReceivingEnvelope
}

func (s *Session) Logout() error { return nil }
