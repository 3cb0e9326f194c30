package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
)

type dsn struct {
	ReportingMTA string
	ReturnPath   string
	Recipient    string
	Soft         bool
	// Original is the returned message; only its header is attached.
	Original string
	Date     time.Time
}

// writeDSN writes an RFC 3464 multipart/report for d.
func writeDSN(w io.Writer, d dsn) error {
	action, status, reply := "failed", "5.1.1", "550 5.1.1 <"+d.Recipient+">: Recipient address rejected: User unknown"
	subject := "Undelivered Mail Returned to Sender"
	if d.Soft {
		action, status, reply = "delayed", "4.2.2", "452 4.2.2 <"+d.Recipient+">: Mailbox full"
		subject = "Delayed Mail (still being retried)"
	}

	var h message.Header
	h.Set("From", "Mail Delivery System <MAILER-DAEMON@"+d.ReportingMTA+">")
	h.Set("To", d.ReturnPath)
	h.Set("Subject", subject)
	h.Set("Date", d.Date.Format(time.RFC1123Z))
	h.Set("Auto-Submitted", "auto-replied")
	h.Set("MIME-Version", "1.0")
	h.SetContentType("multipart/report", map[string]string{"report-type": "delivery-status"})

	mw, err := message.CreateWriter(w, h)
	if err != nil {
		return err
	}

	var notice message.Header
	notice.SetContentType("text/plain", map[string]string{"charset": "us-ascii"})
	if err := writePart(mw, notice, fmt.Sprintf(
		"This is the mail system at host %s.\r\n\r\nYour message could not be delivered to <%s>.\r\n\r\n    %s\r\n",
		d.ReportingMTA, d.Recipient, reply)); err != nil {
		return err
	}

	var report message.Header
	report.SetContentType("message/delivery-status", nil)
	fields := fmt.Sprintf("Reporting-MTA: dns; %s\r\nArrival-Date: %s\r\n\r\n"+
		"Final-Recipient: rfc822; %s\r\nAction: %s\r\nStatus: %s\r\nDiagnostic-Code: smtp; %s\r\n",
		d.ReportingMTA, d.Date.Format(time.RFC1123Z), d.Recipient, action, status, reply)
	if err := writePart(mw, report, fields); err != nil {
		return err
	}

	var headers message.Header
	headers.SetContentType("text/rfc822-headers", nil)
	if err := writePart(mw, headers, originalHeader(d.Original)); err != nil {
		return err
	}
	return mw.Close()
}

func writePart(mw *message.Writer, h message.Header, body string) error {
	pw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return err
	}
	return pw.Close()
}

// originalHeader returns the header block of a raw message.
func originalHeader(raw string) string {
	if i := strings.Index(raw, "\r\n\r\n"); i >= 0 {
		return raw[:i+2]
	}
	if i := strings.Index(raw, "\n\n"); i >= 0 {
		return raw[:i+1]
	}
	return raw
}
