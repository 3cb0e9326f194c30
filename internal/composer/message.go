package composer

import (
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

type headerInput struct {
	MailID      string
	Owner       string
	ListID      string
	ListName    string
	ListEmail   string
	ToName      string
	ToAddress   string
	ReturnPath  string
	Subject     string
	Unsubscribe string
	Date        time.Time
}

func (c *Composer) header(in headerInput) mail.Header {
	var h mail.Header
	h.SetDate(in.Date)
	h.SetAddressList("From", []*mail.Address{{Name: in.ListName, Address: in.ListEmail}})
	h.SetAddressList("Sender", []*mail.Address{{Name: in.ListName, Address: in.ReturnPath}})
	h.SetAddressList("To", []*mail.Address{{Name: in.ToName, Address: in.ToAddress}})
	h.SetSubject(in.Subject)
	h.Set("Message-ID", "<"+in.MailID+"@"+c.Site.Hostname+">")
	h.Set("X-FBL", in.MailID)
	h.Set("List-ID", mime.QEncoding.Encode("utf-8", in.ListName)+" <"+in.ListID+"."+c.Site.Hostname+">")
	if in.Unsubscribe != "" {
		h.Set("List-Unsubscribe", "<"+strings.Join(strings.Fields(in.Unsubscribe), "+")+">")
	}
	h.Set("Precedence", "bulk")
	h.Set("X-Mailer", c.Site.AppName+" (+ "+c.Site.AppURL+")")
	h.Set("X-Auto-Response-Suppress", "OOF, AutoReply")
	if in.Owner != "" {
		h.Set("X-Mailcast-Owner", in.Owner)
	}
	return h
}

// writeBody writes h followed by a text part and, when html is set, an html
// alternative.
func writeBody(w io.Writer, h mail.Header, text, html string) error {
	if html == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		pw, err := mail.CreateSingleInlineWriter(w, h)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(pw, text); err != nil {
			return err
		}
		return pw.Close()
	}

	iw, err := mail.CreateInlineWriter(w, h)
	if err != nil {
		return err
	}
	if err := writePart(iw, "text/plain", text); err != nil {
		return err
	}
	if err := writePart(iw, "text/html", html); err != nil {
		return err
	}
	return iw.Close()
}

func writePart(iw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := iw.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return err
	}
	return pw.Close()
}
