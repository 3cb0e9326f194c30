package bounce

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
	"github.com/samber/lo"
)

type Class int

const (
	NotBounce Class = iota
	Soft
	Hard
)

func (c Class) String() string {
	switch c {
	case Hard:
		return "hard"
	case Soft:
		return "soft"
	default:
		return "none"
	}
}

// DefaultDiagnostic is reported when a bounce carries no usable code.
const DefaultDiagnostic = "MX"

type Result struct {
	Class Class
	// Diagnostic is the last diagnostic code found in the report.
	Diagnostic string
}

func (r Result) IsHard() bool { return r.Class == Hard }

var (
	statusPattern   = regexp.MustCompile(`\b([245])\.\d{1,3}\.\d{1,3}\b`)
	replyPattern    = regexp.MustCompile(`(?m)^\s*([45])\d\d[ -].*$`)
	bounceSenders   = []string{"mailer-daemon", "postmaster"}
	bounceSubjects  = []string{"undeliver", "delivery status", "delivery failure", "failure notice", "returned mail", "delivery has failed"}
	autoReplyTitles = []string{"out of office", "automatic reply", "auto-reply", "autoreply", "vacation"}
)

// Classify inspects a delivery report. RFC 3464 reports are read per
// recipient; anything else falls back to scanning bounce-looking messages
// for SMTP replies.
func Classify(body []byte) (Result, error) {
	e, err := message.Read(bytes.NewReader(body))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return Result{}, err
	}

	var (
		report bool
		dsn    []dsnField
		texts  []string
	)
	walkErr := e.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return err
		}
		ct, params, _ := part.Header.ContentType()
		switch {
		case ct == "multipart/report" && strings.EqualFold(params["report-type"], "delivery-status"):
			report = true
		case ct == "message/delivery-status" || ct == "message/global-delivery-status":
			fields, err := readDeliveryStatus(part.Body)
			if err != nil {
				return err
			}
			dsn = append(dsn, fields...)
		case ct == "text/plain" || ct == "":
			b, err := io.ReadAll(io.LimitReader(part.Body, 64*1024))
			if err != nil {
				return err
			}
			texts = append(texts, string(b))
		}
		return nil
	})
	if walkErr != nil {
		return Result{}, walkErr
	}

	if len(dsn) > 0 {
		return classifyDSN(dsn), nil
	}
	if report || looksLikeBounce(e.Header) {
		return classifyText(texts), nil
	}
	return Result{Class: NotBounce}, nil
}

type dsnField struct {
	Action     string
	Status     string
	Diagnostic string
}

// readDeliveryStatus parses the per-message and per-recipient field groups
// of a message/delivery-status body.
func readDeliveryStatus(r io.Reader) ([]dsnField, error) {
	br := bufio.NewReader(r)
	var out []dsnField
	for {
		h, err := textproto.ReadHeader(br)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		if f := (dsnField{
			Action:     strings.ToLower(strings.TrimSpace(h.Get("Action"))),
			Status:     strings.TrimSpace(h.Get("Status")),
			Diagnostic: diagnostic(h.Get("Diagnostic-Code")),
		}); f.Action != "" || f.Status != "" {
			out = append(out, f)
		}
		if err != nil {
			return out, nil
		}
		if _, err := br.Peek(1); err != nil {
			return out, nil
		}
	}
}

// diagnostic drops the type prefix of a Diagnostic-Code ("smtp; 550 ...").
func diagnostic(v string) string {
	v = strings.Join(strings.Fields(v), " ")
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = strings.TrimSpace(v[i+1:])
	}
	return v
}

func classifyDSN(fields []dsnField) Result {
	res := Result{Class: NotBounce}
	var codes []string
	for _, f := range fields {
		switch {
		case f.Action == "failed" && !strings.HasPrefix(f.Status, "4."):
			res.Class = Hard
		case f.Action == "delayed" || strings.HasPrefix(f.Status, "4."):
			if res.Class != Hard {
				res.Class = Soft
			}
		}
		codes = append(codes, lo.Compact([]string{f.Status, f.Diagnostic})...)
	}
	res.Diagnostic = lo.LastOr(codes, DefaultDiagnostic)
	return res
}

func classifyText(texts []string) Result {
	res := Result{Class: NotBounce}
	var codes, statuses []string
	for _, t := range texts {
		for _, line := range replyPattern.FindAllString(t, -1) {
			line = strings.TrimSpace(line)
			codes = append(codes, line)
			if strings.HasPrefix(line, "5") {
				res.Class = Hard
			} else if res.Class != Hard {
				res.Class = Soft
			}
		}
		for _, m := range statusPattern.FindAllStringSubmatch(t, -1) {
			statuses = append(statuses, m[0])
			switch m[1] {
			case "5":
				res.Class = Hard
			case "4":
				if res.Class != Hard {
					res.Class = Soft
				}
			}
		}
	}
	res.Diagnostic = lo.LastOr(codes, lo.LastOr(statuses, DefaultDiagnostic))
	return res
}

func looksLikeBounce(h message.Header) bool {
	if auto := strings.ToLower(h.Get("Auto-Submitted")); strings.HasPrefix(auto, "auto-replied") {
		return false
	}
	subject := strings.ToLower(h.Get("Subject"))
	if lo.SomeBy(autoReplyTitles, func(s string) bool { return strings.Contains(subject, s) }) {
		return false
	}
	from := strings.ToLower(h.Get("From"))
	return lo.SomeBy(bounceSenders, func(s string) bool { return strings.Contains(from, s) }) ||
		lo.SomeBy(bounceSubjects, func(s string) bool { return strings.Contains(subject, s) })
}
