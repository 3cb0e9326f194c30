package composer

import (
	"fmt"
	"net/url"

	"github.com/aymerick/raymond"

	"mailcast/internal/domain"
)

const defaultLayout = "{{{CONTENTS}}}"

// Templates are the compiled handlebars templates of one campaign. They are
// compiled once per pass and shared by every recipient.
type Templates struct {
	Subject *raymond.Template
	HTML    *raymond.Template
	Layout  *raymond.Template
}

func Compile(c domain.Campaign) (*Templates, error) {
	layout := c.Layout
	if layout == "" {
		layout = defaultLayout
	}
	var (
		t   Templates
		err error
	)
	if t.Subject, err = raymond.Parse(c.Subject); err != nil {
		return nil, fmt.Errorf("subject template: %w", err)
	}
	if t.HTML, err = raymond.Parse(c.HTML); err != nil {
		return nil, fmt.Errorf("html template: %w", err)
	}
	if t.Layout, err = raymond.Parse(layout); err != nil {
		return nil, fmt.Errorf("layout template: %w", err)
	}
	return &t, nil
}

type Rendered struct {
	Subject        string
	HTML           string
	Text           string
	UnsubscribeURL string
}

// Locals builds the merge context for one recipient.
func Locals(site Site, list domain.List, c domain.Campaign, sub domain.Subscriber) (map[string]any, error) {
	base, err := url.Parse(site.AppURL)
	if err != nil {
		return nil, fmt.Errorf("app url: %w", err)
	}
	locals := make(map[string]any, len(sub.Fields)+5)
	for k, v := range sub.Fields {
		locals[k] = v
	}
	locals["NAME"] = sub.Name
	locals["SUBJECT"] = c.Subject
	locals["PREFERENCES_URL"] = base.ResolveReference(&url.URL{Path: "subscribers/edit/" + sub.ID}).String()
	locals["UNSUBSCRIBE_URL"] = base.ResolveReference(&url.URL{Path: "subscribers/unsubscribe/" + sub.ID}).String()

	archived := base.ResolveReference(&url.URL{Path: "archive/" + list.ID + "/view/" + c.ID})
	archived.RawQuery = url.Values{"s": {sub.ID}}.Encode()
	locals["ARCHIVED_URL"] = archived.String()
	return locals, nil
}

func (t *Templates) Render(locals map[string]any, textOnly bool) (Rendered, error) {
	var (
		out Rendered
		err error
	)
	if out.Subject, err = t.Subject.Exec(locals); err != nil {
		return Rendered{}, fmt.Errorf("render subject: %w", err)
	}
	contents, err := t.HTML.Exec(locals)
	if err != nil {
		return Rendered{}, fmt.Errorf("render html: %w", err)
	}

	withContents := make(map[string]any, len(locals)+1)
	for k, v := range locals {
		withContents[k] = v
	}
	withContents["CONTENTS"] = contents
	html, err := t.Layout.Exec(withContents)
	if err != nil {
		return Rendered{}, fmt.Errorf("render layout: %w", err)
	}

	out.Text = HTMLToText(html)
	if !textOnly {
		out.HTML = html
	}
	if u, ok := locals["UNSUBSCRIBE_URL"].(string); ok {
		out.UnsubscribeURL = u
	}
	return out, nil
}
