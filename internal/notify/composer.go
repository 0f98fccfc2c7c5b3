package notify

import (
	"bytes"
	htmltemplate "html/template"
	"text/template"
	"time"
)

// Line is one device entry in a notification.
type Line struct {
	Device  string
	Message string
	Since   time.Time
}

// Digest is everything sent to one customer in one batch.
type Digest struct {
	CustomerName string
	Alerts       []Line
	Resolutions  []Line
}

// Body is a rendered message.
type Body struct {
	Text string
	HTML string
}

const textLayout = `Hi {{.CustomerName}},
{{if .Alerts}}
The following devices need attention:
{{range .Alerts}}
  - {{.Device}}: {{.Message}} (since {{.Since.Format "Jan 2 15:04 MST"}})
{{- end}}
{{end}}{{if .Resolutions}}
The following devices are generating again:
{{range .Resolutions}}
  - {{.Device}}
{{- end}}
{{end}}
Solar Moon Analytics
`

const htmlLayout = `<html><body>
<p>Hi {{.CustomerName}},</p>
{{if .Alerts}}<p>The following devices need attention:</p>
<ul>{{range .Alerts}}<li><b>{{.Device}}</b>: {{.Message}} (since {{.Since.Format "Jan 2 15:04 MST"}})</li>{{end}}</ul>{{end}}
{{if .Resolutions}}<p>The following devices are generating again:</p>
<ul>{{range .Resolutions}}<li><b>{{.Device}}</b></li>{{end}}</ul>{{end}}
<p>Solar Moon Analytics</p>
</body></html>`

// Composer renders digests. Templates are parsed once.
type Composer struct {
	text *template.Template
	html *htmltemplate.Template
}

// NewComposer parses the message templates.
func NewComposer() *Composer {
	return &Composer{
		text: template.Must(template.New("text").Parse(textLayout)),
		html: htmltemplate.Must(htmltemplate.New("html").Parse(htmlLayout)),
	}
}

// Subject summarizes the digest for the mail subject line.
func (c *Composer) Subject(d Digest) string {
	switch {
	case len(d.Alerts) > 0 && len(d.Resolutions) > 0:
		return "Solar Moon: device alerts and resolutions"
	case len(d.Alerts) > 0:
		return "Solar Moon: device alert"
	default:
		return "Solar Moon: devices resolved"
	}
}

// Render produces the plain text and HTML bodies.
func (c *Composer) Render(d Digest) (Body, error) {
	var text, html bytes.Buffer
	if err := c.text.Execute(&text, d); err != nil {
		return Body{}, err
	}
	if err := c.html.Execute(&html, d); err != nil {
		return Body{}, err
	}
	return Body{Text: text.String(), HTML: html.String()}, nil
}
