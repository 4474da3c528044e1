package view

import (
	"bytes"
	"html/template"
)

// MessagePageData fills the notice page shown by PAGE links.
type MessagePageData struct {
	Title   string
	Message string
	// URL, when set, is offered as a follow-up button.
	URL string
}

var messagePageTmpl = template.Must(template.New("message_page").Parse(`
<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="utf-8" />
	<meta name="viewport" content="width=device-width, initial-scale=1" />
	<meta name="robots" content="noindex" />
	<title>{{.Title}}</title>
	<style>
		:root {
			--bg: #f5f6fa;
			--card: #ffffff;
			--border: #dde1ea;
			--text: #1d2433;
			--muted: #5d6679;
			--accent: #2563eb;
			font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif;
		}
		body {
			margin: 0;
			min-height: 100vh;
			display: flex;
			align-items: center;
			justify-content: center;
			background: var(--bg);
			color: var(--text);
		}
		.notice {
			background: var(--card);
			border: 1px solid var(--border);
			border-radius: 12px;
			padding: 28px 32px;
			width: min(480px, 92vw);
		}
		h1 { font-size: 1.35rem; margin: 0 0 12px; }
		p { color: var(--muted); line-height: 1.5; margin: 0; }
		a.next {
			display: inline-block;
			margin-top: 20px;
			padding: 10px 22px;
			border-radius: 8px;
			background: var(--accent);
			color: #fff;
			text-decoration: none;
		}
	</style>
</head>
<body>
	<div class="notice">
		<h1>{{.Title}}</h1>
		{{if .Message}}<p>{{.Message}}</p>{{end}}
		{{if .URL}}<a class="next" href="{{.URL}}">Continue</a>{{end}}
	</div>
</body>
</html>
`))

// RenderMessagePage expands the notice page template with the provided data.
func RenderMessagePage(data MessagePageData) (string, error) {
	if data.Title == "" {
		data.Title = "Done"
	}
	var buf bytes.Buffer
	if err := messagePageTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
