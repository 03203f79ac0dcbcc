// ABOUTME: Human readable status page rendered from markdown with goldmark.
// ABOUTME: Summarises the native link, registered functions, Lua functions and subscribers.

package gateway

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var statusMarkdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var statusPage = template.Must(template.New("status").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="10">
<title>vox-gateway status</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.25rem 0.75rem; text-align: left; }
code { background: #f4f4f4; padding: 0 0.2rem; }
</style>
</head>
<body>
{{.}}
</body>
</html>
`))

// cell escapes a value for a markdown table cell.
func cell(s string) string {
	if s == "" {
		return "-"
	}
	return strings.NewReplacer("|", `\|`, "\n", " ", "<", "&lt;", ">", "&gt;").Replace(s)
}

// statusMarkdownDoc renders the current state as markdown.
func (g *Gateway) statusMarkdownDoc() string {
	stats := g.Stats()
	var b strings.Builder

	b.WriteString("# vox-gateway\n\n")
	fmt.Fprintf(&b, "Up since %s (%s).\n\n", g.startedAt.UTC().Format(time.RFC3339), time.Since(g.startedAt).Truncate(time.Second))

	b.WriteString("## Native process\n\n")
	b.WriteString("| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Address | `%s` |\n", cell(g.config.Native.Address))
	fmt.Fprintf(&b, "| Codec | %s |\n", cell(g.config.Native.Codec))
	fmt.Fprintf(&b, "| State | **%s** |\n", g.connector.State())
	fmt.Fprintf(&b, "| Pending requests | %d |\n", stats.DLL.PendingRequests)
	fmt.Fprintf(&b, "| Reconnect attempts | %d |\n", stats.DLL.ReconnectAttempts)
	if err := g.connector.LastError(); err != nil {
		fmt.Fprintf(&b, "| Last error | %s |\n", cell(err.Error()))
	}
	b.WriteString("\n")

	b.WriteString("## External functions\n\n")
	if fns := g.registry.List(); len(fns) == 0 {
		b.WriteString("None registered.\n\n")
	} else {
		b.WriteString("| Name | Mode | Timeout | URL | Description |\n|---|---|---|---|---|\n")
		for _, fn := range fns {
			fmt.Fprintf(&b, "| `%s` | %s | %dms | %s | %s |\n",
				fn.Name, fn.Mode, fn.TimeoutMs, cell(fn.URL), cell(fn.Description))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Lua functions\n\n")
	if lua := g.LuaFunctions(); len(lua) == 0 {
		b.WriteString("None announced.\n\n")
	} else {
		b.WriteString("| Name | Description |\n|---|---|\n")
		for _, fn := range lua {
			fmt.Fprintf(&b, "| `%s` | %s |\n", cell(fn.Name), cell(fn.Description))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Event stream\n\n")
	fmt.Fprintf(&b, "%d active subscriber(s).\n", stats.SSE.ActiveClients)
	return b.String()
}

// handleStatus handles GET /status.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	var htmlBuf bytes.Buffer
	if err := statusMarkdown.Convert([]byte(g.statusMarkdownDoc()), &htmlBuf); err != nil {
		g.logger.Error("failed to convert status markdown", "error", err)
		htmlBuf.Reset()
		htmlBuf.WriteString("<p>Failed to render status.</p>")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusPage.Execute(w, template.HTML(htmlBuf.String())); err != nil {
		g.logger.Error("failed to render status page", "error", err)
	}
}
