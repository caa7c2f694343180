// Package reporter renders HTTP error responses as either a plain status
// line or an HTML page, for the cases where the Server has nothing useful
// to forward (no match, backend unreachable, admission limit hit).
package reporter

import (
	"html/template"
	"net/http"
	"sync"

	log "github.com/go-pkgz/lgr"
)

// Reporter formats an error status code with an optional Go template.
// Supports {{.ErrMessage}} and {{.ErrCode}}.
type Reporter struct {
	Template string
	Nice     bool

	tmpl struct {
		*template.Template
		sync.Once
	}
}

// Report writes code to w, either as plain text or as the rendered HTML template.
func (rp *Reporter) Report(w http.ResponseWriter, code int) {
	rp.tmpl.Do(func() {
		if rp.Template == "" {
			rp.Template = defaultTemplate
		}
		tp, err := template.New("errmsg").Parse(rp.Template)
		if err != nil {
			log.Printf("[WARN] failed to parse error template, %v", err)
			return
		}
		rp.tmpl.Template = tp
	})

	if rp.tmpl.Template == nil || !rp.Nice {
		http.Error(w, http.StatusText(code), code)
		return
	}

	data := struct {
		ErrMessage string
		ErrCode    int
	}{
		ErrMessage: http.StatusText(code),
		ErrCode:    code,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_ = rp.tmpl.Execute(w, &data) //nolint:errcheck // best-effort body write, client may have gone away
}

var defaultTemplate = `
<!doctype html>
<title>{{.ErrMessage}}</title>
<style>
  body { text-align: center; padding: 150px; }
  h1 { font-size: 50px; }
  body { font: 20px Helvetica, sans-serif; color: #333; }
  article { display: block; text-align: left; width: 650px; margin: 0 auto; }
</style>

<article>
    <h1>{{.ErrCode}} &mdash; {{.ErrMessage}}</h1>
    <div>
        <p>The request could not be routed to a backend.</p>
    </div>
</article>
`
