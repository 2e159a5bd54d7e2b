package http

import (
	"fmt"
	"html/template"
	"time"

	"github.com/kjstillabower/status-poller/internal/models"
)

type dashboardData struct {
	Summary models.Summary
	Uptime  time.Duration
}

type detailData struct {
	Status models.TargetStatus
	Checks []models.Check
}

var templateFuncs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.UTC().Format("2006-01-02 15:04:05Z")
	},
	"formatLatency": func(d time.Duration) string {
		return d.Round(time.Millisecond).String()
	},
	"formatUptime": func(pct *float64) string {
		if pct == nil {
			return "n/a"
		}
		return fmt.Sprintf("%.2f%%", *pct)
	},
	"statusClass": func(s models.CheckStatus) string {
		switch s {
		case models.StatusUp:
			return "up"
		case models.StatusDown:
			return "down"
		default:
			return "unknown"
		}
	},
}

const pageStyle = `
<style>
  body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 20px; background: #f4f5f7; color: #1f2328; }
  .container { max-width: 1100px; margin: 0 auto; background: #fff; border-radius: 10px; box-shadow: 0 2px 10px rgba(0,0,0,0.08); overflow: hidden; }
  header { background: #24292f; color: #fff; padding: 20px 30px; }
  header h1 { margin: 0 0 6px 0; font-size: 1.6em; }
  header .meta { opacity: 0.8; font-size: 0.9em; }
  .counts { display: flex; gap: 16px; padding: 20px 30px; }
  .count { flex: 1; border-radius: 8px; padding: 14px; text-align: center; font-size: 1.1em; background: #f6f8fa; }
  table { width: 100%; border-collapse: collapse; }
  th, td { text-align: left; padding: 10px 30px; border-bottom: 1px solid #eaeef2; font-size: 0.95em; }
  th { background: #f6f8fa; font-weight: 600; }
  .badge { display: inline-block; border-radius: 12px; padding: 2px 10px; font-size: 0.85em; font-weight: 600; }
  .up { background: #dafbe1; color: #116329; }
  .down { background: #ffebe9; color: #a40e26; }
  .unknown { background: #eaeef2; color: #57606a; }
  .stale { color: #9a6700; font-size: 0.85em; }
  .error { color: #a40e26; font-family: monospace; font-size: 0.85em; }
  a { color: #0969da; text-decoration: none; }
</style>`

var dashboardTemplate = template.Must(template.New("dashboard").Funcs(templateFuncs).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <meta http-equiv="refresh" content="30">
  <title>Status</title>` + pageStyle + `
</head>
<body>
<div class="container">
  <header>
    <h1>Status</h1>
    <div class="meta">Generated {{formatTime .Summary.GeneratedAt}} &middot; uptime window {{.Summary.Window}} &middot; service up {{.Uptime}}</div>
  </header>
  <div class="counts">
    <div class="count up">{{.Summary.Up}} up</div>
    <div class="count down">{{.Summary.Down}} down</div>
    <div class="count unknown">{{.Summary.Unknown}} unknown</div>
  </div>
  <table>
    <thead>
      <tr><th>Target</th><th>Status</th><th>Last check</th><th>Latency</th><th>Uptime</th><th>Failures</th></tr>
    </thead>
    <tbody>
    {{- range .Summary.Targets}}
      <tr>
        <td><a href="/targets/{{.Target.Name}}">{{.Target.Name}}</a><br><small>{{.Target.URL}}</small></td>
        <td><span class="badge {{statusClass .Status}}">{{.Status}}</span>{{if .Stale}} <span class="stale">stale</span>{{end}}</td>
        {{- with .LastCheck}}
        <td>{{formatTime .CheckedAt}}{{if .Error}}<br><span class="error">{{.Error}}</span>{{end}}</td>
        <td>{{formatLatency .Latency}}</td>
        {{- else}}
        <td>never</td>
        <td>-</td>
        {{- end}}
        <td>{{formatUptime .UptimePct}}</td>
        <td>{{.ConsecutiveFailures}}</td>
      </tr>
    {{- else}}
      <tr><td colspan="6">No targets configured.</td></tr>
    {{- end}}
    </tbody>
  </table>
</div>
</body>
</html>
`))

var detailTemplate = template.Must(template.New("detail").Funcs(templateFuncs).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <meta http-equiv="refresh" content="30">
  <title>{{.Status.Target.Name}} - Status</title>` + pageStyle + `
</head>
<body>
<div class="container">
  <header>
    <h1>{{.Status.Target.Name}} <span class="badge {{statusClass .Status.Status}}">{{.Status.Status}}</span></h1>
    <div class="meta">{{.Status.Target.Method}} {{.Status.Target.URL}} every {{.Status.Target.Interval}} &middot; uptime {{formatUptime .Status.UptimePct}} &middot; {{.Status.ConsecutiveFailures}} consecutive failures{{if .Status.Stale}} &middot; stale{{end}}</div>
  </header>
  <p style="padding: 0 30px;"><a href="/">&larr; all targets</a></p>
  <table>
    <thead>
      <tr><th>Checked</th><th>Status</th><th>HTTP</th><th>Latency</th><th>Error</th></tr>
    </thead>
    <tbody>
    {{- range .Checks}}
      <tr>
        <td>{{formatTime .CheckedAt}}</td>
        <td><span class="badge {{statusClass .Status}}">{{.Status}}</span></td>
        <td>{{if .StatusCode}}{{.StatusCode}}{{else}}-{{end}}</td>
        <td>{{formatLatency .Latency}}</td>
        <td>{{if .Error}}<span class="error">{{.ErrorCategory}}: {{.Error}}</span>{{end}}</td>
      </tr>
    {{- else}}
      <tr><td colspan="5">No checks recorded yet.</td></tr>
    {{- end}}
    </tbody>
  </table>
</div>
</body>
</html>
`))
