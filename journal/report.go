package journal

import (
	"bytes"
	"fmt"
	"text/template"
	"time"
)

var summaryOrgFuncs = template.FuncMap{
	"pct": func(n, total int) string {
		if total == 0 {
			return "0.0"
		}
		return fmt.Sprintf("%.1f", float64(n)*100/float64(total))
	},
	"day": func(t time.Time) string {
		if t.IsZero() {
			return "(none)"
		}
		return t.UTC().Format("2006-01-02")
	},
}

var summaryOrg = template.Must(template.New("summary").Funcs(summaryOrgFuncs).Parse(SummaryOrgTemplate))

// FormatSummaryOrg renders a ledger summary as an Org-mode report.
func FormatSummaryOrg(s Summary) (string, error) {
	var buf bytes.Buffer
	if err := summaryOrg.Execute(&buf, s); err != nil {
		return "", fmt.Errorf("render summary: %w", err)
	}
	return buf.String(), nil
}

const SummaryOrgTemplate = `* LEDGER: {{day .From}} .. {{day .To}}
:PROPERTIES:
:TOTAL:      {{.Total}}
:EXECUTED:   {{.Executed}}
:REJECTED:   {{.Rejected}}
:FAILED:     {{.Failed}}
:RISK_TAKEN: {{.RiskTaken.StringFixed 2}}
:END:

** Decisions
| Decision | Count | %    |
|----------+-------+------|
| EXECUTED | {{.Executed}} | {{pct .Executed .Total}} |
| REJECTED | {{.Rejected}} | {{pct .Rejected .Total}} |
| FAILED   | {{.Failed}} | {{pct .Failed .Total}} |
{{- if .Codes }}

** Codes
| Code | Count |
|------+-------|
{{- range .Codes }}
| {{.Code}} | {{.Count}} |
{{- end }}
{{- end }}
{{- if .Instrument }}

** Instruments
| Instrument | Executed | Total |
|------------+----------+-------|
{{- range .Instrument }}
| {{.Instrument}} | {{.Executed}} | {{.Total}} |
{{- end }}
{{- end }}
`
