package server

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/service/history"
	"github.com/ashita-ai/kansoku/internal/service/monitor"
	"github.com/ashita-ai/kansoku/internal/service/runs"
	"github.com/ashita-ai/kansoku/internal/sparkline"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	summaryTiles  = 6
	summaryDigits = 5
	chipCount     = 3
	chipDigits    = 4
)

type pageRenderer struct {
	tmpl *template.Template
}

func newPageRenderer() *pageRenderer {
	return &pageRenderer{
		tmpl: template.Must(template.New("").Funcs(template.FuncMap{
			"timeAgo": timeAgo,
		}).ParseFS(templateFS, "templates/*.html")),
	}
}

// render executes into a buffer first so a template error never leaves a
// half-written page behind a 200.
func (p *pageRenderer) render(w http.ResponseWriter, status int, name string, data any) error {
	var buf bytes.Buffer
	if err := p.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("server: render %s: %w", name, err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
	return nil
}

type dashboardPage struct {
	Connection model.ConnectionInfo
	Runs       runs.Snapshot
	Rows       []runRow
	Selection  *selectionView
	Notice     string
	Now        time.Time

	// FormEntity and FormProject prefill the connection form. The API key
	// is never echoed back.
	FormEntity  string
	FormProject string
}

type runRow struct {
	ID       string
	Name     string
	State    model.RunState
	User     string
	Updated  time.Time
	Chips    []metricText
	Selected bool
}

type metricText struct {
	Key   string
	Value string
}

type selectionView struct {
	Run     model.Run
	State   model.RunState
	Summary []metricText
	Charts  []chartView
	Steps   int
	Loading bool
	Error   string
	Stale   bool
}

type chartView struct {
	Title      string
	Slug       string
	Color      string
	Path       string
	Last       string
	Sufficient bool
	Width      float64
	Height     float64
	ImageURL   string
}

// HandleDashboard handles GET /.
func (h *Handlers) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	h.renderDashboard(w, r, http.StatusOK, r.URL.Query().Get("notice"))
}

// HandleDashboardRun handles GET /runs/{run_id}: select, then render.
func (h *Handlers) HandleDashboardRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := h.monitor.Select(r.Context(), runID); err != nil {
		status := http.StatusInternalServerError
		notice := "Failed to select run."
		if errors.Is(err, monitor.ErrUnknownRun) {
			status = http.StatusNotFound
			notice = fmt.Sprintf("Run %q is not in the current list.", runID)
		}
		h.renderDashboard(w, r, status, notice)
		return
	}
	h.renderDashboard(w, r, http.StatusOK, "")
}

// HandleConnectionForm handles POST /connection.
func (h *Handlers) HandleConnectionForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderDashboard(w, r, http.StatusBadRequest, "Invalid form submission.")
		return
	}
	conn := model.Connection{
		APIKey:  r.PostFormValue("api_key"),
		Entity:  r.PostFormValue("entity"),
		Project: r.PostFormValue("project"),
	}
	draft := func(notice string) dashboardPage {
		page := h.buildPage(notice)
		page.FormEntity, page.FormProject = conn.Entity, conn.Project
		return page
	}
	if r.PostFormValue("action") == "test" {
		h.renderPage(w, r, http.StatusOK, draft(h.testConnection(r, conn).notice()))
		return
	}
	if err := h.monitor.Configure(r.Context(), conn); err != nil {
		if errors.Is(err, monitor.ErrIncompleteConnection) {
			h.renderPage(w, r, http.StatusBadRequest, draft("API key, entity and project are all required."))
			return
		}
		h.logger.Error("configure connection", "error", err, "request_id", RequestIDFromContext(r.Context()))
		h.renderDashboard(w, r, http.StatusInternalServerError, "Failed to save the connection.")
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleRefreshForm handles POST /refresh.
func (h *Handlers) HandleRefreshForm(w http.ResponseWriter, r *http.Request) {
	h.monitor.Refresh(r.Context())
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandlePollingForm handles POST /polling.
func (h *Handlers) HandlePollingForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderDashboard(w, r, http.StatusBadRequest, "Invalid form submission.")
		return
	}
	enabled, err := strconv.ParseBool(r.PostFormValue("enabled"))
	if err != nil {
		h.renderDashboard(w, r, http.StatusBadRequest, "Invalid polling value.")
		return
	}
	h.monitor.SetPolling(enabled)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handlers) renderDashboard(w http.ResponseWriter, r *http.Request, status int, notice string) {
	h.renderPage(w, r, status, h.buildPage(notice))
}

func (h *Handlers) renderPage(w http.ResponseWriter, r *http.Request, status int, page dashboardPage) {
	if err := h.pages.render(w, status, "dashboard.html", page); err != nil {
		h.logger.Error("render dashboard", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to render page")
	}
}

func (h *Handlers) buildPage(notice string) dashboardPage {
	snap := h.monitor.Runs()
	sel := h.monitor.Selection()

	conn := h.monitor.Connection()
	page := dashboardPage{
		Connection:  conn,
		Runs:        snap,
		Rows:        make([]runRow, 0, len(snap.Runs)),
		Notice:      notice,
		Now:         time.Now(),
		FormEntity:  conn.Entity,
		FormProject: conn.Project,
	}
	for _, run := range snap.Runs {
		updated, _ := model.ParseTimestamp(run.UpdatedAt)
		page.Rows = append(page.Rows, runRow{
			ID:       run.ID,
			Name:     displayName(run),
			State:    run.StateClass(),
			User:     run.User,
			Updated:  updated,
			Chips:    summaryText(run, chipCount, chipDigits),
			Selected: sel.Run != nil && sel.Run.ID == run.ID,
		})
	}
	if sel.Run != nil {
		page.Selection = newSelectionView(sel)
	}
	return page
}

func newSelectionView(sel monitor.Selection) *selectionView {
	v := &selectionView{
		Run:     *sel.Run,
		State:   sel.Run.StateClass(),
		Summary: summaryText(*sel.Run, summaryTiles, summaryDigits),
		Steps:   len(sel.Steps),
		Loading: sel.Loading,
		Error:   sel.Error,
		Stale:   sel.Stale,
	}
	for _, c := range sel.Charts {
		v.Charts = append(v.Charts, newChartView(sel.Run.ID, c))
	}
	return v
}

func newChartView(runID string, c history.Chart) chartView {
	cv := chartView{
		Title:      c.Metric.Title,
		Slug:       c.Metric.Slug,
		Color:      c.Metric.Color,
		Path:       c.Geometry.Path,
		Sufficient: c.Sufficient,
		Width:      sparkline.DefaultOptions.Width,
		Height:     sparkline.DefaultOptions.Height,
		ImageURL:   "/v1/runs/" + url.PathEscape(runID) + "/charts/" + c.Metric.Slug + ".png",
	}
	if len(c.Series) > 0 {
		cv.Last = formatNumber(c.Last, summaryDigits)
	}
	return cv
}

// summaryText renders the first n summary entries in key order.
func summaryText(run model.Run, n, digits int) []metricText {
	keys := run.SummaryKeys()
	if len(keys) > n {
		keys = keys[:n]
	}
	out := make([]metricText, 0, len(keys))
	for _, k := range keys {
		out = append(out, metricText{Key: k, Value: formatValue(run.Summary[k], digits)})
	}
	return out
}

func formatValue(v any, digits int) string {
	switch x := v.(type) {
	case float64:
		return formatNumber(x, digits)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func formatNumber(v float64, digits int) string {
	return strconv.FormatFloat(v, 'f', digits, 64)
}

func displayName(run model.Run) string {
	if name := strings.TrimSpace(run.Name); name != "" {
		return name
	}
	if run.ID != "" {
		return run.ID
	}
	return "(unnamed run)"
}

// timeAgo renders t relative to now at a coarse resolution.
func timeAgo(now, t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	d := now.Sub(t)
	switch {
	case d < 0:
		return t.UTC().Format("2006-01-02 15:04 UTC")
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.UTC().Format("2006-01-02")
	}
}
