package frontend

import (
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"text/template"

	"github.com/labstack/echo/v4"

	"github.com/jo-hoe/waste-sorter/internal/backend/database"
	"github.com/jo-hoe/waste-sorter/internal/core"
)

const (
	MainPageName = "index.html"

	recentEventCount = 10
	statsDayCount    = 7
)

type FrontendService struct {
	coreService *core.CoreService
	config      *core.ServiceConfig
}

func NewFrontendService(config *core.ServiceConfig, coreService *core.CoreService) *FrontendService {
	return &FrontendService{
		coreService: coreService,
		config:      config,
	}
}

// rootRedirectHandler redirects root path to index.html
func (service *FrontendService) rootRedirectHandler(ctx echo.Context) error {
	return ctx.Redirect(http.StatusMovedPermanently, "/"+MainPageName)
}

func (service *FrontendService) SetRoutes(e *echo.Echo) {
	// Create template renderer
	e.Renderer = &Template{
		templates: template.Must(template.New("").ParseFS(viewsFS, viewsPattern)),
	}

	e.GET("/", service.rootRedirectHandler) // Redirect root to index.html
	e.GET("/"+MainPageName, service.indexHandler)

	// Fragments polled by the dashboard
	e.GET("/htmx/events", service.htmxEventListHandler)
	e.GET("/htmx/stats", service.htmxStatsHandler)

	// Favicon (SVG) route
	e.GET("/icon.svg", service.iconHandler)
}

func (service *FrontendService) indexHandler(ctx echo.Context) error {
	return ctx.Render(http.StatusOK, MainPageName, nil)
}

func (service *FrontendService) htmxEventListHandler(ctx echo.Context) error {
	events, err := service.coreService.Database().GetRecentEvents(recentEventCount)
	if err != nil {
		slog.Error("htmxEventListHandler: failed to list events",
			"status", http.StatusInternalServerError, "error", err)
		return ctx.String(http.StatusInternalServerError, "Failed to list events")
	}

	// Prevent caching so the latest events are always shown
	service.setNoCache(ctx)

	return ctx.HTML(http.StatusOK, service.buildEventListHTML(events))
}

func (service *FrontendService) htmxStatsHandler(ctx echo.Context) error {
	totals, err := service.coreService.Database().GetTotalStatistics()
	if err != nil {
		slog.Error("htmxStatsHandler: failed to fetch totals",
			"status", http.StatusInternalServerError, "error", err)
		return ctx.String(http.StatusInternalServerError, "Failed to fetch statistics")
	}
	daily, err := service.coreService.Database().GetDailyStatistics(statsDayCount)
	if err != nil {
		slog.Error("htmxStatsHandler: failed to fetch daily statistics",
			"status", http.StatusInternalServerError, "error", err)
		return ctx.String(http.StatusInternalServerError, "Failed to fetch statistics")
	}

	service.setNoCache(ctx)

	return ctx.HTML(http.StatusOK, service.buildStatsHTML(totals, daily))
}

func (service *FrontendService) buildEventListHTML(events []*database.SortEvent) string {
	var b strings.Builder
	if len(events) == 0 {
		b.WriteString(`<p>No sorting activity yet.</p>`)
		return b.String()
	}

	b.WriteString(`<table><thead><tr>
	<th></th><th>Time</th><th>Category</th><th>Confidence</th><th>Destination</th>
</tr></thead><tbody>`)
	for _, event := range events {
		thumbnailCell := ""
		if event.ImageID != "" {
			thumbnailCell = fmt.Sprintf(
				`<img src="/api/thumbnail/%s" alt="Item thumbnail" width="50" height="50" loading="lazy">`,
				event.ImageID)
		}
		b.WriteString(fmt.Sprintf(`<tr>
	<td>%s</td>
	<td>%s</td>
	<td>%s</td>
	<td>%.0f%%</td>
	<td>%s</td>
</tr>`,
			thumbnailCell,
			event.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			// Categories are free-form strings from the store.
			html.EscapeString(event.Category),
			event.Confidence*100,
			html.EscapeString(event.Destination)))
	}
	b.WriteString(`</tbody></table>`)
	return b.String()
}

func (service *FrontendService) buildStatsHTML(totals *database.TotalStatistics, daily []*database.DailyStatistic) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf(`<div class="grid">
	<article><header>Cans</header><h3>%d</h3></article>
	<article><header>Recycling</header><h3>%d</h3></article>
	<article><header>Garbage</header><h3>%d</h3></article>
	<article><header>Total</header><h3>%d</h3></article>
	<article><header>Tokens earned</header><h3>%.2f</h3></article>
</div>`,
		totals.TotalCans, totals.TotalRecycling, totals.TotalGarbage,
		totals.GrandTotal, totals.TotalRewards))

	if len(daily) == 0 {
		return b.String()
	}

	b.WriteString(`<details><summary>Last days</summary><table><thead><tr>
	<th>Date</th><th>Cans</th><th>Recycling</th><th>Garbage</th><th>Total</th>
</tr></thead><tbody>`)
	for _, stat := range daily {
		b.WriteString(fmt.Sprintf(`<tr><td>%s</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td></tr>`,
			stat.Date, stat.CanCount, stat.RecyclingCount, stat.GarbageCount, stat.TotalCount))
	}
	b.WriteString(`</tbody></table></details>`)
	return b.String()
}

func (service *FrontendService) setNoCache(ctx echo.Context) {
	ctx.Response().Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	ctx.Response().Header().Set("Pragma", "no-cache")
	ctx.Response().Header().Set("Expires", "0")
}

func (service *FrontendService) iconHandler(ctx echo.Context) error {
	data, err := viewsFS.ReadFile("views/icon.svg")
	if err != nil {
		slog.Error("iconHandler: failed to read icon.svg", "status", http.StatusInternalServerError, "error", err)
		return ctx.String(http.StatusInternalServerError, "Failed to load icon")
	}
	// Cache for 7 days
	ctx.Response().Header().Set("Cache-Control", "public, max-age=604800, immutable")
	return ctx.Blob(http.StatusOK, "image/svg+xml", data)
}
