// Package dashboard renders a terminal view of a running visiond from the
// metrics it exports.
package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	fetchTimeout    = 5 * time.Second
)

// Model is the BubbleTea dashboard model.
type Model struct {
	querier    Querier
	source     string
	interval   time.Duration
	lastUpdate time.Time
	metrics    MetricsSnapshot
	err        error
	quitting   bool

	qualityProgress progress.Model
	memoryProgress  progress.Model
}

// MetricsSnapshot holds one refresh of dashboard values.
type MetricsSnapshot struct {
	RunRate      float64
	FailureRatio float64
	ActiveRuns   float64
	GeneratorP95 float64
	AvgQuality   float64
	AvgPasses    float64
	TasksHeld    float64
	HTTPRate     float64
	Goroutines   int
	MemoryBytes  uint64
	Uptime       int64

	RunRateHistory []float64
	LatencyHistory []float64
	QualityHistory []float64
	MemoryHistory  []float64

	MemoryPeak uint64
}

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard that refreshes from q every interval. source
// names the metrics backend in the view.
func NewModel(q Querier, source string, interval time.Duration) Model {
	return Model{
		querier:  q,
		source:   source,
		interval: interval,
		qualityProgress: progress.New(
			progress.WithGradient("#ff0000", "#00ff00"),
			progress.WithWidth(40),
		),
		memoryProgress: progress.New(
			progress.WithGradient("#00ff00", "#ffff00"),
			progress.WithWidth(40),
		),
		metrics: MetricsSnapshot{
			RunRateHistory: make([]float64, 0, historySize),
			LatencyHistory: make([]float64, 0, historySize),
			QualityHistory: make([]float64, 0, historySize),
			MemoryHistory:  make([]float64, 0, historySize),
		},
	}
}

// qualityBadge follows the critic's feedback tiers.
func qualityBadge(score float64) string {
	switch {
	case score >= 0.8:
		return healthyStyle.Render("[✓]")
	case score >= 0.7:
		return warningStyle.Render("[⚠]")
	default:
		return errorStyle.Render("[✗]")
	}
}

// statusBadge rates the fraction of runs that fail.
func statusBadge(failureRatio float64) string {
	switch {
	case failureRatio < 0.05:
		return healthyStyle.Render("✓ HEALTHY")
	case failureRatio < 0.25:
		return warningStyle.Render("⚠ WARN")
	default:
		return errorStyle.Render("✗ FAILING")
	}
}

func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time
type metricsMsg MetricsSnapshot
type errMsg error

// Init starts the refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchMetrics(m.querier),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchMetrics reads one snapshot. Run rate and generator latency are
// required; the rest fall back to zero.
func fetchMetrics(q Querier) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		runRate, err := q.Query(ctx, QueryRunRate)
		if err != nil {
			return errMsg(err)
		}
		p95, err := q.Query(ctx, QueryGeneratorP95)
		if err != nil {
			return errMsg(err)
		}

		optional := func(query string) float64 {
			v, err := q.Query(ctx, query)
			if err != nil {
				return 0
			}
			return v
		}

		return metricsMsg{
			RunRate:      runRate,
			GeneratorP95: p95,
			FailureRatio: optional(QueryFailureRatio),
			ActiveRuns:   optional(QueryActiveRuns),
			AvgQuality:   optional(QueryAvgQuality),
			AvgPasses:    optional(QueryAvgPasses),
			TasksHeld:    optional(QueryTasksHeld),
			HTTPRate:     optional(QueryHTTPRate),
			Goroutines:   int(optional(QueryGoroutines)),
			MemoryBytes:  uint64(optional(QueryMemoryBytes)),
			Uptime:       int64(optional(QueryUptimeSeconds)),
		}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchMetrics(m.querier)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchMetrics(m.querier),
		)

	case metricsMsg:
		next := MetricsSnapshot(msg)
		next.RunRateHistory = appendToHistory(m.metrics.RunRateHistory, next.RunRate)
		next.LatencyHistory = appendToHistory(m.metrics.LatencyHistory, next.GeneratorP95*1000)
		next.QualityHistory = appendToHistory(m.metrics.QualityHistory, next.AvgQuality)
		next.MemoryHistory = appendToHistory(m.metrics.MemoryHistory, float64(next.MemoryBytes))

		next.MemoryPeak = m.metrics.MemoryPeak
		if next.MemoryBytes > next.MemoryPeak {
			next.MemoryPeak = next.MemoryBytes
		}

		m.metrics = next
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" visiond Monitor ") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot query metrics backend") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.source) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("The backend must scrape visiond's /metrics endpoint.") + "\n")
	b.WriteString(m.footer())
	return containerStyle.Render(b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder
	s := m.metrics

	lastUpdate := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}

	b.WriteString(headerStyle.Render(" visiond Monitor ") + "\n")
	fmt.Fprintf(&b, "%s   %s   %s   %s\n",
		statusBadge(s.FailureRatio),
		dimStyle.Render("Uptime:"),
		valueStyle.Render(FormatDuration(s.Uptime)),
		dimStyle.Render(lastUpdate))

	b.WriteString("\n" + sectionStyle.Render("┃ Workflow Runs") + "\n")
	b.WriteString(labelStyle.Render("  Finished: ") +
		valueStyle.Render(FormatRate(s.RunRate, "runs")) +
		"   " + createSparkline(s.RunRateHistory) + "\n")
	b.WriteString(labelStyle.Render("  Failed: ") +
		valueStyle.Render(FormatPercentage(s.FailureRatio)) +
		"  " + labelStyle.Render("Active: ") +
		valueStyle.Render(fmt.Sprintf("%.0f", s.ActiveRuns)) +
		"  " + labelStyle.Render("Held: ") +
		valueStyle.Render(fmt.Sprintf("%.0f", s.TasksHeld)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Generation") + "\n")
	b.WriteString(labelStyle.Render("  Generator (p95): ") +
		valueStyle.Render(FormatLatency(s.GeneratorP95)) +
		"   " + createSparkline(s.LatencyHistory) + "\n")
	b.WriteString(labelStyle.Render("  Passes per run: ") +
		valueStyle.Render(fmt.Sprintf("%.1f", s.AvgPasses)) + "\n")
	b.WriteString(labelStyle.Render("  Quality: ") +
		valueStyle.Render(FormatScore(s.AvgQuality)) +
		" " + qualityBadge(s.AvgQuality) +
		"   " + createSparkline(s.QualityHistory) + "\n")
	b.WriteString(labelStyle.Render("  Score: ") +
		m.qualityProgress.ViewAs(clamp01(s.AvgQuality)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ System") + "\n")
	b.WriteString(labelStyle.Render("  HTTP: ") +
		valueStyle.Render(FormatRate(s.HTTPRate, "req")) + "\n")
	memRatio := 0.0
	if s.MemoryPeak > 0 {
		memRatio = float64(s.MemoryBytes) / float64(s.MemoryPeak)
	}
	b.WriteString(labelStyle.Render("  Memory: ") +
		m.memoryProgress.ViewAs(clamp01(memRatio)) +
		" " + dimStyle.Render(FormatMemory(s.MemoryBytes)+" of peak "+FormatMemory(s.MemoryPeak)) + "\n")
	b.WriteString(labelStyle.Render("  Goroutines: ") +
		valueStyle.Render(fmt.Sprintf("%d", s.Goroutines)) + "\n")

	b.WriteString(m.footer())
	return containerStyle.Render(b.String())
}

func (m Model) footer() string {
	return "\n" + footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
