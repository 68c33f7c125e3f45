package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const maxRows = 10000

// Filter presets
const (
	FilterAll    = 0
	FilterBanner = 1
)

// resultRow is a single result keyed by peer address. A peer listed twice in
// the input updates its row in place.
type resultRow struct {
	IP     string
	Port   int
	Banner string
	Time   time.Time
	Hits   int
}

// Model is the bubbletea TUI model.
type Model struct {
	// Config
	Input      string
	Port       int
	Negotiator string

	// Stop is called when the user quits; the run drains and exits.
	Stop func()
	// Recalibrate restarts the rate window.
	Recalibrate func()

	// Data
	rows  map[string]*resultRow
	order []string

	// Stats
	stats GrabStats

	// Cumulative counters (survive eviction)
	totalAll    uint64
	totalBanner uint64

	// Results sparkline
	sparkBuf    [60]uint64 // ring buffer: results per tick
	sparkIdx    int
	sparkPrev   uint64
	sparkFilled int

	// Last info line
	info string

	// View state
	cursor     int  // index into filtered view
	offset     int  // scroll offset
	follow     bool // auto-follow new results
	filterMode int  // FilterAll, FilterBanner
	searching  bool // typing in search box
	searchText string
	filtered   []*resultRow

	// Terminal
	width, height int
	done          bool
	quitting      bool
}

func NewModel(input string, port int, negotiator string) Model {
	return Model{
		Input:      input,
		Port:       port,
		Negotiator: negotiator,
		rows:       make(map[string]*resultRow, 1024),
		order:      make([]string, 0, 1024),
		follow:     true,
		filterMode: FilterAll,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.searching {
			return m.updateSearch(msg)
		}
		return m.updateNormal(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.rebuildFiltered()

	case GrabEvent:
		m.handleEvent(msg)
		if m.done {
			return m, tea.Quit
		}
		m.rebuildFiltered()
		if m.follow {
			m.cursorToEnd()
		}

	case GrabStats:
		m.stats = msg
		m.tickSparkline()
	}

	return m, nil
}

func (m Model) updateNormal(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	vis := m.visibleRows()
	switch msg.String() {
	case "ctrl+c", "q":
		m.quitting = true
		if m.Stop != nil {
			m.Stop()
		}
		return m, tea.Quit
	case "r":
		if m.Recalibrate != nil {
			m.Recalibrate()
			m.info = "rate window recalibrated"
		}
	case "/":
		m.searching = true
	case "1":
		m.filterMode = FilterAll
		m.rebuildFiltered()
		m.clampCursor()
	case "2":
		m.filterMode = FilterBanner
		m.rebuildFiltered()
		m.clampCursor()
	case "f":
		m.follow = !m.follow
		if m.follow {
			m.cursorToEnd()
		}
	case "j", "down":
		m.follow = false
		if m.cursor < len(m.filtered)-1 {
			m.cursor++
		}
		m.ensureVisible()
	case "k", "up":
		m.follow = false
		if m.cursor > 0 {
			m.cursor--
		}
		m.ensureVisible()
	case "pgdown", "ctrl+d":
		m.follow = false
		m.cursor += vis
		if m.cursor >= len(m.filtered) {
			m.cursor = len(m.filtered) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}
		m.ensureVisible()
	case "pgup", "ctrl+u":
		m.follow = false
		m.cursor -= vis
		if m.cursor < 0 {
			m.cursor = 0
		}
		m.ensureVisible()
	case "g", "home":
		m.follow = false
		m.cursor = 0
		m.offset = 0
	case "G", "end":
		m.follow = true
		m.cursorToEnd()
	case "esc":
		if m.searchText != "" {
			m.searchText = ""
			m.rebuildFiltered()
			m.clampCursor()
		}
	}
	return m, nil
}

func (m Model) updateSearch(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "enter":
		m.searching = false
	case "backspace":
		if len(m.searchText) > 0 {
			m.searchText = m.searchText[:len(m.searchText)-1]
			m.rebuildFiltered()
			m.clampCursor()
		}
	case "ctrl+u":
		m.searchText = ""
		m.rebuildFiltered()
		m.clampCursor()
	default:
		if len(msg.String()) == 1 {
			m.searchText += msg.String()
			m.rebuildFiltered()
			m.clampCursor()
		}
	}
	return m, nil
}

func (m *Model) handleEvent(ev GrabEvent) {
	switch ev.Type {
	case EvtBanner:
		if row, exists := m.rows[ev.IP]; exists {
			if row.Banner == "" && ev.Banner != "" {
				m.totalBanner++
			}
			if ev.Banner != "" {
				row.Banner = ev.Banner
			}
			row.Time = time.Now()
			row.Hits++
			return
		}
		m.totalAll++
		if ev.Banner != "" {
			m.totalBanner++
		}
		m.rows[ev.IP] = &resultRow{
			IP:     ev.IP,
			Port:   ev.Port,
			Banner: ev.Banner,
			Time:   time.Now(),
			Hits:   1,
		}
		m.order = append(m.order, ev.IP)
		m.evictOld()

	case EvtInfo:
		m.info = ev.Msg

	case EvtDone:
		m.done = true
	}
}

func (m *Model) evictOld() {
	for len(m.order) > maxRows {
		old := m.order[0]
		m.order = m.order[1:]
		delete(m.rows, old)
	}
}

// ── Sparkline ────────────────────────────────────────────────────────

func (m *Model) tickSparkline() {
	cur := m.stats.Results
	delta := cur - m.sparkPrev
	m.sparkPrev = cur
	m.sparkBuf[m.sparkIdx] = delta
	m.sparkIdx = (m.sparkIdx + 1) % 60
	if m.sparkFilled < 60 {
		m.sparkFilled++
	}
}

func (m Model) renderSparkline() string {
	if m.sparkFilled == 0 {
		return ""
	}
	sparks := []rune("▁▂▃▄▅▆▇█")
	var maxVal uint64
	for i := 0; i < m.sparkFilled; i++ {
		idx := (m.sparkIdx - m.sparkFilled + i + 60) % 60
		if m.sparkBuf[idx] > maxVal {
			maxVal = m.sparkBuf[idx]
		}
	}
	if maxVal == 0 {
		maxVal = 1
	}

	var sb strings.Builder
	for i := 0; i < m.sparkFilled; i++ {
		idx := (m.sparkIdx - m.sparkFilled + i + 60) % 60
		level := int(m.sparkBuf[idx] * 7 / maxVal)
		if level > 7 {
			level = 7
		}
		sb.WriteRune(sparks[level])
	}
	return sb.String()
}

func (m *Model) rebuildFiltered() {
	m.filtered = m.filtered[:0]
	needle := strings.ToLower(m.searchText)

	for _, key := range m.order {
		row, ok := m.rows[key]
		if !ok {
			continue
		}
		if m.filterMode == FilterBanner && row.Banner == "" {
			continue
		}
		if needle != "" {
			hay := strings.ToLower(row.IP + " " + row.Banner)
			if !strings.Contains(hay, needle) {
				continue
			}
		}
		m.filtered = append(m.filtered, row)
	}
}

func (m *Model) clampCursor() {
	if len(m.filtered) == 0 {
		m.cursor = 0
		m.offset = 0
		return
	}
	if m.cursor >= len(m.filtered) {
		m.cursor = len(m.filtered) - 1
	}
	m.ensureVisible()
}

func (m *Model) cursorToEnd() {
	if len(m.filtered) > 0 {
		m.cursor = len(m.filtered) - 1
	} else {
		m.cursor = 0
	}
	m.ensureVisible()
}

func (m *Model) ensureVisible() {
	vis := m.visibleRows()
	if m.cursor < m.offset {
		m.offset = m.cursor
	}
	if m.cursor >= m.offset+vis {
		m.offset = m.cursor - vis + 1
	}
}

// visibleRows returns how many table rows fit on screen.
// Layout: 3 header lines + col header + separator + table + separator + detail + help
func (m Model) visibleRows() int {
	chrome := 3 + 1 + 1 + 1 + m.detailHeight() + 1
	rows := m.height - chrome
	if rows < 1 {
		rows = 1
	}
	return rows
}

func (m Model) detailHeight() int {
	h := m.height / 4
	if h < 3 {
		h = 3
	}
	if h > 10 {
		h = 10
	}
	return h
}

// ── View ──────────────────────────────────────────────────────────────

func (m Model) View() string {
	if m.quitting || m.done {
		return ""
	}

	w := m.width
	if w < 40 {
		w = 80
	}

	var b strings.Builder
	m.renderHeader(&b, w)
	m.renderStats(&b, w)
	m.renderFilterBar(&b, w)
	m.renderColHeader(&b, w)
	m.renderTable(&b, w)
	m.renderDetail(&b, w)
	m.renderHelp(&b, w)
	return b.String()
}

func (m Model) renderHeader(b *strings.Builder, w int) {
	title := styleAccent.Render("rs-grab")
	meta := styleDim.Render(fmt.Sprintf(" port %d · %s · %s", m.Port, m.Negotiator, truncStr(m.Input, 30)))
	line := " " + title + meta
	if m.info != "" {
		line += styleDim.Render("  " + truncStr(m.info, w/2))
	}
	b.WriteString(line + "\n")
}

func (m Model) renderStats(b *strings.Builder, w int) {
	// Rate gauge: achieved admissions/s against the configured rate.
	barW := 20
	if w > 120 {
		barW = 30
	}
	ratio := 0.0
	if m.stats.Target > 0 {
		ratio = m.stats.Rate / m.stats.Target
	}
	filled := int(ratio * float64(barW))
	if filled > barW {
		filled = barW
	}
	if filled < 0 {
		filled = 0
	}
	bar := styleBar.Render(strings.Repeat("█", filled)) + styleBarTrail.Render(strings.Repeat("░", barW-filled))

	spark := m.renderSparkline()
	sparkStr := ""
	if spark != "" {
		sparkStr = " " + styleBar.Render(spark)
	}

	stats := fmt.Sprintf("  %s/s  Lines %s  Conn %s  Active %s  Results%s %s  TTL %s",
		fmtCompact(uint64(m.stats.Rate)),
		fmtCompact(m.stats.LinesRead),
		fmtCompact(m.stats.Admitted),
		fmtCompact(uint64(m.stats.Active)),
		sparkStr,
		fmtCompact(m.stats.Results),
		fmtCompact(m.stats.Expired))

	errs := ""
	if m.stats.DialErrors > 0 {
		errs = styleWarn.Render(fmt.Sprintf("  Err %s", fmtCompact(m.stats.DialErrors)))
	}

	elapsed := m.stats.Elapsed.Truncate(time.Second).String()
	b.WriteString(fmt.Sprintf(" %s%s%s  %s\n", bar, styleDim.Render(stats), errs, styleDim.Render(elapsed)))
}

func (m Model) renderFilterBar(b *strings.Builder, w int) {
	tabs := " " + m.renderTab("1:All", int(m.totalAll), FilterAll) +
		" " + m.renderTab("2:Banner", int(m.totalBanner), FilterBanner)

	search := ""
	if m.searching {
		search = styleFilterBox.Render("  /" + m.searchText + "▌")
	} else if m.searchText != "" {
		search = styleDim.Render("  /") + styleFilterBox.Render(m.searchText)
	}

	followInd := ""
	if m.follow {
		followInd = styleDim.Render("  [follow]")
	}

	b.WriteString(tabs + search + followInd + "\n")
}

func (m Model) renderTab(label string, count int, mode int) string {
	text := fmt.Sprintf(" %s:%d ", label, count)
	if m.filterMode == mode {
		return styleTabActive.Render(text)
	}
	return styleTabInactive.Render(text)
}

// Column widths; the banner takes the rest.
const (
	colIP   = 40
	colPort = 6
)

func ipWidth(w int) int {
	if w < 100 {
		return 16
	}
	return colIP
}

func (m Model) renderColHeader(b *strings.Builder, w int) {
	line := fmt.Sprintf(" %-*s %-*s %s", ipWidth(w), "IP", colPort, "PORT", "BANNER")
	b.WriteString(styleColHeader.Render(line) + "\n")
	b.WriteString(styleSep.Render(" "+strings.Repeat("─", w-2)) + "\n")
}

func (m Model) renderTable(b *strings.Builder, w int) {
	vis := m.visibleRows()
	ipW := ipWidth(w)
	banW := w - ipW - colPort - 4
	if banW < 10 {
		banW = 10
	}

	end := m.offset + vis
	if end > len(m.filtered) {
		end = len(m.filtered)
	}

	for i := m.offset; i < end; i++ {
		row := m.filtered[i]
		ip := padRight(row.IP, ipW)
		port := padRight(fmt.Sprintf("%d", row.Port), colPort)
		ban := cleanBannerOneLine(row.Banner, banW)

		if i == m.cursor {
			marker := styleAccent.Render("▸")
			content := fmt.Sprintf("%s %s %s", ip, port, ban)
			b.WriteString(marker + styleCursor.Render(truncStr(content, w-2)) + "\n")
			continue
		}
		if row.Banner == "" {
			b.WriteString(styleEmpty.Render(fmt.Sprintf(" %s %s %s", ip, port, "(empty)")) + "\n")
			continue
		}
		b.WriteString(fmt.Sprintf(" %s %s %s\n", styleBanner.Render(ip), styleBanner.Render(port), styleBanTxt.Render(ban)))
	}

	for i := end - m.offset; i < vis; i++ {
		b.WriteString(styleDim.Render(" ~") + "\n")
	}
}

func (m Model) renderDetail(b *strings.Builder, w int) {
	detailH := m.detailHeight()
	b.WriteString(styleSep.Render(" "+strings.Repeat("─", w-2)) + "\n")

	if m.cursor < 0 || m.cursor >= len(m.filtered) {
		for i := 0; i < detailH-1; i++ {
			b.WriteString("\n")
		}
		return
	}

	row := m.filtered[m.cursor]
	header := fmt.Sprintf(" %s:%d  %d bytes  %s", row.IP, row.Port, len(row.Banner), row.Time.Format("15:04:05"))
	if row.Hits > 1 {
		header += fmt.Sprintf("  x%d", row.Hits)
	}
	b.WriteString(styleDim.Render(header) + "\n")

	shown := 0
	for _, line := range splitBannerLines(row.Banner, w-2) {
		if shown >= detailH-2 {
			break
		}
		b.WriteString(" " + styleDetailText.Render(line) + "\n")
		shown++
	}
	for i := shown; i < detailH-2; i++ {
		b.WriteString("\n")
	}
}

func (m Model) renderHelp(b *strings.Builder, w int) {
	help := " q:quit  ↑↓/jk:scroll  g/G:top/end  1-2:filter  /:search  f:follow  r:recalibrate"
	b.WriteString(styleHelp.Render(truncStr(help, w)))
}

// ── Banner helpers ───────────────────────────────────────────────────

// isASCIIPrint returns true for bytes 0x20-0x7E (space through tilde).
func isASCIIPrint(b byte) bool {
	return b >= 0x20 && b <= 0x7E
}

// sanitize replaces every non-ASCII-printable byte with \xHH.
// Tabs become spaces. Operates on raw bytes, not runes, so no
// multi-byte Unicode sneaks through.
func sanitize(raw string) string {
	var sb strings.Builder
	sb.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b == '\t' {
			sb.WriteByte(' ')
		} else if isASCIIPrint(b) {
			sb.WriteByte(b)
		} else {
			fmt.Fprintf(&sb, "\\x%02x", b)
		}
	}
	return sb.String()
}

// cleanBannerOneLine extracts a single-line, hex-escaped summary from raw banner.
func cleanBannerOneLine(raw string, maxW int) string {
	if raw == "" {
		return ""
	}

	line := raw
	for i := 0; i < len(line); i++ {
		if line[i] == '\r' || line[i] == '\n' {
			line = line[:i]
			break
		}
	}

	line = strings.TrimSpace(sanitize(line))
	if len(line) > maxW {
		if maxW > 1 {
			line = line[:maxW-1] + "…"
		} else {
			line = line[:maxW]
		}
	}
	return line
}

// splitBannerLines splits raw banner into display lines, sanitizing each.
func splitBannerLines(raw string, maxW int) []string {
	if raw == "" {
		return []string{styleDim.Render("(no banner data)")}
	}

	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var out []string
	for _, p := range strings.Split(s, "\n") {
		line := sanitize(p)
		if len(line) > maxW {
			line = line[:maxW]
		}
		out = append(out, line)
	}
	return out
}

// ── Formatting helpers ────────────────────────────────────────────────

func fmtCompact(n uint64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 10_000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	if n < 1_000_000 {
		return fmt.Sprintf("%.0fk", float64(n)/1000)
	}
	if n < 10_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	return fmt.Sprintf("%.0fM", float64(n)/1_000_000)
}

func padRight(s string, w int) string {
	if len(s) >= w {
		return s[:w]
	}
	return s + strings.Repeat(" ", w-len(s))
}

func truncStr(s string, w int) string {
	if len(s) <= w {
		return s
	}
	if w < 2 {
		return s[:w]
	}
	return s[:w-1] + "…"
}

// ── TextPrinter (non-TUI mode) ───────────────────────────────────────

// TextPrinter writes a carriage-return status line and, when Verbose,
// one line per result.
type TextPrinter struct {
	Verbose bool
	Out     io.Writer
}

func (p *TextPrinter) PrintEvent(ev GrabEvent) {
	switch ev.Type {
	case EvtBanner:
		if p.Verbose {
			fmt.Fprintf(p.Out, "\n[*] %s:%d %s\n", ev.IP, ev.Port, cleanBannerOneLine(ev.Banner, 120))
		}
	case EvtInfo:
		fmt.Fprintf(p.Out, "%s\n", ev.Msg)
	}
}

func (p *TextPrinter) PrintStats(s GrabStats) {
	fmt.Fprintf(p.Out, "\r%d lines read, %d total connections, %d in progress",
		s.LinesRead, s.Admitted, s.Active)
}
