package main

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sanworks/Frame2TTL/frame2ttl"
	"github.com/sanworks/Frame2TTL/stats"
)

type screen int

const (
	screenEntry screen = iota
	screenMonitor
)

// displaySize is the live display window: a fixed run of samples that clears
// and wraps when full.
const displaySize = 2000

const drainInterval = 25 * time.Millisecond

type model struct {
	scr screen

	portInput textinput.Model

	dev      *frame2ttl.Device
	lastErr  error
	infoLine string
	busy     bool

	// live display buffer
	y    []float64
	ypos int
	last uint16

	streamRunID int
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	plotStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
)

func initialModel() model {
	in := textinput.New()
	in.Placeholder = "Serial port (empty = auto-detect)"
	in.Focus()
	in.CharLimit = 128
	in.Width = 48

	m := model{
		scr:       screenEntry,
		portInput: in,
		y:         make([]float64, displaySize),
	}
	for i := range m.y {
		m.y[i] = math.NaN()
	}
	if len(os.Args) > 1 && strings.TrimSpace(os.Args[1]) != "" {
		m.portInput.SetValue(os.Args[1])
		m.portInput.CursorEnd()
	}
	return m
}

type errMsg struct{ err error }
type infoMsg struct{ s string }
type connectedMsg struct{ dev *frame2ttl.Device }

type drainMsg struct {
	runID   int
	samples []uint16
}
type drainStoppedMsg struct{ runID int }

type calDoneMsg struct {
	kind      string
	threshold int
}
type measureDoneMsg struct{ summary stats.Summary }

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.close()
			return m, tea.Quit
		}
		switch m.scr {
		case screenEntry:
			return m.updateEntryKey(msg)
		case screenMonitor:
			return m.updateMonitorKey(msg)
		}

	case errMsg:
		m.lastErr = msg.err
		m.busy = false
		return m, nil

	case infoMsg:
		m.infoLine = msg.s
		return m, nil

	case connectedMsg:
		m.dev = msg.dev
		m.scr = screenMonitor
		m.lastErr = nil
		m.busy = false
		m.infoLine = fmt.Sprintf("Connected on %s (hw v%d, fw v%d)",
			m.dev.Port(), m.dev.HardwareVersion(), m.dev.FirmwareVersion())
		return m, nil

	case drainMsg:
		if msg.runID != m.streamRunID || m.dev == nil || !m.dev.Streaming() {
			return m, nil
		}
		m.pushSamples(msg.samples)
		return m, m.nextDrainTick(m.streamRunID)

	case drainStoppedMsg:
		return m, nil

	case calDoneMsg:
		m.busy = false
		m.infoLine = fmt.Sprintf("New %s threshold: %d", msg.kind, msg.threshold)
		return m, nil

	case measureDoneMsg:
		m.busy = false
		m.infoLine = fmt.Sprintf("n=%d mean=%.1f std=%.1f sem=%.2f min=%d max=%d",
			msg.summary.N, msg.summary.Mean, msg.summary.Std, msg.summary.SEM,
			msg.summary.Min, msg.summary.Max)
		return m, nil
	}

	if m.scr == screenEntry {
		var cmd tea.Cmd
		m.portInput, cmd = m.portInput.Update(msg)
		return m, cmd
	}
	return m, nil
}

// pushSamples appends streamed samples to the display buffer, clearing and
// wrapping when the window is full.
func (m *model) pushSamples(samples []uint16) {
	if len(samples) == 0 {
		return
	}
	m.last = samples[len(samples)-1]
	if m.ypos+len(samples) >= displaySize {
		for i := range m.y {
			m.y[i] = math.NaN()
		}
		m.ypos = 0
		return
	}
	for i, s := range samples {
		m.y[m.ypos+i] = float64(s)
	}
	m.ypos += len(samples)
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Frame2TTL Monitor") + "\n")
	b.WriteString(helpStyle.Render("Ctrl+C to quit.") + "\n\n")
	if m.infoLine != "" {
		b.WriteString(okStyle.Render(m.infoLine) + "\n")
	}
	if m.lastErr != nil {
		b.WriteString(errStyle.Render("Error: "+m.lastErr.Error()) + "\n")
	}
	b.WriteString("\n")

	switch m.scr {
	case screenEntry:
		b.WriteString(m.viewEntry())
	case screenMonitor:
		b.WriteString(m.viewMonitor())
	}
	return b.String()
}

func (m model) viewEntry() string {
	var b strings.Builder
	b.WriteString("Serial port:\n")
	b.WriteString(m.portInput.View() + "\n\n")
	b.WriteString(helpStyle.Render("Press Enter to connect.") + "\n")
	return b.String()
}

func (m model) viewMonitor() string {
	var b strings.Builder
	if m.dev == nil {
		b.WriteString(errStyle.Render("Not connected.") + "\n")
		return b.String()
	}
	b.WriteString(fmt.Sprintf("Mode: %s   Light threshold: %d   Dark threshold: %d\n\n",
		m.dev.DetectMode(), m.dev.LightThreshold(), m.dev.DarkThreshold()))

	if m.dev.Streaming() {
		b.WriteString(plotStyle.Render(sparkline(m.y, m.ypos, 72)) + "\n")
		b.WriteString(fmt.Sprintf("Current: %d / %d\n\n", m.last, frame2ttl.FullScale))
	} else {
		b.WriteString(helpStyle.Render("Streaming off.") + "\n\n")
	}

	if m.busy {
		b.WriteString("Working...\n")
		return b.String()
	}
	b.WriteString(helpStyle.Render("s stream on/off  r measure 250 samples  l/d auto-calibrate  m switch mode  q disconnect") + "\n")
	return b.String()
}

// sparkline renders the most recent width samples as block glyphs scaled to
// the sensor's full range.
func sparkline(y []float64, ypos, width int) string {
	glyphs := []rune("▁▂▃▄▅▆▇█")
	start := ypos - width
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for i := start; i < ypos; i++ {
		v := y[i]
		if math.IsNaN(v) {
			b.WriteRune(' ')
			continue
		}
		idx := int(v / float64(frame2ttl.FullScale+1) * float64(len(glyphs)))
		if idx >= len(glyphs) {
			idx = len(glyphs) - 1
		}
		b.WriteRune(glyphs[idx])
	}
	return b.String()
}

func (m *model) close() {
	if m.dev != nil {
		_ = m.dev.Close() // disables streaming first if needed
		m.dev = nil
	}
}

func (m model) updateEntryKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "enter":
		if m.busy {
			return m, nil
		}
		m.busy = true
		port := strings.TrimSpace(m.portInput.Value())
		return m, connectCmd(port)
	}
	var cmd tea.Cmd
	m.portInput, cmd = m.portInput.Update(k)
	return m, cmd
}

func (m model) updateMonitorKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.dev == nil {
		return m, nil
	}
	if m.busy {
		return m, nil
	}
	switch k.String() {
	case "q":
		m.close()
		m.scr = screenEntry
		m.infoLine = "Disconnected"
		return m, nil
	case "s":
		if m.dev.Streaming() {
			if err := m.dev.SetStreaming(false); err != nil {
				return m, func() tea.Msg { return errMsg{err: err} }
			}
			m.streamRunID++
			return m, nil
		}
		if err := m.dev.SetStreaming(true); err != nil {
			return m, func() tea.Msg { return errMsg{err: err} }
		}
		m.streamRunID++
		for i := range m.y {
			m.y[i] = math.NaN()
		}
		m.ypos = 0
		return m, m.nextDrainTick(m.streamRunID)
	case "r":
		if m.dev.Streaming() {
			return m, nil
		}
		m.busy = true
		return m, m.measureCmd()
	case "l", "d":
		if m.dev.Streaming() {
			return m, nil
		}
		m.busy = true
		return m, m.calibrateCmd(k.String())
	case "m":
		other := frame2ttl.ModeAmplitude
		if m.dev.DetectMode() == frame2ttl.ModeAmplitude {
			other = frame2ttl.ModeDerivative
		}
		if err := m.dev.SetDetectMode(other); err != nil {
			return m, func() tea.Msg { return errMsg{err: err} }
		}
		m.infoLine = fmt.Sprintf("Detect mode: %s (thresholds reset to %d / %d)",
			m.dev.DetectMode(), m.dev.LightThreshold(), m.dev.DarkThreshold())
		return m, nil
	}
	return m, nil
}

func connectCmd(port string) tea.Cmd {
	return func() tea.Msg {
		if port == "" {
			port = frame2ttl.DetectPort()
			if port == "" {
				return errMsg{err: fmt.Errorf("no Frame2TTL device found")}
			}
		}
		dev, err := frame2ttl.Open(port)
		if err != nil {
			return errMsg{err: err}
		}
		return connectedMsg{dev: dev}
	}
}

func (m model) nextDrainTick(runID int) tea.Cmd {
	return tea.Tick(drainInterval, func(time.Time) tea.Msg {
		if m.dev == nil {
			return drainStoppedMsg{runID: runID}
		}
		samples, err := m.dev.DrainSamples()
		if err != nil {
			return errMsg{err: err}
		}
		return drainMsg{runID: runID, samples: samples}
	})
}

func (m model) calibrateCmd(kind string) tea.Cmd {
	return func() tea.Msg {
		var (
			threshold int
			err       error
		)
		if kind == "l" {
			threshold, err = m.dev.CalibrateLightThreshold()
			kind = "light"
		} else {
			threshold, err = m.dev.CalibrateDarkThreshold()
			kind = "dark"
		}
		if err != nil {
			return errMsg{err: err}
		}
		return calDoneMsg{kind: kind, threshold: threshold}
	}
}

func (m model) measureCmd() tea.Cmd {
	return func() tea.Msg {
		summary, err := m.dev.MeasurePhotons(250)
		if err != nil {
			return errMsg{err: err}
		}
		return measureDoneMsg{summary: summary}
	}
}

func main() {
	p := tea.NewProgram(initialModel(), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}
