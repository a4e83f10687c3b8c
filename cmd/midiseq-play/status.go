package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/midiseq/midiseq"
	"github.com/midiseq/midiseq/engine"
)

var (
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#555"))
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#fff")).Bold(true)
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#fc3"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f44"))
)

const maxAlerts = 5

type (
	status struct {
		player   player
		broker   *engine.Broker
		caps     engine.Capabilities
		position midiseq.Clock
		playing  bool
		alerts   []engine.Alert
		quitting bool
	}

	brokerMsg struct{ msg any }
	startMsg  struct{}
)

func newStatus(p player, broker *engine.Broker) status {
	return status{player: p, broker: broker, position: -1}
}

func listenToBroker(b *engine.Broker) tea.Cmd {
	return func() tea.Msg {
		return brokerMsg{<-b.ToUI}
	}
}

func (m status) Init() tea.Cmd {
	return tea.Batch(listenToBroker(m.broker), func() tea.Msg { return startMsg{} })
}

func (m status) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case startMsg:
		m.caps = m.player.play()
		m.playing = true
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			if !m.playing {
				return m, tea.Quit
			}
			// quit once the engine has stopped and handed over the recording
			m.player.stop()
		case " ":
			if m.playing {
				m.player.stop()
				m.playing = false
			} else {
				m.caps = m.player.play()
				m.playing = true
			}
		case "home":
			if m.playing {
				m.player.engine.Seek(m.player.start)
			}
		case "!":
			m.player.engine.Panic()
			m.playing = false
		}
	case brokerMsg:
		switch b := msg.msg.(type) {
		case engine.PositionMsg:
			m.position = b.Clock
			if b.Clock < 0 {
				m.playing = false
			}
		case engine.Alert:
			m.alerts = append(m.alerts, b)
			if len(m.alerts) > maxAlerts {
				m.alerts = m.alerts[len(m.alerts)-maxAlerts:]
			}
		default:
			m.player.handle(b)
		}
		if m.quitting && !m.playing {
			return m, tea.Quit
		}
		return m, listenToBroker(m.broker)
	}
	return m, nil
}

// barBeatTick formats a song position the way sequencers show it, 1-based.
func barBeatTick(c midiseq.Clock, ppq, beatsPerBar int) string {
	if c < 0 {
		return "---:--:---"
	}
	if ppq <= 0 {
		ppq = 1
	}
	if beatsPerBar <= 0 {
		beatsPerBar = 4
	}
	beats := int64(c) / int64(ppq)
	tick := int64(c) % int64(ppq)
	return fmt.Sprintf("%3d:%02d:%03d", beats/int64(beatsPerBar)+1, beats%int64(beatsPerBar)+1, tick)
}

func (m status) View() string {
	if m.quitting {
		return ""
	}
	var sb strings.Builder
	state := dimStyle.Render("stop")
	if m.playing {
		state = activeStyle.Render("play")
	}
	bpm := midiseq.BPM(m.player.song.Tempo())
	sb.WriteString(fmt.Sprintf("%s  %s  %s\n", state, activeStyle.Render(barBeatTick(m.position, m.player.song.PPQ(), 4)), statusStyle.Render(fmt.Sprintf("%.1f bpm", bpm))))
	outputs := []string{}
	if m.caps.MIDI {
		outputs = append(outputs, "midi")
	}
	if m.caps.Audio {
		outputs = append(outputs, "audio")
	}
	if len(outputs) == 0 {
		outputs = append(outputs, "none")
	}
	sb.WriteString(statusStyle.Render("outputs: "+strings.Join(outputs, " ")) + "\n")
	for _, a := range m.alerts {
		style := statusStyle
		switch a.Priority {
		case engine.Warning:
			style = warningStyle
		case engine.Error:
			style = errorStyle
		}
		sb.WriteString(style.Render(a.Message) + "\n")
	}
	sb.WriteString(dimStyle.Render("space:play/stop  home:restart  !:panic  q:quit") + "\n")
	return sb.String()
}
