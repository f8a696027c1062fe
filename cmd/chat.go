// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/emberlink/pkg/lignite"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive line-oriented chat over a Lignite link",
	Long: `Open a Lignite link and exchange text lines with the peer interactively.

Each entered line travels as one (or, above the MTU, several) reliable
I-frames. The status bar shows the live link state and traffic counters,
which makes this a convenient way to observe retransmission behavior on a
flaky channel. Run 'emberlink chat' on both ends, or pair it with
'emberlink serve' for an echo peer.`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

// Styles
var (
	chatPeerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	chatSelfStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	chatNoticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	chatStatusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("7"))
)

// Messages
type chatIncomingMsg string
type chatStatusTickMsg time.Time
type chatSendResultMsg struct{ err error }

type chatModel struct {
	link     *lignite.Link
	connInfo string

	input    textinput.Model
	lines    []string
	width    int
	height   int
	status   lignite.Status
	stats    lignite.Stats
	quitting bool
}

func newChatModel(link *lignite.Link, connInfo string) chatModel {
	input := textinput.New()
	input.Placeholder = "type a line and press enter"
	input.Focus()
	input.CharLimit = 0
	return chatModel{
		link:     link,
		connInfo: connInfo,
		input:    input,
		status:   link.Status(),
	}
}

func chatStatusTick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return chatStatusTickMsg(t)
	})
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, chatStatusTick())
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = msg.Width - 4
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if line == "" {
				return m, nil
			}
			m.lines = append(m.lines, chatSelfStyle.Render("me> ")+line)
			link := m.link
			return m, func() tea.Msg {
				if sent := link.Send([]byte(line)); sent < len(line) {
					return chatSendResultMsg{err: fmt.Errorf("only %d of %d bytes enqueued", sent, len(line))}
				}
				return chatSendResultMsg{}
			}
		}

	case chatIncomingMsg:
		m.lines = append(m.lines, chatPeerStyle.Render("peer> ")+string(msg))
		return m, nil

	case chatSendResultMsg:
		if msg.err != nil {
			m.lines = append(m.lines, chatNoticeStyle.Render("send failed: "+msg.err.Error()))
		}
		return m, nil

	case chatStatusTickMsg:
		m.status = m.link.Status()
		m.stats = m.link.Stats()
		return m, chatStatusTick()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m chatModel) View() string {
	if m.quitting {
		return ""
	}

	height := m.height
	if height == 0 {
		height = 24
	}
	historyHeight := height - 2

	visible := m.lines
	if len(visible) > historyHeight {
		visible = visible[len(visible)-historyHeight:]
	}

	var b strings.Builder
	for i := 0; i < historyHeight-len(visible); i++ {
		b.WriteString("\n")
	}
	for _, line := range visible {
		b.WriteString(line)
		b.WriteString("\n")
	}

	statusLine := fmt.Sprintf(" %s | %s | tx %d rx %d retx %d crcerr %d ",
		m.connInfo, m.status, m.stats.FramesSent, m.stats.FramesReceived,
		m.stats.Retransmissions, m.stats.CRCErrors)
	b.WriteString(chatStatusStyle.Width(max(m.width, len(statusLine))).Render(statusLine))
	b.WriteString("\n")
	b.WriteString(m.input.View())

	return b.String()
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := newLinkConfig()
	if err != nil {
		return err
	}

	// The program pointer is filled in before the pumps start feeding
	// the callback.
	var program *tea.Program
	cfg.OnFrame = func(payload []byte) {
		if program != nil {
			program.Send(chatIncomingMsg(string(payload)))
		}
	}

	link, err := lignite.New(cfg)
	if err != nil {
		return fmt.Errorf("link init failed: %v", err)
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	program = tea.NewProgram(newChatModel(link, connInfo))

	pumpErr := make(chan error, 1)
	go func() {
		err := runPumps(ctx, conn, link)
		pumpErr <- err
		program.Quit()
	}()

	if err := link.Connect(); err != nil {
		return err
	}

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}

	cancel()
	return <-pumpErr
}
