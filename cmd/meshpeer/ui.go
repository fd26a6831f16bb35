package main

import (
	"fmt"
	"strings"

	"github.com/adityaadpandey/meshcall/internals/session"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/jedib0t/go-pretty/v6/table"
)

var (
	primary = lipgloss.Color("#22d3ee")
	success = lipgloss.Color("#10B981")
	warning = lipgloss.Color("#F59E0B")
	failure = lipgloss.Color("#EF4444")
	muted   = lipgloss.Color("#6B7280")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primary)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(warning)
	errorStyle   = lipgloss.NewStyle().Foreground(failure).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(primary).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

func printError(msg string) {
	fmt.Println(errorStyle.Render("✗ " + msg))
}

func short(id fmt.Stringer) string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// describeEvent renders one controller event as a status line.
func describeEvent(ev session.Event) string {
	who := short(ev.Peer)
	switch ev.Type {
	case session.EventJoined:
		return successStyle.Render(fmt.Sprintf("✓ joined %s with %d peer(s)", ev.Room, len(ev.Peers)))
	case session.EventRoomFull:
		return errorStyle.Render("✗ room " + ev.Room + " is full")
	case session.EventLeft:
		return mutedStyle.Render("left " + ev.Room)
	case session.EventPeerJoined:
		return mutedStyle.Render(who + " joined")
	case session.EventPeerLeft:
		return mutedStyle.Render(who + " left")
	case session.EventPeerConnected:
		return successStyle.Render("● connected to " + who)
	case session.EventPeerFailed:
		return warningStyle.Render("● connection to " + who + " failed, reconnecting")
	case session.EventReconnectGaveUp:
		return errorStyle.Render("✗ gave up on " + who)
	case session.EventSpeaking:
		return titleStyle.Render("♪ " + who + " is speaking")
	case session.EventStoppedSpeaking:
		return mutedStyle.Render("♪ " + who + " stopped speaking")
	case session.EventPresenterChanged:
		if ev.Peer.IsZero() {
			return mutedStyle.Render("nobody is presenting")
		}
		return titleStyle.Render("▶ " + who + " is presenting")
	case session.EventShareRequested:
		return warningStyle.Render(fmt.Sprintf("%s (%s) asks to present", who, ev.Name))
	case session.EventShareGranted:
		return successStyle.Render("✓ presenter token granted")
	case session.EventShareRequestExpired:
		return warningStyle.Render("share request expired")
	case session.EventShareStarted:
		return successStyle.Render("▶ sharing screen")
	case session.EventShareStopped:
		return mutedStyle.Render("■ screen share stopped")
	case session.EventError:
		if ev.Err != nil {
			return errorStyle.Render("✗ " + ev.Err.Error())
		}
	}
	return mutedStyle.Render(string(ev.Type))
}

// roomsView renders the hub's room listing.
func roomsView(rooms []roomInfo) string {
	if len(rooms) == 0 {
		return mutedStyle.Render("No active rooms")
	}
	rows := make([][]string, 0, len(rooms))
	for _, r := range rooms {
		presenter := "-"
		if r.Presenter != nil {
			presenter = short(*r.Presenter)
		}
		members := make([]string, 0, len(r.Members))
		for _, m := range r.Members {
			members = append(members, short(m))
		}
		rows = append(rows, []string{
			r.Name,
			fmt.Sprintf("%d/%d", len(r.Members), r.Capacity),
			strings.Join(members, ", "),
			presenter,
			r.CreatedAt.Format("15:04:05"),
		})
	}

	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primary)).
		Headers("Room", "Members", "Peers", "Presenter", "Created").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Render()
}

// peersView renders per-peer connection state and receive stats.
func peersView(peers []session.PeerStatus) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Peer", "State", "Quality", "Packets", "Bytes", "Lost"})
	for _, p := range peers {
		quality := "-"
		if p.Quality != nil {
			quality = fmt.Sprintf("%s (%.1f%%)", p.Quality.Level, p.Quality.PacketLoss)
		}
		tw.AppendRow(table.Row{
			short(p.ID),
			p.State.String(),
			quality,
			p.Stats.PacketsReceived,
			p.Stats.BytesReceived,
			p.Stats.PacketsLost,
		})
	}
	if len(peers) == 0 {
		tw.AppendFooter(table.Row{"", "no peers"})
	}
	return tw.Render()
}
