package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"relaybot/internal/app"
	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/httpapi"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14")).MarginTop(1)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(22)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				logger.Debug("config not loaded, using defaults", "err", err)
				cfg = config.Defaults()
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			st, err := httpapi.NewClient(cfg.API.Addr(), cfg.API.APIKey).Status(ctx)
			if err != nil {
				fmt.Println(errStyle.Render("gateway: offline") + "  " + err.Error())
				return fmt.Errorf("gateway not reachable at %s", cfg.API.Addr())
			}
			fmt.Println(renderStatus(st, time.Now()))
			return nil
		},
	}
}

// renderStatus lays out a status snapshot for the terminal.
func renderStatus(st app.Status, now time.Time) string {
	sections := []string{
		titleStyle.Render(fmt.Sprintf("relaybot %s", st.Version)) + "  " +
			okStyle.Render("online") + "  up " + (time.Duration(st.UptimeSeconds) * time.Second).String(),
	}

	providers := []string{sectionStyle.Render("Transports")}
	for _, p := range st.Providers {
		providers = append(providers, providerLine(p, st.ActiveProvider, st.PreferredProvider))
	}
	if len(st.Providers) == 0 {
		providers = append(providers, warnStyle.Render("none registered"))
	}
	providers = append(providers, row("switches", fmt.Sprintf("%d", st.ProviderSwitches)))
	sections = append(sections, providers...)

	pol := st.Polling
	sections = append(sections,
		sectionStyle.Render("Polling"),
		row("state", string(pol.State)),
		row("interval", (time.Duration(pol.IntervalSeconds*float64(time.Second))).String()),
		row("last poll", ago(pol.LastPoll, now)),
		row("ticks / failures", fmt.Sprintf("%d / %d", pol.Ticks, pol.Failures)),
		row("fetched / admitted", fmt.Sprintf("%d / %d", pol.Fetched, pol.Admitted)),
	)
	if pol.ConsecutiveFailures > 0 {
		sections = append(sections, row("failing for", errStyle.Render(fmt.Sprintf("%d ticks", pol.ConsecutiveFailures))))
	}

	sections = append(sections,
		sectionStyle.Render("Messages"),
		row("processed", fmt.Sprintf("%d", st.Processed)),
		row("errors", fmt.Sprintf("%d", st.Errors)),
		row("queued", fmt.Sprintf("%d", st.QueueDepth)),
		row("claims held", fmt.Sprintf("%d", st.ClaimsHeld)),
		row("last user message", ago(st.LastUserMessage, now)),
	)

	if len(st.AlertCooldowns) > 0 {
		sections = append(sections, sectionStyle.Render("Alert cooldowns"))
		types := make([]string, 0, len(st.AlertCooldowns))
		for t := range st.AlertCooldowns {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			sections = append(sections, row(t, "until "+st.AlertCooldowns[t].Local().Format(time.Kitchen)))
		}
	}

	if len(st.RecentEvents) > 0 {
		sections = append(sections, sectionStyle.Render("Recent events"))
		for _, ev := range st.RecentEvents {
			sections = append(sections, fmt.Sprintf("%s  %s", labelStyle.Render(ev.Timestamp.Local().Format("15:04:05")), ev.Type))
		}
	}

	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

func providerLine(p domain.ProviderState, active, preferred domain.Transport) string {
	var state string
	switch {
	case !p.Enabled:
		state = labelStyle.UnsetWidth().Render("disabled")
	case p.LoggedOut:
		state = errStyle.Render("logged out, re-pair")
	case p.Connected:
		state = okStyle.Render("connected")
	case !p.HasCredentials:
		state = warnStyle.Render("no credentials")
	default:
		state = errStyle.Render("disconnected")
	}
	var tags []string
	if p.Transport == active {
		tags = append(tags, "active")
	}
	if p.Transport == preferred {
		tags = append(tags, "preferred")
	}
	if len(tags) > 0 {
		state += " (" + strings.Join(tags, ", ") + ")"
	}
	if p.LastError != "" && !p.Connected {
		state += "\n" + strings.Repeat(" ", 22) + errStyle.Render(p.LastError)
	}
	return row(string(p.Transport), state)
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}
