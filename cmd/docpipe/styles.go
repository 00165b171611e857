package main

import (
	"docpipe/internal/pipeline"

	"github.com/charmbracelet/lipgloss"
)

var (
	allowColor = lipgloss.Color("#2E7D32")
	denyColor  = lipgloss.Color("#C62828")
	warnColor  = lipgloss.Color("#F9A825")
	mutedColor = lipgloss.Color("#8A8F98")

	badgeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 1)

	allowBadge = badgeStyle.Background(allowColor)
	denyBadge  = badgeStyle.Background(denyColor)
	warnBadge  = badgeStyle.Background(warnColor).Foreground(lipgloss.Color("#000000"))

	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(denyColor)
	headingStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
)

func decisionBadge(status pipeline.DecisionStatus) string {
	if status == pipeline.DecisionAllow {
		return allowBadge.Render(string(status))
	}
	return denyBadge.Render(string(status))
}

func claimStatusBadge(status pipeline.ClaimStatus) string {
	switch status {
	case pipeline.StatusActive:
		return lipgloss.NewStyle().Foreground(allowColor).Render(string(status))
	case pipeline.StatusInvalidated:
		return lipgloss.NewStyle().Foreground(denyColor).Render(string(status))
	default:
		return mutedStyle.Render(string(status))
	}
}
