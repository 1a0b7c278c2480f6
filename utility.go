package main

import (
	"strings"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
)

// ============================================================================
// Utility
// ============================================================================

// RespondInteraction sends the initial interaction response
func RespondInteraction(event *events.ApplicationCommandInteractionCreate, content string, ephemeral bool) error {
	return event.CreateMessage(discord.NewMessageCreate().
		WithContent(content).
		WithEphemeral(ephemeral))
}

// EditInteraction updates the original interaction response
func EditInteraction(client bot.Client, event *events.ApplicationCommandInteractionCreate, content string) error {
	_, err := client.Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), discord.MessageUpdate{
		Content: strPtr(content),
	})
	return err
}

func strPtr(s string) *string {
	return &s
}

func intPtr(i int) *int {
	return &i
}

func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
