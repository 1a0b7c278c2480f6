package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
)

// ============================================================================
// Bot Administration
// ============================================================================

const (
	MsgBotRebootCommanded   = "Reboot commanded by user %s (%s)"
	MsgBotShutdownCommanded = "Shutdown commanded by user %s (%s)"
	MsgBotRebooting         = "Rebooting..."
	MsgBotShuttingDown      = "Shutting down..."
	MsgBotUnknownSubcommand = "Unknown bot subcommand: %s"
	MsgBotNoLogFile         = "No log file is being written."
	MsgBotLogReadFail       = "Failed to read the log file: %v"

	consoleTailBytes = 3500
)

// ===========================
// Command Registration
// ===========================

func init() {
	adminPerm := discord.PermissionAdministrator

	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "bot",
		Description:              "Bot management (Admin Only)",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "reboot",
				Description: "Restart the bot process",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "shutdown",
				Description: "Stop the bot process",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "console",
				Description: "Show the tail of the log file",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stats",
				Description: "Show runtime statistics",
			},
		},
	}, handleBot)
}

// handleBot routes bot subcommands to their respective handlers
func handleBot(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}

	subCmd := *data.SubCommandName
	switch subCmd {
	case "reboot":
		handleBotReboot(event)
	case "shutdown":
		handleBotShutdown(event)
	case "console":
		handleBotConsole(event)
	case "stats":
		handleBotStats(event)
	default:
		LogBot(MsgBotUnknownSubcommand, subCmd)
	}
}

func handleBotReboot(event *events.ApplicationCommandInteractionCreate) {
	LogWarn(MsgBotRebootCommanded, event.User().Username, event.User().ID)
	_ = RespondInteraction(event, MsgBotRebooting, true)

	RestartRequested = true
	time.AfterFunc(1500*time.Millisecond, func() {
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
	})
}

func handleBotShutdown(event *events.ApplicationCommandInteractionCreate) {
	LogWarn(MsgBotShutdownCommanded, event.User().Username, event.User().ID)
	_ = RespondInteraction(event, MsgBotShuttingDown, true)

	time.AfterFunc(1*time.Second, func() {
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
	})
}

func handleBotConsole(event *events.ApplicationCommandInteractionCreate) {
	logPath := GetLogPath()
	if logPath == "" {
		_ = RespondInteraction(event, MsgBotNoLogFile, true)
		return
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		_ = RespondInteraction(event, fmt.Sprintf(MsgBotLogReadFail, err), true)
		return
	}

	tail := string(data)
	if len(tail) > consoleTailBytes {
		tail = tail[len(tail)-consoleTailBytes:]
		// Drop the partial first line left by the byte cut
		if i := strings.IndexByte(tail, '\n'); i >= 0 {
			tail = tail[i+1:]
		}
	}

	_ = RespondInteraction(event, "```\n"+tail+"\n```", true)
}

func handleBotStats(event *events.ApplicationCommandInteractionCreate) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	players := 0
	if musicSys != nil {
		players = musicSys.players.Count()
	}

	content := fmt.Sprintf(
		"Uptime: %s\nGoroutines: %d\nHeap: %.1f MB\nActive players: %d",
		time.Since(StartupTime).Round(time.Second),
		runtime.NumGoroutine(),
		float64(mem.HeapAlloc)/1024.0/1024.0,
		players,
	)
	_ = RespondInteraction(event, content, true)
}
