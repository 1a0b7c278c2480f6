package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
)

// ============================================================================
// Daily Greeting
// ============================================================================

const (
	DailyGreetingHour   = 8
	DailyGreetingMinute = 0
	DailyTriggerWord    = "jasna"

	MsgDailyScheduled   = "Next greeting at %s"
	MsgDailySent        = "Sent daily greeting: %s"
	MsgDailyChannelFail = "Invalid daily channel ID %q: %v"
	MsgDailySendFail    = "Failed to send daily greeting: %v"
	MsgDailyDisabled    = "No daily channel configured, greeting daemon off"
)

var dailyGreetings = []string{
	"ka sian?",
	"kada losiam?",
	"ka losiam siandien?",
}

var dailyChants = []string{
	"Rytas Vilnius!",
	"zalia balta ne!",
	"pirmyn Rytas!",
	"sostines komanda!",
}

var dailyTriggerReplies = []string{
	"toks ir draugelis...",
	"neminek to vardo",
}

// ===========================
// No-repeat Selection
// ===========================

// bankPicker selects random entries without repeating until the whole
// bank has been used, then starts over.
type bankPicker struct {
	mu   sync.Mutex
	bank []string
	used map[int]bool
}

func newBankPicker(bank []string) *bankPicker {
	return &bankPicker{bank: bank, used: make(map[int]bool)}
}

func (p *bankPicker) Pick() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.bank) == 0 {
		return ""
	}
	if len(p.used) >= len(p.bank) {
		p.used = make(map[int]bool)
	}
	for {
		i := rand.Intn(len(p.bank))
		if !p.used[i] {
			p.used[i] = true
			return p.bank[i]
		}
	}
}

var (
	greetingPicker = newBankPicker(dailyGreetings)
	chantPicker    = newBankPicker(dailyChants)
	triggerPicker  = newBankPicker(dailyTriggerReplies)
)

// ===========================
// Daemon
// ===========================

func init() {
	OnClientReady(func(ctx context.Context, client bot.Client) {
		RegisterDaemon(LogDaily, func(ctx context.Context) (bool, func(), func()) {
			if GlobalConfig == nil || GlobalConfig.DailyChannelID == "" {
				LogDaily(MsgDailyDisabled)
				return false, nil, nil
			}
			channelID, err := snowflake.Parse(GlobalConfig.DailyChannelID)
			if err != nil {
				LogDaily(MsgDailyChannelFail, GlobalConfig.DailyChannelID, err)
				return false, nil, nil
			}
			return true, func() { dailyLoop(ctx, client, channelID) }, func() {}
		})
	})

	RegisterMessageCreateHandler(onDailyTriggerMessage)
}

func dailyLoop(ctx context.Context, client bot.Client, channelID snowflake.ID) {
	for {
		next := nextDailyFire(time.Now())
		LogDaily(MsgDailyScheduled, next.Format(time.RFC1123))

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		sendDailyGreeting(ctx, client, channelID)
	}
}

// nextDailyFire returns the next 08:00 local strictly after now
func nextDailyFire(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), DailyGreetingHour, DailyGreetingMinute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func sendDailyGreeting(ctx context.Context, client bot.Client, channelID snowflake.ID) {
	content := greetingPicker.Pick()
	if chant := chantPicker.Pick(); chant != "" {
		content += "\n" + chant
	}
	if headlines, err := FetchNews(ctx); err == nil && len(headlines) > 0 {
		content += fmt.Sprintf("\n-# %s\n%s", headlines[0].Title, headlines[0].URL)
	}

	if _, err := client.Rest.CreateMessage(channelID, discord.MessageCreate{Content: content}); err != nil {
		LogDaily(MsgDailySendFail, err)
		return
	}
	LogDaily(MsgDailySent, content)
}

// onDailyTriggerMessage replies with a chant when the trigger word
// appears anywhere in a user message.
func onDailyTriggerMessage(event *events.MessageCreate) {
	if event.Message.Author.Bot {
		return
	}
	if !ContainsIgnoreCase(event.Message.Content, DailyTriggerWord) {
		return
	}
	_, _ = event.Client().Rest.CreateMessage(event.Message.ChannelID, discord.MessageCreate{
		Content: triggerPicker.Pick(),
	})
}
