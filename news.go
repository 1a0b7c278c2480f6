package main

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"golang.org/x/time/rate"
)

// ============================================================================
// Team News
// ============================================================================

const (
	NewsBaseURL    = "https://www.basketnews.lt"
	NewsTeamFilter = "rytas"
	MaxNewsItems   = 10

	MsgNewsFetched   = "Fetched %d headlines"
	MsgNewsNone      = "No recent news about the team."
	MsgNewsRateLimit = "Too many requests, try again in a bit."
	MsgNewsFail      = "Could not fetch news: %v"

	ErrNewsStatus = "news fetch returned status %d"
)

// ===========================
// Command Registration
// ===========================

func init() {
	RegisterCommand(discord.SlashCommandCreate{
		Name:        "news",
		Description: "Latest team headlines",
	}, handleNews)
}

// ===========================
// Fetcher
// ===========================

type Headline struct {
	Title string
	URL   string
}

// newsLimiter caps upstream requests regardless of command spam
var newsLimiter = rate.NewLimiter(rate.Every(30*time.Second), 2)

var newsAnchorRe = regexp.MustCompile(`(?is)<a\s[^>]*href="([^"]+)"[^>]*>(.*?)</a>`)
var newsTagRe = regexp.MustCompile(`(?s)<[^>]+>`)

var newsHTTPClient = &http.Client{Timeout: 10 * time.Second}

// FetchNews scrapes the front page for article links mentioning the
// team. Fails fast when the rate limiter has no budget left.
func FetchNews(ctx context.Context) ([]Headline, error) {
	if !newsLimiter.Allow() {
		return nil, errors.New(MsgNewsRateLimit)
	}
	return fetchNewsFrom(ctx, NewsBaseURL)
}

func fetchNewsFrom(ctx context.Context, baseURL string) ([]Headline, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := newsHTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(ErrNewsStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	headlines := extractHeadlines(string(body))
	LogNews(MsgNewsFetched, len(headlines))
	return headlines, nil
}

// extractHeadlines filters anchors down to team article links
func extractHeadlines(page string) []Headline {
	seen := map[string]bool{}
	var headlines []Headline

	for _, m := range newsAnchorRe.FindAllStringSubmatch(page, -1) {
		href := m[1]
		text := strings.TrimSpace(html.UnescapeString(newsTagRe.ReplaceAllString(m[2], "")))
		if text == "" {
			continue
		}
		if !strings.Contains(strings.ToLower(text), NewsTeamFilter) {
			continue
		}
		if !strings.Contains(href, "news-") {
			continue
		}
		if strings.HasPrefix(href, "/") {
			href = NewsBaseURL + href
		}
		if seen[href] {
			continue
		}
		seen[href] = true
		headlines = append(headlines, Headline{Title: text, URL: href})
		if len(headlines) >= MaxNewsItems {
			break
		}
	}
	return headlines
}

// ===========================
// Command Handler
// ===========================

func handleNews(event *events.ApplicationCommandInteractionCreate) {
	if err := event.DeferCreateMessage(false); err != nil {
		return
	}
	client := *event.Client()

	headlines, err := FetchNews(AppContext)
	if err != nil {
		_ = EditInteraction(client, event, fmt.Sprintf(MsgNewsFail, err))
		return
	}
	if len(headlines) == 0 {
		_ = EditInteraction(client, event, MsgNewsNone)
		return
	}

	var sb strings.Builder
	for i, h := range headlines {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("%d. [%s](<%s>)", i+1, h.Title, h.URL))
	}
	_ = EditInteraction(client, event, Truncate(sb.String(), 1900))
}
