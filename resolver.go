package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// ============================================================================
// Media Resolution (yt-dlp)
// ============================================================================

const (
	SearchTimeout    = 2500 * time.Millisecond
	MaxSearchResults = 25

	MsgResolverResolved     = "Resolved %s -> %s"
	MsgResolverPlaylist     = "Playlist %s expanded to %d entries"
	MsgResolverDownloaded   = "Downloaded %s (%s)"
	MsgProxySelected        = "Using SOCKS5 proxy via %s"
	MsgProxyManual          = "Using manual proxy server %s"
	MsgProxyDisabled        = "No proxy configured, using direct connection"
	MsgProxyCountryFail     = "Proxy lookup failed for %s: %v"
	MsgProxyFallback        = "All proxy regions failed, using fallback server %s"

	ErrNoResults        = "no results for query"
	ErrDownloadNoOutput = "yt-dlp produced no output file"
)

// MediaInfo describes one resolved or downloaded track.
type MediaInfo struct {
	Title     string
	URL       string
	Duration  int // seconds, 0 = unknown
	Thumbnail string
	LocalFile string
}

// PlaylistEntry is a flat playlist item; only URL and title are known
// until the track is individually downloaded.
type PlaylistEntry struct {
	Title string
	URL   string
}

// MediaResolver turns user queries into playable media. Implemented by
// the yt-dlp backend in production and by fakes in tests.
type MediaResolver interface {
	Resolve(ctx context.Context, query string) (*MediaInfo, error)
	ResolvePlaylist(ctx context.Context, playlistURL string, maxEntries int) ([]PlaylistEntry, error)
	Download(ctx context.Context, mediaURL, dir, baseName string) (*MediaInfo, error)
}

// ===========================
// yt-dlp Resolver
// ===========================

type ytdlpResolver struct {
	proxy string
}

func NewYtdlpResolver(proxy string) MediaResolver {
	return &ytdlpResolver{proxy: proxy}
}

// newYtdlp returns a new yt-dlp command with the shared proxy applied
func (r *ytdlpResolver) newYtdlp() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if r.proxy != "" {
		cmd.Proxy(r.proxy)
	}
	return cmd
}

var (
	jsOnce       sync.Once
	cachedJSArgs []string
)

func buildYtdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--prefer-free-formats",
		"--socket-timeout", "30",
		"--retries", "20",
		"--fragment-retries", "20",
	)
	return args
}

func (r *ytdlpResolver) Resolve(ctx context.Context, query string) (*MediaInfo, error) {
	// Spotify streams cannot be downloaded, so a Spotify link is
	// resolved to its artist/title and the match played from YouTube.
	target := searchTarget(query)
	if IsSpotifyURL(query) {
		target = "ytsearch1:" + r.spotifySearchQuery(ctx, query)
	}

	cmd := r.newYtdlp()
	args := append(buildYtdlpArgs(), "--no-playlist", "--skip-download")
	res, err := cmd.
		Print("%(webpage_url)s\t%(title)s\t%(duration)s\t%(thumbnail)s").
		NoSimulate().
		IgnoreConfig().
		NoWarnings().
		Run(ctx, append(args, target)...)
	if err != nil {
		return nil, err
	}

	line := strings.SplitN(strings.TrimSpace(res.Stdout), "\n", 2)[0]
	ps := strings.Split(line, "\t")
	if len(ps) < 2 || ps[0] == "" || ps[0] == "NA" {
		return nil, fmt.Errorf(ErrNoResults)
	}

	info := &MediaInfo{URL: ps[0], Title: ps[1]}
	if len(ps) > 2 {
		info.Duration = parseSeconds(ps[2])
	}
	if len(ps) > 3 && ps[3] != "NA" {
		info.Thumbnail = ps[3]
	}
	LogMusic(MsgResolverResolved, query, info.Title)
	return info, nil
}

// spotifySearchQuery extracts "artist - title" from a Spotify link for
// a text search. Falls back to the raw link text when metadata
// extraction fails, matching yt-dlp's own search-everything behavior.
func (r *ytdlpResolver) spotifySearchQuery(ctx context.Context, spotifyURL string) string {
	cmd := r.newYtdlp()
	args := append(buildYtdlpArgs(), "--no-playlist", "--skip-download")
	res, err := cmd.
		Print("%(artist,uploader)s\t%(title)s").
		NoSimulate().
		IgnoreConfig().
		NoWarnings().
		Run(ctx, append(args, spotifyURL)...)
	if err != nil {
		return spotifyURL
	}

	line := strings.SplitN(strings.TrimSpace(res.Stdout), "\n", 2)[0]
	ps := strings.Split(line, "\t")
	if len(ps) < 2 || ps[1] == "" || ps[1] == "NA" {
		return spotifyURL
	}
	if ps[0] == "" || ps[0] == "NA" {
		return ps[1]
	}
	return ps[0] + " - " + ps[1]
}

// ResolvePlaylist lists entries without downloading anything. Entries
// past maxEntries are never fetched, not fetched-and-discarded.
func (r *ytdlpResolver) ResolvePlaylist(ctx context.Context, playlistURL string, maxEntries int) ([]PlaylistEntry, error) {
	cmd := r.newYtdlp()
	args := buildYtdlpArgs()
	res, err := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s").
		PlaylistItems(fmt.Sprintf("1-%d", maxEntries)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, playlistURL)...)
	if err != nil {
		return nil, err
	}

	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	entries := make([]PlaylistEntry, 0, len(ls))
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 2 || ps[0] == "" || ps[0] == "NA" || ps[1] == "NA" {
			continue
		}
		entries = append(entries, PlaylistEntry{URL: ps[0], Title: ps[1]})
		if len(entries) >= maxEntries {
			break
		}
	}
	LogMusic(MsgResolverPlaylist, playlistURL, len(entries))
	return entries, nil
}

// Download fetches the audio into dir, named by baseName so concurrent
// downloads of the same video never collide on disk.
func (r *ytdlpResolver) Download(ctx context.Context, mediaURL, dir, baseName string) (*MediaInfo, error) {
	cmd := r.newYtdlp()
	args := append(buildYtdlpArgs(), "--no-playlist")
	res, err := cmd.
		Format("bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best").
		Output(dir + "/" + baseName + ".%(ext)s").
		Print("after_move:%(filepath)s\t%(title)s\t%(duration)s\t%(thumbnail)s").
		NoSimulate().
		NoPart().
		NoCheckCertificates().
		Run(ctx, append(args, mediaURL)...)
	if err != nil {
		return nil, err
	}

	line := strings.SplitN(strings.TrimSpace(res.Stdout), "\n", 2)[0]
	ps := strings.Split(line, "\t")
	if len(ps) < 1 || ps[0] == "" {
		return nil, fmt.Errorf(ErrDownloadNoOutput)
	}

	info := &MediaInfo{URL: mediaURL, LocalFile: ps[0]}
	if len(ps) > 1 {
		info.Title = ps[1]
	}
	if len(ps) > 2 {
		info.Duration = parseSeconds(ps[2])
	}
	if len(ps) > 3 && ps[3] != "NA" {
		info.Thumbnail = ps[3]
	}
	LogMusic(MsgResolverDownloaded, info.Title, info.LocalFile)
	return info, nil
}

func parseSeconds(s string) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return int(f)
}

// ===========================
// URL Classification
// ===========================

// urlHost extracts the lowercased hostname of an absolute http(s) URL,
// or "" when s is not one.
func urlHost(s string) string {
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func IsYouTubeURL(s string) bool {
	switch urlHost(s) {
	case "youtube.com", "www.youtube.com", "m.youtube.com", "music.youtube.com", "youtu.be", "www.youtu.be":
		return true
	}
	return false
}

func IsSoundCloudURL(s string) bool {
	host := urlHost(s)
	return host == "soundcloud.com" || strings.HasSuffix(host, ".soundcloud.com")
}

func IsSpotifyURL(s string) bool {
	host := urlHost(s)
	return host == "spotify.com" || strings.HasSuffix(host, ".spotify.com")
}

// searchTarget rewrites plain text into a YouTube search while passing
// direct media links (YouTube, SoundCloud, anything yt-dlp extracts
// natively) through untouched. Spotify links never reach this path.
func searchTarget(query string) string {
	if urlHost(query) != "" {
		return query
	}
	return "ytsearch1:" + query
}

func IsPlaylistURL(s string) bool {
	if !IsYouTubeURL(s) {
		return false
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, "list=") || strings.Contains(lower, "/playlist")
}

// ===========================
// Search (autocomplete)
// ===========================

type SearchResult struct {
	Title string
	URL   string
}

// SearchTracks fans out to YouTube Music and regular YouTube search in
// parallel, deduplicating by video ID. Best-effort: either source can
// fail or time out without sinking the other.
func SearchTracks(query string) []SearchResult {
	ctx, cancel := context.WithTimeout(AppContext, SearchTimeout)
	defer cancel()

	var (
		resMu   sync.Mutex
		results []SearchResult
		seen    = map[string]bool{}
	)

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(query)
		r, _ := s.Next()
		if r == nil {
			return
		}
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			title := v.Title
			if len(v.Artists) > 0 {
				title = v.Artists[0].Name + " - " + title
			}
			resMu.Lock()
			if !seen[v.VideoID] && len(results) < MaxSearchResults {
				seen[v.VideoID] = true
				results = append(results, SearchResult{
					Title: title,
					URL:   "https://www.youtube.com/watch?v=" + v.VideoID,
				})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, _ := c.Search(ctx, query)
		if r == nil {
			return
		}
		for _, v := range r.Results {
			if v.VideoID == "" {
				continue
			}
			resMu.Lock()
			if !seen[v.VideoID] && len(results) < MaxSearchResults {
				seen[v.VideoID] = true
				results = append(results, SearchResult{
					Title: v.Title,
					URL:   "https://www.youtube.com/watch?v=" + v.VideoID,
				})
			}
			resMu.Unlock()
		}
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}

	resMu.Lock()
	defer resMu.Unlock()
	out := make([]SearchResult, len(results))
	copy(out, results)
	return out
}

// ===========================
// Proxy Selection (NordVPN SOCKS5)
// ===========================

// nordVPNCountries maps country codes to NordVPN country IDs
var nordVPNCountries = map[string]int{
	"DK": 58,
	"SE": 208,
	"DE": 81,
	"PL": 174,
}

const nordVPNFallbackServer = "de1234.nordvpn.com"

// SelectProxy builds the SOCKS5 proxy URL handed to yt-dlp. An explicit
// YOUTUBE_PROXY wins; otherwise NordVPN credentials trigger a server
// lookup. Returns "" for a direct connection.
func SelectProxy(ctx context.Context, cfg *Config) string {
	if cfg.YoutubeProxy != "" {
		LogProxy(MsgProxyManual, cfg.YoutubeProxy)
		return cfg.YoutubeProxy
	}
	if cfg.NordVPNUser == "" || cfg.NordVPNPass == "" {
		LogProxy(MsgProxyDisabled)
		return ""
	}

	server := cfg.NordVPNServer
	if server == "" {
		server = findNordVPNServer(ctx)
	}
	LogProxy(MsgProxySelected, server)
	return fmt.Sprintf("socks5://%s:%s@%s:1080", url.QueryEscape(cfg.NordVPNUser), url.QueryEscape(cfg.NordVPNPass), server)
}

// findNordVPNServer asks the recommendations API for a SOCKS server in
// an allowed region, shuffling the region order per call.
func findNordVPNServer(ctx context.Context) string {
	codes := make([]string, 0, len(nordVPNCountries))
	for code := range nordVPNCountries {
		codes = append(codes, code)
	}
	rand.Shuffle(len(codes), func(i, j int) { codes[i], codes[j] = codes[j], codes[i] })

	client := &http.Client{Timeout: 5 * time.Second}
	for _, code := range codes {
		hostname, err := queryNordVPNRegion(ctx, client, nordVPNCountries[code])
		if err != nil {
			LogProxy(MsgProxyCountryFail, code, err)
			continue
		}
		if hostname != "" {
			return hostname
		}
	}

	LogProxy(MsgProxyFallback, nordVPNFallbackServer)
	return nordVPNFallbackServer
}

func queryNordVPNRegion(ctx context.Context, client *http.Client, countryID int) (string, error) {
	apiURL := fmt.Sprintf(
		"https://api.nordvpn.com/v1/servers/recommendations?filters[country_id]=%d&filters[servers_technologies][identifier]=socks&limit=1",
		countryID,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var servers []struct {
		Hostname string `json:"hostname"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&servers); err != nil {
		return "", err
	}
	if len(servers) == 0 {
		return "", nil
	}
	return servers[0].Hostname, nil
}
