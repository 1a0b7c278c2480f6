package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
)

// ============================================================================
// Music System Constants
// ============================================================================

const (
	DefaultBufferSize   = 3
	MaxPlaylistSize     = 50
	DownloadTimeout     = 60 * time.Second
	EmptyQueueGraceWait = 500 * time.Millisecond

	MsgMusicNotInVoice         = "You need to be in a voice channel to use this."
	MsgMusicServerOnly         = "This command can only be used in a server."
	MsgMusicResolveFail        = "Could not resolve that query: %v"
	MsgMusicConnectFail        = "Could not join the voice channel: %v"
	MsgMusicQueued             = "Queued **%s** [%s]"
	MsgMusicQueuedPlaylist     = "Queued **%d** tracks from the playlist."
	MsgMusicPlaylistEmpty      = "That playlist has no playable entries."
	MsgMusicNothingPlaying     = "Nothing is playing."
	MsgMusicSkipped            = "Skipped."
	MsgMusicSkippedTo          = "Skipped to position %d."
	MsgMusicSkipToInvalid      = "Invalid position. The queue has %d upcoming tracks."
	MsgMusicStopped            = "Stopped playback and cleared the queue."
	MsgMusicDisconnected       = "Disconnected."
	MsgMusicNotConnected       = "Not connected to a voice channel."
	MsgMusicLoopOn             = "Loop enabled for the current track."
	MsgMusicLoopOff            = "Loop disabled."
	MsgMusicQueueEmpty         = "The queue is empty."
	MsgMusicNoHistory          = "Nothing has been played here yet."
	MsgMusicNowPlaying         = "Now playing: **%s** [%s]"
	MsgMusicUnknownSubcommand  = "Unknown music subcommand: %s"
	MsgMusicPlayerLoopStart    = "Player loop started for guild %s"
	MsgMusicPlayerLoopExit     = "Player loop exited for guild %s"
	MsgMusicDownloadSkip       = "Skipping %s, download failed: %v"
	MsgMusicBufferDownloadFail = "Buffer download failed for %s: %v"
	MsgMusicHandoffFail        = "Stream handoff failed for %s: %v"
	MsgMusicStreamErr          = "Stream ended with error for %s: %v"
	MsgMusicHistoryFail        = "Failed to record play history: %v"
	MsgMusicAloneDisconnect    = "Alone in voice channel, leaving guild %s"
	MsgMusicKicked             = "Voice connection dropped externally for guild %s"
	MsgMusicShutdown           = "Shutting down music system..."

	ErrSongNotDownloaded = "song %s is not downloaded after attempt"
)

// ===========================
// Command Registration
// ===========================

func init() {
	RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music playback",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play a URL, playlist, or search query",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "URL or search terms",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track, or jump ahead in the queue",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "to",
						Description: "Queue position to jump to (1 = next track)",
						Required:    false,
						MinValue:    intPtr(1),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the current queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "nowplaying",
				Description: "Show the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "loop",
				Description: "Toggle repeating the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "history",
				Description: "Show recently played tracks",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback and clear the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "disconnect",
				Description: "Disconnect from the voice channel",
			},
		},
	}, handleMusic)

	RegisterAutocompleteHandler("music", handleMusicAutocomplete)
	RegisterVoiceStateUpdateHandler(onMusicVoiceStateUpdate)
}

// ===========================
// Song
// ===========================

// Song is one queued track. Media fields are populated lazily for
// playlist entries and mutated in place once a download completes.
type Song struct {
	ID        string
	Title     string
	URL       string
	Requester string

	mu        sync.Mutex
	localFile string
	duration  int // seconds, 0 = unknown
	thumbnail string
}

func NewSong(title, url string) *Song {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return &Song{
		ID:    hex.EncodeToString(b),
		Title: title,
		URL:   url,
	}
}

// IsDownloaded re-checks the file on disk every call so an external
// deletion or a cleanup pass is observable immediately.
func (s *Song) IsDownloaded() bool {
	s.mu.Lock()
	path := s.localFile
	s.mu.Unlock()
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func (s *Song) FilePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localFile
}

func (s *Song) Duration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *Song) Thumbnail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thumbnail
}

// SetMedia populates the download result
func (s *Song) SetMedia(path string, durationSec int, thumbnail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localFile = path
	if durationSec > 0 {
		s.duration = durationSec
	}
	if thumbnail != "" {
		s.thumbnail = thumbnail
	}
}

// Cleanup deletes the local file if it exists and clears the path.
// Safe to call repeatedly and safe to race with other deleters.
func (s *Song) Cleanup() {
	s.mu.Lock()
	path := s.localFile
	s.localFile = ""
	s.mu.Unlock()
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		LogMusic("Failed to remove %s: %v", path, err)
	}
}

// DurationString renders M:SS, or H:MM:SS once the track reaches an hour
func (s *Song) DurationString() string {
	d := s.Duration()
	if d <= 0 {
		return "Unknown"
	}
	hours := d / 3600
	minutes := (d % 3600) / 60
	seconds := d % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// ===========================
// MusicQueue
// ===========================

// MusicQueue is a FIFO of pending songs plus the currently-playing one.
type MusicQueue struct {
	mu      sync.Mutex
	pending []*Song
	current *Song
	loop    bool
}

func NewMusicQueue() *MusicQueue {
	return &MusicQueue{}
}

func (q *MusicQueue) Add(s *Song) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, s)
}

// Next advances the current pointer. With loop enabled and a current
// track set it returns that track again without touching the pending list.
func (q *MusicQueue) Next() *Song {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.loop && q.current != nil {
		return q.current
	}
	if len(q.pending) == 0 {
		q.current = nil
		return nil
	}
	q.current = q.pending[0]
	q.pending = q.pending[1:]
	return q.current
}

// DropCurrent clears the current track, bypassing loop replay. Used
// when the current track cannot be played so it is not retried forever.
func (q *MusicQueue) DropCurrent() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.current = nil
}

// SkipTo removes and destroys every pending entry strictly before the
// 1-indexed position, leaving the target at the head. The current track
// is not touched; the caller stops it separately.
func (q *MusicQueue) SkipTo(position int) bool {
	q.mu.Lock()
	if position < 1 || position > len(q.pending) {
		q.mu.Unlock()
		return false
	}
	skipped := q.pending[:position-1]
	q.pending = q.pending[position-1:]
	q.mu.Unlock()

	for _, s := range skipped {
		s.Cleanup()
	}
	return true
}

// Clear empties the queue without destroying files; callers that own
// the songs clean them up first via Drain.
func (q *MusicQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	q.current = nil
}

// Drain returns every held song (current first) and empties the queue.
func (q *MusicQueue) Drain() []*Song {
	q.mu.Lock()
	defer q.mu.Unlock()
	var all []*Song
	if q.current != nil {
		all = append(all, q.current)
	}
	all = append(all, q.pending...)
	q.pending = nil
	q.current = nil
	return all
}

func (q *MusicQueue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *MusicQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && q.current == nil
}

func (q *MusicQueue) Current() *Song {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

func (q *MusicQueue) SetLoop(loop bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loop = loop
}

func (q *MusicQueue) Loop() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loop
}

// snapshot returns the current track and a copy of the pending list
func (q *MusicQueue) snapshot() (*Song, []*Song) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := make([]*Song, len(q.pending))
	copy(pending, q.pending)
	return q.current, pending
}

// ===========================
// DownloadBufferManager
// ===========================

// DownloadBufferManager keeps a rolling window of materialized tracks
// ahead of playback and reclaims files that fall out of the window.
// Downloads are single-flight per song, keyed by song ID.
type DownloadBufferManager struct {
	size     int
	resolver MediaResolver
	cacheDir string

	mu       sync.Mutex
	inFlight map[string]chan struct{}

	maintainMu sync.Mutex
}

func NewDownloadBufferManager(size int, resolver MediaResolver, cacheDir string) *DownloadBufferManager {
	if size < 1 {
		size = DefaultBufferSize
	}
	return &DownloadBufferManager{
		size:     size,
		resolver: resolver,
		cacheDir: cacheDir,
		inFlight: make(map[string]chan struct{}),
	}
}

// SongsToDownload returns the current track (if not downloaded) followed
// by the leading pending entries inside the buffer window that still
// need a file. Never more than the buffer size in total.
func (b *DownloadBufferManager) SongsToDownload(q *MusicQueue) []*Song {
	current, pending := q.snapshot()

	var songs []*Song
	slots := b.size
	if current != nil {
		if !current.IsDownloaded() {
			songs = append(songs, current)
		}
		slots--
	}
	for i := 0; i < len(pending) && i < slots; i++ {
		if !pending[i].IsDownloaded() {
			songs = append(songs, pending[i])
		}
	}
	return songs
}

// SongsToCleanup returns downloaded pending entries strictly beyond the
// buffer window. The current track is never included.
func (b *DownloadBufferManager) SongsToCleanup(q *MusicQueue) []*Song {
	current, pending := q.snapshot()

	start := b.size
	if current != nil {
		start--
	}

	var songs []*Song
	for i := start; i < len(pending); i++ {
		if pending[i].IsDownloaded() {
			songs = append(songs, pending[i])
		}
	}
	return songs
}

// MaintainBuffer downloads every window track that needs a file and
// reclaims files beyond the window. Overlapping invocations for the
// same manager are dropped, not queued; the loop invokes it after every
// track transition so a dropped pass is repeated shortly anyway.
func (b *DownloadBufferManager) MaintainBuffer(ctx context.Context, q *MusicQueue) {
	if !b.maintainMu.TryLock() {
		return
	}
	defer b.maintainMu.Unlock()

	for _, s := range b.SongsToDownload(q) {
		if ctx.Err() != nil {
			return
		}
		if s.IsDownloaded() {
			continue
		}
		if err := b.EnsureDownloaded(ctx, s); err != nil {
			// Left not-downloaded; the next pass retries it.
			LogMusic(MsgMusicBufferDownloadFail, s.Title, err)
		}
	}

	for _, s := range b.SongsToCleanup(q) {
		s.Cleanup()
	}
}

// EnsureDownloaded materializes one song with a bounded timeout. If a
// download for the same song is already in flight the caller waits on
// that result instead of starting a second one.
func (b *DownloadBufferManager) EnsureDownloaded(ctx context.Context, s *Song) error {
	if s.IsDownloaded() {
		return nil
	}

	b.mu.Lock()
	if done, ok := b.inFlight[s.ID]; ok {
		b.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if s.IsDownloaded() {
			return nil
		}
		return fmt.Errorf(ErrSongNotDownloaded, s.Title)
	}
	done := make(chan struct{})
	b.inFlight[s.ID] = done
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.inFlight, s.ID)
		b.mu.Unlock()
		close(done)
	}()

	dctx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	defer cancel()

	info, err := b.resolver.Download(dctx, s.URL, b.cacheDir, s.ID)
	if err != nil {
		return err
	}

	s.SetMedia(info.LocalFile, info.Duration, info.Thumbnail)
	if s.Title == "" && info.Title != "" {
		s.Title = info.Title
	}
	return nil
}

// ===========================
// MusicPlayer
// ===========================

// MusicPlayer orchestrates playback for one guild: it owns the queue and
// buffer manager and runs the single-consumer player loop.
type MusicPlayer struct {
	guildID snowflake.ID
	queue   *MusicQueue
	buffer  *DownloadBufferManager
	sink    StreamSink
	connect VoiceConnector

	mu         sync.Mutex
	conn       VoiceConn
	running    bool
	loopGen    uint64
	loopCancel context.CancelFunc

	songDone chan struct{}
	onTrack  func(*Song) // now-playing notification, may be nil

	baseCtx context.Context
}

func NewMusicPlayer(ctx context.Context, guildID snowflake.ID, buffer *DownloadBufferManager, sink StreamSink, connect VoiceConnector) *MusicPlayer {
	return &MusicPlayer{
		guildID:  guildID,
		queue:    NewMusicQueue(),
		buffer:   buffer,
		sink:     sink,
		connect:  connect,
		songDone: make(chan struct{}, 1),
		baseCtx:  ctx,
	}
}

func (p *MusicPlayer) Queue() *MusicQueue { return p.queue }

func (p *MusicPlayer) OnTrackStart(fn func(*Song)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

// Connect joins the given voice channel, reusing or relocating an
// existing connection when possible.
func (p *MusicPlayer) Connect(ctx context.Context, channelID snowflake.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil && p.conn.IsConnected() {
		if p.conn.ChannelID() == channelID {
			return nil
		}
		return p.conn.Move(ctx, channelID)
	}

	conn, err := p.connect(ctx, p.guildID, channelID)
	if err != nil {
		return err
	}
	p.conn = conn
	return nil
}

func (p *MusicPlayer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && p.conn.IsConnected()
}

func (p *MusicPlayer) connection() VoiceConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// setConnection is used by the registry to reconcile against the live
// gateway state, which owns the connection objects.
func (p *MusicPlayer) setConnection(conn VoiceConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = conn
}

// Disconnect tears everything down: stream, loop, queued files, connection.
func (p *MusicPlayer) Disconnect(ctx context.Context) {
	p.Stop()

	p.mu.Lock()
	cancel := p.loopCancel
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Disconnect(ctx)
	}
}

// Enqueue appends a song and starts the player loop if it is idle.
func (p *MusicPlayer) Enqueue(s *Song) {
	p.queue.Add(s)
	p.startLoop()
}

// Skip stops the active stream so the completion callback advances the
// loop. Returns false when nothing is streaming.
func (p *MusicPlayer) Skip() bool {
	if !p.sink.IsPlaying() {
		return false
	}
	p.sink.Stop()
	return true
}

// SkipTo discards upcoming tracks before the given 1-indexed position,
// then stops the active stream so the loop promotes the new head.
func (p *MusicPlayer) SkipTo(position int) bool {
	if !p.queue.SkipTo(position) {
		return false
	}
	if p.sink.IsPlaying() {
		p.sink.Stop()
	}
	return true
}

// Stop clears the queue (destroying buffered files) and halts any
// active stream. The voice connection stays up.
func (p *MusicPlayer) Stop() {
	for _, s := range p.queue.Drain() {
		s.Cleanup()
	}
	if p.sink.IsPlaying() {
		p.sink.Stop()
	}
}

func (p *MusicPlayer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *MusicPlayer) startLoop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.loopGen++
	gen := p.loopGen

	ctx, cancel := context.WithCancel(p.baseCtx)
	p.loopCancel = cancel

	safeGo(func() { p.playerLoop(ctx, gen) })
}

// stopLoop clears the running state for the given loop generation. A
// newer loop started in the meantime keeps its own state untouched.
func (p *MusicPlayer) stopLoop(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loopGen != gen {
		return
	}
	p.running = false
	p.loopCancel = nil
}

// idleExit reports whether the loop should exit after the grace wait.
// The queue re-check and the running flag clear share one critical
// section, so a track enqueued while the loop is shutting down either
// keeps this loop alive or finds it already stopped and starts a
// fresh one. It is never stranded between the two.
func (p *MusicPlayer) idleExit(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.queue.IsEmpty() {
		return false
	}
	if p.loopGen == gen {
		p.running = false
		p.loopCancel = nil
	}
	return true
}

// playerLoop is the single consumer of the queue. One iteration per
// track: promote, prefetch, ensure downloaded, hand off, wait.
func (p *MusicPlayer) playerLoop(ctx context.Context, gen uint64) {
	LogMusic(MsgMusicPlayerLoopStart, p.guildID)
	defer func() {
		p.stopLoop(gen)
		LogMusic(MsgMusicPlayerLoopExit, p.guildID)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		// Discard a stale finished signal from a previous track
		select {
		case <-p.songDone:
		default:
		}

		s := p.queue.Next()
		if s == nil {
			// A track enqueued during the grace wait must be picked
			// up rather than lost.
			select {
			case <-ctx.Done():
				return
			case <-time.After(EmptyQueueGraceWait):
			}
			if p.idleExit(gen) {
				return
			}
			continue
		}

		// Look-ahead runs in the background so it never delays audio start
		safeGo(func() { p.buffer.MaintainBuffer(ctx, p.queue) })

		if !s.IsDownloaded() {
			if err := p.buffer.EnsureDownloaded(ctx, s); err != nil {
				LogMusic(MsgMusicDownloadSkip, s.Title, err)
				s.Cleanup()
				p.queue.DropCurrent()
				continue
			}
		}

		conn := p.connection()
		if conn == nil || !conn.IsConnected() {
			LogMusic(MsgMusicHandoffFail, s.Title, fmt.Errorf("no voice connection"))
			s.Cleanup()
			p.queue.DropCurrent()
			continue
		}

		err := p.sink.Play(ctx, conn, s.FilePath(), func(playErr error) {
			if playErr != nil {
				LogMusic(MsgMusicStreamErr, s.Title, playErr)
			}
			s.Cleanup()
			select {
			case p.songDone <- struct{}{}:
			default:
			}
		})
		if err != nil {
			LogMusic(MsgMusicHandoffFail, s.Title, err)
			s.Cleanup()
			p.queue.DropCurrent()
			continue
		}

		p.mu.Lock()
		onTrack := p.onTrack
		p.mu.Unlock()
		if onTrack != nil {
			safeGo(func() { onTrack(s) })
		}

		select {
		case <-p.songDone:
		case <-ctx.Done():
			p.sink.Stop()
			return
		}
	}
}

// ===========================
// PlayerManager
// ===========================

// PlayerManager maps guild IDs to players. Constructed once at process
// start and handed to the command surface; there is no hidden registry.
type PlayerManager struct {
	mu      sync.Mutex
	players map[snowflake.ID]*MusicPlayer

	newPlayer func(guildID snowflake.ID) *MusicPlayer
	liveConn  func(guildID snowflake.ID) VoiceConn
}

func NewPlayerManager(newPlayer func(guildID snowflake.ID) *MusicPlayer, liveConn func(guildID snowflake.ID) VoiceConn) *PlayerManager {
	return &PlayerManager{
		players:   make(map[snowflake.ID]*MusicPlayer),
		newPlayer: newPlayer,
		liveConn:  liveConn,
	}
}

func (m *PlayerManager) Get(guildID snowflake.ID) *MusicPlayer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.players[guildID]
}

// GetOrCreate returns the guild's player, constructing it on first use.
// On a lookup hit the player's recorded connection is reconciled with
// the gateway's live state, which can change outside its awareness.
func (m *PlayerManager) GetOrCreate(guildID snowflake.ID) *MusicPlayer {
	m.mu.Lock()
	p, ok := m.players[guildID]
	if !ok {
		p = m.newPlayer(guildID)
		m.players[guildID] = p
		m.mu.Unlock()
		return p
	}
	m.mu.Unlock()

	if m.liveConn != nil {
		live := m.liveConn(guildID)
		recorded := p.connection()
		switch {
		case recorded == nil && live != nil:
			p.setConnection(live)
		case recorded != nil && !recorded.IsConnected():
			p.setConnection(live)
		}
	}
	return p
}

func (m *PlayerManager) Remove(guildID snowflake.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.players, guildID)
}

func (m *PlayerManager) Has(guildID snowflake.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.players[guildID]
	return ok
}

func (m *PlayerManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.players)
}

func (m *PlayerManager) All() []*MusicPlayer {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*MusicPlayer, 0, len(m.players))
	for _, p := range m.players {
		all = append(all, p)
	}
	return all
}

// ===========================
// Music System Wiring
// ===========================

// MusicSystem bundles the shared resolver, cache dir, and player
// registry. One instance per process, built in run().
type MusicSystem struct {
	client   *bot.Client
	resolver MediaResolver
	players  *PlayerManager
	cacheDir string

	notify sync.Map // guildID -> text channel of the last play request
}

var musicSys *MusicSystem

func InitMusicSystem(ctx context.Context, client *bot.Client, cfg *Config) error {
	if err := os.MkdirAll(cfg.AudioCacheDir, 0755); err != nil {
		return fmt.Errorf("failed to create audio cache dir: %w", err)
	}

	proxy := SelectProxy(ctx, cfg)
	resolver := NewYtdlpResolver(proxy)

	sys := &MusicSystem{
		client:   client,
		resolver: resolver,
		cacheDir: cfg.AudioCacheDir,
	}

	sys.players = NewPlayerManager(
		func(guildID snowflake.ID) *MusicPlayer {
			buffer := NewDownloadBufferManager(cfg.BufferSize, resolver, cfg.AudioCacheDir)
			player := NewMusicPlayer(ctx, guildID, buffer, NewOpusStreamSink(), sys.voiceConnector())
			player.OnTrackStart(func(s *Song) { sys.announceTrack(guildID, s) })
			return player
		},
		func(guildID snowflake.ID) VoiceConn {
			return liveVoiceConn(client, guildID)
		},
	)

	musicSys = sys
	return nil
}

func ShutdownMusicSystem(ctx context.Context) {
	if musicSys == nil {
		return
	}
	LogMusic(MsgMusicShutdown)
	for _, p := range musicSys.players.All() {
		p.Disconnect(ctx)
	}
}

func (sys *MusicSystem) voiceConnector() VoiceConnector {
	return func(ctx context.Context, guildID, channelID snowflake.ID) (VoiceConn, error) {
		return joinVoiceChannel(ctx, sys.client, guildID, channelID)
	}
}

// announceTrack posts the now-playing notice and records history
func (sys *MusicSystem) announceTrack(guildID snowflake.ID, s *Song) {
	channelID := sys.notifyChannel(guildID)
	if channelID != 0 {
		_, _ = sys.client.Rest.CreateMessage(channelID, discord.MessageCreate{
			Content: fmt.Sprintf(MsgMusicNowPlaying, s.Title, s.DurationString()),
		})
	}

	if err := AddPlayRecord(AppContext, guildID, s.Title, s.URL, s.Requester); err != nil {
		LogMusic(MsgMusicHistoryFail, err)
	}
}

func (sys *MusicSystem) setNotifyChannel(guildID, channelID snowflake.ID) {
	sys.notify.Store(guildID, channelID)
}

func (sys *MusicSystem) notifyChannel(guildID snowflake.ID) snowflake.ID {
	if v, ok := sys.notify.Load(guildID); ok {
		return v.(snowflake.ID)
	}
	return 0
}

// ===========================
// Command Handlers
// ===========================

func handleMusic(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}

	guildID := event.GuildID()
	if guildID == nil {
		_ = RespondInteraction(event, MsgMusicServerOnly, true)
		return
	}

	subCmd := *data.SubCommandName
	switch subCmd {
	case "play":
		handleMusicPlay(event, data, *guildID)
	case "skip":
		handleMusicSkip(event, data, *guildID)
	case "queue":
		handleMusicQueue(event, *guildID)
	case "nowplaying":
		handleMusicNowPlaying(event, *guildID)
	case "loop":
		handleMusicLoop(event, *guildID)
	case "history":
		handleMusicHistory(event, *guildID)
	case "stop":
		handleMusicStop(event, *guildID)
	case "disconnect":
		handleMusicDisconnect(event, *guildID)
	default:
		LogMusic(MsgMusicUnknownSubcommand, subCmd)
	}
}

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData, guildID snowflake.ID) {
	query := data.String("query")
	client := *event.Client()

	voiceState, ok := client.Caches.VoiceState(guildID, event.User().ID)
	if !ok || voiceState.ChannelID == nil {
		_ = RespondInteraction(event, MsgMusicNotInVoice, true)
		return
	}

	if err := event.DeferCreateMessage(false); err != nil {
		return
	}

	player := musicSys.players.GetOrCreate(guildID)
	musicSys.setNotifyChannel(guildID, event.Channel().ID())

	if err := player.Connect(AppContext, *voiceState.ChannelID); err != nil {
		_ = EditInteraction(client, event, fmt.Sprintf(MsgMusicConnectFail, err))
		return
	}

	requester := event.User().Username

	if IsPlaylistURL(query) {
		entries, err := musicSys.resolver.ResolvePlaylist(AppContext, query, MaxPlaylistSize)
		if err != nil {
			_ = EditInteraction(client, event, fmt.Sprintf(MsgMusicResolveFail, err))
			return
		}
		if len(entries) == 0 {
			_ = EditInteraction(client, event, MsgMusicPlaylistEmpty)
			return
		}
		for _, entry := range entries {
			song := NewSong(entry.Title, entry.URL)
			song.Requester = requester
			player.Enqueue(song)
		}
		_ = EditInteraction(client, event, fmt.Sprintf(MsgMusicQueuedPlaylist, len(entries)))
		return
	}

	info, err := musicSys.resolver.Resolve(AppContext, query)
	if err != nil {
		_ = EditInteraction(client, event, fmt.Sprintf(MsgMusicResolveFail, err))
		return
	}

	song := NewSong(info.Title, info.URL)
	song.Requester = requester
	song.SetMedia("", info.Duration, info.Thumbnail)

	// Direct plays are materialized up front; only playlist entries
	// stay bare for the buffer window to reach.
	if err := player.buffer.EnsureDownloaded(AppContext, song); err != nil {
		_ = EditInteraction(client, event, fmt.Sprintf(MsgMusicResolveFail, err))
		return
	}

	player.Enqueue(song)
	_ = EditInteraction(client, event, fmt.Sprintf(MsgMusicQueued, song.Title, song.DurationString()))
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData, guildID snowflake.ID) {
	player := musicSys.players.Get(guildID)
	if player == nil {
		_ = RespondInteraction(event, MsgMusicNothingPlaying, true)
		return
	}

	if position, ok := data.OptInt("to"); ok {
		if !player.SkipTo(position) {
			_ = RespondInteraction(event, fmt.Sprintf(MsgMusicSkipToInvalid, player.Queue().Length()), true)
			return
		}
		_ = RespondInteraction(event, fmt.Sprintf(MsgMusicSkippedTo, position), false)
		return
	}

	if !player.Skip() {
		_ = RespondInteraction(event, MsgMusicNothingPlaying, true)
		return
	}
	_ = RespondInteraction(event, MsgMusicSkipped, false)
}

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate, guildID snowflake.ID) {
	player := musicSys.players.Get(guildID)
	if player == nil || player.Queue().IsEmpty() {
		_ = RespondInteraction(event, MsgMusicQueueEmpty, true)
		return
	}

	current, pending := player.Queue().snapshot()
	var sb []string
	if current != nil {
		sb = append(sb, fmt.Sprintf("Playing: **%s** [%s]", current.Title, current.DurationString()))
	}
	shown := Min(len(pending), 15)
	for i := 0; i < shown; i++ {
		s := pending[i]
		sb = append(sb, fmt.Sprintf("%d. %s [%s]", i+1, s.Title, s.DurationString()))
	}
	if rest := len(pending) - shown; rest > 0 {
		sb = append(sb, fmt.Sprintf("...and %d more", rest))
	}

	if count, err := GetPlayCount(AppContext, guildID); err == nil && count > 0 {
		sb = append(sb, fmt.Sprintf("-# %d tracks played in this server", count))
	}

	_ = RespondInteraction(event, Truncate(strings.Join(sb, "\n"), 1900), false)
}

func handleMusicNowPlaying(event *events.ApplicationCommandInteractionCreate, guildID snowflake.ID) {
	player := musicSys.players.Get(guildID)
	if player == nil {
		_ = RespondInteraction(event, MsgMusicNothingPlaying, true)
		return
	}
	current := player.Queue().Current()
	if current == nil {
		_ = RespondInteraction(event, MsgMusicNothingPlaying, true)
		return
	}
	_ = RespondInteraction(event, fmt.Sprintf(MsgMusicNowPlaying, current.Title, current.DurationString()), false)
}

func handleMusicLoop(event *events.ApplicationCommandInteractionCreate, guildID snowflake.ID) {
	player := musicSys.players.Get(guildID)
	if player == nil {
		_ = RespondInteraction(event, MsgMusicNothingPlaying, true)
		return
	}
	queue := player.Queue()
	queue.SetLoop(!queue.Loop())
	if queue.Loop() {
		_ = RespondInteraction(event, MsgMusicLoopOn, false)
	} else {
		_ = RespondInteraction(event, MsgMusicLoopOff, false)
	}
}

func handleMusicHistory(event *events.ApplicationCommandInteractionCreate, guildID snowflake.ID) {
	records, err := GetRecentPlays(AppContext, guildID, 10)
	if err != nil || len(records) == 0 {
		_ = RespondInteraction(event, MsgMusicNoHistory, true)
		return
	}

	lines := make([]string, 0, len(records))
	for i, r := range records {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, r.Title))
	}
	_ = RespondInteraction(event, Truncate(strings.Join(lines, "\n"), 1900), false)
}

func handleMusicStop(event *events.ApplicationCommandInteractionCreate, guildID snowflake.ID) {
	player := musicSys.players.Get(guildID)
	if player == nil {
		_ = RespondInteraction(event, MsgMusicNothingPlaying, true)
		return
	}
	player.Stop()
	_ = RespondInteraction(event, MsgMusicStopped, false)
}

func handleMusicDisconnect(event *events.ApplicationCommandInteractionCreate, guildID snowflake.ID) {
	player := musicSys.players.Get(guildID)
	if player == nil {
		_ = RespondInteraction(event, MsgMusicNotConnected, true)
		return
	}
	player.Disconnect(AppContext)
	musicSys.players.Remove(guildID)
	_ = RespondInteraction(event, MsgMusicDisconnected, false)
}

func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "query" {
		return
	}
	input := f.String()
	// URLs are taken as-is; suggesting against them is noise
	if len(input) < 2 || strings.Contains(input, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}

	results := SearchTracks(input)
	var choices []discord.AutocompleteChoice
	for _, r := range results {
		choices = append(choices, discord.AutocompleteChoiceString{
			Name:  Truncate(r.Title, 100),
			Value: Truncate(r.URL, 100),
		})
		if len(choices) >= 25 {
			break
		}
	}
	_ = event.AutocompleteResult(choices)
}

// onMusicVoiceStateUpdate tears the player down when the bot is
// disconnected externally or left alone in a channel.
func onMusicVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	if musicSys == nil {
		return
	}
	client := event.Client()
	guildID := event.VoiceState.GuildID

	// Bot kicked or moved out
	if event.VoiceState.UserID == client.ID() && event.VoiceState.ChannelID == nil {
		if player := musicSys.players.Get(guildID); player != nil {
			LogMusic(MsgMusicKicked, guildID)
			player.Disconnect(AppContext)
			musicSys.players.Remove(guildID)
		}
		return
	}

	// Someone left; check whether the bot is now alone
	player := musicSys.players.Get(guildID)
	if player == nil || !player.Connected() {
		return
	}
	botState, ok := client.Caches.VoiceState(guildID, client.ID())
	if !ok || botState.ChannelID == nil {
		return
	}

	others := 0
	for state := range client.Caches.VoiceStates(guildID) {
		if state.ChannelID != nil && *state.ChannelID == *botState.ChannelID && state.UserID != client.ID() {
			others++
		}
	}
	if others == 0 {
		LogMusic(MsgMusicAloneDisconnect, guildID)
		player.Disconnect(AppContext)
		musicSys.players.Remove(guildID)
	}
}
