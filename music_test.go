package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Fakes
// ===========================

type fakeResolver struct {
	mu        sync.Mutex
	downloads map[string]int
	failURLs  map[string]bool
	delay     time.Duration
	duration  int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		downloads: make(map[string]int),
		failURLs:  make(map[string]bool),
		duration:  65,
	}
}

func (r *fakeResolver) Resolve(ctx context.Context, query string) (*MediaInfo, error) {
	return &MediaInfo{Title: "resolved " + query, URL: query, Duration: r.duration}, nil
}

func (r *fakeResolver) ResolvePlaylist(ctx context.Context, playlistURL string, maxEntries int) ([]PlaylistEntry, error) {
	var entries []PlaylistEntry
	for i := 0; i < maxEntries; i++ {
		entries = append(entries, PlaylistEntry{
			Title: fmt.Sprintf("entry %d", i+1),
			URL:   fmt.Sprintf("%s/%d", playlistURL, i+1),
		})
	}
	return entries, nil
}

func (r *fakeResolver) Download(ctx context.Context, mediaURL, dir, baseName string) (*MediaInfo, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	r.downloads[mediaURL]++
	fail := r.failURLs[mediaURL]
	r.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("download refused")
	}

	path := filepath.Join(dir, baseName+".opus")
	if err := os.WriteFile(path, []byte("audio"), 0644); err != nil {
		return nil, err
	}
	return &MediaInfo{URL: mediaURL, LocalFile: path, Duration: r.duration}, nil
}

func (r *fakeResolver) downloadCount(mediaURL string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.downloads[mediaURL]
}

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	channelID snowflake.ID
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) ChannelID() snowflake.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

func (c *fakeConn) Move(ctx context.Context, channelID snowflake.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelID = channelID
	return nil
}

func (c *fakeConn) Disconnect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *fakeConn) setProvider(p voice.OpusFrameProvider) bool { return true }
func (c *fakeConn) speak(ctx context.Context)                  {}

// fakeSink hands control of stream completion to the test.
type fakeSink struct {
	mu       sync.Mutex
	playing  bool
	complete func(error)
	played   chan string
}

func newFakeSink() *fakeSink {
	return &fakeSink{played: make(chan string, 16)}
}

func (s *fakeSink) Play(ctx context.Context, conn VoiceConn, filePath string, onComplete func(error)) error {
	s.mu.Lock()
	s.playing = true
	s.complete = onComplete
	s.mu.Unlock()
	s.played <- filePath
	return nil
}

func (s *fakeSink) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *fakeSink) Stop() {
	s.finish(nil)
}

func (s *fakeSink) finish(err error) {
	s.mu.Lock()
	complete := s.complete
	s.playing = false
	s.complete = nil
	s.mu.Unlock()
	if complete != nil {
		complete(err)
	}
}

func testSong(t *testing.T, title string) *Song {
	t.Helper()
	return NewSong(title, "https://example.com/"+title)
}

func downloadedSong(t *testing.T, dir, title string) *Song {
	t.Helper()
	s := testSong(t, title)
	path := filepath.Join(dir, s.ID+".opus")
	if err := os.WriteFile(path, []byte("audio"), 0644); err != nil {
		t.Fatal(err)
	}
	s.SetMedia(path, 60, "")
	return s
}

func newTestPlayer(t *testing.T, resolver *fakeResolver, sink *fakeSink, conn *fakeConn) *MusicPlayer {
	t.Helper()
	buffer := NewDownloadBufferManager(DefaultBufferSize, resolver, t.TempDir())
	p := NewMusicPlayer(t.Context(), snowflake.ID(1), buffer, sink, func(ctx context.Context, guildID, channelID snowflake.ID) (VoiceConn, error) {
		conn.mu.Lock()
		conn.connected = true
		conn.channelID = channelID
		conn.mu.Unlock()
		return conn, nil
	})
	return p
}

// ===========================
// Song
// ===========================

func TestSongDurationString(t *testing.T) {
	tests := []struct {
		seconds int
		want    string
	}{
		{0, "Unknown"},
		{45, "0:45"},
		{61, "1:01"},
		{600, "10:00"},
		{3665, "1:01:05"},
		{7325, "2:02:05"},
	}
	for _, tt := range tests {
		s := &Song{}
		s.SetMedia("", tt.seconds, "")
		if got := s.DurationString(); got != tt.want {
			t.Errorf("DurationString(%d) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}

func TestSongCleanupIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := downloadedSong(t, dir, "one")
	path := s.FilePath()

	s.Cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file still exists after cleanup")
	}
	if s.IsDownloaded() {
		t.Fatal("song still reports downloaded after cleanup")
	}

	// Second cleanup of a missing file must be a no-op
	s.Cleanup()
}

func TestSongIDsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s := NewSong("t", "u")
		if s.ID == "" || seen[s.ID] {
			t.Fatalf("duplicate or empty song ID %q", s.ID)
		}
		seen[s.ID] = true
	}
}

// ===========================
// MusicQueue
// ===========================

func TestQueueFIFO(t *testing.T) {
	q := NewMusicQueue()
	if !q.IsEmpty() {
		t.Fatal("fresh queue should be empty")
	}
	a, b, c := testSong(t, "a"), testSong(t, "b"), testSong(t, "c")
	q.Add(a)
	if q.IsEmpty() {
		t.Fatal("queue with one pending song should not be empty")
	}
	if q.Current() != nil {
		t.Fatal("Add must not touch current")
	}
	q.Add(b)
	q.Add(c)

	for i, want := range []*Song{a, b, c} {
		if got := q.Next(); got != want {
			t.Fatalf("Next() #%d = %v, want %v", i, got, want)
		}
	}
	if got := q.Next(); got != nil {
		t.Fatalf("Next() on empty queue = %v, want nil", got)
	}
	if !q.IsEmpty() {
		t.Fatal("queue should be empty")
	}
}

func TestQueueLoopRepeatsCurrent(t *testing.T) {
	q := NewMusicQueue()
	a, b := testSong(t, "a"), testSong(t, "b")
	q.Add(a)
	q.Add(b)

	if got := q.Next(); got != a {
		t.Fatalf("first Next() = %v, want a", got)
	}
	q.SetLoop(true)
	for i := 0; i < 3; i++ {
		if got := q.Next(); got != a {
			t.Fatalf("looped Next() #%d = %v, want a", i, got)
		}
	}
	if q.Length() != 1 {
		t.Fatalf("pending length = %d, want 1 while looping", q.Length())
	}

	q.SetLoop(false)
	if got := q.Next(); got != b {
		t.Fatalf("Next() after loop off = %v, want b", got)
	}
}

func TestQueueDropCurrentBypassesLoop(t *testing.T) {
	q := NewMusicQueue()
	a, b := testSong(t, "a"), testSong(t, "b")
	q.Add(a)
	q.Add(b)
	q.SetLoop(true)

	if got := q.Next(); got != a {
		t.Fatalf("first Next() = %v, want a", got)
	}
	q.DropCurrent()
	if got := q.Current(); got != nil {
		t.Fatalf("Current() after drop = %v, want nil", got)
	}
	if got := q.Next(); got != b {
		t.Fatalf("Next() after drop = %v, want b despite loop mode", got)
	}
}

func TestQueueSkipTo(t *testing.T) {
	dir := t.TempDir()

	q := NewMusicQueue()
	songs := make([]*Song, 5)
	for i := range songs {
		songs[i] = downloadedSong(t, dir, fmt.Sprintf("s%d", i))
		q.Add(songs[i])
	}

	if !q.SkipTo(3) {
		t.Fatal("SkipTo(3) should succeed")
	}
	if got := q.Length(); got != 3 {
		t.Fatalf("Length() = %d, want 3", got)
	}
	// Skipped entries lose their files
	for _, s := range songs[:2] {
		if s.IsDownloaded() {
			t.Errorf("skipped song %s still has a file", s.Title)
		}
	}
	if got := q.Next(); got != songs[2] {
		t.Fatalf("head after SkipTo(3) = %v, want songs[2]", got)
	}
}

func TestQueueSkipToBounds(t *testing.T) {
	q := NewMusicQueue()
	q.Add(testSong(t, "a"))
	q.Add(testSong(t, "b"))

	for _, pos := range []int{0, -1, 3, 100} {
		if q.SkipTo(pos) {
			t.Errorf("SkipTo(%d) should fail with 2 pending", pos)
		}
	}
	if q.Length() != 2 {
		t.Fatalf("failed SkipTo must not modify the queue")
	}

	if !q.SkipTo(1) {
		t.Fatal("SkipTo(1) should succeed and be a no-op reorder")
	}
	if q.Length() != 2 {
		t.Fatalf("SkipTo(1) must keep both entries, got %d", q.Length())
	}
}

func TestQueueDrain(t *testing.T) {
	q := NewMusicQueue()
	a, b := testSong(t, "a"), testSong(t, "b")
	q.Add(a)
	q.Add(b)
	q.Next()

	all := q.Drain()
	if len(all) != 2 || all[0] != a || all[1] != b {
		t.Fatalf("Drain() = %v, want [a b]", all)
	}
	if !q.IsEmpty() {
		t.Fatal("queue should be empty after drain")
	}
}

// ===========================
// DownloadBufferManager
// ===========================

func TestSongsToDownloadWindow(t *testing.T) {
	dir := t.TempDir()
	b := NewDownloadBufferManager(3, newFakeResolver(), dir)

	q := NewMusicQueue()
	current := downloadedSong(t, dir, "current")
	pending := []*Song{
		testSong(t, "p1"),
		downloadedSong(t, dir, "p2"),
		testSong(t, "p3"),
		testSong(t, "p4"),
	}
	q.Add(current)
	for _, s := range pending {
		q.Add(s)
	}
	q.Next()

	// Current is downloaded, so the window covers p1 and p2 only;
	// p2 already has a file.
	got := b.SongsToDownload(q)
	if len(got) != 1 || got[0] != pending[0] {
		t.Fatalf("SongsToDownload = %v, want [p1]", titles(got))
	}
}

func TestSongsToDownloadIncludesCurrent(t *testing.T) {
	dir := t.TempDir()
	b := NewDownloadBufferManager(3, newFakeResolver(), dir)

	q := NewMusicQueue()
	current := testSong(t, "current")
	q.Add(current)
	for i := 0; i < 4; i++ {
		q.Add(testSong(t, fmt.Sprintf("p%d", i+1)))
	}
	q.Next()

	got := b.SongsToDownload(q)
	if len(got) != 3 {
		t.Fatalf("SongsToDownload returned %d songs, want 3", len(got))
	}
	if got[0] != current {
		t.Fatalf("first download slot = %s, want current", got[0].Title)
	}
}

func TestSongsToDownloadNoCurrent(t *testing.T) {
	dir := t.TempDir()
	b := NewDownloadBufferManager(3, newFakeResolver(), dir)

	q := NewMusicQueue()
	for i := 0; i < 5; i++ {
		q.Add(testSong(t, fmt.Sprintf("p%d", i+1)))
	}

	got := b.SongsToDownload(q)
	if len(got) != 3 {
		t.Fatalf("SongsToDownload returned %d songs, want full window of 3", len(got))
	}
}

func TestSongsToCleanupBeyondWindow(t *testing.T) {
	dir := t.TempDir()
	b := NewDownloadBufferManager(3, newFakeResolver(), dir)

	q := NewMusicQueue()
	current := downloadedSong(t, dir, "current")
	q.Add(current)
	var pending []*Song
	for i := 0; i < 4; i++ {
		s := downloadedSong(t, dir, fmt.Sprintf("p%d", i+1))
		pending = append(pending, s)
		q.Add(s)
	}
	q.Next()

	got := b.SongsToCleanup(q)
	// Window covers current + p1 + p2; p3 and p4 are cleanup candidates
	if len(got) != 2 || got[0] != pending[2] || got[1] != pending[3] {
		t.Fatalf("SongsToCleanup = %v, want [p3 p4]", titles(got))
	}
	for _, s := range got {
		if s == current {
			t.Fatal("cleanup set must never include the current song")
		}
	}
}

func TestMaintainBufferDownloadsAndCleans(t *testing.T) {
	dir := t.TempDir()
	resolver := newFakeResolver()
	b := NewDownloadBufferManager(3, resolver, dir)

	q := NewMusicQueue()
	var songs []*Song
	for i := 0; i < 5; i++ {
		s := testSong(t, fmt.Sprintf("p%d", i+1))
		songs = append(songs, s)
		q.Add(s)
	}
	q.Next()

	b.MaintainBuffer(t.Context(), q)

	// Current + 2 pending inside the window
	for _, s := range songs[:3] {
		if !s.IsDownloaded() {
			t.Errorf("song %s should be downloaded", s.Title)
		}
	}
	for _, s := range songs[3:] {
		if s.IsDownloaded() {
			t.Errorf("song %s is outside the window and should not be downloaded", s.Title)
		}
	}

	// Second pass downloads nothing new
	b.MaintainBuffer(t.Context(), q)
	for _, s := range songs[:3] {
		if n := resolver.downloadCount(s.URL); n != 1 {
			t.Errorf("song %s downloaded %d times, want 1", s.Title, n)
		}
	}
}

func TestMaintainBufferRetriesFailed(t *testing.T) {
	dir := t.TempDir()
	resolver := newFakeResolver()
	b := NewDownloadBufferManager(3, resolver, dir)

	q := NewMusicQueue()
	s := testSong(t, "flaky")
	resolver.failURLs[s.URL] = true
	q.Add(s)
	q.Next()

	b.MaintainBuffer(t.Context(), q)
	if s.IsDownloaded() {
		t.Fatal("failed download must leave the song not-downloaded")
	}

	resolver.mu.Lock()
	resolver.failURLs[s.URL] = false
	resolver.mu.Unlock()

	b.MaintainBuffer(t.Context(), q)
	if !s.IsDownloaded() {
		t.Fatal("next pass should retry and succeed")
	}
	if n := resolver.downloadCount(s.URL); n != 2 {
		t.Fatalf("download attempts = %d, want 2", n)
	}
}

func TestEnsureDownloadedSingleFlight(t *testing.T) {
	dir := t.TempDir()
	resolver := newFakeResolver()
	resolver.delay = 100 * time.Millisecond
	b := NewDownloadBufferManager(3, resolver, dir)

	s := testSong(t, "shared")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.EnsureDownloaded(t.Context(), s); err != nil {
				t.Errorf("EnsureDownloaded: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := resolver.downloadCount(s.URL); n != 1 {
		t.Fatalf("concurrent callers triggered %d downloads, want 1", n)
	}
	if !s.IsDownloaded() {
		t.Fatal("song should be downloaded")
	}
}

// ===========================
// MusicPlayer
// ===========================

func TestPlayerSkipIdle(t *testing.T) {
	p := newTestPlayer(t, newFakeResolver(), newFakeSink(), &fakeConn{})
	if p.Skip() {
		t.Fatal("Skip with no active stream should return false")
	}
}

func TestPlayerLoopPlaysQueue(t *testing.T) {
	resolver := newFakeResolver()
	sink := newFakeSink()
	conn := &fakeConn{}
	p := newTestPlayer(t, resolver, sink, conn)

	if err := p.Connect(t.Context(), snowflake.ID(42)); err != nil {
		t.Fatal(err)
	}

	a, b := testSong(t, "a"), testSong(t, "b")
	p.Enqueue(a)
	p.Enqueue(b)

	for _, want := range []*Song{a, b} {
		select {
		case file := <-sink.played:
			if file == "" {
				t.Fatalf("empty file path handed to sink for %s", want.Title)
			}
			if q := p.Queue().Current(); q != want {
				t.Fatalf("current = %v, want %s", q, want.Title)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s to start", want.Title)
		}
		sink.finish(nil)
	}

	// After both songs and the grace wait the loop must exit
	deadline := time.Now().Add(2 * time.Second)
	for p.Running() {
		if time.Now().After(deadline) {
			t.Fatal("player loop did not exit on empty queue")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if a.IsDownloaded() || b.IsDownloaded() {
		t.Fatal("completed songs should have their files cleaned up")
	}
}

func TestPlayerLoopGraceWaitPickup(t *testing.T) {
	resolver := newFakeResolver()
	sink := newFakeSink()
	conn := &fakeConn{}
	p := newTestPlayer(t, resolver, sink, conn)

	if err := p.Connect(t.Context(), snowflake.ID(42)); err != nil {
		t.Fatal(err)
	}

	a := testSong(t, "a")
	p.Enqueue(a)

	select {
	case <-sink.played:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for first song")
	}
	sink.finish(nil)

	// Enqueue during the empty-queue grace period; the running loop
	// must pick it up instead of exiting.
	time.Sleep(100 * time.Millisecond)
	b := testSong(t, "b")
	p.queue.Add(b)

	select {
	case <-sink.played:
		if q := p.Queue().Current(); q != b {
			t.Fatalf("current = %v, want b", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("song enqueued during grace wait was not played")
	}
	sink.finish(nil)
}

func TestPlayerIdleExitAtomicWithEnqueue(t *testing.T) {
	resolver := newFakeResolver()
	sink := newFakeSink()
	conn := &fakeConn{}
	p := newTestPlayer(t, resolver, sink, conn)

	// Simulate the loop deciding to exit just as a track lands: the
	// track is added after the grace wait but before the exit check.
	// The check must observe it and keep the loop alive.
	p.mu.Lock()
	p.running = true
	p.loopGen++
	gen := p.loopGen
	p.mu.Unlock()

	p.queue.Add(testSong(t, "late"))
	if p.idleExit(gen) {
		t.Fatal("idleExit must keep the loop alive while the queue holds a track")
	}
	if !p.Running() {
		t.Fatal("running flag must stay set when the exit is refused")
	}

	// With the queue actually empty the flag clears in the same
	// critical section as the decision, so a racing Enqueue either
	// keeps this loop or starts a fresh one. Never neither.
	p.queue.Drain()
	if !p.idleExit(gen) {
		t.Fatal("idleExit must stop the loop on an empty queue")
	}
	if p.Running() {
		t.Fatal("running flag must clear together with the exit decision")
	}

	if err := p.Connect(t.Context(), snowflake.ID(42)); err != nil {
		t.Fatal(err)
	}
	p.Enqueue(testSong(t, "next"))
	select {
	case <-sink.played:
	case <-time.After(3 * time.Second):
		t.Fatal("enqueue after idle exit did not start a new loop")
	}
	sink.finish(nil)
}

func TestPlayerLoopDropsFailedCurrent(t *testing.T) {
	resolver := newFakeResolver()
	sink := newFakeSink()
	conn := &fakeConn{}
	p := newTestPlayer(t, resolver, sink, conn)

	if err := p.Connect(t.Context(), snowflake.ID(42)); err != nil {
		t.Fatal(err)
	}

	bad, good := testSong(t, "bad"), testSong(t, "good")
	resolver.mu.Lock()
	resolver.failURLs[bad.URL] = true
	resolver.mu.Unlock()

	// Loop mode must not replay a track that cannot be materialized;
	// the loop drops it and advances instead of retrying forever.
	p.queue.SetLoop(true)
	p.Enqueue(bad)
	p.Enqueue(good)

	select {
	case <-sink.played:
		if q := p.Queue().Current(); q != good {
			t.Fatalf("current = %v, want good", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("loop stuck on the failed track instead of advancing")
	}

	if n := resolver.downloadCount(bad.URL); n > 3 {
		t.Fatalf("failed track downloaded %d times, want no retry storm", n)
	}

	p.queue.SetLoop(false)
	sink.finish(nil)
}

func TestPlayerStopClearsQueue(t *testing.T) {
	resolver := newFakeResolver()
	sink := newFakeSink()
	conn := &fakeConn{}
	p := newTestPlayer(t, resolver, sink, conn)

	if err := p.Connect(t.Context(), snowflake.ID(42)); err != nil {
		t.Fatal(err)
	}

	p.Enqueue(testSong(t, "a"))
	p.Enqueue(testSong(t, "b"))

	select {
	case <-sink.played:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for playback")
	}

	p.Stop()
	if !p.Queue().IsEmpty() {
		t.Fatal("queue should be empty after Stop")
	}
	if !conn.IsConnected() {
		t.Fatal("Stop must not drop the voice connection")
	}
}

func TestPlayerConnectMove(t *testing.T) {
	conn := &fakeConn{}
	p := newTestPlayer(t, newFakeResolver(), newFakeSink(), conn)

	if err := p.Connect(t.Context(), snowflake.ID(10)); err != nil {
		t.Fatal(err)
	}
	if got := conn.ChannelID(); got != snowflake.ID(10) {
		t.Fatalf("channel = %s, want 10", got)
	}

	// Same channel: no-op
	if err := p.Connect(t.Context(), snowflake.ID(10)); err != nil {
		t.Fatal(err)
	}
	// Different channel: move in place
	if err := p.Connect(t.Context(), snowflake.ID(11)); err != nil {
		t.Fatal(err)
	}
	if got := conn.ChannelID(); got != snowflake.ID(11) {
		t.Fatalf("channel after move = %s, want 11", got)
	}
}

// ===========================
// PlayerManager
// ===========================

func TestPlayerManagerLifecycle(t *testing.T) {
	created := 0
	m := NewPlayerManager(func(guildID snowflake.ID) *MusicPlayer {
		created++
		return newTestPlayer(t, newFakeResolver(), newFakeSink(), &fakeConn{})
	}, nil)

	g1, g2 := snowflake.ID(1), snowflake.ID(2)

	if m.Get(g1) != nil {
		t.Fatal("Get before create should return nil")
	}

	p1 := m.GetOrCreate(g1)
	if p1 == nil || created != 1 {
		t.Fatalf("GetOrCreate should construct exactly once, created=%d", created)
	}
	if m.GetOrCreate(g1) != p1 {
		t.Fatal("GetOrCreate must return the same player for the same guild")
	}
	if created != 1 {
		t.Fatalf("second GetOrCreate constructed again, created=%d", created)
	}

	m.GetOrCreate(g2)
	if m.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", m.Count())
	}
	if !m.Has(g1) || !m.Has(g2) {
		t.Fatal("Has should report both guilds")
	}

	m.Remove(g1)
	if m.Has(g1) || m.Count() != 1 {
		t.Fatal("Remove did not evict the player")
	}
}

func TestPlayerManagerReconcilesDeadConn(t *testing.T) {
	live := &fakeConn{connected: true, channelID: snowflake.ID(7)}
	m := NewPlayerManager(func(guildID snowflake.ID) *MusicPlayer {
		return newTestPlayer(t, newFakeResolver(), newFakeSink(), &fakeConn{})
	}, func(guildID snowflake.ID) VoiceConn {
		return live
	})

	g := snowflake.ID(1)
	p := m.GetOrCreate(g)
	dead := &fakeConn{connected: false}
	p.setConnection(dead)

	if got := m.GetOrCreate(g); got.connection() != VoiceConn(live) {
		t.Fatal("lookup should replace a dead connection with the live one")
	}
}

func TestMusicSystemNotifyChannelPerInstance(t *testing.T) {
	a, b := &MusicSystem{}, &MusicSystem{}
	a.setNotifyChannel(snowflake.ID(1), snowflake.ID(100))

	if got := a.notifyChannel(snowflake.ID(1)); got != snowflake.ID(100) {
		t.Fatalf("notifyChannel = %v, want 100", got)
	}
	if got := b.notifyChannel(snowflake.ID(1)); got != 0 {
		t.Fatalf("fresh system notifyChannel = %v, want 0", got)
	}
	if got := a.notifyChannel(snowflake.ID(2)); got != 0 {
		t.Fatalf("unknown guild notifyChannel = %v, want 0", got)
	}
}

func titles(songs []*Song) []string {
	out := make([]string, len(songs))
	for i, s := range songs {
		out[i] = s.Title
	}
	return out
}
