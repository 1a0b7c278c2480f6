package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ============================================================================
// Voice Streaming
// ============================================================================

const (
	VoiceJoinAttempts = 5
	SilenceDuration   = 100 * time.Millisecond

	MsgVoiceJoinRetry   = "Retrying voice connection in %v (Attempt %d/%d)"
	MsgVoiceJoinFail    = "Failed to connect to voice in guild %s after %d attempts: %v"
	MsgVoiceProviderErr = "Exhausted retries setting the frame provider for guild %s"
	MsgTranscodePanic   = "CRITICAL: Transcoder panic recovered: %v"

	ErrAlreadyStreaming = "a stream is already active"
)

// OpusSilence is the opus frame Discord expects while not speaking
var OpusSilence = []byte{0xf8, 0xff, 0xfe}

func init() {
	astiav.SetLogLevel(astiav.LogLevelFatal)
}

// ===========================
// Voice Connection
// ===========================

// VoiceConn is the gateway voice connection surface the player needs.
type VoiceConn interface {
	IsConnected() bool
	ChannelID() snowflake.ID
	Move(ctx context.Context, channelID snowflake.ID) error
	Disconnect(ctx context.Context)
	setProvider(p voice.OpusFrameProvider) bool
	speak(ctx context.Context)
}

// VoiceConnector opens a connection to a guild voice channel.
type VoiceConnector func(ctx context.Context, guildID, channelID snowflake.ID) (VoiceConn, error)

type discordVoiceConn struct {
	guildID snowflake.ID
	conn    voice.Conn
}

// joinVoiceChannel opens a gateway voice connection with backoff; voice
// handshakes flake under load so a single attempt is not enough.
func joinVoiceChannel(ctx context.Context, client *bot.Client, guildID, channelID snowflake.ID) (VoiceConn, error) {
	conn := client.VoiceManager.CreateConn(guildID)

	var lastErr error
	for i := range VoiceJoinAttempts {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 1000 * time.Millisecond
			LogMusic(MsgVoiceJoinRetry, backoff, i+1, VoiceJoinAttempts)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		LogMusic(MsgVoiceJoinFail, guildID, VoiceJoinAttempts, lastErr)
		conn.Close(ctx)
		return nil, lastErr
	}
	return &discordVoiceConn{guildID: guildID, conn: conn}, nil
}

// liveVoiceConn wraps whatever connection the gateway currently holds
// for the guild, or nil when there is none.
func liveVoiceConn(client *bot.Client, guildID snowflake.ID) VoiceConn {
	conn := client.VoiceManager.GetConn(guildID)
	if conn == nil {
		return nil
	}
	return &discordVoiceConn{guildID: guildID, conn: conn}
}

func (c *discordVoiceConn) IsConnected() bool {
	return c.conn != nil && c.conn.ChannelID() != nil
}

func (c *discordVoiceConn) ChannelID() snowflake.ID {
	if id := c.conn.ChannelID(); id != nil {
		return *id
	}
	return 0
}

func (c *discordVoiceConn) Move(ctx context.Context, channelID snowflake.ID) error {
	return c.conn.Open(ctx, channelID, false, false)
}

func (c *discordVoiceConn) Disconnect(ctx context.Context) {
	c.conn.Close(ctx)
}

// setProvider survives the races inside the gateway connection teardown
// by retrying around a recovered panic.
func (c *discordVoiceConn) setProvider(p voice.OpusFrameProvider) bool {
	for i := 0; i < 3; i++ {
		if c.trySetProvider(p) {
			return true
		}
		time.Sleep(150 * time.Millisecond)
	}
	LogMusic(MsgVoiceProviderErr, c.guildID)
	return false
}

func (c *discordVoiceConn) trySetProvider(p voice.OpusFrameProvider) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	c.conn.SetOpusFrameProvider(p)
	return true
}

func (c *discordVoiceConn) speak(ctx context.Context) {
	defer func() { recover() }()
	c.conn.SetSpeaking(ctx, voice.SpeakingFlagMicrophone)
}

// ===========================
// Stream Provider
// ===========================

// StreamProvider feeds buffered opus frames to the gateway. A nil frame
// from the producer marks end of stream; the provider then pads with
// silence before reporting EOF, which keeps Discord from clipping the
// final frames.
type StreamProvider struct {
	frames        chan []byte
	ctx           context.Context
	draining      bool
	silenceFrames int
	once          sync.Once

	OnFinish func()
}

func NewStreamProvider(ctx context.Context) *StreamProvider {
	return &StreamProvider{
		frames: make(chan []byte, 100),
		ctx:    ctx,
	}
}

func (p *StreamProvider) Close() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

func (p *StreamProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.ctx.Done():
	}
}

func (p *StreamProvider) ProvideOpusFrame() ([]byte, error) {
	if p.draining {
		target := int(SilenceDuration.Milliseconds() / 20)
		if p.silenceFrames < target {
			p.silenceFrames++
			return OpusSilence, nil
		}
		p.Close()
		return nil, io.EOF
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.draining = true
			return OpusSilence, nil
		}
		return f, nil
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		// Transcoder starved, keep the stream alive
		return OpusSilence, nil
	}
}

// ===========================
// Stream Sink
// ===========================

// StreamSink plays one local file into a voice connection. onComplete
// fires exactly once per Play, on both natural end and Stop.
type StreamSink interface {
	Play(ctx context.Context, conn VoiceConn, filePath string, onComplete func(error)) error
	IsPlaying() bool
	Stop()
}

type opusStreamSink struct {
	mu      sync.Mutex
	playing bool
	cancel  context.CancelFunc
}

func NewOpusStreamSink() StreamSink {
	return &opusStreamSink{}
}

func (s *opusStreamSink) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *opusStreamSink) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *opusStreamSink) Play(ctx context.Context, conn VoiceConn, filePath string, onComplete func(error)) error {
	s.mu.Lock()
	if s.playing {
		s.mu.Unlock()
		return errors.New(ErrAlreadyStreaming)
	}

	t := NewAstiavTranscoder()
	if err := t.OpenInput(filePath); err != nil {
		s.mu.Unlock()
		t.Close()
		return err
	}
	if err := t.SetupDecoder(); err != nil {
		s.mu.Unlock()
		t.Close()
		return err
	}
	if err := t.SetupEncoder(); err != nil {
		s.mu.Unlock()
		t.Close()
		return err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s.playing = true
	s.cancel = cancel
	s.mu.Unlock()

	provider := NewStreamProvider(streamCtx)

	var transcodeErr error
	var errMu sync.Mutex

	provider.OnFinish = func() {
		s.mu.Lock()
		s.playing = false
		s.cancel = nil
		s.mu.Unlock()

		conn.setProvider(nil)
		cancel()

		errMu.Lock()
		err := transcodeErr
		errMu.Unlock()
		// A cancelled stream is a requested stop, not a failure
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		onComplete(err)
	}

	if !conn.setProvider(provider) {
		cancel()
		s.mu.Lock()
		s.playing = false
		s.cancel = nil
		s.mu.Unlock()
		t.Close()
		return fmt.Errorf("failed to attach frame provider")
	}
	conn.speak(streamCtx)

	safeGo(func() {
		defer t.Close()
		err := t.Transcode(streamCtx, provider.PushFrame)
		errMu.Lock()
		transcodeErr = err
		errMu.Unlock()
		// On error or cancellation the provider may never see the nil
		// sentinel drain out; force completion.
		if err != nil {
			provider.Close()
		}
	})
	return nil
}

// ===========================
// Transcoder (ffmpeg via astiav)
// ===========================

// AstiavTranscoder decodes a local audio file, resamples to 48kHz
// stereo s16, and encodes 20ms opus frames.
type AstiavTranscoder struct {
	packet        *astiav.Packet
	frame         *astiav.Frame
	resampleFrame *astiav.Frame

	inputCtx    *astiav.FormatContext
	decoderCtx  *astiav.CodecContext
	encoderCtx  *astiav.CodecContext
	resampleCtx *astiav.SoftwareResampleContext
	fifo        *astiav.AudioFifo

	audioStreamIndex int
	pts              int64
	onFrame          func([]byte)
}

func NewAstiavTranscoder() *AstiavTranscoder {
	return &AstiavTranscoder{
		packet:        astiav.AllocPacket(),
		frame:         astiav.AllocFrame(),
		resampleFrame: astiav.AllocFrame(),
	}
}

func (t *AstiavTranscoder) OpenInput(path string) error {
	t.inputCtx = astiav.AllocFormatContext()
	if t.inputCtx == nil {
		return errors.New("failed to alloc ctx")
	}
	if err := t.inputCtx.OpenInput(path, nil, nil); err != nil {
		return err
	}
	if err := t.inputCtx.FindStreamInfo(nil); err != nil {
		return err
	}
	t.audioStreamIndex = -1
	for _, st := range t.inputCtx.Streams() {
		if st.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			t.audioStreamIndex = st.Index()
			break
		}
	}
	if t.audioStreamIndex == -1 {
		return errors.New("no audio")
	}
	return nil
}

func (t *AstiavTranscoder) SetupDecoder() error {
	p := t.inputCtx.Streams()[t.audioStreamIndex].CodecParameters()
	d := astiav.FindDecoder(p.CodecID())
	if d == nil {
		return errors.New("no decoder")
	}
	t.decoderCtx = astiav.AllocCodecContext(d)
	_ = p.ToCodecContext(t.decoderCtx)
	return t.decoderCtx.Open(d, nil)
}

func (t *AstiavTranscoder) SetupEncoder() error {
	e := astiav.FindEncoderByName("libopus")
	if e == nil {
		e = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if e == nil {
		return errors.New("no encoder")
	}
	t.encoderCtx = astiav.AllocCodecContext(e)
	t.encoderCtx.SetBitRate(192000)
	t.encoderCtx.SetSampleRate(48000)
	t.encoderCtx.SetChannelLayout(astiav.ChannelLayoutStereo)
	t.encoderCtx.SetSampleFormat(astiav.SampleFormatS16)
	t.encoderCtx.SetTimeBase(astiav.NewRational(1, 48000))
	o := astiav.NewDictionary()
	defer o.Free()
	o.Set("vbr", "on", 0)
	o.Set("compression_level", "10", 0)
	o.Set("frame_size", "20", 0)
	if err := t.encoderCtx.Open(e, o); err != nil {
		return err
	}
	t.resampleCtx = astiav.AllocSoftwareResampleContext()
	if t.resampleCtx == nil {
		return errors.New("failed to allocate resampler")
	}
	return nil
}

// Transcode runs until EOF or context cancellation, handing each opus
// frame to on. A trailing on(nil) marks end of stream.
func (t *AstiavTranscoder) Transcode(ctx context.Context, on func([]byte)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transcoder panic: %v", r)
			LogMusic(MsgTranscodePanic, r)
		}
	}()

	defer t.packet.Unref()
	t.onFrame = on
	defer func() {
		if t.onFrame != nil {
			t.onFrame(nil)
		}
	}()

	fifoSize := 960 * 2
	t.fifo = astiav.AllocAudioFifo(t.encoderCtx.SampleFormat(), t.encoderCtx.ChannelLayout().Channels(), fifoSize)
	if t.fifo == nil {
		return errors.New("failed to alloc fifo")
	}
	defer func() {
		if t.fifo != nil {
			t.fifo.Free()
			t.fifo = nil
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t.packet.Unref()

		if err := t.inputCtx.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return err
		}

		if t.packet.StreamIndex() != t.audioStreamIndex {
			continue
		}

		if err := t.decoderCtx.SendPacket(t.packet); err != nil {
			return err
		}

		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			if err := t.pushToFifo(); err != nil {
				return err
			}
			t.frame.Unref()
		}
	}

	// Flush decoder
	if t.decoderCtx != nil {
		_ = t.decoderCtx.SendPacket(nil)
		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			if err := t.pushToFifo(); err != nil {
				return err
			}
			t.frame.Unref()
		}
	}

	// Drain fifo
	if err := t.processFifo(true); err != nil {
		return err
	}

	// Flush encoder
	if t.encoderCtx != nil {
		_ = t.encoderCtx.SendFrame(nil)
		for {
			t.packet.Unref()
			if t.encoderCtx.ReceivePacket(t.packet) != nil {
				break
			}
			if t.onFrame != nil {
				d := t.packet.Data()
				fd := make([]byte, len(d))
				copy(fd, d)
				t.onFrame(fd)
			}
		}
	}
	return nil
}

func (t *AstiavTranscoder) encodeAndWrite(f *astiav.Frame) error {
	if err := t.encoderCtx.SendFrame(f); err != nil {
		return err
	}
	for {
		t.packet.Unref()
		if t.encoderCtx.ReceivePacket(t.packet) != nil {
			break
		}
		if t.onFrame != nil {
			d := t.packet.Data()
			fd := make([]byte, len(d))
			copy(fd, d)
			t.onFrame(fd)
		}
	}
	return nil
}

func (t *AstiavTranscoder) pushToFifo() error {
	t.resampleFrame.Unref()
	t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
	t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
	t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
	nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()), astiav.NewRational(1, t.frame.SampleRate()), astiav.NewRational(1, t.encoderCtx.SampleRate())))
	if nb > 0 {
		t.resampleFrame.SetNbSamples(nb)
		_ = t.resampleFrame.AllocBuffer(0)
		if t.resampleCtx.ConvertFrame(t.frame, t.resampleFrame) == nil {
			_, _ = t.fifo.Write(t.resampleFrame)
			return t.processFifo(false)
		}
	}
	return nil
}

func (t *AstiavTranscoder) processFifo(drain bool) error {
	if t.fifo == nil {
		return nil
	}
	for {
		sz := 960
		if t.fifo.Size() < sz {
			if !drain || t.fifo.Size() == 0 {
				return nil
			}
			sz = t.fifo.Size()
		}
		t.resampleFrame.Unref()
		t.resampleFrame.SetNbSamples(sz)
		t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
		t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
		t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
		_ = t.resampleFrame.AllocBuffer(0)
		_, _ = t.fifo.Read(t.resampleFrame)

		t.resampleFrame.SetPts(atomic.LoadInt64(&t.pts))
		atomic.AddInt64(&t.pts, int64(sz))
		if err := t.encodeAndWrite(t.resampleFrame); err != nil {
			return err
		}
	}
}

func (t *AstiavTranscoder) Close() {
	if t.resampleCtx != nil {
		t.resampleCtx.Free()
	}
	if t.resampleFrame != nil {
		t.resampleFrame.Free()
	}
	if t.packet != nil {
		t.packet.Free()
	}
	if t.frame != nil {
		t.frame.Free()
	}
	if t.decoderCtx != nil {
		t.decoderCtx.Free()
	}
	if t.encoderCtx != nil {
		t.encoderCtx.Free()
	}
	if t.inputCtx != nil {
		t.inputCtx.CloseInput()
		t.inputCtx.Free()
	}
}
