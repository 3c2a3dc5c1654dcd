package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/tts-bot/internal/audio"
	"github.com/keshon/tts-bot/internal/speaker"
	"github.com/keshon/tts-bot/internal/speech"
	"github.com/keshon/tts-bot/internal/voice"
)

type stubConn struct{ channelID string }

func (c *stubConn) ChannelID() string { return c.channelID }
func (c *stubConn) SendFrame(context.Context, []byte) error { return nil }
func (c *stubConn) SetSpeaking(bool) error { return nil }
func (c *stubConn) Disconnect(context.Context) error { return nil }

type stubTransport struct {
	mu     sync.Mutex
	joins  int
	reject bool
}

func (t *stubTransport) Join(ctx context.Context, guildID, channelID string) (voice.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joins++
	if t.reject {
		return nil, errors.New("missing connect permission")
	}
	return &stubConn{channelID: channelID}, nil
}

func (t *stubTransport) setReject(v bool) {
	t.mu.Lock()
	t.reject = v
	t.mu.Unlock()
}

func (t *stubTransport) joinCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joins
}

// stubFetcher returns the text itself as audio.
type stubFetcher struct {
	mu     sync.Mutex
	texts  []string
	params []speech.VoiceParams
	gate   chan struct{}
	fail   map[string]error
}

func (f *stubFetcher) Fetch(ctx context.Context, text string, params speech.VoiceParams, timeout time.Duration) (io.ReadCloser, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.params = append(f.params, params)
	gate, failErr := f.gate, f.fail[text]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	return io.NopCloser(strings.NewReader(text)), nil
}

func (f *stubFetcher) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type recordingPlayer struct {
	mu      sync.Mutex
	played  []string
	started atomic.Int32
	gate    chan struct{}
}

func (p *recordingPlayer) Play(ctx context.Context, clip io.Reader, sink audio.Sink) error {
	data, err := io.ReadAll(clip)
	if err != nil {
		return err
	}
	p.started.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	p.played = append(p.played, string(data))
	p.mu.Unlock()
	return nil
}

func (p *recordingPlayer) list() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

type stubEntitlements map[string]bool

func (e stubEntitlements) Get(ctx context.Context, subjectID string) (bool, error) {
	return e[subjectID], nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	d         *Dispatcher
	voice     *voice.Manager
	transport *stubTransport
	fetcher   *stubFetcher
	player    *recordingPlayer
	speakers  *speaker.Cache
	clock     *clock

	mu          sync.Mutex
	transitions []string
}

func (h *harness) transitionList() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.transitions...)
}

func (h *harness) workerIdle(guildID string) bool {
	g, ok := h.d.lookup(guildID)
	if !ok {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.running
}

func newHarness(t *testing.T, opts Options, deps Deps) *harness {
	t.Helper()
	h := &harness{
		transport: &stubTransport{},
		fetcher:   &stubFetcher{},
		player:    &recordingPlayer{},
		speakers:  speaker.New(2 * time.Minute),
		clock:     &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.voice = voice.NewManager(h.transport, voice.Options{
		LockTimeout:        time.Second,
		ReconnectAttempts:  2,
		ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay:  time.Millisecond,
		Logger:             zerolog.Nop(),
	})
	h.voice.OnTransition(func(guildID string, from, to voice.State) {
		h.mu.Lock()
		h.transitions = append(h.transitions, fmt.Sprintf("%s:%s->%s", guildID, from, to))
		h.mu.Unlock()
	})

	if deps.Fetcher == nil {
		deps.Fetcher = h.fetcher
	}
	if deps.Player == nil {
		deps.Player = h.player
	}
	if deps.Voice == nil {
		deps.Voice = h.voice
	}
	if deps.Speakers == nil {
		deps.Speakers = h.speakers
	}
	if opts.QueueCapacity == 0 {
		opts.QueueCapacity = 20
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = time.Minute
	}
	opts.FetchTimeout = time.Second
	opts.Logger = zerolog.Nop()
	opts.Now = h.clock.Now

	h.d = New(deps, opts)
	h.voice.OnTerminal(h.d.HandleTerminal)
	t.Cleanup(func() {
		_ = h.d.Close(context.Background())
		_ = h.voice.Close(context.Background())
	})
	return h
}

func request(guild, user, text string) Request {
	return Request{
		GuildID:        guild,
		ChannelID:      "text-" + guild,
		VoiceChannelID: "voice-" + guild,
		UserID:         user,
		Nickname:       user,
		Text:           text,
	}
}

func TestEnqueuePlaysAndUpdatesSpeaker(t *testing.T) {
	h := newHarness(t, Options{}, Deps{})

	req := request("G1", "U1", "hello world")
	enqueuedAt := h.clock.Now()
	require.NoError(t, h.d.Enqueue(req))

	require.Eventually(t, func() bool { return len(h.player.list()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"hello world"}, h.player.list())
	assert.Equal(t, []string{"G1:Disconnected->Joining", "G1:Joining->Connected"}, h.transitionList())
	assert.Equal(t, int32(1), h.player.started.Load())

	require.Eventually(t, func() bool { _, ok := h.speakers.Get("text-G1"); return ok }, time.Second, time.Millisecond)
	entry, _ := h.speakers.Get("text-G1")
	assert.Equal(t, "U1", entry.UserID)
	assert.False(t, entry.SpokenAt.Before(enqueuedAt))
}

func TestServiceErrorSkipsRequest(t *testing.T) {
	var badCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("text") == "bad" {
			badCalls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(r.URL.Query().Get("text")))
	}))
	defer srv.Close()

	client, err := speech.NewClient(srv.URL, "", srv.Client())
	require.NoError(t, err)
	fetcher := speech.NewFetcher(speech.RemoteEngines(client), speech.FetcherOptions{RetryDelay: time.Millisecond, Logger: zerolog.Nop()})

	h := newHarness(t, Options{}, Deps{Fetcher: fetcher})
	require.NoError(t, h.d.Enqueue(request("G1", "U1", "bad")))
	require.NoError(t, h.d.Enqueue(request("G1", "U1", "good")))

	require.Eventually(t, func() bool { return len(h.player.list()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"good"}, h.player.list())
	assert.Equal(t, int32(2), badCalls.Load())
}

func TestPlaybackInArrivalOrder(t *testing.T) {
	h := newHarness(t, Options{QueueCapacity: 100}, Deps{})

	var want []string
	for i := range 50 {
		text := fmt.Sprintf("message %d", i)
		want = append(want, text)
		require.NoError(t, h.d.Enqueue(request("G2", "U1", text)))
	}

	require.Eventually(t, func() bool { return len(h.player.list()) == 50 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, want, h.player.list())
}

func TestGuildsPlayIndependently(t *testing.T) {
	h := newHarness(t, Options{}, Deps{})
	h.player.gate = make(chan struct{})

	require.NoError(t, h.d.Enqueue(request("G1", "U1", "one")))
	require.NoError(t, h.d.Enqueue(request("G2", "U2", "two")))

	// Both workers reach playback while neither has finished.
	require.Eventually(t, func() bool { return h.player.started.Load() == 2 }, time.Second, time.Millisecond)
	close(h.player.gate)
	require.Eventually(t, func() bool { return len(h.player.list()) == 2 }, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []string{"one", "two"}, h.player.list())
}

func TestOverflowRejectsNewest(t *testing.T) {
	h := newHarness(t, Options{QueueCapacity: 2}, Deps{})
	h.player.gate = make(chan struct{})

	require.NoError(t, h.d.Enqueue(request("G1", "U1", "playing")))
	require.Eventually(t, func() bool { return h.player.started.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.d.Enqueue(request("G1", "U1", "a")))
	require.NoError(t, h.d.Enqueue(request("G1", "U1", "b")))
	err := h.d.Enqueue(request("G1", "U1", "c"))
	var oerr *QueueOverflowError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, 2, h.d.QueueLen("G1"))

	close(h.player.gate)
	require.Eventually(t, func() bool { return len(h.player.list()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"playing", "a", "b"}, h.player.list())
}

func TestTerminalJoinFailureDrainsQueue(t *testing.T) {
	h := newHarness(t, Options{}, Deps{})
	h.transport.setReject(true)
	h.fetcher.gate = make(chan struct{})

	require.NoError(t, h.d.Enqueue(request("G1", "U1", "one")))
	require.NoError(t, h.d.Enqueue(request("G1", "U1", "two")))
	require.NoError(t, h.d.Enqueue(request("G1", "U1", "three")))
	close(h.fetcher.gate)

	require.Eventually(t, func() bool {
		return h.d.QueueLen("G1") == 0 && len(h.fetcher.requested()) == 1
	}, time.Second, time.Millisecond)
	// Give a stray worker the chance to show up.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"one"}, h.fetcher.requested())
	assert.Equal(t, 1, h.transport.joinCount())
	assert.Empty(t, h.player.list())
	assert.Equal(t, voice.Disconnected, h.voice.State("G1").State)

	// A new request starts over.
	h.transport.setReject(false)
	require.NoError(t, h.d.Enqueue(request("G1", "U1", "four")))
	require.Eventually(t, func() bool { return len(h.player.list()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"four"}, h.player.list())
}

func TestDrainLimit(t *testing.T) {
	h := newHarness(t, Options{DrainLimit: 1}, Deps{})
	h.transport.setReject(true)
	h.fetcher.gate = make(chan struct{})

	require.NoError(t, h.d.Enqueue(request("G1", "U1", "one")))
	require.NoError(t, h.d.Enqueue(request("G1", "U1", "two")))
	require.NoError(t, h.d.Enqueue(request("G1", "U1", "three")))
	close(h.fetcher.gate)

	require.Eventually(t, func() bool { return h.d.QueueLen("G1") == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.d.QueueLen("G1"))
	assert.Equal(t, []string{"one"}, h.fetcher.requested())
}

func TestLeaveCancelsPlaybackAndClearsQueue(t *testing.T) {
	h := newHarness(t, Options{}, Deps{})
	h.player.gate = make(chan struct{})

	require.NoError(t, h.d.Enqueue(request("G1", "U1", "long")))
	require.NoError(t, h.d.Enqueue(request("G1", "U1", "queued")))
	require.Eventually(t, func() bool { return h.player.started.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.d.Leave(context.Background(), "G1"))
	assert.Equal(t, 0, h.d.QueueLen("G1"))
	assert.Equal(t, voice.Disconnected, h.voice.State("G1").State)

	// The canceled clip never completes and the queued one never starts.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.player.list())
	assert.Equal(t, int32(1), h.player.started.Load())

	close(h.player.gate)
	require.NoError(t, h.d.Enqueue(request("G1", "U1", "after")))
	require.Eventually(t, func() bool { return len(h.player.list()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"after"}, h.player.list())
}

func TestPremiumVoiceGate(t *testing.T) {
	ents := stubEntitlements{"premium-guild": true}
	h := newHarness(t, Options{}, Deps{Entitlements: ents})

	gcloud := speech.VoiceParams{Mode: speech.ModeGCloud, Voice: "en-GB A"}
	free := request("free-guild", "U1", "hi")
	free.Voice = gcloud
	paid := request("premium-guild", "U2", "hi")
	paid.Voice = gcloud

	require.NoError(t, h.d.Enqueue(free))
	require.Eventually(t, func() bool { return len(h.player.list()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, h.d.Enqueue(paid))
	require.Eventually(t, func() bool { return len(h.player.list()) == 2 }, time.Second, time.Millisecond)

	h.fetcher.mu.Lock()
	defer h.fetcher.mu.Unlock()
	assert.Equal(t, speech.DefaultVoiceParams(), h.fetcher.params[0])
	assert.Equal(t, gcloud, h.fetcher.params[1])
}

func TestAnnounceSpeakerChanges(t *testing.T) {
	h := newHarness(t, Options{}, Deps{})

	for _, r := range []Request{
		request("G1", "Alice", "one"),
		request("G1", "Alice", "two"),
		request("G1", "Bob", "three"),
	} {
		r.Announce = true
		require.NoError(t, h.d.Enqueue(r))
	}
	require.Eventually(t, func() bool { return len(h.player.list()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"Alice said: one", "two", "Bob said: three"}, h.player.list())
}

func TestEvictIdleLeavesVoice(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: 10 * time.Minute}, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.d.Run(ctx) }()

	require.NoError(t, h.d.Enqueue(request("G1", "U1", "hi")))
	require.Eventually(t, func() bool { return len(h.player.list()) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.voice.State("G1").State == voice.Connected }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.workerIdle("G1") }, time.Second, time.Millisecond)

	// Not idle long enough yet.
	assert.Empty(t, h.d.EvictIdle(context.Background()))

	h.clock.Advance(11 * time.Minute)
	require.True(t, h.d.Post(CmdEvictIdle))
	require.Eventually(t, func() bool { return len(h.d.Guilds()) == 0 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.voice.State("G1").State == voice.Disconnected }, time.Second, time.Millisecond)

	// The guild comes back on the next request.
	require.NoError(t, h.d.Enqueue(request("G1", "U1", "again")))
	require.Eventually(t, func() bool { return len(h.player.list()) == 2 }, time.Second, time.Millisecond)
}

// slowLeave holds Leave until release is closed.
type slowLeave struct {
	*voice.Manager
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (v *slowLeave) Leave(ctx context.Context, guildID string) error {
	v.once.Do(func() { close(v.entered) })
	<-v.release
	return v.Manager.Leave(ctx, guildID)
}

func TestEvictionLeaveDoesNotCutNewSession(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: 10 * time.Minute}, Deps{})
	slow := &slowLeave{Manager: h.voice, entered: make(chan struct{}), release: make(chan struct{})}
	h.d.deps.Voice = slow

	require.NoError(t, h.d.Enqueue(request("G1", "U1", "first")))
	require.Eventually(t, func() bool { return len(h.player.list()) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.workerIdle("G1") }, time.Second, time.Millisecond)

	h.clock.Advance(11 * time.Minute)
	evicted := make(chan []string, 1)
	go func() { evicted <- h.d.EvictIdle(context.Background()) }()
	<-slow.entered

	// A request for the evicted guild while its old session is being left.
	require.NoError(t, h.d.Enqueue(request("G1", "U1", "second")))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.player.list(), 1, "new worker waits for the pending leave")
	// Not a candidate while the previous leave is still running.
	assert.Empty(t, h.d.EvictIdle(context.Background()))

	close(slow.release)
	assert.Equal(t, []string{"G1"}, <-evicted)

	require.Eventually(t, func() bool { return len(h.player.list()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, h.player.list())
	assert.Equal(t, voice.Connected, h.voice.State("G1").State)

	transitions := h.transitionList()
	assert.Equal(t, "G1:Joining->Connected", transitions[len(transitions)-1])
	assert.Equal(t, 2, h.transport.joinCount())
}

func TestHandleTerminalDrains(t *testing.T) {
	h := newHarness(t, Options{}, Deps{})
	h.player.gate = make(chan struct{})
	defer close(h.player.gate)

	require.NoError(t, h.d.Enqueue(request("G1", "U1", "playing")))
	require.Eventually(t, func() bool { return h.player.started.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, h.d.Enqueue(request("G1", "U1", "a")))
	require.NoError(t, h.d.Enqueue(request("G1", "U1", "b")))

	h.d.HandleTerminal("G1", &voice.TransportError{GuildID: "G1", Op: "reconnect", Terminal: true})
	assert.Equal(t, 0, h.d.QueueLen("G1"))
	h.d.HandleTerminal("unknown", &voice.TransportError{GuildID: "unknown", Terminal: true})
}

func TestEnqueueAfterClose(t *testing.T) {
	h := newHarness(t, Options{}, Deps{})
	require.NoError(t, h.d.Close(context.Background()))
	assert.ErrorIs(t, h.d.Enqueue(request("G1", "U1", "late")), ErrClosed)
}

func TestEnqueueAssignsIDAndTime(t *testing.T) {
	h := newHarness(t, Options{}, Deps{})
	h.fetcher.gate = make(chan struct{})
	defer close(h.fetcher.gate)

	require.NoError(t, h.d.Enqueue(request("G1", "U1", "first")))
	require.NoError(t, h.d.Enqueue(request("G1", "U1", "second")))

	g, ok := h.d.lookup("G1")
	require.True(t, ok)
	g.queue.mu.Lock()
	defer g.queue.mu.Unlock()
	require.NotEmpty(t, g.queue.items)
	queued := g.queue.items[len(g.queue.items)-1]
	assert.NotEqual(t, uuid.Nil, queued.ID)
	assert.Equal(t, h.clock.Now(), queued.EnqueuedAt)
}
