package dispatch

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keshon/tts-bot/internal/audio"
	"github.com/keshon/tts-bot/internal/metrics"
	"github.com/keshon/tts-bot/internal/speaker"
	"github.com/keshon/tts-bot/internal/speech"
	"github.com/keshon/tts-bot/internal/voice"
)

// Entitlements answers whether a guild or user has premium.
type Entitlements interface {
	Get(ctx context.Context, subjectID string) (bool, error)
}

// Fetcher returns synthesized audio.
type Fetcher interface {
	Fetch(ctx context.Context, text string, params speech.VoiceParams, timeout time.Duration) (io.ReadCloser, error)
}

// VoiceSessions is the part of voice.Manager the workers use.
type VoiceSessions interface {
	EnsureConnected(ctx context.Context, guildID, channelID string) error
	Connection(guildID string) (voice.Conn, bool)
	Leave(ctx context.Context, guildID string) error
}

// Player streams a clip into a voice connection.
type Player interface {
	Play(ctx context.Context, clip io.Reader, sink audio.Sink) error
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Entitlements Entitlements
	Fetcher      Fetcher
	Voice        VoiceSessions
	Player       Player
	Speakers     *speaker.Cache
}

// Options configures a Dispatcher.
type Options struct {
	QueueCapacity int
	// IdleTimeout after which an idle guild's queue is evicted and its
	// voice connection closed.
	IdleTimeout time.Duration
	// DrainLimit caps how many queued requests a terminal voice failure
	// discards; 0 discards all of them.
	DrainLimit   int
	FetchTimeout time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Command is a maintenance instruction posted to Run.
type Command int

const (
	// CmdEvictIdle evicts guilds idle for longer than IdleTimeout.
	CmdEvictIdle Command = iota
)

func (c Command) String() string {
	switch c {
	case CmdEvictIdle:
		return "evict-idle"
	default:
		return "unknown"
	}
}

type guild struct {
	id    string
	queue *Queue

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	running    bool
	evicted    bool
	lastActive time.Time

	// after is closed once the voice leave of the guild's evicted
	// predecessor finished; nil when there was none.
	after <-chan struct{}
}

// Dispatcher owns the per-guild queues and workers. Guild state lives in an
// arena keyed by guild ID; the arena lock only guards lookup and insert.
type Dispatcher struct {
	deps Deps
	opts Options
	log  zerolog.Logger

	base context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	guilds  map[string]*guild
	leaving map[string]chan struct{}
	closed  bool

	control chan Command
	wg      sync.WaitGroup
}

func New(deps Deps, opts Options) *Dispatcher {
	if opts.QueueCapacity < 1 {
		opts.QueueCapacity = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	base, stop := context.WithCancel(context.Background())
	return &Dispatcher{
		deps:    deps,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "dispatch").Logger(),
		base:    base,
		stop:    stop,
		guilds:  make(map[string]*guild),
		leaving: make(map[string]chan struct{}),
		control: make(chan Command, 8),
	}
}

func (d *Dispatcher) getOrCreate(guildID string) (*guild, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	g, ok := d.guilds[guildID]
	if !ok {
		ctx, cancel := context.WithCancel(d.base)
		g = &guild{
			id:         guildID,
			queue:      NewQueue(guildID, d.opts.QueueCapacity),
			ctx:        ctx,
			cancel:     cancel,
			lastActive: d.opts.Now(),
		}
		if done, ok := d.leaving[guildID]; ok {
			g.after = done
		}
		d.guilds[guildID] = g
	}
	return g, nil
}

func (d *Dispatcher) lookup(guildID string) (*guild, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.guilds[guildID]
	return g, ok
}

// Enqueue appends req to its guild's queue and starts the guild's worker if
// it is idle. It never blocks on playback. A full queue rejects the request
// with *QueueOverflowError.
func (d *Dispatcher) Enqueue(req Request) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = d.opts.Now()
	}

	for {
		g, err := d.getOrCreate(req.GuildID)
		if err != nil {
			return err
		}

		g.mu.Lock()
		if g.evicted {
			// Lost a race with eviction; the next lookup creates a fresh slot.
			g.mu.Unlock()
			continue
		}
		if err := g.queue.Enqueue(req); err != nil {
			g.mu.Unlock()
			d.opts.Metrics.Rejected("overflow")
			d.log.Warn().Str("guild", req.GuildID).Str("request", req.ID.String()).Msg("queue full, request rejected")
			return err
		}
		g.lastActive = d.opts.Now()
		if !g.running {
			g.running = true
			d.wg.Add(1)
			go d.work(g)
		}
		g.mu.Unlock()

		d.opts.Metrics.Enqueued()
		d.log.Debug().Str("guild", req.GuildID).Str("request", req.ID.String()).Msg("request enqueued")
		return nil
	}
}

// Leave clears the guild's queue, cancels its in-flight fetch or playback
// and disconnects it from voice.
func (d *Dispatcher) Leave(ctx context.Context, guildID string) error {
	if g, ok := d.lookup(guildID); ok {
		g.mu.Lock()
		n := g.queue.Clear()
		g.cancel()
		g.ctx, g.cancel = context.WithCancel(d.base)
		g.lastActive = d.opts.Now()
		g.mu.Unlock()

		d.opts.Metrics.Dropped("leave", n)
		if n > 0 {
			d.log.Info().Str("guild", guildID).Int("dropped", n).Msg("queue cleared on leave")
		}
	}
	return d.deps.Voice.Leave(ctx, guildID)
}

// HandleTerminal drops pending requests of a guild whose voice connection
// failed for good.
func (d *Dispatcher) HandleTerminal(guildID string, err *voice.TransportError) {
	g, ok := d.lookup(guildID)
	if !ok {
		return
	}
	n := g.queue.Drop(d.opts.DrainLimit)
	d.opts.Metrics.Dropped("terminal", n)
	d.log.Warn().Err(err).Str("guild", guildID).Int("dropped", n).Msg("voice connection lost, queue drained")
}

// QueueLen returns the number of requests waiting for a guild.
func (d *Dispatcher) QueueLen(guildID string) int {
	g, ok := d.lookup(guildID)
	if !ok {
		return 0
	}
	return g.queue.Len()
}

// Guilds returns the guilds with a live queue slot, sorted.
func (d *Dispatcher) Guilds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.guilds))
	for id := range d.guilds {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Post hands a maintenance command to Run without blocking. It reports
// false when the control channel is full.
func (d *Dispatcher) Post(cmd Command) bool {
	select {
	case d.control <- cmd:
		return true
	default:
		return false
	}
}

// Run consumes maintenance commands until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-d.control:
			switch cmd {
			case CmdEvictIdle:
				d.EvictIdle(ctx)
			default:
				d.log.Warn().Stringer("command", cmd).Msg("unknown maintenance command")
			}
		}
	}
}

// EvictIdle removes guilds whose worker has been idle for IdleTimeout and
// disconnects them from voice. It returns the evicted guild IDs. A request
// arriving for an evicted guild gets a fresh slot whose worker starts after
// the leave finished.
func (d *Dispatcher) EvictIdle(ctx context.Context) []string {
	now := d.opts.Now()

	var evicted []string
	d.mu.Lock()
	for id, g := range d.guilds {
		if _, busy := d.leaving[id]; busy {
			continue
		}
		g.mu.Lock()
		if !g.running && now.Sub(g.lastActive) >= d.opts.IdleTimeout {
			d.opts.Metrics.Dropped("idle", g.queue.Clear())
			g.evicted = true
			g.cancel()
			delete(d.guilds, id)
			d.leaving[id] = make(chan struct{})
			evicted = append(evicted, id)
		}
		g.mu.Unlock()
	}
	d.mu.Unlock()

	sort.Strings(evicted)
	for _, id := range evicted {
		err := d.deps.Voice.Leave(ctx, id)

		d.mu.Lock()
		done := d.leaving[id]
		delete(d.leaving, id)
		d.mu.Unlock()
		close(done)

		if err != nil {
			d.log.Warn().Err(err).Str("guild", id).Msg("auto-leave failed")
			continue
		}
		d.log.Info().Str("guild", id).Msg("guild idle, left voice")
	}
	return evicted
}

// Close stops accepting requests, cancels every worker and waits for them
// until ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	all := make([]*guild, 0, len(d.guilds))
	for _, g := range d.guilds {
		all = append(all, g)
	}
	d.guilds = make(map[string]*guild)
	d.mu.Unlock()

	for _, g := range all {
		g.mu.Lock()
		g.evicted = true
		d.opts.Metrics.Dropped("shutdown", g.queue.Clear())
		g.cancel()
		g.mu.Unlock()
	}
	d.stop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
