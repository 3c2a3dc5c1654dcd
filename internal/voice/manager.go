// Package voice owns the per-guild voice connection state machine:
//
//	Disconnected → Joining → Connected → Reconnecting → Leaving → Disconnected
//
// Every transition of a guild runs while holding that guild's JoinLock.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/keshon/tts-bot/pkg/util"
)

// Options configures a Manager.
type Options struct {
	LockTimeout        time.Duration
	ReconnectAttempts  int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	Logger             zerolog.Logger
	// After replaces time.After for the reconnect backoff (tests).
	After func(time.Duration) <-chan time.Time
}

// TransitionFunc observes state changes.
type TransitionFunc func(guildID string, from, to State)

// TerminalFunc receives the error that ended a failed reconnect.
type TerminalFunc func(guildID string, err *TransportError)

type reconnectRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

type session struct {
	guildID string
	lock    JoinLock

	mu        sync.Mutex
	state     State
	channelID string
	conn      Conn
	retries   int
	lastErr   error
	reconnect *reconnectRun
}

// Manager tracks the voice session of every guild.
type Manager struct {
	transport Transport
	opts      Options
	log       zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	hookMu      sync.RWMutex
	transitions []TransitionFunc
	terminal    TerminalFunc

	wg sync.WaitGroup
}

func NewManager(transport Transport, opts Options) *Manager {
	if opts.ReconnectAttempts < 1 {
		opts.ReconnectAttempts = 1
	}
	if opts.After == nil {
		opts.After = time.After
	}
	return &Manager{
		transport: transport,
		opts:      opts,
		log:       opts.Logger.With().Str("component", "voice").Logger(),
		sessions:  make(map[string]*session),
	}
}

// OnTransition registers an observer called after every state change.
func (m *Manager) OnTransition(fn TransitionFunc) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.transitions = append(m.transitions, fn)
}

// OnTerminal registers the callback for reconnects that gave up.
func (m *Manager) OnTerminal(fn TerminalFunc) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.terminal = fn
}

func (m *Manager) session(guildID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[guildID]
	if !ok {
		s = &session{guildID: guildID}
		m.sessions[guildID] = s
	}
	return s
}

func (m *Manager) lookup(guildID string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[guildID]
	return s, ok
}

// State returns a snapshot of the guild's session.
func (m *Manager) State(guildID string) GuildState {
	s, ok := m.lookup(guildID)
	if !ok {
		return GuildState{GuildID: guildID, State: Disconnected}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return GuildState{
		GuildID:   guildID,
		State:     s.state,
		ChannelID: s.channelID,
		Retries:   s.retries,
		LastErr:   s.lastErr,
	}
}

// Connection returns the guild's connection while it is Connected.
func (m *Manager) Connection(guildID string) (Conn, bool) {
	s, ok := m.lookup(guildID)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.conn == nil {
		return nil, false
	}
	return s.conn, true
}

// Guilds returns the IDs of guilds that are not Disconnected.
func (m *Manager) Guilds() []string {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	var out []string
	for _, s := range all {
		s.mu.Lock()
		if s.state != Disconnected {
			out = append(out, s.guildID)
		}
		s.mu.Unlock()
	}
	return out
}

func (m *Manager) acquire(ctx context.Context, s *session, op string) (func(), error) {
	release, err := s.lock.Acquire(ctx, m.opts.LockTimeout)
	if err != nil {
		var cerr *ConcurrencyError
		if errors.As(err, &cerr) {
			cerr.GuildID = s.guildID
			cerr.Op = op
		}
		return nil, err
	}
	return release, nil
}

// transition must be called with the session's JoinLock held.
func (m *Manager) transition(s *session, to State, mutate func(*session)) {
	s.mu.Lock()
	from := s.state
	s.state = to
	if mutate != nil {
		mutate(s)
	}
	s.mu.Unlock()

	m.log.Debug().Str("guild", s.guildID).Stringer("from", from).Stringer("to", to).Msg("voice state changed")

	m.hookMu.RLock()
	hooks := m.transitions
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(s.guildID, from, to)
	}
}

// EnsureConnected makes sure the guild is connected to channelID. It is a
// no-op when already there, leaves first when connected elsewhere, and waits
// for an ongoing reconnect to settle.
func (m *Manager) EnsureConnected(ctx context.Context, guildID, channelID string) error {
	s := m.session(guildID)

	for {
		release, err := m.acquire(ctx, s, "join")
		if err != nil {
			return err
		}

		s.mu.Lock()
		state, current, run := s.state, s.channelID, s.reconnect
		s.mu.Unlock()

		switch state {
		case Connected:
			if current == channelID {
				release()
				return nil
			}
			m.disconnectLocked(ctx, s)

		case Reconnecting:
			release()
			if run == nil {
				return &TransportError{GuildID: guildID, ChannelID: channelID, Op: "join", Err: errors.New("reconnect state without a reconnect run")}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-run.done:
			}
			if run.err != nil {
				return run.err
			}
			continue
		}

		err = m.joinLocked(ctx, s, channelID)
		release()
		return err
	}
}

func (m *Manager) joinLocked(ctx context.Context, s *session, channelID string) error {
	m.transition(s, Joining, func(s *session) { s.channelID = channelID })

	conn, err := m.transport.Join(ctx, s.guildID, channelID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			m.transition(s, Disconnected, func(s *session) { s.channelID = "" })
			return ctxErr
		}
		terr := &TransportError{GuildID: s.guildID, ChannelID: channelID, Op: "join", Terminal: true, Err: err}
		m.transition(s, Disconnected, func(s *session) {
			s.channelID = ""
			s.lastErr = terr
		})
		m.log.Warn().Err(err).Str("guild", s.guildID).Str("channel", channelID).Msg("voice join rejected")
		return terr
	}

	m.transition(s, Connected, func(s *session) {
		s.conn = conn
		s.retries = 0
		s.lastErr = nil
	})
	m.log.Info().Str("guild", s.guildID).Str("channel", channelID).Msg("joined voice channel")
	return nil
}

// disconnectLocked runs Leaving → Disconnected. The transport disconnect is
// best effort.
func (m *Manager) disconnectLocked(ctx context.Context, s *session) {
	var conn Conn
	m.transition(s, Leaving, func(s *session) {
		conn = s.conn
		s.conn = nil
	})

	if conn != nil {
		if err := conn.Disconnect(context.WithoutCancel(ctx)); err != nil {
			m.log.Warn().Err(err).Str("guild", s.guildID).Msg("voice disconnect failed")
		}
	}

	m.transition(s, Disconnected, func(s *session) {
		s.channelID = ""
		s.retries = 0
	})
}

// Leave disconnects the guild from voice whatever its state. An ongoing
// reconnect is canceled first so the guild ends Disconnected right away.
func (m *Manager) Leave(ctx context.Context, guildID string) error {
	s, ok := m.lookup(guildID)
	if !ok {
		return nil
	}

	s.mu.Lock()
	run := s.reconnect
	s.mu.Unlock()
	if run != nil {
		run.cancel()
	}

	release, err := m.acquire(ctx, s, "leave")
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == Disconnected {
		return nil
	}

	m.disconnectLocked(ctx, s)
	m.log.Info().Str("guild", guildID).Msg("left voice channel")
	return nil
}

// OnTransportDisconnect is called by the transport when a connection drops.
// A drop while Connected starts the reconnect loop; drops in any other state
// are expected and ignored.
func (m *Manager) OnTransportDisconnect(guildID string) {
	s, ok := m.lookup(guildID)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.state != Connected || s.reconnect != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	run := &reconnectRun{cancel: cancel, done: make(chan struct{})}
	s.reconnect = run
	s.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.reconnect(ctx, s, run)
	}()
}

func (m *Manager) reconnect(ctx context.Context, s *session, run *reconnectRun) {
	defer func() {
		s.mu.Lock()
		if s.reconnect == run {
			s.reconnect = nil
		}
		s.mu.Unlock()
		close(run.done)
	}()

	release, err := s.lock.Acquire(ctx, 0)
	if err != nil {
		return
	}
	s.mu.Lock()
	state, channelID, stale := s.state, s.channelID, s.conn
	s.mu.Unlock()
	if state != Connected {
		release()
		return
	}
	m.transition(s, Reconnecting, func(s *session) { s.conn = nil })
	release()

	if stale != nil {
		_ = stale.Disconnect(ctx)
	}

	log := m.log.With().Str("guild", s.guildID).Str("channel", channelID).Logger()
	log.Warn().Msg("voice connection lost, reconnecting")

	var lastErr error
	for attempt, delay := range ReconnectSchedule(m.opts.ReconnectAttempts, m.opts.ReconnectBaseDelay, m.opts.ReconnectMaxDelay) {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-m.opts.After(delay):
			}
		}

		release, err := m.acquire(ctx, s, "reconnect")
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			lastErr = err
			continue
		}
		if ctx.Err() != nil {
			release()
			return
		}

		s.mu.Lock()
		s.retries = attempt + 1
		s.mu.Unlock()

		conn, err := m.transport.Join(ctx, s.guildID, channelID)
		if err == nil {
			m.transition(s, Connected, func(s *session) {
				s.conn = conn
				s.retries = 0
				s.lastErr = nil
			})
			release()
			log.Info().Int("attempt", attempt+1).Msg("voice connection restored")
			return
		}
		if ctx.Err() != nil {
			release()
			return
		}

		lastErr = err
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		release()
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("voice reconnect attempt failed")
	}

	terr := &TransportError{
		GuildID:   s.guildID,
		ChannelID: channelID,
		Op:        "reconnect",
		Terminal:  true,
		Err:       fmt.Errorf("gave up after %d attempts: %w", m.opts.ReconnectAttempts, lastErr),
	}
	run.err = terr

	release, err = s.lock.Acquire(ctx, 0)
	if err != nil {
		return
	}
	s.mu.Lock()
	state = s.state
	s.mu.Unlock()
	if state == Reconnecting {
		m.transition(s, Disconnected, func(s *session) {
			s.channelID = ""
			s.lastErr = terr
		})
	}
	release()

	log.Error().Err(terr).Msg("voice reconnect exhausted")

	m.hookMu.RLock()
	terminal := m.terminal
	m.hookMu.RUnlock()
	if terminal != nil {
		terminal(s.guildID, terr)
	}
}

// ReconnectSchedule returns the delay before each reconnect attempt: the
// first attempt is immediate, then base doubling up to maxDelay.
func ReconnectSchedule(attempts int, base, maxDelay time.Duration) []time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}
	b.Reset()

	out := make([]time.Duration, 0, attempts)
	for i := range attempts {
		if i == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, b.NextBackOff())
	}
	return out
}

// Close leaves every guild and waits for reconnect loops to stop.
func (m *Manager) Close(ctx context.Context) error {
	err := util.Parallel(ctx, m.Guilds(), 8, func(ctx context.Context, guildID string) error {
		return m.Leave(ctx, guildID)
	})
	m.wg.Wait()
	return err
}
