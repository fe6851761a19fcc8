// Package stream runs the live transcription session: it authorizes, keeps
// a websocket open across network loss and credential expiry, and
// accumulates the transcript.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"voxsync/internal/apperr"
	"voxsync/internal/connectivity"
	"voxsync/internal/metrics"
	"voxsync/internal/remote"

	"go.uber.org/zap"
)

// State is the session lifecycle state
type State string

const (
	StateIdle        State = "idle"
	StateAuthorizing State = "authorizing"
	StateConnecting  State = "connecting"
	StateActive      State = "active"
	StateInterrupted State = "interrupted"
	StateRenewing    State = "renewing"
	StateClosed      State = "closed"
)

var (
	// ErrClosed is returned by Start after Stop
	ErrClosed = errors.New("stream session closed")
	// ErrNoCredential means every credential provider failed
	ErrNoCredential = errors.New("no streaming credential available")
)

// CredentialProvider issues short-lived streaming credentials. The broker
// and the direct provider both implement it.
type CredentialProvider interface {
	Name() string
	GetCredential(ctx context.Context, scope string) (remote.Credential, error)
}

// Conn is one open transcription socket
type Conn interface {
	WriteAudio(frame []byte) error
	// ReadMessage blocks for the next text message
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens a socket authorized by cred
type Dialer interface {
	Dial(ctx context.Context, cred remote.Credential) (Conn, error)
}

// AudioSource is the capture pipeline. Start begins delivering fixed-size
// buffers to sink from the capture thread; the buffer may be reused after
// sink returns.
type AudioSource interface {
	Start(sink func(frame []byte)) error
	Stop()
}

// Snapshot is the consumer view of a session
type Snapshot struct {
	State            State
	CredentialExpiry time.Time
	Transcript       string
	Partial          string
}

// Options configures a Session
type Options struct {
	Scope string
	// Oracle gates reconnection; nil means always online
	Oracle connectivity.Reader
	// RenewFraction of the credential lifetime at which renewal fires
	RenewFraction float64
	ReconnectPoll time.Duration
	FrameBuffer   int
	Logger        *zap.Logger
	Metrics       *metrics.Collector
}

// Session is one live transcription session
type Session struct {
	providers     []CredentialProvider
	dialer        Dialer
	audio         AudioSource
	oracle        connectivity.Reader
	scope         string
	renewFraction float64
	reconnectPoll time.Duration
	logger        *zap.Logger
	metrics       *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	frames chan []byte

	mu           sync.Mutex
	state        State
	expiry       time.Time
	conn         Conn
	gen          int
	finals       []string
	partial      string
	renewTimer   *time.Timer
	capturing    bool
	audioPaused  bool
	netDown      bool
	reconnecting bool
	snapshots    chan Snapshot
}

// New creates an idle session. providers are tried in order.
func New(providers []CredentialProvider, dialer Dialer, audio AudioSource, opts Options) (*Session, error) {
	if len(providers) == 0 || dialer == nil || audio == nil {
		return nil, fmt.Errorf("credential providers, dialer and audio source are required")
	}
	if opts.Scope == "" {
		opts.Scope = "transcribe"
	}
	if opts.RenewFraction <= 0 || opts.RenewFraction >= 1 {
		opts.RenewFraction = 0.8
	}
	if opts.ReconnectPoll <= 0 {
		opts.ReconnectPoll = time.Second
	}
	if opts.FrameBuffer <= 0 {
		opts.FrameBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		providers:     providers,
		dialer:        dialer,
		audio:         audio,
		oracle:        opts.Oracle,
		scope:         opts.Scope,
		renewFraction: opts.RenewFraction,
		reconnectPoll: opts.ReconnectPoll,
		logger:        opts.Logger.With(zap.String("component", "stream")),
		metrics:       opts.Metrics,
		ctx:           ctx,
		cancel:        cancel,
		frames:        make(chan []byte, opts.FrameBuffer),
		state:         StateIdle,
		snapshots:     make(chan Snapshot, 1),
	}, nil
}

// Snapshots delivers the latest session view; intermediate views may be
// skipped. The channel is closed after Stop.
func (s *Session) Snapshots() <-chan Snapshot {
	return s.snapshots
}

// Snapshot returns the current view
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Start authorizes, opens the socket and begins capture
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case StateIdle:
	default:
		s.mu.Unlock()
		return fmt.Errorf("stream session already started (%s)", s.state)
	}
	s.setStateLocked(StateAuthorizing)
	s.mu.Unlock()

	cred, err := s.authorize(ctx)
	if err != nil {
		s.resetToIdle()
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, cred)
	if err != nil {
		s.resetToIdle()
		return fmt.Errorf("failed to open stream: %w", err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.installLocked(conn, cred)
	s.wg.Add(1)
	go s.writeLoop()
	if s.audioPaused {
		// interrupted while connecting; capture waits for the interruption to end
		s.setStateLocked(StateInterrupted)
	} else {
		s.startCaptureLocked()
		s.setStateLocked(StateActive)
	}
	s.mu.Unlock()

	s.logger.Info("Stream session active", zap.Time("credential_expiry", time.Now().Add(cred.ExpiresIn)))
	return nil
}

func (s *Session) resetToIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.audioPaused = false
		s.setStateLocked(StateIdle)
	}
}

// Stop releases audio capture, then the socket, and closes the session.
// It is safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.stopCaptureLocked()
	conn := s.conn
	s.conn = nil
	s.gen++
	if s.renewTimer != nil {
		s.renewTimer.Stop()
	}
	s.setStateLocked(StateClosed)
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("Socket close failed", zap.Error(err))
		}
	}
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	close(s.snapshots)
	s.mu.Unlock()
	s.logger.Info("Stream session closed", zap.Int("final_segments", len(s.finals)))
}

// AudioInterrupted pauses capture for an OS audio interruption. The socket
// and transcript are kept.
func (s *Session) AudioInterrupted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateIdle {
		return
	}
	s.audioPaused = true
	s.stopCaptureLocked()
	if s.state == StateActive || s.state == StateRenewing {
		s.setStateLocked(StateInterrupted)
	}
	s.logger.Info("Audio interrupted, capture paused")
}

// AudioInterruptionEnded handles the end of an OS audio interruption.
// Capture restarts only when the OS says it should resume.
func (s *Session) AudioInterruptionEnded(shouldResume bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || !s.audioPaused || !shouldResume {
		return
	}
	s.audioPaused = false
	if s.netDown || s.conn == nil {
		return
	}
	s.startCaptureLocked()
	s.setStateLocked(StateActive)
	s.logger.Info("Audio interruption ended, capture resumed")
}

func (s *Session) authorize(ctx context.Context) (remote.Credential, error) {
	var errs []error
	for _, p := range s.providers {
		cred, err := p.GetCredential(ctx, s.scope)
		if err == nil {
			return cred, nil
		}
		s.logger.Warn("Credential provider failed", zap.String("provider", p.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return remote.Credential{}, fmt.Errorf("%w: %w", ErrNoCredential, errors.Join(errs...))
}

// installLocked makes conn current, starts its reader and arms renewal
func (s *Session) installLocked(conn Conn, cred remote.Credential) {
	s.gen++
	s.conn = conn
	s.netDown = false
	s.expiry = time.Now().Add(cred.ExpiresIn)

	if s.renewTimer != nil {
		s.renewTimer.Stop()
	}
	s.renewTimer = time.AfterFunc(time.Duration(float64(cred.ExpiresIn)*s.renewFraction), s.renew)

	s.wg.Add(1)
	go s.readLoop(s.gen, conn)
}

func (s *Session) renew() {
	s.mu.Lock()
	if s.state == StateClosed || s.conn == nil || s.netDown {
		s.mu.Unlock()
		return
	}
	if s.state == StateActive {
		s.setStateLocked(StateRenewing)
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	cred, err := s.authorize(s.ctx)
	var conn Conn
	if err == nil {
		conn, err = s.dialer.Dial(s.ctx, cred)
	}

	s.mu.Lock()
	if err != nil {
		if s.state == StateRenewing {
			s.setStateLocked(StateActive)
		}
		s.mu.Unlock()
		s.logger.Warn("Credential renewal failed, keeping current socket", zap.Error(err))
		return
	}
	if s.state == StateClosed || s.netDown || s.conn == nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	old := s.conn
	s.installLocked(conn, cred)
	if s.state == StateRenewing {
		s.setStateLocked(StateActive)
	} else {
		s.publishLocked()
	}
	s.mu.Unlock()

	// The replacement is confirmed open before the old socket goes away.
	old.Close()
	s.metrics.IncReconnect("renewal")
	s.logger.Info("Stream credential renewed", zap.Time("credential_expiry", s.Snapshot().CredentialExpiry))
}

func (s *Session) readLoop(gen int, conn Conn) {
	defer s.wg.Done()
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.connFailed(gen, conn, err)
			return
		}
		s.handleMessage(data)
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.frames:
			s.mu.Lock()
			conn, gen := s.conn, s.gen
			sending := s.state == StateActive || s.state == StateRenewing
			s.mu.Unlock()
			if conn == nil || !sending {
				continue
			}
			if err := conn.WriteAudio(frame); err != nil {
				s.connFailed(gen, conn, err)
			}
		}
	}
}

// sink copies frame off the capture thread
func (s *Session) sink(frame []byte) {
	buf := append([]byte(nil), frame...)
	select {
	case s.frames <- buf:
	default:
		s.logger.Debug("Audio frame dropped, send buffer full")
	}
}

func (s *Session) handleMessage(data []byte) {
	msg, ok := ParseMessage(data)
	if !ok {
		s.logger.Warn("Ignoring unrecognized stream message", zap.String("type", msg.Type), zap.Int("bytes", len(data)))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}

	switch msg.Kind {
	case MessageFinal:
		s.partial = ""
		if text := strings.TrimSpace(msg.Text); text != "" {
			s.finals = append(s.finals, text)
		}
	case MessagePartial:
		s.partial = strings.TrimSpace(msg.Text)
	case MessageError:
		s.logger.Warn("Stream provider reported an error", zap.String("message", msg.Text))
		return
	default:
		return
	}
	s.publishLocked()
}

// connFailed turns an error on the current socket into an interruption.
// Errors from sockets already replaced or closed by us are ignored.
func (s *Session) connFailed(gen int, conn Conn, err error) {
	s.mu.Lock()
	if gen != s.gen || s.state == StateClosed || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.gen++
	s.netDown = true
	s.partial = ""
	if s.renewTimer != nil {
		s.renewTimer.Stop()
	}
	s.stopCaptureLocked()
	s.setStateLocked(StateInterrupted)
	start := !s.reconnecting
	if start {
		s.reconnecting = true
		s.wg.Add(1)
	}
	s.mu.Unlock()

	conn.Close()
	s.logger.Warn("Stream interrupted",
		zap.String("kind", string(apperr.Classify(err))),
		zap.Error(err),
	)
	if start {
		go s.reconnectLoop()
	}
}

// reconnectLoop polls connectivity and re-authorizes once it is back
func (s *Session) reconnectLoop() {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.reconnectPoll)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		if s.oracle != nil && !s.oracle.Current().Connected {
			continue
		}
		if s.reconnect() {
			return
		}
	}
}

func (s *Session) reconnect() bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return true
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	cred, err := s.authorize(s.ctx)
	var conn Conn
	if err == nil {
		conn, err = s.dialer.Dial(s.ctx, cred)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		if conn != nil {
			conn.Close()
		}
		return true
	}
	if err != nil {
		s.setStateLocked(StateInterrupted)
		s.logger.Warn("Reconnect attempt failed", zap.Error(err))
		return false
	}

	s.installLocked(conn, cred)
	if s.audioPaused {
		s.setStateLocked(StateInterrupted)
	} else {
		s.startCaptureLocked()
		s.setStateLocked(StateActive)
	}
	s.metrics.IncReconnect("network")
	s.logger.Info("Stream reconnected", zap.Int("final_segments", len(s.finals)))
	return true
}

func (s *Session) startCaptureLocked() {
	if s.capturing {
		return
	}
	if err := s.audio.Start(s.sink); err != nil {
		s.logger.Error("Failed to start audio capture", zap.Error(err))
		return
	}
	s.capturing = true
}

func (s *Session) stopCaptureLocked() {
	if !s.capturing {
		return
	}
	s.audio.Stop()
	s.capturing = false
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.logger.Debug("Stream state change", zap.String("from", string(s.state)), zap.String("to", string(state)))
	s.state = state
	s.publishLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		State:            s.state,
		CredentialExpiry: s.expiry,
		Transcript:       strings.Join(s.finals, " "),
		Partial:          s.partial,
	}
}

// publishLocked replaces any unread snapshot with the current one
func (s *Session) publishLocked() {
	snap := s.snapshotLocked()
	select {
	case <-s.snapshots:
	default:
	}
	select {
	case s.snapshots <- snap:
	default:
	}
}
