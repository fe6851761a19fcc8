package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"voxsync/internal/connectivity"
	"voxsync/internal/remote"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeConn struct {
	id     int
	log    *eventLog
	in     chan []byte
	fail   chan error
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	frames int
}

func newFakeConn(id int, log *eventLog) *fakeConn {
	return &fakeConn{
		id:     id,
		log:    log,
		in:     make(chan []byte, 16),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) WriteAudio(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames++
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case err := <-c.fail:
		return nil, err
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.log.add(fmt.Sprintf("close conn %d", c.id))
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) send(t *testing.T, msg string) {
	t.Helper()
	c.in <- []byte(msg)
}

type fakeDialer struct {
	log *eventLog

	mu    sync.Mutex
	conns []*fakeConn
	creds []remote.Credential
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, cred remote.Credential) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeConn(len(d.conns)+1, d.log)
	d.conns = append(d.conns, conn)
	d.creds = append(d.creds, cred)
	d.log.add(fmt.Sprintf("dial conn %d", conn.id))
	return conn, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type fakeProvider struct {
	name     string
	lifetime time.Duration

	mu    sync.Mutex
	calls int
	// failAfter makes every call after the first n fail; 0 never fails
	failAfter int
	failAll   bool
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) GetCredential(ctx context.Context, scope string) (remote.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failAll || (p.failAfter > 0 && p.calls > p.failAfter) {
		return remote.Credential{}, errors.New(p.name + " unavailable")
	}
	return remote.Credential{Token: fmt.Sprintf("%s-%d", p.name, p.calls), ExpiresIn: p.lifetime}, nil
}

type fakeAudio struct {
	log *eventLog

	mu      sync.Mutex
	running bool
	starts  int
	sink    func([]byte)
}

func (a *fakeAudio) Start(sink func(frame []byte)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = true
	a.starts++
	a.sink = sink
	a.log.add("audio start")
	return nil
}

func (a *fakeAudio) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	a.log.add("audio stop")
}

func (a *fakeAudio) isRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *fakeAudio) startCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts
}

type harness struct {
	log     *eventLog
	dialer  *fakeDialer
	audio   *fakeAudio
	broker  *fakeProvider
	direct  *fakeProvider
	session *Session
}

func newHarness(t *testing.T, oracle connectivity.Reader, lifetime time.Duration) *harness {
	t.Helper()
	log := &eventLog{}
	h := &harness{
		log:    log,
		dialer: &fakeDialer{log: log},
		audio:  &fakeAudio{log: log},
		broker: &fakeProvider{name: "broker", lifetime: lifetime},
		direct: &fakeProvider{name: "direct", lifetime: lifetime},
	}
	s, err := New([]CredentialProvider{h.broker, h.direct}, h.dialer, h.audio, Options{
		Oracle:        oracle,
		ReconnectPoll: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.session = s
	t.Cleanup(s.Stop)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitTranscript(t *testing.T, want string) {
	t.Helper()
	waitFor(t, fmt.Sprintf("transcript %q", want), func() bool {
		return h.session.Snapshot().Transcript == want
	})
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool {
		return h.session.Snapshot().State == want
	})
}

func TestStartUsesBrokerCredential(t *testing.T) {
	h := newHarness(t, nil, time.Hour)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.session.Snapshot().State != StateActive {
		t.Fatalf("state = %s", h.session.Snapshot().State)
	}
	if h.dialer.creds[0].Token != "broker-1" || h.direct.calls != 0 {
		t.Fatalf("expected broker credential, got %+v (direct calls %d)", h.dialer.creds[0], h.direct.calls)
	}
	if !h.audio.isRunning() {
		t.Error("capture not started")
	}
}

func TestStartFallsBackToDirectProvider(t *testing.T) {
	h := newHarness(t, nil, time.Hour)
	h.broker.failAll = true
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.dialer.creds[0].Token != "direct-1" {
		t.Fatalf("expected direct credential, got %+v", h.dialer.creds[0])
	}
}

func TestStartFailsWhenEveryProviderFails(t *testing.T) {
	h := newHarness(t, nil, time.Hour)
	h.broker.failAll = true
	h.direct.failAll = true
	err := h.session.Start(context.Background())
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v", err)
	}
	if h.session.Snapshot().State != StateIdle || h.dialer.count() != 0 {
		t.Fatalf("state=%s dials=%d", h.session.Snapshot().State, h.dialer.count())
	}
}

func TestTranscriptAccumulation(t *testing.T) {
	h := newHarness(t, nil, time.Hour)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := h.dialer.conn(0)

	conn.send(t, `{"type":"transcript","text":"hel","is_final":false}`)
	conn.send(t, `{"type":"transcript","text":"hello","is_final":false}`)
	waitFor(t, "partial", func() bool { return h.session.Snapshot().Partial == "hello" })

	conn.send(t, `{"type":"transcript","text":"hello there","is_final":true}`)
	conn.send(t, `{"message_type":"SessionBegins"}`)
	conn.send(t, `{"type":"mystery","payload":1}`)
	conn.send(t, `not json`)
	conn.send(t, `{"message_type":"FinalTranscript","text":"general kenobi"}`)
	h.waitTranscript(t, "hello there general kenobi")

	if p := h.session.Snapshot().Partial; p != "" {
		t.Errorf("partial should clear on final, got %q", p)
	}
}

// TestNetworkDropKeepsFinalsInOrder drops the socket mid-stream and checks
// the transcript after reconnecting is every final once, in order.
func TestNetworkDropKeepsFinalsInOrder(t *testing.T) {
	oracle := connectivity.NewOracle(nil, connectivity.Options{})
	defer oracle.Close()
	oracle.Observe(connectivity.State{Connected: true, Transport: connectivity.TransportWiFi})

	h := newHarness(t, oracle, time.Hour)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := h.dialer.conn(0)
	first.send(t, `{"type":"transcript","text":"one","is_final":true}`)
	first.send(t, `{"type":"transcript","text":"two","is_final":true}`)
	first.send(t, `{"type":"transcript","text":"thr","is_final":false}`)
	waitFor(t, "partial before drop", func() bool { return h.session.Snapshot().Partial == "thr" })

	oracle.Observe(connectivity.Disconnected)
	first.fail <- &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
	h.waitState(t, StateInterrupted)

	if h.audio.isRunning() {
		t.Error("capture should stop on network loss")
	}
	if snap := h.session.Snapshot(); snap.Transcript != "one two" || snap.Partial != "" {
		t.Errorf("snapshot after drop = %+v", snap)
	}

	time.Sleep(30 * time.Millisecond)
	if h.dialer.count() != 1 {
		t.Fatalf("reconnected while offline")
	}

	oracle.Observe(connectivity.State{Connected: true, Transport: connectivity.TransportCellular, Metered: true})
	h.waitState(t, StateActive)
	if h.dialer.count() != 2 {
		t.Fatalf("dials = %d, want 2", h.dialer.count())
	}
	if h.broker.calls != 2 {
		t.Errorf("reconnect should re-authorize, broker calls = %d", h.broker.calls)
	}
	if h.audio.startCount() != 2 {
		t.Errorf("capture starts = %d, want 2", h.audio.startCount())
	}

	second := h.dialer.conn(1)
	second.send(t, `{"type":"transcript","text":"three","is_final":true}`)
	second.send(t, `{"type":"transcript","text":"four","is_final":true}`)
	h.waitTranscript(t, "one two three four")
}

func TestRenewalSwapsSocketAfterNewOneOpens(t *testing.T) {
	h := newHarness(t, nil, 100*time.Millisecond)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Only the first credential is short-lived.
	h.broker.mu.Lock()
	h.broker.lifetime = time.Hour
	h.broker.mu.Unlock()

	first := h.dialer.conn(0)
	first.send(t, `{"type":"transcript","text":"before","is_final":true}`)
	h.waitTranscript(t, "before")

	waitFor(t, "renewal dial", func() bool { return h.dialer.count() >= 2 })
	waitFor(t, "old socket closed", first.isClosed)

	events := h.log.list()
	dial2, close1 := -1, -1
	for i, e := range events {
		switch e {
		case "dial conn 2":
			dial2 = i
		case "close conn 1":
			close1 = i
		}
	}
	if dial2 < 0 || close1 < 0 || dial2 > close1 {
		t.Fatalf("old socket closed before replacement opened: %v", events)
	}

	second := h.dialer.conn(1)
	second.send(t, `{"type":"transcript","text":"after","is_final":true}`)
	h.waitTranscript(t, "before after")
	h.waitState(t, StateActive)
	if h.audio.startCount() != 1 {
		t.Errorf("renewal restarted capture: %d starts", h.audio.startCount())
	}
}

func TestRenewalFailureKeepsCurrentSocket(t *testing.T) {
	h := newHarness(t, nil, 50*time.Millisecond)
	h.broker.failAfter = 1
	h.direct.failAll = true
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "renewal attempt", func() bool {
		h.broker.mu.Lock()
		defer h.broker.mu.Unlock()
		return h.broker.calls >= 2
	})
	h.waitState(t, StateActive)
	first := h.dialer.conn(0)
	if first.isClosed() || h.dialer.count() != 1 {
		t.Fatal("failed renewal replaced the socket")
	}
	first.send(t, `{"type":"transcript","text":"still here","is_final":true}`)
	h.waitTranscript(t, "still here")
}

func TestAudioInterruptionPausesAndResumesCapture(t *testing.T) {
	h := newHarness(t, nil, time.Hour)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := h.dialer.conn(0)
	conn.send(t, `{"type":"transcript","text":"kept","is_final":true}`)
	h.waitTranscript(t, "kept")

	h.session.AudioInterrupted()
	if h.session.Snapshot().State != StateInterrupted || h.audio.isRunning() {
		t.Fatal("interruption did not pause capture")
	}

	h.session.AudioInterruptionEnded(false)
	if h.audio.isRunning() {
		t.Fatal("capture resumed without shouldResume")
	}

	h.session.AudioInterruptionEnded(true)
	snap := h.session.Snapshot()
	if snap.State != StateActive || !h.audio.isRunning() || snap.Transcript != "kept" {
		t.Fatalf("unexpected snapshot after resume %+v", snap)
	}
	if conn.isClosed() {
		t.Error("audio interruption closed the socket")
	}
}

func TestStopReleasesAudioBeforeSocket(t *testing.T) {
	h := newHarness(t, nil, time.Hour)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.session.Stop()
	h.session.Stop()

	events := h.log.list()
	want := []string{"dial conn 1", "audio start", "audio stop", "close conn 1"}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	if h.session.Snapshot().State != StateClosed {
		t.Errorf("state = %s", h.session.Snapshot().State)
	}
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Stop = %v", err)
	}

	var last Snapshot
	for snap := range h.session.Snapshots() {
		last = snap
	}
	if last.State != StateClosed {
		t.Errorf("last published snapshot = %+v", last)
	}
}

func TestAudioFramesReachSocket(t *testing.T) {
	h := newHarness(t, nil, time.Hour)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.audio.mu.Lock()
	sink := h.audio.sink
	h.audio.mu.Unlock()

	buf := make([]byte, 320)
	for i := 0; i < 5; i++ {
		sink(buf)
	}
	conn := h.dialer.conn(0)
	waitFor(t, "frames written", func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.frames == 5
	})
}

type gatedProvider struct {
	release chan struct{}
}

func (p *gatedProvider) Name() string { return "gated" }

func (p *gatedProvider) GetCredential(ctx context.Context, scope string) (remote.Credential, error) {
	select {
	case <-p.release:
		return remote.Credential{Token: "gated-1", ExpiresIn: time.Hour}, nil
	case <-ctx.Done():
		return remote.Credential{}, ctx.Err()
	}
}

func TestInterruptionWhileConnectingHoldsCapture(t *testing.T) {
	log := &eventLog{}
	dialer := &fakeDialer{log: log}
	audio := &fakeAudio{log: log}
	gate := &gatedProvider{release: make(chan struct{})}
	s, err := New([]CredentialProvider{gate}, dialer, audio, Options{ReconnectPoll: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Stop)

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()
	waitFor(t, "authorizing", func() bool { return s.Snapshot().State == StateAuthorizing })

	s.AudioInterrupted()
	close(gate.release)
	if err := <-started; err != nil {
		t.Fatal(err)
	}

	if st := s.Snapshot().State; st != StateInterrupted || audio.isRunning() {
		t.Fatalf("state=%s capturing=%v, want interrupted without capture", st, audio.isRunning())
	}

	s.AudioInterruptionEnded(true)
	if s.Snapshot().State != StateActive || !audio.isRunning() {
		t.Fatal("capture did not start once the interruption ended")
	}
}
