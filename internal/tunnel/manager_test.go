package tunnel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

type fakeSession struct {
	url       string
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newFakeSession(url string) *fakeSession {
	return &fakeSession{url: url, done: make(chan struct{})}
}

func (s *fakeSession) URL() string           { return s.url }
func (s *fakeSession) Done() <-chan struct{} { return s.done }
func (s *fakeSession) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.closeErr
}

type fakeProvider struct {
	mu       sync.Mutex
	opened   []*fakeSession
	openErr  error
	gate     chan struct{}
	entered  chan struct{}
	closeErr error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Open(ctx context.Context, port int) (Session, error) {
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.openErr != nil {
		return nil, p.openErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	session := newFakeSession("https://fake-tunnel.trycloudflare.com")
	session.closeErr = p.closeErr
	p.opened = append(p.opened, session)
	return session, nil
}

func recordTransitions(m *Manager) func() []types.TunnelStatus {
	var mu sync.Mutex
	var seen []types.TunnelStatus
	m.OnStateChange(func(state types.TunnelState) {
		mu.Lock()
		seen = append(seen, state.Status)
		mu.Unlock()
	})
	return func() []types.TunnelStatus {
		mu.Lock()
		defer mu.Unlock()
		return append([]types.TunnelStatus(nil), seen...)
	}
}

func TestManagerStartStop(t *testing.T) {
	m := NewManager(&fakeProvider{}, 8188, time.Second, utils.NewDiscardLogsManager())
	transitions := recordTransitions(m)

	if got := m.Status().Status; got != types.TunnelStopped {
		t.Fatalf("Expected initial status stopped, got %s", got)
	}

	url, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if url == "" {
		t.Fatal("Expected a tunnel URL")
	}

	status := m.Status()
	if status.Status != types.TunnelRunning || status.URL != url || status.StartedAt == nil {
		t.Errorf("Unexpected running status: %+v", status)
	}

	if _, err := m.Start(context.Background()); !errors.Is(err, types.ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := m.Status(); got.Status != types.TunnelStopped || got.URL != "" {
		t.Errorf("Expected stopped status without URL, got %+v", got)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Errorf("Stopping a stopped tunnel should succeed, got %v", err)
	}

	expected := []types.TunnelStatus{types.TunnelStarting, types.TunnelRunning, types.TunnelStopped}
	got := transitions()
	if len(got) != len(expected) {
		t.Fatalf("Expected transitions %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("Expected transitions %v, got %v", expected, got)
		}
	}
}

func TestManagerConcurrentStartRejected(t *testing.T) {
	provider := &fakeProvider{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	m := NewManager(provider, 8188, 5*time.Second, utils.NewDiscardLogsManager())

	result := make(chan error, 1)
	go func() {
		_, err := m.Start(context.Background())
		result <- err
	}()

	<-provider.entered
	if got := m.Status().Status; got != types.TunnelStarting {
		t.Fatalf("Expected starting status, got %s", got)
	}
	if _, err := m.Start(context.Background()); !errors.Is(err, types.ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning while starting, got %v", err)
	}

	close(provider.gate)
	if err := <-result; err != nil {
		t.Fatalf("First start failed: %v", err)
	}
	if len(provider.opened) != 1 {
		t.Errorf("Expected exactly one tunnel to be opened, got %d", len(provider.opened))
	}
}

func TestManagerStartFailure(t *testing.T) {
	provider := &fakeProvider{openErr: errors.New("cloudflared not found in PATH")}
	m := NewManager(provider, 8188, time.Second, utils.NewDiscardLogsManager())

	_, err := m.Start(context.Background())
	if err == nil {
		t.Fatal("Expected start to fail")
	}
	if !errors.Is(err, types.ErrUnavailable) {
		t.Errorf("Expected unavailable error, got %v", err)
	}

	status := m.Status()
	if status.Status != types.TunnelError || status.Error == "" {
		t.Errorf("Expected error status with message, got %+v", status)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop from error failed: %v", err)
	}
	if got := m.Status().Status; got != types.TunnelStopped {
		t.Errorf("Expected stopped after stop, got %s", got)
	}
}

func TestManagerRestartAfterError(t *testing.T) {
	provider := &fakeProvider{openErr: errors.New("boom")}
	m := NewManager(provider, 8188, time.Second, utils.NewDiscardLogsManager())
	transitions := recordTransitions(m)

	m.Start(context.Background())
	provider.openErr = nil
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Restart after error failed: %v", err)
	}

	expected := []types.TunnelStatus{
		types.TunnelStarting, types.TunnelError,
		types.TunnelStopped, types.TunnelStarting, types.TunnelRunning,
	}
	got := transitions()
	if len(got) != len(expected) {
		t.Fatalf("Expected transitions %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("Expected transitions %v, got %v", expected, got)
		}
	}
}

func TestManagerUnexpectedExit(t *testing.T) {
	provider := &fakeProvider{}
	m := NewManager(provider, 8188, time.Second, utils.NewDiscardLogsManager())

	stopped := make(chan struct{}, 1)
	m.OnStateChange(func(state types.TunnelState) {
		if state.Status == types.TunnelStopped {
			stopped <- struct{}{}
		}
	})

	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	provider.opened[0].Close(context.Background())

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Manager did not notice the tunnel exiting")
	}

	if _, err := m.Start(context.Background()); err != nil {
		t.Errorf("Start after unexpected exit failed: %v", err)
	}
}

func TestManagerStopDuringStart(t *testing.T) {
	provider := &fakeProvider{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	m := NewManager(provider, 8188, 5*time.Second, utils.NewDiscardLogsManager())

	result := make(chan error, 1)
	go func() {
		_, err := m.Start(context.Background())
		result <- err
	}()

	<-provider.entered
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case err := <-result:
		if err == nil {
			t.Error("Expected the interrupted start to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after stop")
	}

	if got := m.Status().Status; got != types.TunnelStopped {
		t.Errorf("Expected stopped, got %s", got)
	}
}

func TestManagerTeardownErrorIgnored(t *testing.T) {
	provider := &fakeProvider{closeErr: errors.New("process did not exit")}
	m := NewManager(provider, 8188, time.Second, utils.NewDiscardLogsManager())

	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Errorf("Teardown errors must not surface from Stop, got %v", err)
	}
	if got := m.Status().Status; got != types.TunnelStopped {
		t.Errorf("Expected stopped, got %s", got)
	}
}

func TestManagerNeverRunningTwice(t *testing.T) {
	m := NewManager(&fakeProvider{}, 8188, time.Second, utils.NewDiscardLogsManager())
	transitions := recordTransitions(m)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			m.Stop(context.Background())
		}()
	}
	wg.Wait()

	last := types.TunnelStopped
	for _, status := range transitions() {
		if status == types.TunnelRunning && last == types.TunnelRunning {
			t.Fatalf("Observed running twice without a stop: %v", transitions())
		}
		if status != types.TunnelStarting {
			last = status
		}
	}
}

func TestCloudflaredProviderScrapesURL(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in requires a POSIX shell")
	}

	script := filepath.Join(t.TempDir(), "cloudflared")
	content := "#!/bin/sh\n" +
		"echo 'INF Requesting new quick Tunnel on trycloudflare.com...' >&2\n" +
		"echo 'INF |  https://quiet-river-1234.trycloudflare.com  |' >&2\n" +
		"exec sleep 30\n"
	if err := os.WriteFile(script, []byte(content), 0755); err != nil {
		t.Fatalf("Failed to write stand-in binary: %v", err)
	}

	cm := utils.NewConfigManagerFromMap(map[string]string{
		"tunnel_binary":     script,
		"tunnel_stop_grace": "1s",
	})
	provider, err := NewCloudflaredProvider(cm, utils.NewDiscardLogsManager())
	if err != nil {
		t.Fatalf("NewCloudflaredProvider failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := provider.Open(ctx, 8188)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if session.URL() != "https://quiet-river-1234.trycloudflare.com" {
		t.Errorf("Unexpected URL %q", session.URL())
	}

	if err := session.Close(context.Background()); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	select {
	case <-session.Done():
	default:
		t.Error("Session should be done after Close")
	}
}

func TestCloudflaredProviderEarlyExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in requires a POSIX shell")
	}

	script := filepath.Join(t.TempDir(), "cloudflared")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho 'ERR failed to connect' >&2\nexit 1\n"), 0755); err != nil {
		t.Fatalf("Failed to write stand-in binary: %v", err)
	}

	cm := utils.NewConfigManagerFromMap(map[string]string{"tunnel_binary": script})
	provider, err := NewCloudflaredProvider(cm, utils.NewDiscardLogsManager())
	if err != nil {
		t.Fatalf("NewCloudflaredProvider failed: %v", err)
	}

	if _, err := provider.Open(context.Background(), 8188); err == nil {
		t.Error("Expected Open to fail when the process exits without a URL")
	}
}
