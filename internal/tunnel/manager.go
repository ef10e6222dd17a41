package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

// Session is an established tunnel
type Session interface {
	URL() string
	// Done is closed once the tunnel is gone, whether closed or exited on its own
	Done() <-chan struct{}
	Close(ctx context.Context) error
}

// Provider establishes tunnels to a local port
type Provider interface {
	Name() string
	Open(ctx context.Context, port int) (Session, error)
}

// Manager owns the single process-wide tunnel and its state machine:
// stopped -> starting -> running -> stopped, starting -> error -> stopped.
type Manager struct {
	mu           sync.Mutex
	state        types.TunnelState
	provider     Provider
	session      Session
	startCancel  context.CancelFunc
	generation   uint64
	startTimeout time.Duration
	logger       *utils.LogsManager
	listeners    []func(types.TunnelState)
}

func NewManager(provider Provider, port int, startTimeout time.Duration, logger *utils.LogsManager) *Manager {
	if startTimeout <= 0 {
		startTimeout = 30 * time.Second
	}
	return &Manager{
		state:        types.TunnelState{Status: types.TunnelStopped, Port: port},
		provider:     provider,
		startTimeout: startTimeout,
		logger:       logger,
	}
}

// OnStateChange registers a callback invoked after every transition, in transition order
func (m *Manager) OnStateChange(listener func(types.TunnelState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Status returns the current snapshot
func (m *Manager) Status() types.TunnelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// setState must be called with mu held. Listeners run synchronously under the lock so
// observers see transitions in order; they must not call back into the manager.
func (m *Manager) setState(state types.TunnelState) {
	m.state = state
	for _, listener := range m.listeners {
		listener(state)
	}
}

// Start establishes the tunnel and returns its public URL. A start while starting or
// running is rejected with ErrAlreadyRunning.
// The caller's context going away does not abort the start, only Stop does.
func (m *Manager) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	switch m.state.Status {
	case types.TunnelRunning, types.TunnelStarting:
		m.mu.Unlock()
		return "", types.ErrAlreadyRunning
	case types.TunnelError:
		m.setState(types.TunnelState{Status: types.TunnelStopped, Port: m.state.Port})
	}

	m.generation++
	generation := m.generation
	port := m.state.Port
	openCtx, cancel := context.WithTimeout(context.Background(), m.startTimeout)
	m.startCancel = cancel
	m.setState(types.TunnelState{Status: types.TunnelStarting, Port: port})
	m.mu.Unlock()

	m.logger.Info(fmt.Sprintf("Starting %s tunnel for local port %d", m.provider.Name(), port), "tunnel")

	session, err := m.provider.Open(openCtx, port)
	cancel()

	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		if session != nil {
			m.closeSession(session)
		}
		return "", types.Unavailable("tunnel start was cancelled by stop")
	}
	m.startCancel = nil

	if err != nil {
		m.setState(types.TunnelState{Status: types.TunnelError, Port: port, Error: err.Error()})
		m.mu.Unlock()
		m.logger.Error(fmt.Sprintf("Tunnel failed to start: %v", err), "tunnel")
		return "", types.Wrap(types.ErrorKindUnavailable, err, "failed to start tunnel")
	}

	now := time.Now()
	m.session = session
	m.setState(types.TunnelState{Status: types.TunnelRunning, URL: session.URL(), Port: port, StartedAt: &now})
	m.mu.Unlock()

	m.logger.Info(fmt.Sprintf("Tunnel running at %s", session.URL()), "tunnel")
	go m.watch(generation, session)

	return session.URL(), nil
}

// watch moves a running tunnel to stopped when its process exits on its own
func (m *Manager) watch(generation uint64, session Session) {
	<-session.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != generation || m.state.Status != types.TunnelRunning {
		return
	}

	m.logger.Warn("Tunnel exited unexpectedly", "tunnel")
	m.generation++
	m.session = nil
	m.setState(types.TunnelState{Status: types.TunnelStopped, Port: m.state.Port})
}

// Stop tears the tunnel down. Stopping a stopped tunnel succeeds. Teardown failures are
// logged and never returned: the state always ends in stopped.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Status == types.TunnelStopped {
		m.mu.Unlock()
		return nil
	}

	m.generation++
	session := m.session
	m.session = nil
	if m.startCancel != nil {
		m.startCancel()
		m.startCancel = nil
	}
	m.setState(types.TunnelState{Status: types.TunnelStopped, Port: m.state.Port})
	m.mu.Unlock()

	if session != nil {
		m.logger.Info("Stopping tunnel", "tunnel")
		if err := session.Close(ctx); err != nil {
			m.logger.Warn(fmt.Sprintf("Tunnel teardown incomplete: %v", err), "tunnel")
		}
	}

	return nil
}

func (m *Manager) closeSession(session Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := session.Close(ctx); err != nil {
		m.logger.Warn(fmt.Sprintf("Failed to close abandoned tunnel: %v", err), "tunnel")
	}
}
