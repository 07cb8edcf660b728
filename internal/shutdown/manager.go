package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"doc-rectifier/internal/logger"

	"go.uber.org/multierr"
)

const DefaultTimeout = 10 * time.Second

type Shutdownable interface {
	Shutdown() error
}

// Func adapts a close function to Shutdownable.
type Func func() error

func (f Func) Shutdown() error { return f() }

type component struct {
	name string
	c    Shutdownable
}

type Manager struct {
	components []component
	logger     logger.Logger
	timeout    time.Duration
	mu         sync.Mutex
	done       chan struct{}
	err        error
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewManager(log logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		logger:  log,
		timeout: DefaultTimeout,
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (m *Manager) SetTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
}

func (m *Manager) Register(name string, c Shutdownable) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.components = append(m.components, component{name: name, c: c})
}

// Listen cancels Context on the first interrupt or SIGTERM. A second signal
// runs the shutdown sequence immediately.
func (m *Manager) Listen() {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			m.logger.Info("ShutdownManager", "shutdown signal received", map[string]interface{}{
				"signal": sig.String(),
			})
			m.cancel()
		case <-m.done:
			return
		}

		select {
		case <-sigChan:
			m.Shutdown()
		case <-m.done:
		}
	}()
}

// Shutdown cancels Context and shuts components down in reverse registration
// order. It runs once; later calls return the first result.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.done:
		return m.err
	default:
		close(m.done)
	}

	m.logger.Info("ShutdownManager", "shutdown sequence initiated", map[string]interface{}{
		"components": len(m.components),
	})

	m.cancel()

	var errs error
	for i := len(m.components) - 1; i >= 0; i-- {
		comp := m.components[i]

		result := make(chan error, 1)
		go func() {
			result <- comp.c.Shutdown()
		}()

		select {
		case err := <-result:
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", comp.name, err))
			}
		case <-time.After(m.timeout):
			m.logger.Warning("ShutdownManager", "component shutdown timeout", map[string]interface{}{
				"component": comp.name,
			})
			errs = multierr.Append(errs, fmt.Errorf("%s: shutdown timed out after %s", comp.name, m.timeout))
		}
	}

	m.err = errs
	if errs != nil {
		m.logger.Error("ShutdownManager", errs, nil)
	}
	m.logger.Info("ShutdownManager", "shutdown sequence completed", nil)
	return errs
}

func (m *Manager) Context() context.Context {
	return m.ctx
}

func (m *Manager) Done() <-chan struct{} {
	return m.done
}
