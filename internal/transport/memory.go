package transport

import (
	"context"
	"sync"

	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"go.uber.org/zap"
)

// MemoryName is the registry name of the in-process transport.
const MemoryName = "memory"

func init() {
	Register(MemoryName, func(opts Options) (Adapter, error) {
		return NewMemoryAdapter(opts.logger(MemoryName)), nil
	})
}

type memoryMessage struct {
	channel string
	body    []byte
}

// MemoryAdapter is a single-node transport. Publish only queues; handlers run
// on a dispatcher goroutine, never inside the publisher's call stack, so a
// handler that publishes cannot grow the stack.
type MemoryAdapter struct {
	log *zap.Logger

	mu        sync.Mutex
	handlers  map[string]Handler
	queue     []memoryMessage
	connected bool
	signal    chan struct{}
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewMemoryAdapter returns a disconnected in-process adapter.
func NewMemoryAdapter(log *zap.Logger) *MemoryAdapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryAdapter{
		log:      log,
		handlers: make(map[string]Handler),
	}
}

func (m *MemoryAdapter) Name() string { return MemoryName }

func (m *MemoryAdapter) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return nil
	}
	m.connected = true
	m.signal = make(chan struct{}, 1)
	m.done = make(chan struct{})
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.run(m.ctx, m.signal, m.done)
	m.log.Info("in-process transport ready")
	return nil
}

// Disconnect stops the dispatcher. Messages still queued are discarded.
func (m *MemoryAdapter) Disconnect(_ context.Context) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = false
	close(m.done)
	m.cancel()
	m.queue = nil
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

func (m *MemoryAdapter) Publish(_ context.Context, channel string, msg []byte) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return relayerrors.ErrTransportUnavailable
	}
	m.queue = append(m.queue, memoryMessage{channel: channel, body: msg})
	signal := m.signal
	m.mu.Unlock()

	select {
	case signal <- struct{}{}:
	default:
	}
	return nil
}

func (m *MemoryAdapter) Subscribe(_ context.Context, channel string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[channel] = h
	return nil
}

func (m *MemoryAdapter) Unsubscribe(_ context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, channel)
	return nil
}

func (m *MemoryAdapter) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MemoryAdapter) run(ctx context.Context, signal <-chan struct{}, done <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-done:
			return
		case <-signal:
		}
		for {
			msg, h, ok := m.next()
			if !ok {
				break
			}
			if h == nil {
				continue
			}
			if err := invoke(ctx, h, msg.body); err != nil {
				m.log.Warn("handler failed", zap.String("channel", msg.channel), zap.Error(err))
			}
		}
	}
}

func (m *MemoryAdapter) next() (memoryMessage, Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected || len(m.queue) == 0 {
		return memoryMessage{}, nil, false
	}
	msg := m.queue[0]
	m.queue[0] = memoryMessage{}
	m.queue = m.queue[1:]
	return msg, m.handlers[msg.channel], true
}
