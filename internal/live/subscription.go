package live

import (
	"context"
	"sync"

	"github.com/dunamismax/reimagine/internal/domain"
)

// Subscription is one registered connection. Writes to it are serialized so
// messages arrive in notify order.
type Subscription struct {
	id    uint64
	jobID string
	conn  Conn

	mu       sync.Mutex
	sent     bool
	last     domain.Status
	done     chan struct{}
	doneOnce sync.Once
}

func (s *Subscription) JobID() string {
	return s.jobID
}

// Done is closed once a terminal status has been delivered or the
// subscription was removed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Send writes msg to the connection outside of a notify, keeping it ordered
// with registry deliveries.
func (s *Subscription) Send(ctx context.Context, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteText(ctx, msg)
}

func (s *Subscription) deliver(ctx context.Context, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	default:
	}

	// Notifies for one job can race; a client never steps back a rank.
	status, err := domain.ParseStatus(msg)
	isStatus := err == nil
	if isStatus && s.sent && status.Rank() < s.last.Rank() {
		return nil
	}

	if err := s.conn.WriteText(ctx, msg); err != nil {
		return err
	}
	if isStatus {
		s.sent, s.last = true, status
		if status.Terminal() {
			s.finish()
		}
	}
	return nil
}

func (s *Subscription) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// IsTerminalMessage reports whether msg is a terminal status signal.
func IsTerminalMessage(msg string) bool {
	status, err := domain.ParseStatus(msg)
	return err == nil && status.Terminal()
}
