// Package lifecycle implements the canonical connection state machine shared
// by every provider.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"wagate/internal/clock"
	"wagate/internal/domain"
)

// ErrInvalidTransition is returned for edges the state machine forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// edges lists the allowed single-step transitions. qr_pending deliberately
// has no edge to connected: pairing must be acknowledged by connecting first.
var edges = map[domain.Status][]domain.Status{
	domain.StatusDisconnected: {domain.StatusConnecting},
	domain.StatusConnecting:   {domain.StatusQRPending, domain.StatusConnected, domain.StatusDisconnected, domain.StatusError},
	domain.StatusQRPending:    {domain.StatusConnecting, domain.StatusQRPending, domain.StatusDisconnected, domain.StatusError},
	domain.StatusConnected:    {domain.StatusDisconnected, domain.StatusError},
	domain.StatusError:        {domain.StatusDisconnected, domain.StatusConnecting},
}

// Allowed reports whether from -> to is a legal single step.
func Allowed(from, to domain.Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Path returns the legal steps that lead from -> to, excluding from itself.
// It is empty when from == to and nil when no path of length two exists.
func Path(from, to domain.Status) []domain.Status {
	if from == to {
		return []domain.Status{}
	}
	if Allowed(from, to) {
		return []domain.Status{to}
	}
	for _, mid := range edges[from] {
		if Allowed(mid, to) {
			return []domain.Status{mid, to}
		}
	}
	return nil
}

// Change describes one applied transition.
type Change struct {
	From domain.Status
	To   domain.Status
	// QR is the payload held after the transition.
	QR   string
	At   time.Time
}

// Machine holds one session's canonical status and QR payload.
type Machine struct {
	mu     sync.Mutex
	status domain.Status
	qr     string
	since  time.Time
	clk    clock.Clock
}

// New returns a machine resting in disconnected.
func New(clk clock.Clock) *Machine {
	if clk == nil {
		clk = clock.Real()
	}
	return &Machine{status: domain.StatusDisconnected, clk: clk, since: clk.Now()}
}

// Status returns the current status and QR payload.
func (m *Machine) Status() (domain.Status, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.qr
}

// Since returns when the current status was entered.
func (m *Machine) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Transition applies a single step. qr is only consulted when entering
// qr_pending. Transitioning to the current status is a no-op that returns
// ok=false, except qr_pending -> qr_pending with a new code, which refreshes
// the payload.
func (m *Machine) Transition(to domain.Status, qr string) (Change, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stepLocked(to, qr)
}

// Drive walks the shortest legal path to the target status, returning every
// step applied. It is how qr_pending reaches connected via connecting.
func (m *Machine) Drive(to domain.Status, qr string) ([]Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == to && to != domain.StatusQRPending {
		return nil, nil
	}
	path := Path(m.status, to)
	if to == domain.StatusQRPending && m.status == to {
		path = []domain.Status{to}
	}
	if path == nil {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.status, to)
	}

	var applied []Change
	for _, step := range path {
		c, ok, err := m.stepLocked(step, qr)
		if err != nil {
			return applied, err
		}
		if ok {
			applied = append(applied, c)
		}
	}
	return applied, nil
}

// Force moves to disconnected from any status. Used by stop.
func (m *Machine) Force() (Change, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == domain.StatusDisconnected && m.qr == "" {
		return Change{}, false
	}
	c := Change{From: m.status, To: domain.StatusDisconnected, At: m.clk.Now()}
	m.status, m.qr, m.since = domain.StatusDisconnected, "", c.At
	return c, true
}

func (m *Machine) stepLocked(to domain.Status, qr string) (Change, bool, error) {
	from := m.status
	if from == to && (to != domain.StatusQRPending || qr == m.qr) {
		return Change{}, false, nil
	}
	if !Allowed(from, to) {
		return Change{}, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	switch to {
	case domain.StatusQRPending:
		m.qr = qr
	case domain.StatusConnecting:
		// keep the QR visible through the pairing handshake
	default:
		m.qr = ""
	}
	m.status = to
	m.since = m.clk.Now()
	return Change{From: from, To: to, QR: m.qr, At: m.since}, true, nil
}
