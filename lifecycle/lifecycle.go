// Package lifecycle implements the per-connection MCP state machine:
//
//	Uninitialized -> Initializing -> Operational -> ShuttingDown -> Closed
//
// It gates which methods may be sent or received in each phase and holds the
// capability set negotiated during initialize. Transitions only move forward.
package lifecycle

import (
	"fmt"
	"sync"

	"github.com/localrivet/mcprpc/protocol"
)

// Phase is a connection phase.
type Phase int32

const (
	Uninitialized Phase = iota
	Initializing
	Operational
	ShuttingDown
	Closed
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "Uninitialized"
	case Initializing:
		return "Initializing"
	case Operational:
		return "Operational"
	case ShuttingDown:
		return "ShuttingDown"
	case Closed:
		return "Closed"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// Role says which side of the initialize exchange a connection plays.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// TransitionFunc observes phase changes. It runs synchronously after the
// change, outside the machine's lock.
type TransitionFunc func(from, to Phase)

// Machine is the connection state. All methods are safe for concurrent use.
type Machine struct {
	mu         sync.Mutex
	phase      Phase
	negotiated protocol.FeatureSet
	version    string
	peer       protocol.Implementation
	observers  []TransitionFunc
	closed     chan struct{}
}

// New returns a machine in the Uninitialized phase.
func New() *Machine {
	return &Machine{closed: make(chan struct{})}
}

// OnTransition registers an observer.
func (m *Machine) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Done is closed when the machine reaches Closed.
func (m *Machine) Done() <-chan struct{} { return m.closed }

// Negotiated returns the capability intersection and whether initialize
// has completed.
func (m *Machine) Negotiated() (protocol.FeatureSet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.negotiated, m.phase >= Operational
}

// ProtocolVersion returns the version agreed during initialize.
func (m *Machine) ProtocolVersion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Peer returns the peer's clientInfo or serverInfo.
func (m *Machine) Peer() protocol.Implementation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

// BeginInitialize moves Uninitialized to Initializing when initialize is
// sent or received. Any other starting phase is a PhaseViolation.
func (m *Machine) BeginInitialize() error {
	return m.transition(Initializing, func(from Phase) error {
		if from != Uninitialized {
			return protocol.NewPhaseViolationError(protocol.MethodInitialize, from.String())
		}
		return nil
	})
}

// CompleteInitialize moves Initializing to Operational and fixes the
// negotiated capabilities for the rest of the connection.
func (m *Machine) CompleteInitialize(negotiated protocol.FeatureSet, version string, peer protocol.Implementation) error {
	return m.transition(Operational, func(from Phase) error {
		if from != Initializing {
			return fmt.Errorf("lifecycle: cannot complete initialize in phase %s", from)
		}
		m.negotiated = negotiated
		m.version = version
		m.peer = peer
		return nil
	})
}

// BeginShutdown moves any live phase to ShuttingDown. It reports whether
// this call made the change.
func (m *Machine) BeginShutdown() bool {
	err := m.transition(ShuttingDown, func(from Phase) error {
		if from >= ShuttingDown {
			return fmt.Errorf("lifecycle: already %s", from)
		}
		return nil
	})
	return err == nil
}

// Close moves any phase to Closed. It reports whether this call made the change.
func (m *Machine) Close() bool {
	err := m.transition(Closed, func(from Phase) error {
		if from == Closed {
			return fmt.Errorf("lifecycle: already closed")
		}
		return nil
	})
	return err == nil
}

func (m *Machine) transition(to Phase, guard func(from Phase) error) error {
	m.mu.Lock()
	from := m.phase
	if err := guard(from); err != nil {
		m.mu.Unlock()
		return err
	}
	m.phase = to
	if to == Closed {
		close(m.closed)
	}
	observers := append([]TransitionFunc(nil), m.observers...)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(from, to)
	}
	return nil
}

// Check reports whether method may be exchanged in the current phase, in
// either direction. It returns a PhaseViolation or CapabilityNotSupported
// *protocol.MCPError, or nil.
//
// Control methods (ping, notifications/initialized, notifications/cancelled)
// are allowed until Closed. initialize is allowed only while Uninitialized.
// Everything else requires Operational and, when the method belongs to a
// feature, that the feature was negotiated.
func (m *Machine) Check(method string) error {
	m.mu.Lock()
	phase, negotiated := m.phase, m.negotiated
	m.mu.Unlock()

	switch {
	case phase == Closed:
		return protocol.NewPhaseViolationError(method, phase.String())
	case protocol.IsControlMethod(method):
		return nil
	case method == protocol.MethodInitialize:
		if phase != Uninitialized {
			return protocol.NewPhaseViolationError(method, phase.String())
		}
		return nil
	case phase != Operational:
		return protocol.NewPhaseViolationError(method, phase.String())
	}

	if feature, gated := protocol.FeatureForMethod(method); gated && !negotiated.Has(feature) {
		return protocol.NewCapabilityNotSupportedError(method, feature.String())
	}
	return nil
}
