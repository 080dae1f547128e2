package lifecycle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/mcprpc/protocol"
)

func TestForwardTransitions(t *testing.T) {
	m := New()
	var seen []string
	m.OnTransition(func(from, to Phase) { seen = append(seen, from.String()+"->"+to.String()) })

	assert.Equal(t, Uninitialized, m.Phase())
	require.NoError(t, m.BeginInitialize())
	require.NoError(t, m.CompleteInitialize(protocol.NewFeatureSet(protocol.FeatureTools), protocol.LatestProtocolVersion,
		protocol.Implementation{Name: "peer", Version: "1"}))
	assert.Equal(t, Operational, m.Phase())
	assert.Equal(t, protocol.LatestProtocolVersion, m.ProtocolVersion())
	assert.Equal(t, "peer", m.Peer().Name)

	assert.True(t, m.BeginShutdown())
	assert.False(t, m.BeginShutdown())
	assert.True(t, m.Close())
	assert.False(t, m.Close())

	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.Equal(t, []string{
		"Uninitialized->Initializing",
		"Initializing->Operational",
		"Operational->ShuttingDown",
		"ShuttingDown->Closed",
	}, seen)
}

func TestTransitionsAreNotReversible(t *testing.T) {
	m := New()
	require.NoError(t, m.BeginInitialize())

	err := m.BeginInitialize()
	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.CodePhaseViolation))

	require.NoError(t, m.CompleteInitialize(0, protocol.LatestProtocolVersion, protocol.Implementation{}))
	assert.Error(t, m.CompleteInitialize(0, protocol.LatestProtocolVersion, protocol.Implementation{}))
	assert.Error(t, m.BeginInitialize())
}

func TestCompleteRequiresInitializing(t *testing.T) {
	m := New()
	assert.Error(t, m.CompleteInitialize(0, "", protocol.Implementation{}))
	assert.Equal(t, Uninitialized, m.Phase())
}

func TestCloseFromAnyPhase(t *testing.T) {
	m := New()
	assert.True(t, m.Close())
	assert.Equal(t, Closed, m.Phase())
	assert.False(t, m.BeginShutdown())
	assert.Error(t, m.BeginInitialize())
}

func TestCheckGatesByPhase(t *testing.T) {
	m := New()

	err := m.Check(protocol.MethodCallTool)
	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.CodePhaseViolation))

	assert.NoError(t, m.Check(protocol.MethodInitialize))
	assert.NoError(t, m.Check(protocol.MethodPing))
	assert.NoError(t, m.Check(protocol.MethodNotifyCancelled))

	require.NoError(t, m.BeginInitialize())
	assert.True(t, protocol.IsCode(m.Check(protocol.MethodInitialize), protocol.CodePhaseViolation))
	assert.True(t, protocol.IsCode(m.Check(protocol.MethodCallTool), protocol.CodePhaseViolation))
	assert.NoError(t, m.Check(protocol.MethodNotifyInitialized))

	require.NoError(t, m.CompleteInitialize(protocol.NewFeatureSet(protocol.FeatureTools), protocol.LatestProtocolVersion, protocol.Implementation{}))
	assert.NoError(t, m.Check(protocol.MethodCallTool))
	assert.NoError(t, m.Check("custom/extension"), "ungated methods pass once operational")

	m.BeginShutdown()
	assert.True(t, protocol.IsCode(m.Check(protocol.MethodCallTool), protocol.CodePhaseViolation))
	assert.NoError(t, m.Check(protocol.MethodPing))

	m.Close()
	assert.True(t, protocol.IsCode(m.Check(protocol.MethodPing), protocol.CodePhaseViolation))
}

func TestCheckGatesByNegotiatedCapability(t *testing.T) {
	client := protocol.CapabilitiesFor(protocol.NewFeatureSet(protocol.FeatureResources, protocol.FeatureTools))
	server := protocol.CapabilitiesFor(protocol.NewFeatureSet(protocol.FeatureTools, protocol.FeaturePrompts))

	m := New()
	require.NoError(t, m.BeginInitialize())
	require.NoError(t, m.CompleteInitialize(protocol.Negotiate(client, server), protocol.LatestProtocolVersion, protocol.Implementation{}))

	negotiated, done := m.Negotiated()
	assert.True(t, done)
	assert.Equal(t, protocol.NewFeatureSet(protocol.FeatureTools), negotiated)

	assert.NoError(t, m.Check(protocol.MethodListTools))

	err := m.Check(protocol.MethodReadResource)
	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.CodeCapabilityNotSupported))
	assert.Contains(t, err.Error(), "resources")

	assert.True(t, protocol.IsCode(m.Check(protocol.MethodGetPrompt), protocol.CodeCapabilityNotSupported))
}

func TestConcurrentCloseIsSafe(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	wins := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- m.Close()
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for w := range wins {
		if w {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
