package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateIntersectsFeatures(t *testing.T) {
	client := CapabilitiesFor(NewFeatureSet(FeatureResources, FeatureTools))
	server := CapabilitiesFor(NewFeatureSet(FeatureTools, FeaturePrompts))

	negotiated := Negotiate(client, server)
	assert.True(t, negotiated.Has(FeatureTools))
	assert.False(t, negotiated.Has(FeatureResources))
	assert.False(t, negotiated.Has(FeaturePrompts))
	assert.Equal(t, []string{"tools"}, negotiated.Names())
	assert.Equal(t, "{tools}", negotiated.String())
}

func TestCapabilitiesSerialization(t *testing.T) {
	caps := CapabilitiesFor(NewFeatureSet(FeatureLogging, FeatureTools))
	data, err := json.Marshal(caps)
	require.NoError(t, err)
	assert.JSONEq(t, `{"logging":{},"tools":{}}`, string(data))

	var decoded Capabilities
	require.NoError(t, json.Unmarshal([]byte(`{"resources":{"subscribe":true},"sampling":{}}`), &decoded))
	assert.Equal(t, NewFeatureSet(FeatureResources, FeatureSampling), decoded.Features())
	assert.True(t, decoded.Resources.Subscribe)
	assert.Nil(t, decoded.Tools)
}

func TestParseCapabilities(t *testing.T) {
	caps, err := ParseCapabilities([]string{"tools", "Prompts"})
	require.NoError(t, err)
	assert.Equal(t, NewFeatureSet(FeatureTools, FeaturePrompts), caps.Features())

	_, err = ParseCapabilities([]string{"teleportation"})
	assert.Error(t, err)
}

func TestFeatureForMethod(t *testing.T) {
	tests := []struct {
		method  string
		feature Feature
		gated   bool
	}{
		{MethodCallTool, FeatureTools, true},
		{MethodNotifyToolsListChanged, FeatureTools, true},
		{MethodReadResource, FeatureResources, true},
		{MethodListResourceTemplates, FeatureResources, true},
		{MethodNotifyResourceUpdated, FeatureResources, true},
		{MethodGetPrompt, FeaturePrompts, true},
		{MethodLoggingSetLevel, FeatureLogging, true},
		{MethodNotificationMessage, FeatureLogging, true},
		{MethodComplete, FeatureCompletions, true},
		{MethodSamplingCreateMessage, FeatureSampling, true},
		{MethodRootsList, FeatureRoots, true},
		{MethodPing, 0, false},
		{MethodInitialize, 0, false},
		{"custom/method", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			feature, gated := FeatureForMethod(tt.method)
			assert.Equal(t, tt.gated, gated)
			assert.Equal(t, tt.feature, feature)
		})
	}
}

func TestIsControlMethod(t *testing.T) {
	assert.True(t, IsControlMethod(MethodPing))
	assert.True(t, IsControlMethod(MethodNotifyInitialized))
	assert.True(t, IsControlMethod(MethodNotifyCancelled))
	assert.False(t, IsControlMethod(MethodInitialize))
	assert.False(t, IsControlMethod(MethodCallTool))
}

func TestNegotiateVersion(t *testing.T) {
	assert.Equal(t, LatestProtocolVersion, NegotiateVersion(LatestProtocolVersion))
	assert.Equal(t, LegacyProtocolVersion, NegotiateVersion(LegacyProtocolVersion))
	assert.Equal(t, LatestProtocolVersion, NegotiateVersion("1999-01-01"))
	assert.Equal(t, LatestProtocolVersion, NegotiateVersion(""))
}

func TestDecodeParams(t *testing.T) {
	var cancelled CancelledParams
	require.NoError(t, DecodeParams(json.RawMessage(`{"requestId":7,"reason":"user abort"}`), &cancelled))
	assert.Equal(t, NewNumberID(7), cancelled.RequestID)
	assert.Equal(t, "user abort", cancelled.Reason)

	require.NoError(t, DecodeParams(json.RawMessage(`{"requestId":"req-9"}`), &cancelled))
	assert.Equal(t, NewStringID("req-9"), cancelled.RequestID)

	var call CallToolParams
	require.NoError(t, DecodeParams(json.RawMessage(`{"name":"echo","arguments":{"text":"hi"}}`), &call))
	assert.Equal(t, "echo", call.Name)
	assert.JSONEq(t, `{"text":"hi"}`, string(call.Arguments))

	var init InitializeParams
	require.NoError(t, DecodeParams(json.RawMessage(`{
		"protocolVersion":"2025-03-26",
		"capabilities":{"tools":{"listChanged":true},"roots":{}},
		"clientInfo":{"name":"test-client","version":"1.0.0"}
	}`), &init))
	assert.Equal(t, LatestProtocolVersion, init.ProtocolVersion)
	assert.Equal(t, NewFeatureSet(FeatureTools, FeatureRoots), init.Capabilities.Features())
	assert.True(t, init.Capabilities.Tools.ListChanged)
	assert.Equal(t, "test-client", init.ClientInfo.Name)

	err := DecodeParams(nil, &call)
	assert.True(t, IsCode(err, CodeInvalidParams))

	err = DecodeParams(json.RawMessage(`{"name":["not","a","string"]}`), &call)
	assert.True(t, IsCode(err, CodeInvalidParams))
}
