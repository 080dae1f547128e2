package protocol

const (
	// LatestProtocolVersion is the MCP revision this engine prefers.
	LatestProtocolVersion = "2025-03-26"
	// LegacyProtocolVersion is still accepted during negotiation.
	LegacyProtocolVersion = "2024-11-05"

	// --- Method Name Constants ---

	// Lifecycle and control
	MethodInitialize        = "initialize"
	MethodNotifyInitialized = "notifications/initialized" // Notification
	MethodPing              = "ping"
	MethodNotifyCancelled   = "notifications/cancelled" // Notification
	MethodNotifyProgress    = "notifications/progress"  // Notification

	// Tools
	MethodListTools              = "tools/list"
	MethodCallTool               = "tools/call"
	MethodNotifyToolsListChanged = "notifications/tools/list_changed"

	// Resources
	MethodListResources              = "resources/list"
	MethodListResourceTemplates      = "resources/templates/list"
	MethodReadResource               = "resources/read"
	MethodSubscribeResource          = "resources/subscribe"
	MethodUnsubscribeResource        = "resources/unsubscribe"
	MethodNotifyResourcesListChanged = "notifications/resources/list_changed"
	MethodNotifyResourceUpdated      = "notifications/resources/updated"

	// Prompts
	MethodListPrompts              = "prompts/list"
	MethodGetPrompt                = "prompts/get"
	MethodNotifyPromptsListChanged = "notifications/prompts/list_changed"

	// Logging
	MethodLoggingSetLevel     = "logging/setLevel"
	MethodNotificationMessage = "notifications/message"

	// Completion
	MethodComplete = "completion/complete"

	// Client-side features, invoked by the server
	MethodSamplingCreateMessage  = "sampling/createMessage"
	MethodRootsList              = "roots/list"
	MethodNotifyRootsListChanged = "notifications/roots/list_changed"
)

// SupportedProtocolVersions lists accepted revisions, newest first.
var SupportedProtocolVersions = []string{LatestProtocolVersion, LegacyProtocolVersion}

// IsControlMethod reports whether method is exempt from phase gating
// (everything except Closed).
func IsControlMethod(method string) bool {
	switch method {
	case MethodPing, MethodNotifyInitialized, MethodNotifyCancelled:
		return true
	}
	return false
}
