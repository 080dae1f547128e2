package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Implementation describes the name and version of an MCP implementation (client or server).
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams defines the parameters for the 'initialize' request.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    Capabilities   `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// InitializeResult defines the result payload for a successful 'initialize' response.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    Capabilities   `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

// NegotiateVersion picks the revision the server answers with: the client's
// requested version when supported, otherwise the latest one.
func NegotiateVersion(requested string) string {
	if IsSupportedVersion(requested) {
		return requested
	}
	return LatestProtocolVersion
}

// IsSupportedVersion reports whether version is one this engine speaks.
func IsSupportedVersion(version string) bool {
	for _, v := range SupportedProtocolVersions {
		if v == version {
			return true
		}
	}
	return false
}

// DecodeParams decodes request params into target. Params are first read as
// a generic JSON value; object params are then mapped onto target with
// mapstructure using the json tags, so loosely typed peers (numbers sent as
// strings, for instance) are accepted. Failures are InvalidParams errors.
func DecodeParams(params json.RawMessage, target any) error {
	if len(params) == 0 {
		return NewInvalidParamsError("missing params")
	}
	var generic any
	if err := json.Unmarshal(params, &generic); err != nil {
		return NewInvalidParamsError(fmt.Sprintf("params are not valid JSON: %v", err))
	}
	if _, isObject := generic.(map[string]any); !isObject {
		if err := json.Unmarshal(params, target); err != nil {
			return NewInvalidParamsError(err.Error())
		}
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           target,
		DecodeHook:       jsonUnmarshalerHook,
	})
	if err != nil {
		return NewInternalError(fmt.Sprintf("params decoder: %v", err))
	}
	if err := decoder.Decode(generic); err != nil {
		return NewInvalidParamsError(err.Error())
	}
	return nil
}

var unmarshalerType = reflect.TypeOf((*json.Unmarshaler)(nil)).Elem()

// jsonUnmarshalerHook hands values destined for json.Unmarshaler fields
// (RequestID, json.RawMessage) back to encoding/json.
func jsonUnmarshalerHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to.Kind() == reflect.Pointer || !reflect.PointerTo(to).Implements(unmarshalerType) {
		return data, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	target := reflect.New(to)
	if err := target.Interface().(json.Unmarshaler).UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return target.Elem().Interface(), nil
}
