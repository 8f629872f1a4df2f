// Package protocol defines the wire messages exchanged between fleet
// agents and the framing used to carry them over TCP.
//
// Requests and responses are tagged unions. The encoding is pinned so
// that independently deployed agents interoperate across versions:
//
//	variant without payload -> bare JSON string tag:      "Ping"
//	variant with payload    -> single-key JSON object:    {"ExecuteCommand":{...}}
//
// Each frame is a 4-byte big-endian length prefix followed by the JSON
// payload. One message per call; the codec never pipelines.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MaxRequestBytes caps the size of an inbound request frame.
	MaxRequestBytes = 4096
	// MaxResponseBytes caps the size of an inbound response frame.
	MaxResponseBytes = 8192
)

var (
	// ErrMessageTooLarge indicates a frame exceeds the configured cap.
	ErrMessageTooLarge = errors.New("protocol: message exceeds max size")
	// ErrUnknownVariant indicates an unrecognized union tag.
	ErrUnknownVariant = errors.New("protocol: unknown message variant")
	// ErrMalformedMessage indicates bytes that do not decode to a valid message.
	ErrMalformedMessage = errors.New("protocol: malformed message")
)

// RequestKind discriminates Request variants.
type RequestKind string

const (
	KindPing           RequestKind = "Ping"
	KindGetHostInfo    RequestKind = "GetHostInfo"
	KindExecuteCommand RequestKind = "ExecuteCommand"
	KindSyncConfig     RequestKind = "SyncConfig"
	KindSyncDatabase   RequestKind = "SyncDatabase"
)

// ResponseKind discriminates Response variants.
type ResponseKind string

const (
	KindPong     ResponseKind = "Pong"
	KindHostInfo ResponseKind = "HostInfo"
	KindSuccess  ResponseKind = "Success"
	KindError    ResponseKind = "Error"
)

// HostInfo is a snapshot an agent reports about its own host.
type HostInfo struct {
	Hostname           string `json:"hostname"`
	LocalIP            string `json:"local_ip,omitempty"`
	TailscaleIP        string `json:"tailscale_ip,omitempty"`
	TailscaleHostname  string `json:"tailscale_hostname,omitempty"`
	DockerVersion      string `json:"docker_version,omitempty"`
	TailscaleInstalled bool   `json:"tailscale_installed"`
	PortainerInstalled bool   `json:"portainer_installed"`
}

// ExecuteCommandPayload carries a remote command invocation.
type ExecuteCommandPayload struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Token   string   `json:"token"`
}

// SyncConfigPayload carries opaque configuration bytes.
type SyncConfigPayload struct {
	Data []byte `json:"data"`
}

// SyncDatabasePayload requests a configuration snapshot from a peer.
//
// LastSync is accepted for forward compatibility but servers currently
// return a full snapshot regardless of its value.
type SyncDatabasePayload struct {
	FromHostname string `json:"from_hostname"`
	LastSync     *int64 `json:"last_sync"`
}

// Request is one message from client to server. Exactly one payload
// pointer is set for payload-carrying kinds; none for Ping/GetHostInfo.
type Request struct {
	Kind           RequestKind
	ExecuteCommand *ExecuteCommandPayload
	SyncConfig     *SyncConfigPayload
	SyncDatabase   *SyncDatabasePayload
}

// Response is one message from server to client.
type Response struct {
	Kind     ResponseKind
	HostInfo *HostInfo
	Output   string
	Message  string
}

// PingRequest builds a Ping request.
func PingRequest() Request {
	return Request{Kind: KindPing}
}

// GetHostInfoRequest builds a GetHostInfo request.
func GetHostInfoRequest() Request {
	return Request{Kind: KindGetHostInfo}
}

// ExecuteCommandRequest builds an ExecuteCommand request.
func ExecuteCommandRequest(command string, args []string, token string) Request {
	if args == nil {
		args = []string{}
	}
	return Request{
		Kind: KindExecuteCommand,
		ExecuteCommand: &ExecuteCommandPayload{
			Command: command,
			Args:    args,
			Token:   token,
		},
	}
}

// SyncConfigRequest builds a SyncConfig request.
func SyncConfigRequest(data []byte) Request {
	return Request{
		Kind:       KindSyncConfig,
		SyncConfig: &SyncConfigPayload{Data: data},
	}
}

// SyncDatabaseRequest builds a SyncDatabase request.
func SyncDatabaseRequest(fromHostname string, lastSync *int64) Request {
	return Request{
		Kind: KindSyncDatabase,
		SyncDatabase: &SyncDatabasePayload{
			FromHostname: fromHostname,
			LastSync:     lastSync,
		},
	}
}

// PongResponse builds a Pong response.
func PongResponse() Response {
	return Response{Kind: KindPong}
}

// HostInfoResponse builds a HostInfo response.
func HostInfoResponse(info HostInfo) Response {
	return Response{Kind: KindHostInfo, HostInfo: &info}
}

// SuccessResponse builds a Success response with captured output.
func SuccessResponse(output string) Response {
	return Response{Kind: KindSuccess, Output: output}
}

// ErrorResponse builds an Error response with a message.
func ErrorResponse(message string) Response {
	return Response{Kind: KindError, Message: message}
}

// MarshalJSON encodes a Request in the pinned externally-tagged form.
func (r Request) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindPing, KindGetHostInfo:
		return json.Marshal(string(r.Kind))
	case KindExecuteCommand:
		if r.ExecuteCommand == nil {
			return nil, fmt.Errorf("%w: ExecuteCommand payload missing", ErrMalformedMessage)
		}
		return json.Marshal(map[string]*ExecuteCommandPayload{string(r.Kind): r.ExecuteCommand})
	case KindSyncConfig:
		if r.SyncConfig == nil {
			return nil, fmt.Errorf("%w: SyncConfig payload missing", ErrMalformedMessage)
		}
		return json.Marshal(map[string]*SyncConfigPayload{string(r.Kind): r.SyncConfig})
	case KindSyncDatabase:
		if r.SyncDatabase == nil {
			return nil, fmt.Errorf("%w: SyncDatabase payload missing", ErrMalformedMessage)
		}
		return json.Marshal(map[string]*SyncDatabasePayload{string(r.Kind): r.SyncDatabase})
	default:
		return nil, fmt.Errorf("%w: request kind %q", ErrUnknownVariant, r.Kind)
	}
}

// UnmarshalJSON decodes a Request from the pinned externally-tagged form.
func (r *Request) UnmarshalJSON(data []byte) error {
	var tag string
	if err := json.Unmarshal(data, &tag); err == nil {
		switch RequestKind(tag) {
		case KindPing, KindGetHostInfo:
			*r = Request{Kind: RequestKind(tag)}
			return nil
		default:
			return fmt.Errorf("%w: request tag %q", ErrUnknownVariant, tag)
		}
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("%w: expected exactly one variant key, got %d", ErrMalformedMessage, len(tagged))
	}

	for key, raw := range tagged {
		switch RequestKind(key) {
		case KindExecuteCommand:
			payload := &ExecuteCommandPayload{}
			if err := json.Unmarshal(raw, payload); err != nil {
				return fmt.Errorf("%w: ExecuteCommand payload: %v", ErrMalformedMessage, err)
			}
			if payload.Args == nil {
				payload.Args = []string{}
			}
			*r = Request{Kind: KindExecuteCommand, ExecuteCommand: payload}
		case KindSyncConfig:
			payload := &SyncConfigPayload{}
			if err := json.Unmarshal(raw, payload); err != nil {
				return fmt.Errorf("%w: SyncConfig payload: %v", ErrMalformedMessage, err)
			}
			*r = Request{Kind: KindSyncConfig, SyncConfig: payload}
		case KindSyncDatabase:
			payload := &SyncDatabasePayload{}
			if err := json.Unmarshal(raw, payload); err != nil {
				return fmt.Errorf("%w: SyncDatabase payload: %v", ErrMalformedMessage, err)
			}
			*r = Request{Kind: KindSyncDatabase, SyncDatabase: payload}
		case KindPing, KindGetHostInfo:
			// Tolerate {"Ping":{}} style encodings from older peers whose
			// encoder wrapped unit variants in empty objects.
			*r = Request{Kind: RequestKind(key)}
		default:
			return fmt.Errorf("%w: request tag %q", ErrUnknownVariant, key)
		}
	}

	return nil
}

type hostInfoEnvelope struct {
	Info HostInfo `json:"info"`
}

type successEnvelope struct {
	Output string `json:"output"`
}

type errorEnvelope struct {
	Message string `json:"message"`
}

// MarshalJSON encodes a Response in the pinned externally-tagged form.
func (r Response) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindPong:
		return json.Marshal(string(r.Kind))
	case KindHostInfo:
		if r.HostInfo == nil {
			return nil, fmt.Errorf("%w: HostInfo payload missing", ErrMalformedMessage)
		}
		return json.Marshal(map[string]hostInfoEnvelope{string(r.Kind): {Info: *r.HostInfo}})
	case KindSuccess:
		return json.Marshal(map[string]successEnvelope{string(r.Kind): {Output: r.Output}})
	case KindError:
		return json.Marshal(map[string]errorEnvelope{string(r.Kind): {Message: r.Message}})
	default:
		return nil, fmt.Errorf("%w: response kind %q", ErrUnknownVariant, r.Kind)
	}
}

// UnmarshalJSON decodes a Response from the pinned externally-tagged form.
func (r *Response) UnmarshalJSON(data []byte) error {
	var tag string
	if err := json.Unmarshal(data, &tag); err == nil {
		switch ResponseKind(tag) {
		case KindPong:
			*r = Response{Kind: KindPong}
			return nil
		default:
			return fmt.Errorf("%w: response tag %q", ErrUnknownVariant, tag)
		}
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("%w: expected exactly one variant key, got %d", ErrMalformedMessage, len(tagged))
	}

	for key, raw := range tagged {
		switch ResponseKind(key) {
		case KindHostInfo:
			var envelope hostInfoEnvelope
			if err := json.Unmarshal(raw, &envelope); err != nil {
				return fmt.Errorf("%w: HostInfo payload: %v", ErrMalformedMessage, err)
			}
			info := envelope.Info
			*r = Response{Kind: KindHostInfo, HostInfo: &info}
		case KindSuccess:
			var envelope successEnvelope
			if err := json.Unmarshal(raw, &envelope); err != nil {
				return fmt.Errorf("%w: Success payload: %v", ErrMalformedMessage, err)
			}
			*r = Response{Kind: KindSuccess, Output: envelope.Output}
		case KindError:
			var envelope errorEnvelope
			if err := json.Unmarshal(raw, &envelope); err != nil {
				return fmt.Errorf("%w: Error payload: %v", ErrMalformedMessage, err)
			}
			*r = Response{Kind: KindError, Message: envelope.Message}
		case KindPong:
			*r = Response{Kind: KindPong}
		default:
			return fmt.Errorf("%w: response tag %q", ErrUnknownVariant, key)
		}
	}

	return nil
}
