package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidResponse marks a plugin reply that does not follow the hook
// response envelope.
var ErrInvalidResponse = errors.New("invalid hook response")

// EncodeRequest serializes a HookRequest as one JSON line and writes it to w.
func EncodeRequest(w io.Writer, req *HookRequest) error {
	if req.Context.PluginID == "" {
		return fmt.Errorf("hook request missing context.plugin_id")
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	return nil
}

// DecodeResponse reads one response envelope from r.
func DecodeResponse(r io.Reader) (*HookResponse, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return ParseResponse(data)
}

// ParseResponse validates and decodes a response envelope. Every shape error
// wraps ErrInvalidResponse.
func ParseResponse(data []byte) (*HookResponse, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrInvalidResponse)
	}
	if data[0] != '{' {
		return nil, fmt.Errorf("%w: hook returned non-object", ErrInvalidResponse)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	var resp HookResponse
	rawOK, present := fields["ok"]
	if !present {
		return nil, fmt.Errorf("%w: missing required field: ok", ErrInvalidResponse)
	}
	if err := json.Unmarshal(rawOK, &resp.OK); err != nil {
		return nil, fmt.Errorf("%w: ok must be a boolean", ErrInvalidResponse)
	}
	if raw, ok := fields["logs"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &resp.Logs); err != nil {
			return nil, fmt.Errorf("%w: logs: %v", ErrInvalidResponse, err)
		}
	}

	if !resp.OK {
		raw, ok := fields["error"]
		if !ok || isNull(raw) {
			return nil, fmt.Errorf("%w: ok=false but no error", ErrInvalidResponse)
		}
		var he HookError
		if err := json.Unmarshal(raw, &he); err != nil {
			return nil, fmt.Errorf("%w: error: %v", ErrInvalidResponse, err)
		}
		if he.Code == "" {
			return nil, fmt.Errorf("%w: error missing code", ErrInvalidResponse)
		}
		resp.Error = &he
		return &resp, nil
	}

	raw, ok := fields["result"]
	if !ok || isNull(raw) {
		return nil, fmt.Errorf("%w: ok=true but no result", ErrInvalidResponse)
	}
	if raw[0] != '{' {
		return nil, fmt.Errorf("%w: result must be an object", ErrInvalidResponse)
	}
	resp.Result = raw
	return &resp, nil
}

// DecodeResult unmarshals the result of a successful response into out.
func DecodeResult[T any](resp *HookResponse) (*T, error) {
	var out T
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("%w: result: %v", ErrInvalidResponse, err)
	}
	return &out, nil
}

// OKResponse builds a successful envelope around result.
func OKResponse(result any) (json.RawMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return json.Marshal(HookResponse{OK: true, Result: raw})
}

// ErrorResponse builds a failed envelope.
func ErrorResponse(code, message string, details map[string]any) json.RawMessage {
	raw, _ := json.Marshal(HookResponse{Error: &HookError{Code: code, Message: message, Details: details}})
	return raw
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
