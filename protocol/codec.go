package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// wireMessage is the probe every inbound object is decoded into before it is
// classified. Raw members distinguish "absent" (nil) from "null".
type wireMessage struct {
	JSONRPC *string         `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  json.RawMessage `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// Decode parses and validates one framed message. It returns a *DecodeError
// for a single invalid message, a *BatchDecodeError when a batch has invalid
// elements, and a *DecodeError with CodeParseError for malformed JSON.
func Decode(data []byte) (Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &DecodeError{Err: NewInvalidRequestError("empty message")}
	}
	if !json.Valid(data) {
		return nil, &DecodeError{Err: NewParseError("invalid JSON")}
	}

	switch data[0] {
	case '[':
		return decodeBatch(data)
	case '{':
		msg, derr := decodeObject(data)
		if derr != nil {
			return nil, derr
		}
		return msg, nil
	default:
		return nil, &DecodeError{Err: NewInvalidRequestError("message must be a JSON object or array")}
	}
}

func decodeBatch(data []byte) (Message, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, &DecodeError{Err: NewParseError("invalid batch")}
	}
	if len(elems) == 0 {
		return nil, &DecodeError{Err: NewInvalidRequestError("empty batch")}
	}

	batch := make(Batch, 0, len(elems))
	var errs []*DecodeError
	for _, elem := range elems {
		elem = bytes.TrimSpace(elem)
		if len(elem) == 0 || elem[0] != '{' {
			errs = append(errs, &DecodeError{Err: NewInvalidRequestError("batch element must be an object")})
			continue
		}
		msg, derr := decodeObject(elem)
		if derr != nil {
			errs = append(errs, derr)
			continue
		}
		batch = append(batch, msg)
	}
	if len(errs) > 0 {
		return batch, &BatchDecodeError{Valid: batch, Errors: errs}
	}
	return batch, nil
}

func decodeObject(data []byte) (Message, *DecodeError) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Err: NewInvalidRequestError(fmt.Sprintf("malformed message: %v", err))}
	}

	// Recover the id early so validation failures can still be answered.
	var id RequestID
	idErr := error(nil)
	if w.ID != nil {
		idErr = json.Unmarshal(w.ID, &id)
	}
	fail := func(msg string) (Message, *DecodeError) {
		return nil, &DecodeError{ID: id, Err: NewInvalidRequestError(msg)}
	}

	if w.JSONRPC == nil || *w.JSONRPC != JSONRPCVersion {
		return fail(`"jsonrpc" must be "2.0"`)
	}
	if idErr != nil {
		id = RequestID{}
		return fail(idErr.Error())
	}

	if w.Method != nil {
		var method string
		if err := json.Unmarshal(w.Method, &method); err != nil {
			return fail(`"method" must be a string`)
		}
		if method == "" {
			return fail(`"method" must not be empty`)
		}
		if w.Result != nil || w.Error != nil {
			return fail("a request must not carry result or error")
		}
		params := normalizeRaw(w.Params)
		if w.ID == nil {
			return &Notification{JSONRPC: JSONRPCVersion, Method: method, Params: params}, nil
		}
		if id.IsZero() {
			return fail("request id must not be null")
		}
		return &Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}, nil
	}

	hasResult, hasError := w.Result != nil, w.Error != nil
	switch {
	case hasResult && hasError:
		return fail("a response must not carry both result and error")
	case !hasResult && !hasError:
		if w.ID == nil {
			return fail("message is neither a request, a notification nor a response")
		}
		return fail("a response must carry result or error")
	}
	if w.ID == nil {
		return fail("a response must carry an id")
	}

	resp := &Response{JSONRPC: JSONRPCVersion, ID: id}
	if hasError {
		if e := bytes.TrimSpace(w.Error); len(e) == 0 || e[0] != '{' {
			return fail(`"error" must be an object`)
		}
		var payload ErrorPayload
		if err := json.Unmarshal(w.Error, &payload); err != nil {
			return fail(fmt.Sprintf("malformed error object: %v", err))
		}
		if payload.Data != nil {
			payload.Data = normalizeRaw(payload.Data)
		}
		resp.Error = &payload
		return resp, nil
	}
	if id.IsZero() {
		return fail("a success response must carry a non-null id")
	}
	resp.Result = w.Result
	return resp, nil
}

// normalizeRaw maps an explicit JSON null onto an absent member.
func normalizeRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}

// Encode validates and serialises a message.
func Encode(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case *Request:
		if msg.Method == "" {
			return nil, errors.New("encode: request method must not be empty")
		}
		if msg.ID.IsZero() {
			return nil, errors.New("encode: request id must not be null")
		}
		msg.JSONRPC = JSONRPCVersion
		msg.Params = normalizeRaw(msg.Params)
		return json.Marshal(msg)
	case *Notification:
		if msg.Method == "" {
			return nil, errors.New("encode: notification method must not be empty")
		}
		msg.JSONRPC = JSONRPCVersion
		msg.Params = normalizeRaw(msg.Params)
		return json.Marshal(msg)
	case *Response:
		if (msg.Result == nil) == (msg.Error == nil) {
			return nil, errors.New("encode: response must carry exactly one of result or error")
		}
		msg.JSONRPC = JSONRPCVersion
		if msg.Error != nil {
			msg.Error.Data = normalizeRaw(msg.Error.Data)
		}
		return json.Marshal(msg)
	case Batch:
		if len(msg) == 0 {
			return nil, errors.New("encode: empty batch")
		}
		elems := make([]json.RawMessage, 0, len(msg))
		for i, elem := range msg {
			if _, nested := elem.(Batch); nested {
				return nil, fmt.Errorf("encode: batch element %d is a nested batch", i)
			}
			raw, err := Encode(elem)
			if err != nil {
				return nil, fmt.Errorf("encode: batch element %d: %w", i, err)
			}
			elems = append(elems, raw)
		}
		return json.Marshal(elems)
	case nil:
		return nil, errors.New("encode: nil message")
	}
	return nil, fmt.Errorf("encode: unsupported message type %T", m)
}
