package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Command is the type of a control request.
type Command string

const (
	CommandStatus  Command = "status"
	CommandStart   Command = "start"
	CommandStop    Command = "stop"
	CommandRestart Command = "restart"
	CommandReload  Command = "reload"
	CommandExit    Command = "exit"
)

// ShutdownMessage is the payload of a successful exit response.
const ShutdownMessage = "Shutting down taskmasterd"

var (
	ErrUnknownCommand = errors.New("unknown command type")
	ErrNotFound       = errors.New("not found")
	ErrMissingService = errors.New("missing service name")
	ErrReload         = errors.New("config reload failed")
	ErrMalformed      = errors.New("command processing failed")
)

// Request is one newline terminated JSON document sent by a client.
type Request struct {
	Type    Command `json:"type"`
	Service string  `json:"service,omitempty"`
}

// NeedsService reports commands addressing a single service.
func (c Command) NeedsService() bool {
	switch c {
	case CommandStart, CommandStop, CommandRestart:
		return true
	default:
		return false
	}
}

func (c Command) Valid() bool {
	switch c {
	case CommandStatus, CommandStart, CommandStop, CommandRestart, CommandReload, CommandExit:
		return true
	default:
		return false
	}
}

// Response is the reply to a Request. Data depends on Type:
//
//	status           string, one `<service>#<index> <STATE>` line per instance
//	start, restart   service.Summary
//	stop             string, the service name
//	reload           service.ReloadResult
//	exit             string, ShutdownMessage
type Response struct {
	Success bool            `json:"success"`
	Type    Command         `json:"type,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Err returns the error carried by a failed response.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	return &ResponseError{Message: r.Error}
}

// ResponseError is a failure reported by the server.
type ResponseError struct {
	Message string
}

func (e *ResponseError) Error() string {
	return e.Message
}

// NotFound reports the failure of an operation on an unknown service.
func (e *ResponseError) NotFound() bool {
	return strings.HasSuffix(e.Message, ErrNotFound.Error())
}

func success(typ Command, data any) Response {
	b, err := json.Marshal(data)
	if err != nil {
		return failure(fmt.Errorf("encoding %s response: %w", typ, err))
	}
	return Response{Success: true, Type: typ, Data: b}
}

func failure(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

// Decode unmarshals the payload of a successful response.
func Decode[T any](r Response) (T, error) {
	var ret T
	if err := r.Err(); err != nil {
		return ret, err
	}
	if err := json.Unmarshal(r.Data, &ret); err != nil {
		return ret, fmt.Errorf("decoding %s response: %w", r.Type, err)
	}
	return ret, nil
}
