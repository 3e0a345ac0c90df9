// Package protocol defines the request/response vocabulary spoken between
// the tracecast daemon and its clients, and the newline-delimited JSON
// framing both sides use on the Unix socket.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ShareID uniquely identifies a share for its whole lifetime.
type ShareID struct {
	uuid.UUID
}

// NewShareID generates a fresh random share ID.
func NewShareID() ShareID {
	return ShareID{uuid.New()}
}

// ParseShareID parses the canonical string form of a share ID.
func ParseShareID(s string) (ShareID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ShareID{}, fmt.Errorf("parse share id: %w", err)
	}
	return ShareID{id}, nil
}

// ShareStatus is the lifecycle state of a share record.
type ShareStatus string

const (
	StatusStarting ShareStatus = "starting"
	StatusActive   ShareStatus = "active"
	StatusError    ShareStatus = "error"
	StatusStopped  ShareStatus = "stopped"
)

// ParseShareStatus validates a stored status string.
func ParseShareStatus(s string) (ShareStatus, error) {
	switch ShareStatus(s) {
	case StatusStarting, StatusActive, StatusError, StatusStopped:
		return ShareStatus(s), nil
	}
	return "", fmt.Errorf("invalid share status %q", s)
}

// Terminal reports whether the status is a final state.
func (s ShareStatus) Terminal() bool {
	return s == StatusError || s == StatusStopped
}

// ShareInfo is the durable record of one share.
type ShareInfo struct {
	ID           ShareID     `json:"id"`
	SessionPath  string      `json:"session_path"`
	SessionName  string      `json:"session_name"`
	PublicURL    string      `json:"public_url"`
	ProviderName string      `json:"provider_name"`
	LocalPort    int         `json:"local_port"`
	StartedAt    time.Time   `json:"started_at"`
	Status       ShareStatus `json:"status"`
}

// Request method names.
const (
	MethodStartShare = "StartShare"
	MethodStopShare  = "StopShare"
	MethodListShares = "ListShares"
	MethodPing       = "Ping"
	MethodShutdown   = "Shutdown"
)

// Response status tags.
const (
	RespShareStarted = "ShareStarted"
	RespShareStopped = "ShareStopped"
	RespShareList    = "ShareList"
	RespPong         = "Pong"
	RespShuttingDown = "ShuttingDown"
	RespError        = "Error"
)

// Request is one framed client-to-daemon message. Params is present only
// for methods that carry arguments.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// StartShareParams are the arguments of a StartShare request.
type StartShareParams struct {
	SessionPath string `json:"session_path"`
	Provider    string `json:"provider"`
}

// StopShareParams are the arguments of a StopShare request.
type StopShareParams struct {
	ShareID ShareID `json:"share_id"`
}

// Response is one framed daemon-to-client message. Data is present only
// for statuses that carry a payload.
type Response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the payload of an Error response.
type ErrorData struct {
	Message string `json:"message"`
}

// StoppedData is the payload of a ShareStopped response.
type StoppedData struct {
	ShareID ShareID `json:"share_id"`
}

// NewStartShare builds a StartShare request.
func NewStartShare(sessionPath, provider string) Request {
	return mustRequest(MethodStartShare, StartShareParams{SessionPath: sessionPath, Provider: provider})
}

// NewStopShare builds a StopShare request.
func NewStopShare(id ShareID) Request {
	return mustRequest(MethodStopShare, StopShareParams{ShareID: id})
}

// NewListShares builds a ListShares request.
func NewListShares() Request { return Request{Method: MethodListShares} }

// NewPing builds a Ping request.
func NewPing() Request { return Request{Method: MethodPing} }

// NewShutdown builds a Shutdown request.
func NewShutdown() Request { return Request{Method: MethodShutdown} }

func mustRequest(method string, params any) Request {
	raw, err := json.Marshal(params)
	if err != nil {
		// Params are plain structs of strings; marshal cannot fail.
		panic(fmt.Sprintf("marshal %s params: %v", method, err))
	}
	return Request{Method: method, Params: raw}
}

// ShareStartedResponse builds a ShareStarted response carrying the share.
func ShareStartedResponse(info ShareInfo) (Response, error) {
	return dataResponse(RespShareStarted, info)
}

// ShareStoppedResponse builds a ShareStopped response for the given id.
func ShareStoppedResponse(id ShareID) (Response, error) {
	return dataResponse(RespShareStopped, StoppedData{ShareID: id})
}

// ShareListResponse builds a ShareList response carrying every share.
func ShareListResponse(shares []ShareInfo) (Response, error) {
	if shares == nil {
		shares = []ShareInfo{}
	}
	return dataResponse(RespShareList, shares)
}

// PongResponse answers a Ping.
func PongResponse() Response { return Response{Status: RespPong} }

// ShuttingDownResponse acknowledges a Shutdown request.
func ShuttingDownResponse() Response { return Response{Status: RespShuttingDown} }

// ErrorResponse wraps a failure message for the client.
func ErrorResponse(message string) Response {
	raw, _ := json.Marshal(ErrorData{Message: message})
	return Response{Status: RespError, Data: raw}
}

func dataResponse(status string, data any) (Response, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Response{}, fmt.Errorf("marshal %s data: %w", status, err)
	}
	return Response{Status: status, Data: raw}, nil
}

// DecodeStartShare extracts StartShare params from a request.
func DecodeStartShare(req Request) (StartShareParams, error) {
	var p StartShareParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return p, fmt.Errorf("decode StartShare params: %w", err)
	}
	return p, nil
}

// DecodeStopShare extracts StopShare params from a request.
func DecodeStopShare(req Request) (StopShareParams, error) {
	var p StopShareParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return p, fmt.Errorf("decode StopShare params: %w", err)
	}
	return p, nil
}

// DecodeShareStarted extracts the ShareInfo from a ShareStarted response.
func DecodeShareStarted(resp Response) (ShareInfo, error) {
	var info ShareInfo
	if err := json.Unmarshal(resp.Data, &info); err != nil {
		return info, fmt.Errorf("decode ShareStarted data: %w", err)
	}
	return info, nil
}

// DecodeShareStopped extracts the stopped id from a ShareStopped response.
func DecodeShareStopped(resp Response) (ShareID, error) {
	var d StoppedData
	if err := json.Unmarshal(resp.Data, &d); err != nil {
		return ShareID{}, fmt.Errorf("decode ShareStopped data: %w", err)
	}
	return d.ShareID, nil
}

// DecodeShareList extracts the share list from a ShareList response.
func DecodeShareList(resp Response) ([]ShareInfo, error) {
	var shares []ShareInfo
	if err := json.Unmarshal(resp.Data, &shares); err != nil {
		return nil, fmt.Errorf("decode ShareList data: %w", err)
	}
	return shares, nil
}

// DecodeError extracts the message from an Error response.
func DecodeError(resp Response) string {
	var d ErrorData
	if err := json.Unmarshal(resp.Data, &d); err != nil {
		return string(resp.Data)
	}
	return d.Message
}
