package opscope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
)

const OP_CONNECTION_CONNECT string = "connection.connect"
const OP_CONNECTION_DISCONNECT string = "connection.disconnect"
const OP_CONNECTION_TEST string = "connection.test"
const OP_CONNECTION_STATUS string = "connection.status"
const OP_SESSION_OPEN string = "session.open"
const OP_SESSION_WRITE string = "session.write"
const OP_SESSION_RESIZE string = "session.resize"
const OP_SESSION_CLOSE string = "session.close"
const OP_SESSION_LOG_COMMAND_START string = "session.logCommandStart"
const OP_SESSION_LIST string = "session.list"
const OP_ANALYSIS_RUN string = "analysis.run"
const OP_ATTACK_PATH_SET_STATUS string = "attackPath.setStatus"
const OP_ATTACK_PATH_LIST string = "attackPath.list"
const OP_TARGET_METADATA string = "target.metadata"

// ControlRequest is one operation from a UI client. Only the
// fields the named op uses need to be set.
type ControlRequest struct {
	Op             string         `json:"op"`
	RequestID      uint64         `json:"request_id,omitempty"`
	Connect        *ConnectConfig `json:"connect,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	OwnerContextID string         `json:"owner_context_id,omitempty"`
	Data           []byte         `json:"data,omitempty"`
	Cols           int            `json:"cols,omitempty"`
	Rows           int            `json:"rows,omitempty"`
	Command        string         `json:"command,omitempty"`
	TargetID       string         `json:"target_id,omitempty"`
	Text           string         `json:"text,omitempty"`
	PathID         string         `json:"path_id,omitempty"`
	StepID         string         `json:"step_id,omitempty"`
	Status         string         `json:"status,omitempty"`
	Notes          string         `json:"notes,omitempty"`
}

// ControlReply answers one ControlRequest. Op is the request
// op with a "-reply" suffix.
type ControlReply struct {
	Op        string              `json:"op"`
	RequestID uint64              `json:"request_id,omitempty"`
	OK        bool                `json:"ok"`
	Error     string              `json:"error,omitempty"`
	Status    *StatusSnapshot     `json:"status,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	Sessions  []string            `json:"sessions,omitempty"`
	Analysis  *AnalysisResult     `json:"analysis,omitempty"`
	Metadata  *TargetMetadata     `json:"metadata,omitempty"`
	Progress  []PathProgressEntry `json:"progress,omitempty"`
}

// signedRequest wraps a ControlRequest with an HMAC-SHA256
// over the serialized message, for control sockets shared
// with less trusted networks.
type signedRequest struct {
	Message []byte `json:"message"`
	HMAC    []byte `json:"hmac"`
}

var errBadSignature = errors.New("hmac does not match")

func (wrapper *signedRequest) verify(key []byte) (ControlRequest, error) {
	var request ControlRequest
	mac := hmac.New(sha256.New, key)
	mac.Write(wrapper.Message)
	if !hmac.Equal(wrapper.HMAC, mac.Sum(nil)) {
		return request, errBadSignature
	}
	err := json.Unmarshal(wrapper.Message, &request)
	return request, err
}

func (request *ControlRequest) sign(key []byte) (signedRequest, error) {
	var wrapper signedRequest
	message, err := json.Marshal(request)
	if err != nil {
		return wrapper, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	wrapper.Message = message
	wrapper.HMAC = mac.Sum(nil)
	return wrapper, nil
}
