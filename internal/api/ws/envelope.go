package ws

import (
	"encoding/json"
	"errors"

	"github.com/diary-hub/diary-hub/internal/application/chat"
	"github.com/diary-hub/diary-hub/internal/domain/record"
	"github.com/diary-hub/diary-hub/internal/domain/workflow"
)

// Request is the client-to-server envelope. The id is echoed back verbatim.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the server-to-client reply envelope. Exactly one of Result
// and Error is set.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParse        = 100
	codeNoMethod     = 101
	codeValidation   = 200
	codeOutOfOrder   = 201
	codeInvalidState = 202
	codeConflict     = 203
	codeNoActive     = 204
	codeUnknownPoll  = 205
	codeStore        = 300
	codeInternal     = 500
)

// rpcError maps domain sentinels to stable wire codes. The message carries
// the wrapped detail; clients branch on the code only.
func rpcError(err error) *RPCError {
	code := codeInternal
	switch {
	case errors.Is(err, workflow.ErrValidation):
		code = codeValidation
	case errors.Is(err, workflow.ErrOutOfOrder):
		code = codeOutOfOrder
	case errors.Is(err, workflow.ErrInvalidState):
		code = codeInvalidState
	case errors.Is(err, chat.ErrConflict):
		code = codeConflict
	case errors.Is(err, chat.ErrNoActive):
		code = codeNoActive
	case errors.Is(err, chat.ErrUnknownPoll), errors.Is(err, chat.ErrUnknownUser):
		code = codeUnknownPoll
	case errors.Is(err, record.ErrStore):
		code = codeStore
	}
	return &RPCError{Code: code, Message: err.Error()}
}
