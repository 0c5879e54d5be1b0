package mirrorproxy

import (
	"github.com/datastax/go-cassandra-native-protocol/frame"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
)

// FrameState is a cheap classification of a frame derived from the direction
// bit and the opcode alone, without decoding the body.
type FrameState string

const (
	FrameStateStartup      = FrameState("startup")
	FrameStateOptions      = FrameState("options")
	FrameStateQuery        = FrameState("query")
	FrameStatePrepare      = FrameState("prepare")
	FrameStateExecute      = FrameState("execute")
	FrameStateBatch        = FrameState("batch")
	FrameStateRegister     = FrameState("register")
	FrameStateAuthResponse = FrameState("auth_response")
	FrameStateReady        = FrameState("ready")
	FrameStateAuthenticate = FrameState("authenticate")
	FrameStateSupported    = FrameState("supported")
	FrameStateResult       = FrameState("result")
	FrameStateEvent        = FrameState("event")
	FrameStateError        = FrameState("error")
	FrameStateUnknown      = FrameState("unknown")
)

func (s FrameState) String() string {
	return string(s)
}

// inspectFrame classifies a frame in O(1) with no allocation.
func inspectFrame(f *frame.RawFrame) FrameState {
	if f.Header.IsResponse {
		switch f.Header.OpCode {
		case primitive.OpCodeReady:
			return FrameStateReady
		case primitive.OpCodeAuthenticate:
			return FrameStateAuthenticate
		case primitive.OpCodeSupported:
			return FrameStateSupported
		case primitive.OpCodeResult:
			return FrameStateResult
		case primitive.OpCodeEvent:
			return FrameStateEvent
		case primitive.OpCodeError:
			return FrameStateError
		default:
			return FrameStateUnknown
		}
	}

	switch f.Header.OpCode {
	case primitive.OpCodeStartup:
		return FrameStateStartup
	case primitive.OpCodeOptions:
		return FrameStateOptions
	case primitive.OpCodeQuery:
		return FrameStateQuery
	case primitive.OpCodePrepare:
		return FrameStatePrepare
	case primitive.OpCodeExecute:
		return FrameStateExecute
	case primitive.OpCodeBatch:
		return FrameStateBatch
	case primitive.OpCodeRegister:
		return FrameStateRegister
	case primitive.OpCodeAuthResponse:
		return FrameStateAuthResponse
	default:
		return FrameStateUnknown
	}
}
