// Package message defines the RPC message structure exchanged between client and server.
//
// RPCMessage is the "envelope" for every RPC call. It gets serialized by the codec layer
// and wrapped in a protocol frame for transmission over TCP.
package message

// Code is the response status carried by every reply.
type Code byte

const (
	CodeSuccess     Code = 20 // Call completed
	CodeHeartbeat   Code = 21 // Reply to a liveness probe
	CodeRateLimited Code = 31 // Provider rejected the call, caller should back off
	CodeNotFound    Code = 44 // Unknown service or method
	CodeFail        Code = 50 // Business handler returned an error
	CodeException   Code = 51 // Request could not be decoded or dispatched
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeHeartbeat:
		return "heartbeat"
	case CodeRateLimited:
		return "rate_limited"
	case CodeNotFound:
		return "not_found"
	case CodeFail:
		return "fail"
	case CodeException:
		return "exception"
	}
	return "unknown"
}

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  ServiceMethod is set, Payload contains the serialized args.
//   - On response: Code tells how the call ended, Payload contains the serialized reply
//     and Error is non-empty if the call failed.
type RPCMessage struct {
	ServiceMethod string // Format: "ServiceName.MethodName", e.g., "Arith.Add"
	Code          Code   // Zero on requests
	Error         string
	Payload       []byte // Serialized args (request) or reply (response) as JSON bytes
}

// Failed builds a response with the given code and error text.
func Failed(serviceMethod string, code Code, errText string) *RPCMessage {
	return &RPCMessage{ServiceMethod: serviceMethod, Code: code, Error: errText}
}
