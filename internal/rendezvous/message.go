package rendezvous

import "github.com/1ureka/qrdrop/internal/protocol"

// op names one Store operation carried over the WebSocket.
type op string

const (
	opPublishRequest  op = "publishRequest"
	opLookupRequest   op = "lookupRequest"
	opPublishResponse op = "publishResponse"
	opPollResponse    op = "pollResponse"
	opRemove          op = "remove"
)

// Reply codes.
const (
	codeNotFound = "not_found"
	codeAnswered = "already_answered"
	codeBadCall  = "bad_request"
	codeInternal = "internal"
)

// message is a client call. Seq is echoed in the reply.
type message struct {
	Seq        uint64               `json:"seq"`
	Op         op                   `json:"op"`
	ID         string               `json:"id"`
	Request    *protocol.Request    `json:"request,omitempty"`
	Descriptor *protocol.Descriptor `json:"descriptor,omitempty"`
}

// reply answers one message.
type reply struct {
	Seq        uint64               `json:"seq"`
	OK         bool                 `json:"ok"`
	Ready      bool                 `json:"ready,omitempty"`
	Request    *protocol.Request    `json:"request,omitempty"`
	Descriptor *protocol.Descriptor `json:"descriptor,omitempty"`
	Code       string               `json:"code,omitempty"`
	Error      string               `json:"error,omitempty"`
}
