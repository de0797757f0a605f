// Package protocol defines the negotiation blobs exchanged out-of-band between
// the two devices and the frames carried over the data channel.
package protocol

import (
	"errors"
	"fmt"
)

// Errors returned by the codec.
var (
	ErrEncoding      = errors.New("descriptor cannot be encoded")
	ErrMalformedBlob = errors.New("malformed connection code")
	ErrSchema        = errors.New("connection code is missing required fields")
)

// Descriptor types, mirroring the session description "type" field.
const (
	DescriptorOffer  = "offer"
	DescriptorAnswer = "answer"
)

// Descriptor is one half of a negotiated transport session. The core treats
// SDP as opaque text.
type Descriptor struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Usable reports whether d carries something a transport can apply.
func (d Descriptor) Usable() bool {
	return d.SDP != "" && (d.Type == DescriptorOffer || d.Type == DescriptorAnswer)
}

// FileMeta describes the file announced in a request.
type FileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Request is the sender's connection-request blob.
type Request struct {
	Descriptor Descriptor `json:"descriptor"`
	File       FileMeta   `json:"file"`
}

// Validate checks the fields a request must carry, whatever path it arrived
// by.
func (r Request) Validate() error {
	switch {
	case !r.Descriptor.Usable():
		return fmt.Errorf("%w: request has no usable descriptor", ErrSchema)
	case r.Descriptor.Type != DescriptorOffer:
		return fmt.Errorf("%w: request descriptor is %q, want %q", ErrSchema, r.Descriptor.Type, DescriptorOffer)
	case r.File.Name == "":
		return fmt.Errorf("%w: missing file name", ErrSchema)
	case r.File.Size <= 0:
		return fmt.Errorf("%w: file size must be positive", ErrSchema)
	}
	return nil
}

// Response is the receiver's connection-response blob.
type Response struct {
	Descriptor Descriptor `json:"descriptor"`
}

// Validate checks that the response carries a usable answer.
func (r Response) Validate() error {
	switch {
	case !r.Descriptor.Usable():
		return fmt.Errorf("%w: response has no usable descriptor", ErrSchema)
	case r.Descriptor.Type != DescriptorAnswer:
		return fmt.Errorf("%w: response descriptor is %q, want %q", ErrSchema, r.Descriptor.Type, DescriptorAnswer)
	}
	return nil
}

// Kind classifies a blob without committing to a decode path.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindInvalid  Kind = "invalid"
)
