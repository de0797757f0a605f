package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// wireBlob is the JSON object carried inside a blob. The legacy keys "offer"
// and "answer" are accepted on decode for codes produced by the web client.
type wireBlob struct {
	LocalDescription *Descriptor `json:"localDescription,omitempty"`
	Offer            *Descriptor `json:"offer,omitempty"`
	Answer           *Descriptor `json:"answer,omitempty"`
	FileName         *string     `json:"fileName,omitempty"`
	FileSize         *int64      `json:"fileSize,omitempty"`
	FileType         *string     `json:"fileType,omitempty"`
}

// EncodeRequest serializes a connection request into a transport-safe blob.
func EncodeRequest(local Descriptor, fileName string, fileSize int64, fileType string) (string, error) {
	return encode(wireBlob{
		LocalDescription: &local,
		FileName:         &fileName,
		FileSize:         &fileSize,
		FileType:         &fileType,
	})
}

// EncodeResponse serializes a connection response into a transport-safe blob.
func EncodeResponse(local Descriptor) (string, error) {
	return encode(wireBlob{LocalDescription: &local})
}

func encode(w wireBlob) (string, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses a blob into either a *Request or a *Response. Nothing is
// returned unless the blob passes validation.
func Decode(blob string) (any, error) {
	w, err := unwrap(blob)
	if err != nil {
		return nil, err
	}

	if w.isRequest() {
		return w.request()
	}
	return w.response()
}

// DecodeRequest decodes blob and requires it to be a request.
func DecodeRequest(blob string) (*Request, error) {
	w, err := unwrap(blob)
	if err != nil {
		return nil, err
	}
	if !w.isRequest() {
		return nil, fmt.Errorf("%w: expected a connection request", ErrSchema)
	}
	return w.request()
}

// DecodeResponse decodes blob and requires it to be a response.
func DecodeResponse(blob string) (*Response, error) {
	w, err := unwrap(blob)
	if err != nil {
		return nil, err
	}
	if w.isRequest() {
		return nil, fmt.Errorf("%w: expected a connection response", ErrSchema)
	}
	return w.response()
}

// Classify probes blob without returning an error.
func Classify(blob string) Kind {
	v, err := Decode(blob)
	if err != nil {
		return KindInvalid
	}
	switch v.(type) {
	case *Request:
		return KindRequest
	case *Response:
		return KindResponse
	default:
		return KindInvalid
	}
}

// unwrap strips the transport encoding. Surrounding whitespace is tolerated
// because pasted and scanned text often carries it.
func unwrap(blob string) (*wireBlob, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedBlob)
	}

	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}

	var w wireBlob
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	return &w, nil
}

// isRequest treats any blob carrying file metadata or a legacy offer key as a
// presumed request, so that a request with a bad size is reported as such.
func (w *wireBlob) isRequest() bool {
	return w.Offer != nil || w.FileName != nil || w.FileSize != nil || w.FileType != nil
}

func (w *wireBlob) descriptor(legacy *Descriptor) *Descriptor {
	if w.LocalDescription != nil {
		return w.LocalDescription
	}
	return legacy
}

func (w *wireBlob) request() (*Request, error) {
	d := w.descriptor(w.Offer)
	switch {
	case d == nil:
		return nil, fmt.Errorf("%w: request has no usable descriptor", ErrSchema)
	case w.FileName == nil:
		return nil, fmt.Errorf("%w: missing file name", ErrSchema)
	case w.FileSize == nil:
		return nil, fmt.Errorf("%w: missing file size", ErrSchema)
	case w.FileType == nil:
		return nil, fmt.Errorf("%w: missing file type", ErrSchema)
	}

	req := &Request{
		Descriptor: *d,
		File:       FileMeta{Name: *w.FileName, Size: *w.FileSize, Type: *w.FileType},
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func (w *wireBlob) response() (*Response, error) {
	d := w.descriptor(w.Answer)
	if d == nil {
		return nil, fmt.Errorf("%w: response has no usable descriptor", ErrSchema)
	}
	resp := &Response{Descriptor: *d}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return resp, nil
}
