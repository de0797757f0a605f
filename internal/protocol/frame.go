package protocol

import "encoding/json"

// ChunkSize is the payload size of one binary frame written by the sender.
// Receivers must not depend on it.
const ChunkSize = 16 * 1024

// MarkerTag is the "type" value of the end-of-file text frame.
const MarkerTag = "EOF"

// Frame is one message read from or written to the data channel.
type Frame struct {
	Text bool   // true for text frames, false for binary chunks
	Data []byte // raw payload
}

type control struct {
	Type string `json:"type"`
}

// Marker returns the text frame that terminates a transfer.
func Marker() string {
	data, _ := json.Marshal(control{Type: MarkerTag})
	return string(data)
}

// IsMarker reports whether f is the terminal marker. Binary frames never are,
// even when their bytes happen to spell the marker.
func IsMarker(f Frame) bool {
	if !f.Text {
		return false
	}
	var c control
	if err := json.Unmarshal(f.Data, &c); err != nil {
		return false
	}
	return c.Type == MarkerTag
}
