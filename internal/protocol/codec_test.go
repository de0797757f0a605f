package protocol

import (
	"encoding/base64"
	"errors"
	"testing"
)

var testOffer = Descriptor{Type: DescriptorOffer, SDP: "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n"}
var testAnswer = Descriptor{Type: DescriptorAnswer, SDP: "v=0\r\no=- 3 4 IN IP4 127.0.0.1\r\n"}

// TestRequestRoundTrip verifies that decode(encodeRequest(...)) yields the
// original fields.
func TestRequestRoundTrip(t *testing.T) {
	testCases := []struct {
		name     string
		fileName string
		fileSize int64
		fileType string
	}{
		{"one byte", "a.txt", 1, "text/plain"},
		{"one chunk", "chunk.bin", ChunkSize, "application/octet-stream"},
		{"empty type", "noext", 16384*3 + 7, ""},
		{"unicode name", "報告.pdf", 1 << 30, "application/pdf"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			blob, err := EncodeRequest(testOffer, tc.fileName, tc.fileSize, tc.fileType)
			if err != nil {
				t.Fatalf("EncodeRequest failed: %v", err)
			}

			v, err := Decode(blob)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			req, ok := v.(*Request)
			if !ok {
				t.Fatalf("expected *Request, got %T", v)
			}
			if req.Descriptor != testOffer {
				t.Errorf("descriptor mismatch: got %+v", req.Descriptor)
			}
			want := FileMeta{Name: tc.fileName, Size: tc.fileSize, Type: tc.fileType}
			if req.File != want {
				t.Errorf("file meta mismatch: got %+v, want %+v", req.File, want)
			}
			if k := Classify(blob); k != KindRequest {
				t.Errorf("Classify = %s, want request", k)
			}
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	blob, err := EncodeResponse(testAnswer)
	if err != nil {
		t.Fatalf("EncodeResponse failed: %v", err)
	}

	v, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	res, ok := v.(*Response)
	if !ok {
		t.Fatalf("expected *Response, got %T", v)
	}
	if res.Descriptor != testAnswer {
		t.Errorf("descriptor mismatch: got %+v", res.Descriptor)
	}
	if k := Classify(blob); k != KindResponse {
		t.Errorf("Classify = %s, want response", k)
	}
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

// TestDecodeRejects covers inputs the encoder never produces.
func TestDecodeRejects(t *testing.T) {
	valid, _ := EncodeRequest(testOffer, "a.txt", 10, "text/plain")

	testCases := []struct {
		name string
		blob string
		want error
	}{
		{"empty string", "", ErrMalformedBlob},
		{"whitespace", "  \n", ErrMalformedBlob},
		{"not base64", "%%%not-base64%%%", ErrMalformedBlob},
		{"truncated encoding", valid[:len(valid)/2], ErrMalformedBlob},
		{"base64 of non-json", b64("hello"), ErrMalformedBlob},
		{"irrelevant object", b64(`{"foo":1,"bar":"baz"}`), ErrSchema},
		{"json array", b64(`[1,2,3]`), ErrMalformedBlob},
		{"request without sdp", b64(`{"localDescription":{"type":"offer","sdp":""},"fileName":"a","fileSize":1,"fileType":""}`), ErrSchema},
		{"request zero size", b64(`{"localDescription":{"type":"offer","sdp":"x"},"fileName":"a","fileSize":0,"fileType":""}`), ErrSchema},
		{"request negative size", b64(`{"localDescription":{"type":"offer","sdp":"x"},"fileName":"a","fileSize":-4,"fileType":""}`), ErrSchema},
		{"request empty name", b64(`{"localDescription":{"type":"offer","sdp":"x"},"fileName":"","fileSize":3,"fileType":""}`), ErrSchema},
		{"request missing size", b64(`{"localDescription":{"type":"offer","sdp":"x"},"fileName":"a","fileType":""}`), ErrSchema},
		{"request carrying answer", b64(`{"localDescription":{"type":"answer","sdp":"x"},"fileName":"a","fileSize":3,"fileType":""}`), ErrSchema},
		{"response carrying offer", b64(`{"localDescription":{"type":"offer","sdp":"x"}}`), ErrSchema},
		{"unknown descriptor type", b64(`{"localDescription":{"type":"pranswer","sdp":"x"}}`), ErrSchema},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := Decode(tc.blob)
			if err == nil {
				t.Fatalf("expected error, got %#v", v)
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
			if v != nil {
				t.Errorf("expected no value on error, got %#v", v)
			}
			if k := Classify(tc.blob); k != KindInvalid {
				t.Errorf("Classify = %s, want invalid", k)
			}
		})
	}
}

// TestDecodeLegacyKeys accepts blobs built by the browser client.
func TestDecodeLegacyKeys(t *testing.T) {
	req := b64(`{"offer":{"type":"offer","sdp":"x"},"fileName":"a.png","fileSize":42,"fileType":"image/png","extra":true}`)
	v, err := Decode(req)
	if err != nil {
		t.Fatalf("Decode legacy request failed: %v", err)
	}
	if r := v.(*Request); r.File.Name != "a.png" || r.File.Size != 42 || r.Descriptor.SDP != "x" {
		t.Errorf("unexpected request: %+v", r)
	}

	res := b64(`{"answer":{"type":"answer","sdp":"y"}}`)
	v, err = Decode(res)
	if err != nil {
		t.Fatalf("Decode legacy response failed: %v", err)
	}
	if r := v.(*Response); r.Descriptor.SDP != "y" {
		t.Errorf("unexpected response: %+v", r)
	}
}

func TestDecodeExpectedShape(t *testing.T) {
	reqBlob, _ := EncodeRequest(testOffer, "a", 1, "")
	resBlob, _ := EncodeResponse(testAnswer)

	if _, err := DecodeResponse(reqBlob); !errors.Is(err, ErrSchema) {
		t.Errorf("DecodeResponse(request) = %v, want ErrSchema", err)
	}
	if _, err := DecodeRequest(resBlob); !errors.Is(err, ErrSchema) {
		t.Errorf("DecodeRequest(response) = %v, want ErrSchema", err)
	}
	if _, err := DecodeRequest("\n" + reqBlob + "\n"); err != nil {
		t.Errorf("DecodeRequest with surrounding whitespace failed: %v", err)
	}
}
