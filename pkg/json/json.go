// Package json wraps goccy/go-json with pooled buffers and a streaming
// array encoder.
package json

import (
	"bytes"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// GetBuffer gets a pooled bytes.Buffer
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1024*1024 { // Don't pool very large buffers
		return
	}
	bufferPool.Put(buf)
}

// Marshal is a drop-in replacement for json.Marshal. Map keys are
// emitted in sorted order, so equal maps always encode to equal bytes.
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// MarshalCanonical encodes v like Marshal but without HTML escaping,
// keeping payloads byte-identical to the source text.
func MarshalCanonical(v interface{}) ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	enc := gojson.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	// Remove trailing newline added by Encode
	out := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

// Unmarshal is a drop-in replacement for json.Unmarshal
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// MarshalIndent is a drop-in replacement for json.MarshalIndent
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// NewDecoder returns a decoder reading from r
func NewDecoder(r io.Reader) *gojson.Decoder {
	return gojson.NewDecoder(r)
}

// StreamingEncoder writes values as the elements of one JSON array
type StreamingEncoder struct {
	writer      io.Writer
	firstRecord bool
	count       int
	err         error
}

// NewStreamingEncoder writes the opening bracket and returns the encoder
func NewStreamingEncoder(w io.Writer) *StreamingEncoder {
	se := &StreamingEncoder{
		writer:      w,
		firstRecord: true,
	}
	_, se.err = w.Write([]byte{'['})
	return se
}

// Encode appends v to the array
func (se *StreamingEncoder) Encode(v interface{}) error {
	if se.err != nil {
		return se.err
	}

	data, err := MarshalCanonical(v)
	if err != nil {
		return err
	}

	if !se.firstRecord {
		if _, se.err = se.writer.Write([]byte{','}); se.err != nil {
			return se.err
		}
	}
	se.firstRecord = false

	if _, se.err = se.writer.Write(data); se.err != nil {
		return se.err
	}
	se.count++
	return nil
}

// Count returns the number of encoded elements
func (se *StreamingEncoder) Count() int {
	return se.count
}

// Close writes the closing bracket
func (se *StreamingEncoder) Close() error {
	if se.err != nil {
		return se.err
	}
	_, se.err = se.writer.Write([]byte{']'})
	return se.err
}
