// Package chunk implements the ingest Chunker (spec §4.3): it frames
// an inbound HTTP request as metadata + body, then splits the frame
// into size-bounded envelopes for the Disk Queue.
package chunk

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Magic is the 4-byte frame header identifying the WHP1 wire format.
var Magic = [4]byte{'W', 'H', 'P', '1'}

// Meta is the chunk-1-only reassembly metadata the client uses to
// reconstruct the original request.
type Meta struct {
	Method    string              `json:"method"`
	Path      string              `json:"path"`
	Query     string              `json:"query"`
	Headers   map[string][]string `json:"headers"`
	SourceIP  string              `json:"source_ip"`
	Timestamp time.Time           `json:"timestamp"`
}

// MetaFromRequest builds a Meta from an *http.Request's identifying
// fields, excluding the body.
func MetaFromRequest(r *http.Request, sourceIP string, at time.Time) Meta {
	return Meta{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Headers:   map[string][]string(r.Header),
		SourceIP:  sourceIP,
		Timestamp: at.UTC(),
	}
}

// BuildFrameHeader returns the magic + metadata-length + metadata JSON
// prefix that begins chunk 1's data, per spec §4.3 step 2 and §6.
func BuildFrameHeader(meta Meta) ([]byte, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("chunk: marshaling metadata: %w", err)
	}
	header := make([]byte, 8+len(metaJSON))
	copy(header[0:4], Magic[:])
	binary.BigEndian.PutUint32(header[4:8], uint32(len(metaJSON)))
	copy(header[8:], metaJSON)
	return header, nil
}

// ParseFrameHeader splits the decoded chunk-1 data into its metadata
// and the body bytes that follow. Used by tests that round-trip the
// frame the way the browser-side client does (spec §8 property 1).
func ParseFrameHeader(data []byte) (Meta, []byte, error) {
	if len(data) < 8 {
		return Meta{}, nil, fmt.Errorf("chunk: frame too short")
	}
	if string(data[0:4]) != string(Magic[:]) {
		return Meta{}, nil, fmt.Errorf("chunk: bad magic")
	}
	metaLen := binary.BigEndian.Uint32(data[4:8])
	if uint32(len(data)) < 8+metaLen {
		return Meta{}, nil, fmt.Errorf("chunk: truncated metadata")
	}
	var meta Meta
	if err := json.Unmarshal(data[8:8+metaLen], &meta); err != nil {
		return Meta{}, nil, fmt.Errorf("chunk: unmarshaling metadata: %w", err)
	}
	return meta, data[8+metaLen:], nil
}
