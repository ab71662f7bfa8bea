package catalog

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Content is delivered content: inline text, base64 chunks or a signed URL.
// Implementations are InlineContent, ChunkContent and URLContent.
type Content interface {
	isContent()
	// Size is the number of content bytes, or 0 for URLs.
	Size() int64
}

// InlineContent marshals as a JSON string.
type InlineContent string

func (InlineContent) isContent() {}
func (c InlineContent) Size() int64 { return int64(len(c)) }

// ChunkContent marshals as {"chunks": [base64, ...]}.
type ChunkContent [][]byte

func (ChunkContent) isContent() {}

func (c ChunkContent) Size() int64 {
	var n int64
	for _, b := range c {
		n += int64(len(b))
	}
	return n
}

func (c ChunkContent) MarshalJSON() ([]byte, error) {
	chunks := make([]string, len(c))
	for i, b := range c {
		chunks[i] = base64.StdEncoding.EncodeToString(b)
	}
	return json.Marshal(struct {
		Chunks []string `json:"chunks"`
	}{chunks})
}

// URLContent marshals as {"url": "..."}.
type URLContent string

func (URLContent) isContent() {}
func (URLContent) Size() int64 { return 0 }

func (c URLContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		URL string `json:"url"`
	}{string(c)})
}

// DecodeContent parses the JSON form of any Content variant.
func DecodeContent(data []byte) (Content, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return InlineContent(s), nil
	}

	var raw struct {
		Chunks []string `json:"chunks"`
		URL    *string  `json:"url"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("catalog: invalid content: %w", err)
	}
	switch {
	case raw.URL != nil:
		return URLContent(*raw.URL), nil
	case raw.Chunks != nil:
		out := make(ChunkContent, len(raw.Chunks))
		for i, s := range raw.Chunks {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("catalog: chunk %d: %w", i, err)
			}
			out[i] = b
		}
		return out, nil
	}
	return nil, fmt.Errorf("catalog: unrecognised content shape")
}
