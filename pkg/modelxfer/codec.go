package modelxfer

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"
)

func init() {
	gob.Register(Chunk{})
}

func encodeChunk(c Chunk) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, errors.Wrap(err, "modelxfer: encode chunk")
	}
	return buf.Bytes(), nil
}

func decodeChunk(data []byte) (Chunk, error) {
	var c Chunk
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return Chunk{}, errors.Wrap(err, "modelxfer: decode chunk")
	}
	return c, nil
}
