package wire

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"
)

func init() {
	gob.Register(BatchLoadModelRequest{})
	gob.Register(ClearModelDataRequest{})
	gob.Register(DataFlowException{})
	gob.Register(HeartbeatRequest{})
	gob.Register(DownloadDevMaintenanceCfgRequest{})
	gob.Register(map[string]uint32{})
}

// EncodeRequest serializes a Request for transport over a gwtransport.Queue.
func EncodeRequest(req Request) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return nil, errors.Wrap(err, "wire: encode request")
	}
	return buf.Bytes(), nil
}

// DecodeRequest deserializes a Request.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&req); err != nil {
		return Request{}, errors.Wrap(err, "wire: decode request")
	}
	return req, nil
}

// EncodeResponse serializes a Response.
func EncodeResponse(resp Response) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(resp); err != nil {
		return nil, errors.Wrap(err, "wire: encode response")
	}
	return buf.Bytes(), nil
}

// DecodeResponse deserializes a Response.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&resp); err != nil {
		return Response{}, errors.Wrap(err, "wire: decode response")
	}
	return resp, nil
}
