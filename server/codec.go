package server

import (
	"github.com/kestrelvm/kestrel/wire"
)

// cborCodec is a connect codec over the engine's canonical CBOR encoding,
// so control-plane messages use the same wire rules as guest values.
type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Marshal(message any) ([]byte, error) {
	return wire.Encode(message)
}

func (cborCodec) Unmarshal(data []byte, message any) error {
	return wire.Decode(data, message)
}
