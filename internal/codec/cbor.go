package codec

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodec trades JSON's readability for a compact binary encoding. Both
// sides of a link must agree on the codec; there is no negotiation.
type CBORCodec struct{}

func (c CBORCodec) Encoder(w io.Writer) Encoder {
	return cbor.NewEncoder(w)
}

func (c CBORCodec) Decoder(r io.Reader) Decoder {
	return cbor.NewDecoder(r)
}
