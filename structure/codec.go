package structure

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/mailgate/model"
)

// DecodeError reports a part whose content could not be decoded. The caller
// receives empty content alongside it.
type DecodeError struct {
	Encoding string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Encoding, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func IsDecodeError(err error) bool {
	var decErr *DecodeError
	return errors.As(err, &decErr)
}

// DecodeFunc turns wire bytes into content bytes.
type DecodeFunc func([]byte) ([]byte, error)

// DecoderFor returns the decode function for enc. covered is false for
// encodings that are passed through unchanged.
func DecoderFor(enc model.Encoding) (fn DecodeFunc, covered bool) {
	switch enc {
	case model.EncodingSevenBit:
		return identity, true
	case model.EncodingBase64:
		return decodeBase64, true
	default:
		return identity, false
	}
}

// Decode decodes data according to the transfer-encoding tag. It never returns
// nil content together with a nil error.
func Decode(tag string, data []byte) ([]byte, error) {
	fn, _ := DecoderFor(model.ParseEncoding(tag))
	out, err := fn(data)
	if err != nil {
		return []byte{}, &DecodeError{Encoding: tag, Err: err}
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

func identity(data []byte) ([]byte, error) {
	return data, nil
}

func decodeBase64(data []byte) ([]byte, error) {
	var h textproto.Header
	h.Set("Content-Transfer-Encoding", "base64")
	entity, err := message.New(message.Header{Header: h}, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(entity.Body)
}
