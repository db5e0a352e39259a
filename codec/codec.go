// Package codec provides a small content-type-addressed read/write
// abstraction. The full teacher library supports JSON, XML, and YAML with a
// pluggable registry and struct validation; this module only ever needs to
// serialize a ledger snapshot for diagnostics, so it is trimmed to the
// YAML codec that diagnostic path actually exercises.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/nandlabs/batchsuper/ioutils"
	"github.com/nandlabs/batchsuper/textutils"
)

// ReaderWriter writes and reads a value to/from a stream.
type ReaderWriter interface {
	Write(v interface{}, w io.Writer) error
	Read(r io.Reader, v interface{}) error
	MimeTypes() []string
}

// Codec combines string/byte encoding and decoding on top of a ReaderWriter.
type Codec interface {
	ReaderWriter
	EncodeToString(v interface{}) (string, error)
	EncodeToBytes(v interface{}) ([]byte, error)
	DecodeString(s string, v interface{}) error
	DecodeBytes(b []byte, v interface{}) error
}

// BaseCodec adapts a ReaderWriter into the full Codec interface.
type BaseCodec struct {
	readerWriter ReaderWriter
}

// GetDefault returns the Codec registered for the given MIME content type.
func GetDefault(contentType string) (Codec, error) {
	typ := contentType
	if idx := strings.Index(contentType, textutils.SemiColonStr); idx >= 0 {
		typ = strings.TrimSpace(contentType[:idx])
	}

	switch typ {
	case ioutils.MimeTextYAML:
		return &BaseCodec{readerWriter: &yamlRW{}}, nil
	default:
		return nil, fmt.Errorf("codec: unsupported contentType %s", contentType)
	}
}

func (bc *BaseCodec) MimeTypes() []string {
	return bc.readerWriter.MimeTypes()
}

func (bc *BaseCodec) Read(r io.Reader, v interface{}) error {
	return bc.readerWriter.Read(r, v)
}

func (bc *BaseCodec) Write(v interface{}, w io.Writer) error {
	return bc.readerWriter.Write(v, w)
}

func (bc *BaseCodec) DecodeString(s string, v interface{}) error {
	return bc.Read(strings.NewReader(s), v)
}

func (bc *BaseCodec) DecodeBytes(b []byte, v interface{}) error {
	return bc.Read(bytes.NewReader(b), v)
}

func (bc *BaseCodec) EncodeToBytes(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := bc.Write(v, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (bc *BaseCodec) EncodeToString(v interface{}) (string, error) {
	buf := &bytes.Buffer{}
	if err := bc.Write(v, buf); err != nil {
		return textutils.EmptyStr, err
	}
	return buf.String(), nil
}
