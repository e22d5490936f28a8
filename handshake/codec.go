package handshake

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Encode writes m to w as a single framed message.
func Encode(w io.Writer, m Message) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Marshal returns the wire encoding of m.
//
//	magic   [2]byte "FW"
//	version byte
//	count   uint16
//	length  uint32  length of the parameter block
//	params  count * { keyLen uint16 | key | valLen uint32 | val }
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("cannot marshal a nil message")
	}
	return marshalParams(m.params())
}

func marshalParams(p Params) ([]byte, error) {
	if len(p) == 0 || len(p) > MaxParams {
		return nil, malformed("message has %d parameters (max %d)", len(p), MaxParams)
	}
	names := maps.Keys(p)
	slices.Sort(names)

	body := bytes.Buffer{}
	for _, k := range names {
		if len(k) == 0 || len(k) > 0xffff {
			return nil, malformed("invalid parameter name length %d", len(k))
		}
		v := p[k]
		binary.Write(&body, binary.BigEndian, uint16(len(k)))
		body.WriteString(k)
		binary.Write(&body, binary.BigEndian, uint32(len(v)))
		body.WriteString(v)
	}
	if body.Len() > MaxMessageLen {
		return nil, malformed("message is %d bytes (max %d)", body.Len(), MaxMessageLen)
	}

	out := make([]byte, HeaderLen, HeaderLen+body.Len())
	out[0] = magic[0]
	out[1] = magic[1]
	out[2] = Version
	binary.BigEndian.PutUint16(out[3:5], uint16(len(p)))
	binary.BigEndian.PutUint32(out[5:9], uint32(body.Len()))
	return append(out, body.Bytes()...), nil
}

// Decode reads exactly one framed message from r. Framing errors wrap
// ErrMalformedMessage; a well-framed message of unknown type wraps
// ErrInvalidMessageType.
func Decode(r io.Reader) (Message, error) {
	p, err := decodeParams(r)
	if err != nil {
		return nil, err
	}
	return FromParams(p)
}

// Unmarshal decodes a message from b. Trailing bytes are an error.
func Unmarshal(b []byte) (Message, error) {
	r := bytes.NewReader(b)
	m, err := Decode(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, malformed("%d trailing bytes", r.Len())
	}
	return m, nil
}

func decodeParams(r io.Reader) (Params, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, malformed("reading header: %s", err)
	}
	if header[0] != magic[0] || header[1] != magic[1] {
		return nil, malformed("bad magic %x", header[:2])
	}
	if header[2] != Version {
		return nil, malformed("unsupported version %d", header[2])
	}
	count := int(binary.BigEndian.Uint16(header[3:5]))
	length := binary.BigEndian.Uint32(header[5:9])
	if count == 0 || count > MaxParams {
		return nil, malformed("invalid parameter count %d", count)
	}
	if length > MaxMessageLen {
		return nil, malformed("declared length %d exceeds %d", length, MaxMessageLen)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, malformed("message truncated: %s", err)
	}

	p := make(Params, count)
	rest := body
	for i := 0; i < count; i++ {
		k, n, err := readField(rest, 2)
		if err != nil {
			return nil, err
		}
		rest = rest[n:]
		v, n, err := readField(rest, 4)
		if err != nil {
			return nil, err
		}
		rest = rest[n:]
		if len(k) == 0 {
			return nil, malformed("empty parameter name")
		}
		if _, dup := p[k]; dup {
			return nil, malformed("duplicate parameter %q", k)
		}
		p[k] = v
	}
	if len(rest) != 0 {
		return nil, malformed("declared length %d inconsistent with parameters (%d bytes left over)", length, len(rest))
	}
	return p, nil
}

// readField reads a length-prefixed string whose prefix is prefixLen (2 or 4)
// bytes. It returns the string and the number of bytes consumed.
func readField(b []byte, prefixLen int) (string, int, error) {
	if len(b) < prefixLen {
		return "", 0, malformed("declared length inconsistent with parameters")
	}
	var n int
	if prefixLen == 2 {
		n = int(binary.BigEndian.Uint16(b))
	} else {
		n = int(binary.BigEndian.Uint32(b))
	}
	end := prefixLen + n
	if n < 0 || end > len(b) || end < prefixLen {
		return "", 0, malformed("field length %d overruns message", n)
	}
	return string(b[prefixLen:end]), end, nil
}
