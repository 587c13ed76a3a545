package message

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// headerWidth is the width, in ASCII decimal digits, of the fixed-width
// length header that precedes every payload on the wire. Zero-padded so the
// header is always exactly this many bytes regardless of payload size.
const headerWidth = 10

// maxPayload bounds a single frame so a corrupt or malicious length header
// cannot force an unbounded allocation.
const maxPayload = 64 << 20 // 64MiB

// Write serializes msg to JSON and writes it to w as one length-prefixed
// frame: a headerWidth-byte decimal length header, then the payload.
func Write(w io.Writer, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	header := formatHeader(len(payload))
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "write frame payload")
	}
	return nil
}

// Read reads one length-prefixed frame from r and decodes it into a
// Message. It tolerates partial reads of both the header and the payload,
// continuing to read until the declared number of bytes has arrived.
func Read(r io.Reader) (Message, error) {
	header := make([]byte, headerWidth)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "read frame header")
	}
	n, err := parseHeader(header)
	if err != nil {
		return nil, errors.Wrap(err, "parse frame header")
	}
	if n > maxPayload {
		return nil, errors.Errorf("frame payload %d exceeds maximum %d", n, maxPayload)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "read frame payload")
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, errors.Wrap(err, "decode message")
	}
	return msg, nil
}

func formatHeader(n int) []byte {
	const digits = "0123456789"
	b := make([]byte, headerWidth)
	for i := headerWidth - 1; i >= 0; i-- {
		b[i] = digits[n%10]
		n /= 10
	}
	return b
}

func parseHeader(b []byte) (int, error) {
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, errors.Errorf("invalid length header byte %q", c)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
