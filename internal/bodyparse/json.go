package bodyparse

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// placeholder replaces a data URL in the accumulated JSON.
type placeholder struct {
	Size     int64  `json:"size"`
	Tag      string `json:"tag"`
	TempFile string `json:"tempFile"`
	Mime     string `json:"mime"`
	Encoding string `json:"encoding"`
}

const maxDataURLHeader = 255

// parseJSON scans the stream for string values of the form
// "data:<mime>;base64,<payload>". Structure text accumulates in memory
// under the request ceiling; payloads are base64-decoded on the fly
// into temp files, and the whole string value is replaced by a
// placeholder object. Everything else passes through untouched and the
// accumulator is parsed as JSON at stream end.
func parseJSON(r io.Reader, limits Limits) (*Body, error) {
	br := bufio.NewReaderSize(r, 32<<10)
	var acc bytes.Buffer
	body := &Body{Kind: "json"}
	requestMax := limits.requestMax()

	fail := func(err error) (*Body, error) {
		body.Cleanup()
		return nil, err
	}

	inString := false
	escaped := false
	atStringStart := false

	for {
		b, err := br.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(err)
		}
		if int64(acc.Len()) >= requestMax {
			return fail(ErrTooLarge)
		}

		if !inString {
			acc.WriteByte(b)
			if b == '"' {
				inString = true
				atStringStart = true
			}
			continue
		}

		if escaped {
			acc.WriteByte(b)
			escaped = false
			continue
		}
		switch {
		case b == '\\':
			escaped = true
			acc.WriteByte(b)
			atStringStart = false
		case b == '"':
			inString = false
			acc.WriteByte(b)
		case atStringStart && b == 'd' && peekIs(br, "ata:"):
			discard(br, 4)
			done, err := consumeDataURL(br, &acc, body, limits)
			if err != nil {
				return fail(err)
			}
			if done {
				inString = false
			}
			atStringStart = false
		default:
			acc.WriteByte(b)
			atStringStart = false
		}
	}

	if inString {
		return fail(ErrMalformed)
	}
	var data any
	if acc.Len() == 0 {
		body.Data = nil
		return body, nil
	}
	if err := json.Unmarshal(acc.Bytes(), &data); err != nil {
		return fail(ErrMalformed)
	}
	body.Data = data
	return body, nil
}

func peekIs(br *bufio.Reader, s string) bool {
	peeked, err := br.Peek(len(s))
	return err == nil && string(peeked) == s
}

func discard(br *bufio.Reader, n int) {
	_, _ = br.Discard(n)
}

// consumeDataURL is entered right after "data:" was consumed, with the
// opening quote already in the accumulator. It reads the header, streams
// the payload to a temp file and swaps quote+marker+payload+quote for a
// placeholder object. Returns true when the closing quote was eaten.
func consumeDataURL(br *bufio.Reader, acc *bytes.Buffer, body *Body, limits Limits) (bool, error) {
	header, terminated, err := readDataURLHeader(br)
	if err != nil {
		return false, err
	}
	if !terminated || !strings.HasSuffix(header, ";base64") {
		// Not an upload after all: keep what we consumed as plain text.
		acc.WriteString("data:")
		acc.WriteString(header)
		return false, nil
	}
	mimeType := strings.TrimSuffix(header, ";base64")

	f, err := createTemp(limits)
	if err != nil {
		return false, err
	}
	size, err := decodeBase64Stream(br, f, limits.uploadMax())
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return false, err
	}

	tag := strings.TrimSuffix(filepath.Base(f.Name()), ".tmp")
	file := File{Filename: tag, Mime: mimeType, TempFile: f.Name(), Size: size}
	body.Files = append(body.Files, file)

	// Drop the opening quote, the string value becomes an object.
	acc.Truncate(acc.Len() - 1)
	encoded, err := json.Marshal(placeholder{
		Size: size, Tag: tag, TempFile: f.Name(), Mime: mimeType, Encoding: "base64",
	})
	if err != nil {
		return false, err
	}
	acc.Write(encoded)
	return true, nil
}

// readDataURLHeader reads "<mime>;base64" up to the comma. terminated
// is false when the header cap is hit or a quote ends the string first.
func readDataURLHeader(br *bufio.Reader) (string, bool, error) {
	var sb strings.Builder
	for sb.Len() < maxDataURLHeader {
		b, err := br.ReadByte()
		if errors.Is(err, io.EOF) {
			return sb.String(), false, nil
		}
		if err != nil {
			return "", false, err
		}
		switch {
		case b == ',':
			return sb.String(), true, nil
		case b == '"' || b == '\\':
			_ = br.UnreadByte()
			return sb.String(), false, nil
		case isHeaderByte(b):
			sb.WriteByte(b)
		default:
			_ = br.UnreadByte()
			return sb.String(), false, nil
		}
	}
	return sb.String(), false, nil
}

func isHeaderByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '/' || b == '.' || b == '+' || b == '-' || b == ';' || b == '=':
		return true
	}
	return false
}

// decodeBase64Stream decodes until the closing quote, keeping the
// carry aligned to multiples of four characters across reads.
func decodeBase64Stream(br *bufio.Reader, dst io.Writer, uploadMax int64) (int64, error) {
	var (
		carry   []byte
		written int64
		decoded = make([]byte, 0, 3*1024)
	)
	flush := func(final bool) error {
		n := len(carry) / 4 * 4
		if final {
			n = len(carry)
		}
		if n == 0 {
			return nil
		}
		chunk := carry[:n]
		out := decoded[:cap(decoded)]
		m, err := base64.StdEncoding.Decode(out, chunk)
		if err != nil {
			return ErrMalformed
		}
		written += int64(m)
		if written > uploadMax {
			return ErrTooLarge
		}
		if _, err := dst.Write(out[:m]); err != nil {
			return err
		}
		carry = carry[n:]
		return nil
	}

	for {
		b, err := br.ReadByte()
		if errors.Is(err, io.EOF) {
			return 0, ErrMalformed
		}
		if err != nil {
			return 0, err
		}
		if b == '"' {
			if len(carry)%4 != 0 {
				return 0, ErrMalformed
			}
			if err := flush(true); err != nil {
				return 0, err
			}
			return written, nil
		}
		if !isBase64Byte(b) {
			return 0, ErrMalformed
		}
		carry = append(carry, b)
		if len(carry) >= 4*1024 {
			if err := flush(false); err != nil {
				return 0, err
			}
		}
	}
}

func isBase64Byte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '+' || b == '/' || b == '=':
		return true
	}
	return false
}
