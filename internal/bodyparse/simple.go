package bodyparse

import (
	"io"
	"net/url"
	"os"
	"strings"
	"unicode/utf8"
)

// readBounded reads at most max bytes and fails with ErrTooLarge when
// the stream has more.
func readBounded(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, ErrTooLarge
	}
	return data, nil
}

func parseURLEncoded(r io.Reader, limits Limits) (*Body, error) {
	data, err := readBounded(r, limits.requestMax())
	if err != nil {
		return nil, err
	}
	values, err := url.ParseQuery(string(data))
	if err != nil {
		return nil, ErrMalformed
	}
	fields := make(map[string]any, len(values))
	for k, v := range values {
		if len(v) == 1 {
			fields[k] = v[0]
		} else {
			fields[k] = v
		}
	}
	return &Body{Kind: "urlencoded", Data: fields}, nil
}

func parseText(r io.Reader, limits Limits) (*Body, error) {
	data, err := readBounded(r, limits.requestMax())
	if err != nil {
		return nil, err
	}
	text := strings.ToValidUTF8(string(data), string(utf8.RuneError))
	return &Body{Kind: "text", Text: text, Data: text}, nil
}

// parseOctet streams the whole body into one temp file.
func parseOctet(r io.Reader, limits Limits) (*Body, error) {
	f, err := createTemp(limits)
	if err != nil {
		return nil, err
	}
	max := limits.uploadMax()
	n, err := io.Copy(f, io.LimitReader(r, max+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return nil, err
	}
	if n > max {
		_ = os.Remove(f.Name())
		return nil, ErrTooLarge
	}
	file := File{TempFile: f.Name(), Size: n, Mime: "application/octet-stream"}
	return &Body{
		Kind:  "octet",
		Data:  map[string]any{"tempFile": file.TempFile, "size": n},
		Files: []File{file},
	}, nil
}
