package bodyparse

import (
	"errors"
	"io"
	"mime/multipart"
	"os"
)

// parseMultipart walks the parts in stream order. Parts without a
// filename become named fields; parts with one stream into temp files
// under the per-file ceiling. On any failure every temp file created so
// far is unlinked.
func parseMultipart(r io.Reader, boundary string, limits Limits) (*Body, error) {
	mr := multipart.NewReader(r, boundary)
	body := &Body{Kind: "form"}
	fields := map[string]any{}
	var fieldBytes int64

	fail := func(err error) (*Body, error) {
		body.Cleanup()
		return nil, err
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(ErrMalformed)
		}

		if part.FileName() == "" {
			max := limits.requestMax() - fieldBytes
			if max <= 0 {
				return fail(ErrTooLarge)
			}
			value, err := readBounded(part, max)
			if err != nil {
				return fail(err)
			}
			fieldBytes += int64(len(value))
			fields[part.FormName()] = string(value)
			continue
		}

		f, err := createTemp(limits)
		if err != nil {
			return fail(err)
		}
		max := limits.uploadMax()
		n, err := io.Copy(f, io.LimitReader(part, max+1))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(f.Name())
			return fail(err)
		}
		if n > max {
			_ = os.Remove(f.Name())
			return fail(ErrTooLarge)
		}
		mimeType := part.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		body.Files = append(body.Files, File{
			Field:    part.FormName(),
			Filename: part.FileName(),
			Mime:     mimeType,
			TempFile: f.Name(),
			Size:     n,
		})
	}

	body.Data = fields
	return body, nil
}
