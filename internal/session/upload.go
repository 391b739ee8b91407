package session

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
)

// FilePart is one file attached to a multipart upload.
type FilePart struct {
	Field    string
	FileName string
	Data     []byte
}

// Upload posts a multipart form. Each attempt writes a new body with its own
// boundary and Content-Type.
func (c *Client) Upload(ctx context.Context, path string, fields map[string]string, file FilePart, out any) error {
	resp, err := c.Do(ctx, multipartBuilder(path, fields, file))
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func multipartBuilder(path string, fields map[string]string, file FilePart) RequestBuilder {
	return func(ctx context.Context, base *url.URL) (*http.Request, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)

		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := mw.WriteField(k, fields[k]); err != nil {
				return nil, err
			}
		}
		field := file.Field
		if field == "" {
			field = "file"
		}
		fw, err := mw.CreateFormFile(field, file.FileName)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(file.Data); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, resolve(base, path), &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Accept", "application/json")
		return req, nil
	}
}
