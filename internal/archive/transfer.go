package archive

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// FileField is the field under which transfers expect the local file path.
const FileField = "file"

// HTTPTransferFactory creates transfers pushing file bytes to the datafiles
// collection. The target dataset travels in the transfer fields.
type HTTPTransferFactory struct {
	client *Client
}

// NewTransferFactory creates a transfer factory on top of an API client.
func NewTransferFactory(client *Client) *HTTPTransferFactory {
	return &HTTPTransferFactory{client: client}
}

// Create registers and pushes a brand new remote file.
func (f *HTTPTransferFactory) Create(ctx context.Context, fields map[string]any, cb ProgressFunc) (Transfer, error) {
	return f.newTransfer(ctx, http.MethodPost, "", fields, cb)
}

// Update re-sends the payload of an existing file resource, identified by
// its name under the dataset.
func (f *HTTPTransferFactory) Update(ctx context.Context, name string, fields map[string]any, cb ProgressFunc) (Transfer, error) {
	return f.newTransfer(ctx, http.MethodPut, name, fields, cb)
}

func (f *HTTPTransferFactory) newTransfer(ctx context.Context, method, name string, fields map[string]any, cb ProgressFunc) (Transfer, error) {
	localPath, ok := fields[FileField].(string)
	if !ok || localPath == "" {
		return nil, fmt.Errorf("transfer fields carry no %q entry", FileField)
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("cannot stat file to transfer: %w", err)
	}

	path := "/datafiles/"
	if f.client.organization != "" {
		path = "/orgs/" + f.client.organization + path
	}
	if name != "" {
		path += name + "/"
	}

	return &httpTransfer{
		factory:   f,
		method:    method,
		url:       f.client.baseURL + path,
		localPath: localPath,
		totalSize: info.Size(),
		fields:    fields,
		callback:  cb,
		done:      make(chan transferOutcome, 1),
	}, nil
}

type transferOutcome struct {
	resource Resource
	err      error
}

// httpTransfer streams one file as a multipart request. Start launches the
// request; Finish blocks until the server answered. There is no mid-flight
// cancellation beyond the context the transfer was started with.
type httpTransfer struct {
	factory   *HTTPTransferFactory
	method    string
	url       string
	localPath string
	totalSize int64
	fields    map[string]any
	callback  ProgressFunc
	started   bool
	done      chan transferOutcome
}

func (t *httpTransfer) Start(ctx context.Context) error {
	if t.started {
		return nil
	}
	t.started = true
	go t.run(ctx)
	return nil
}

func (t *httpTransfer) Finish(ctx context.Context) (Resource, error) {
	if !t.started {
		if err := t.Start(ctx); err != nil {
			return nil, err
		}
	}
	select {
	case outcome := <-t.done:
		return outcome.resource, outcome.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *httpTransfer) run(ctx context.Context) {
	file, err := os.Open(t.localPath)
	if err != nil {
		t.done <- transferOutcome{err: fmt.Errorf("cannot open file to transfer: %w", err)}
		return
	}
	defer file.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		defer form.Close()
		for key, value := range t.fields {
			if key == FileField {
				continue
			}
			if err := form.WriteField(key, fmt.Sprintf("%v", value)); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		part, err := form.CreateFormFile(FileField, filepath.Base(t.localPath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		reader := &progressReader{reader: file, total: t.totalSize, callback: t.callback}
		if _, err := io.Copy(part, reader); err != nil {
			pw.CloseWithError(err)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, t.method, t.url, pr)
	if err != nil {
		t.done <- transferOutcome{err: fmt.Errorf("failed to build transfer request: %w", err)}
		return
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if t.factory.client.apiKey != "" {
		req.Header.Set("X-Upload-Key", t.factory.client.apiKey)
	}

	resp, err := t.factory.client.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			err = fmt.Errorf("transfer of %s: %w", filepath.Base(t.localPath), ErrTimeout)
		}
		t.done <- transferOutcome{err: err}
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.done <- transferOutcome{err: fmt.Errorf("failed to read transfer response: %w", err)}
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.done <- transferOutcome{err: &APIError{StatusCode: resp.StatusCode, Body: string(raw)}}
		return
	}
	resource, err := decodeResource(raw)
	t.done <- transferOutcome{resource: resource, err: err}
}

// progressReader reports percentage progress as the multipart body drains
// the source file.
type progressReader struct {
	reader   io.Reader
	total    int64
	read     int64
	callback ProgressFunc
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 && r.callback != nil && r.total > 0 {
		r.read += int64(n)
		r.callback("progress", float64(r.read)/float64(r.total)*100)
	}
	return n, err
}
