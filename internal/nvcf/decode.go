package nvcf

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// ZipImageFileName is the archive entry holding the image when a fulfilled
// response points at a zip instead of carrying inline outputs.
const ZipImageFileName = "image.jpg"

type wireOutput struct {
	Name     string            `json:"name"`
	Datatype string            `json:"datatype"`
	Shape    []int             `json:"shape"`
	Data     []json.RawMessage `json:"data"`
}

type fulfilledBody struct {
	ReqID             string       `json:"reqId"`
	Outputs           []wireOutput `json:"outputs"`
	ResponseReference string       `json:"responseReference"`
	Response          *struct {
		Outputs []wireOutput `json:"outputs"`
	} `json:"response"`
}

func (b *fulfilledBody) outputs() []wireOutput {
	if len(b.Outputs) > 0 {
		return b.Outputs
	}
	if b.Response != nil {
		return b.Response.Outputs
	}
	return nil
}

// Decoded is the content of a fulfilled response.
type Decoded struct {
	// RequestID is the remote request id reported in the body, if any.
	RequestID string
	Primary   []byte
	// Auxiliary holds the first data element of every output after the
	// first, exactly as sent.
	Auxiliary []string
}

// Decoder turns fulfilled responses into image bytes. CPU-bound work runs
// under a semaphore sized to GOMAXPROCS so large decodes cannot crowd out
// the goroutines doing network I/O.
type Decoder struct {
	client *http.Client
	logger *slog.Logger
	cpu    *semaphore.Weighted
}

// NewDecoder creates a Decoder. client is used to fetch zip archives.
func NewDecoder(client *http.Client, logger *slog.Logger) (*Decoder, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("http client cannot be nil")
	}
	return &Decoder{
		client: client,
		logger: logger.With("component", "nvcf_decoder"),
		cpu:    semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}, nil
}

// Decode extracts the primary image and auxiliary outputs from body.
// requestID is used for error context when the body does not carry one.
func (d *Decoder) Decode(ctx context.Context, body []byte, requestID string) (*Decoded, error) {
	var fb fulfilledBody
	if err := json.Unmarshal(body, &fb); err != nil {
		return nil, d.fail(requestID, body, fmt.Errorf("parsing response: %w", err))
	}
	if fb.ReqID != "" {
		requestID = fb.ReqID
	}

	if fb.ResponseReference != "" {
		archive, err := d.fetch(ctx, fb.ResponseReference)
		if err != nil {
			return nil, d.fail(requestID, body, err)
		}
		var image []byte
		err = d.offload(ctx, func() error {
			var zerr error
			image, zerr = readZipEntry(archive, ZipImageFileName)
			return zerr
		})
		if err != nil {
			return nil, d.fail(requestID, body, err)
		}
		return &Decoded{RequestID: requestID, Primary: image, Auxiliary: []string{}}, nil
	}

	outputs := fb.outputs()
	if len(outputs) == 0 || len(outputs[0].Data) == 0 {
		return nil, d.fail(requestID, body, errors.New("response has no outputs"))
	}
	var encoded string
	if err := json.Unmarshal(outputs[0].Data[0], &encoded); err != nil {
		return nil, d.fail(requestID, body, fmt.Errorf("primary output is not a string: %w", err))
	}

	var image []byte
	err := d.offload(ctx, func() error {
		var derr error
		image, derr = base64.StdEncoding.DecodeString(encoded)
		return derr
	})
	if err != nil {
		return nil, d.fail(requestID, body, fmt.Errorf("decoding primary output: %w", err))
	}

	aux := make([]string, 0, len(outputs)-1)
	for _, out := range outputs[1:] {
		if len(out.Data) == 0 {
			return nil, d.fail(requestID, body, fmt.Errorf("output %q has no data", out.Name))
		}
		aux = append(aux, rawText(out.Data[0]))
	}

	return &Decoded{RequestID: requestID, Primary: image, Auxiliary: aux}, nil
}

// offload runs fn once a CPU slot is free.
func (d *Decoder) offload(ctx context.Context, fn func() error) error {
	if err := d.cpu.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.cpu.Release(1)
	return fn()
}

func (d *Decoder) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building archive request: %w", err)
	}
	d.logger.Debug("fetching response archive")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching archive: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching archive: unexpected status %d", resp.StatusCode)
	}
	return data, nil
}

func (d *Decoder) fail(requestID string, body []byte, err error) error {
	return &Error{Kind: KindResponseDecodeFailure, RequestID: requestID, Body: string(body), Err: err}
}

func readZipEntry(archive []byte, name string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	f, err := zr.Open(name)
	if err != nil {
		return nil, fmt.Errorf("opening %s in archive: %w", name, err)
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

// rawText returns a JSON string's contents, or the raw JSON for other values.
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
