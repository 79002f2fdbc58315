package nvcf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
)

// StagedAsset records a remote asset created for one job. Every StagedAsset
// must be passed to Cleanup exactly once.
type StagedAsset struct {
	ID    string
	Field string
}

// AssetStager creates, uploads and deletes the remote assets a job reads from.
type AssetStager struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewAssetStager creates a stager for the asset API under endpoint
// (e.g. https://api.nvcf.nvidia.com/v2/nvcf).
func NewAssetStager(endpoint string, client *http.Client, logger *slog.Logger) (*AssetStager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("http client cannot be nil")
	}
	return &AssetStager{
		endpoint: endpoint,
		client:   client,
		logger:   logger.With("component", "nvcf_asset_stager"),
	}, nil
}

type createAssetRequest struct {
	ContentType string `json:"contentType"`
	Description string `json:"description"`
}

type createAssetResponse struct {
	AssetID     string `json:"assetId"`
	UploadURL   string `json:"uploadUrl"`
	ContentType string `json:"contentType"`
	Description string `json:"description"`
}

// Stage loads the asset, declares it to the remote service and uploads its
// bytes. When the declaration succeeded the returned id is non-empty even if
// the upload failed, so the caller can still delete it.
func (s *AssetStager) Stage(ctx context.Context, token string, loader AssetLoader, field string) (string, error) {
	asset, err := loader(ctx)
	if err != nil {
		return "", &Error{Kind: KindAssetCreationFailure, Field: field, Err: fmt.Errorf("loading asset: %w", err)}
	}

	createURL := s.endpoint + "/assets"
	reqBody, err := json.Marshal(createAssetRequest{ContentType: asset.ContentType, Description: field})
	if err != nil {
		return "", &Error{Kind: KindAssetCreationFailure, Field: field, URL: createURL, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, createURL, bytes.NewReader(reqBody))
	if err != nil {
		return "", &Error{Kind: KindAssetCreationFailure, Field: field, URL: createURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	status, body, err := s.do(req)
	if err != nil {
		return "", &Error{Kind: KindAssetCreationFailure, Field: field, URL: createURL, Err: err}
	}
	if !isSuccess(status) {
		return "", &Error{Kind: KindAssetCreationFailure, Field: field, URL: createURL, Status: status, Body: string(body)}
	}
	// Any id the service issued is returned with the error so it gets deleted.
	var created createAssetResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return created.AssetID, &Error{Kind: KindAssetCreationFailure, AssetID: created.AssetID, Field: field, URL: createURL, Status: status, Err: err}
	}
	if created.AssetID == "" || created.UploadURL == "" {
		return created.AssetID, &Error{Kind: KindAssetCreationFailure, AssetID: created.AssetID, Field: field, URL: createURL, Status: status, Body: string(body)}
	}

	put, err := http.NewRequestWithContext(ctx, http.MethodPut, created.UploadURL, bytes.NewReader(asset.Data))
	if err != nil {
		return created.AssetID, &Error{Kind: KindAssetUploadFailure, AssetID: created.AssetID, Field: field, Err: err}
	}
	contentType := created.ContentType
	if contentType == "" {
		contentType = asset.ContentType
	}
	length := asset.ContentLength
	if length <= 0 {
		length = int64(len(asset.Data))
	}
	put.Header.Set("Content-Type", contentType)
	put.Header.Set("x-amz-meta-nvcf-asset-description", created.Description)
	put.Header.Set("Content-Length", strconv.FormatInt(length, 10))
	put.ContentLength = length

	status, body, err = s.do(put)
	if err != nil {
		return created.AssetID, &Error{Kind: KindAssetUploadFailure, AssetID: created.AssetID, Field: field, Err: err}
	}
	if !isSuccess(status) {
		return created.AssetID, &Error{Kind: KindAssetUploadFailure, AssetID: created.AssetID, Field: field, Status: status, Body: string(body)}
	}

	s.logger.Debug("asset staged", "asset_id", created.AssetID, "field", field, "bytes", length)
	return created.AssetID, nil
}

// StageAll stages every input concurrently. It waits for all legs to finish
// and always returns every asset id that was created, in declaration order,
// alongside the first staging error.
func (s *AssetStager) StageAll(ctx context.Context, token string, inputs []AssetInput) ([]StagedAsset, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(inputs))
	var g errgroup.Group
	for i, in := range inputs {
		g.Go(func() error {
			id, err := s.Stage(ctx, token, in.Loader, in.Field)
			ids[i] = id
			return err
		})
	}
	err := g.Wait()

	staged := make([]StagedAsset, 0, len(inputs))
	for i, id := range ids {
		if id != "" {
			staged = append(staged, StagedAsset{ID: id, Field: inputs[i].Field})
		}
	}
	return staged, err
}

// Delete removes one remote asset.
func (s *AssetStager) Delete(ctx context.Context, token, assetID string) error {
	deleteURL := s.endpoint + "/assets/" + assetID
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, deleteURL, nil)
	if err != nil {
		return &Error{Kind: KindAssetDeleteFailure, AssetID: assetID, URL: deleteURL, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	status, body, err := s.do(req)
	if err != nil {
		return &Error{Kind: KindAssetDeleteFailure, AssetID: assetID, URL: deleteURL, Err: err}
	}
	if !isSuccess(status) {
		return &Error{Kind: KindAssetDeleteFailure, AssetID: assetID, URL: deleteURL, Status: status, Body: string(body)}
	}
	return nil
}

// Cleanup deletes every id concurrently. A failed deletion never prevents the
// others; all failures are joined into the returned error.
func (s *AssetStager) Cleanup(ctx context.Context, token string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Delete(ctx, token, id)
			if errs[i] != nil {
				s.logger.Warn("failed to delete asset", "asset_id", id, "error", errs[i])
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// do sends req and reads the whole body so the connection can be reused.
func (s *AssetStager) do(req *http.Request) (int, []byte, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
