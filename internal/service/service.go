package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"github.com/phrazzld/nvcf-orchestrator/internal/blobstore"
	"github.com/phrazzld/nvcf-orchestrator/internal/metrics"
	"github.com/phrazzld/nvcf-orchestrator/internal/nvcf"
)

// Job kinds accepted by Dispatch.
const (
	KindTextToImage  = "txt2img"
	KindImageToImage = "img2img"
	KindInpaint      = "inpaint"
	KindInstruct     = "instruct"
	KindFaceswap     = "faceswap"
	KindFaceswapIP   = "faceswap_ip"
	KindAvatar       = "avatar"
	KindDiffusion    = "sdxl_diffusion"
	KindUpscale      = "upscaler"
)

// TaskHandler runs a job spec to completion. *generation.Handler satisfies it.
type TaskHandler interface {
	Handle(ctx context.Context, spec *nvcf.JobSpec, taskID string, attrs *metrics.Attributes) (*nvcf.Result, error)
}

// Output locates a generated image and carries its generation profile.
type Output struct {
	TaskID  string         `json:"task_id"`
	Locator string         `json:"output"`
	Profile map[string]any `json:"profile"`
}

// GenerationService builds jobs from requests, runs them and stores the results.
type GenerationService struct {
	builder      *Builder
	handler      TaskHandler
	store        blobstore.Store
	outputPrefix string
	logger       *slog.Logger
}

// NewGenerationService creates a GenerationService. Outputs without an explicit
// key are stored under outputPrefix.
func NewGenerationService(
	builder *Builder,
	handler TaskHandler,
	store blobstore.Store,
	outputPrefix string,
	logger *slog.Logger,
) (*GenerationService, error) {
	if builder == nil {
		return nil, fmt.Errorf("%w: builder cannot be nil", ErrNilDependency)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", ErrNilDependency)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store cannot be nil", ErrNilDependency)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", ErrNilDependency)
	}
	return &GenerationService{
		builder:      builder,
		handler:      handler,
		store:        store,
		outputPrefix: outputPrefix,
		logger:       logger.With("component", "generation_service"),
	}, nil
}

// Dispatch decodes payload as the request type of kind and runs it.
func (s *GenerationService) Dispatch(ctx context.Context, kind string, payload json.RawMessage) (*Output, error) {
	switch kind {
	case KindTextToImage:
		return dispatch(ctx, payload, s.TextToImage)
	case KindImageToImage:
		return dispatch(ctx, payload, s.ImageToImage)
	case KindInpaint:
		return dispatch(ctx, payload, s.Inpaint)
	case KindInstruct:
		return dispatch(ctx, payload, s.Instruct)
	case KindFaceswap:
		return dispatch(ctx, payload, s.Faceswap)
	case KindFaceswapIP:
		return dispatch(ctx, payload, s.FaceswapIP)
	case KindAvatar:
		return dispatch(ctx, payload, s.Avatar)
	case KindDiffusion:
		return dispatch(ctx, payload, s.Diffusion)
	case KindUpscale:
		return dispatch(ctx, payload, s.Upscale)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownJobKind, kind)
	}
}

func dispatch[R any](ctx context.Context, payload json.RawMessage, run func(context.Context, *R) (*Output, error)) (*Output, error) {
	var req R
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return run(ctx, &req)
}

// TextToImage generates at the model's resolution, then upscales the result
// to the requested dimensions with the upscaler function.
func (s *GenerationService) TextToImage(ctx context.Context, req *TextToImageRequest) (*Output, error) {
	spec, err := s.builder.TextToImage(req)
	if err != nil {
		return nil, err
	}
	base, err := s.handler.Handle(ctx, spec, req.TaskID, &metrics.Attributes{Task: KindTextToImage, Model: req.Model})
	if err != nil {
		return nil, err
	}

	upscale, err := s.builder.UpscaleBytes(base.Primary, req.Width, req.Height)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "upscaling generated image",
		"task_id", req.TaskID,
		"function_id", upscale.FunctionID(),
		"width", req.Width,
		"height", req.Height)
	final, err := s.handler.Handle(ctx, upscale, req.TaskID, nil)
	if err != nil {
		return nil, err
	}

	// The upscaler has no profile output.
	return s.persist(ctx, req.Base, &nvcf.Result{RequestID: final.RequestID, Primary: final.Primary})
}

// ImageToImage runs an image to image request.
func (s *GenerationService) ImageToImage(ctx context.Context, req *ImageToImageRequest) (*Output, error) {
	return s.run(ctx, KindImageToImage, req.Base, func() (*nvcf.JobSpec, error) { return s.builder.ImageToImage(req) })
}

// Inpaint runs an inpainting request.
func (s *GenerationService) Inpaint(ctx context.Context, req *InpaintRequest) (*Output, error) {
	return s.run(ctx, KindInpaint, req.Base, func() (*nvcf.JobSpec, error) { return s.builder.Inpaint(req) })
}

// Instruct runs an instruction-following edit request.
func (s *GenerationService) Instruct(ctx context.Context, req *InstructRequest) (*Output, error) {
	return s.run(ctx, KindInstruct, req.Base, func() (*nvcf.JobSpec, error) { return s.builder.Instruct(req) })
}

// Faceswap runs a face swap request.
func (s *GenerationService) Faceswap(ctx context.Context, req *FaceswapRequest) (*Output, error) {
	return s.run(ctx, KindFaceswap, req.Base, func() (*nvcf.JobSpec, error) { return s.builder.Faceswap(req) })
}

// FaceswapIP runs an IP adapter face swap request.
func (s *GenerationService) FaceswapIP(ctx context.Context, req *FaceswapIPRequest) (*Output, error) {
	return s.run(ctx, KindFaceswapIP, req.Base, func() (*nvcf.JobSpec, error) { return s.builder.FaceswapIP(req) })
}

// Avatar runs an avatar request.
func (s *GenerationService) Avatar(ctx context.Context, req *AvatarRequest) (*Output, error) {
	return s.run(ctx, KindAvatar, req.Base, func() (*nvcf.JobSpec, error) { return s.builder.Avatar(req) })
}

// Diffusion runs a flagship diffusion request and returns its profile.
func (s *GenerationService) Diffusion(ctx context.Context, req *DiffusionRequest) (*Output, error) {
	return s.run(ctx, KindDiffusion, req.Base, func() (*nvcf.JobSpec, error) { return s.builder.Diffusion(req) })
}

// Upscale runs an upscaler request.
func (s *GenerationService) Upscale(ctx context.Context, req *UpscaleRequest) (*Output, error) {
	return s.run(ctx, KindUpscale, req.Base, func() (*nvcf.JobSpec, error) { return s.builder.Upscale(req) })
}

func (s *GenerationService) run(ctx context.Context, kind string, base Base, build func() (*nvcf.JobSpec, error)) (*Output, error) {
	spec, err := build()
	if err != nil {
		return nil, err
	}
	res, err := s.handler.Handle(ctx, spec, base.TaskID, &metrics.Attributes{Task: kind, Model: base.Model})
	if err != nil {
		return nil, err
	}
	return s.persist(ctx, base, res)
}

// persist stores the primary image and decodes the profile, when present.
func (s *GenerationService) persist(ctx context.Context, base Base, res *nvcf.Result) (*Output, error) {
	profile := map[string]any{}
	if len(res.Auxiliary) > 0 {
		if err := json.Unmarshal([]byte(res.Auxiliary[0]), &profile); err != nil {
			return nil, &ServiceError{Operation: "decode_profile", TaskID: base.TaskID, Err: err}
		}
		if profile == nil {
			profile = map[string]any{}
		}
	}

	key := base.OutputKey
	if key == "" {
		key = path.Join(s.outputPrefix, base.TaskID+".jpeg")
	}
	locator, err := s.store.Put(ctx, key, res.Primary, ContentTypeJPEG)
	if err != nil {
		return nil, &ServiceError{Operation: "persist_output", TaskID: base.TaskID, Err: err}
	}
	s.logger.InfoContext(ctx, "stored generated image", "task_id", base.TaskID, "locator", locator)

	return &Output{TaskID: base.TaskID, Locator: locator, Profile: profile}, nil
}
