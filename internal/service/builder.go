package service

import (
	"fmt"
	"math/rand/v2"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/nvcf-orchestrator/internal/config"
	"github.com/phrazzld/nvcf-orchestrator/internal/nvcf"
)

const (
	// ProfileOutput is the secondary output returned by the diffusion function.
	ProfileOutput = "profile"

	maxSeed = 1_000_000_000

	defaultFaceswapInputStrength = 0.3
	defaultFaceswapIPScale       = 0.3
	defaultNSFWThreshold         = 0.9

	defaultResampleScaleFactor   = 1.5
	defaultResampleSteps         = 20
	defaultResampleStrength      = 0.5
	defaultResampleIPScale       = 0.5
	defaultResampleGuidanceScale = 1.0
)

// ResolutionFunc maps requested output dimensions onto the dimensions a model
// generates at.
type ResolutionFunc func(model string, width, height int) (int, int)

// PassThroughResolution generates at the requested dimensions.
func PassThroughResolution(_ string, width, height int) (int, int) {
	return width, height
}

// Builder turns client requests into job specs.
type Builder struct {
	functions  config.FunctionsConfig
	features   config.FeatureConfig
	defaults   config.DefaultsConfig
	images     *ImageLoader
	resolution ResolutionFunc
	validate   *validator.Validate

	seed    func() uint32
	uniform func() float64
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithResolution sets the resolution policy. The default passes dimensions through.
func WithResolution(fn ResolutionFunc) BuilderOption {
	return func(b *Builder) { b.resolution = fn }
}

// WithRandom replaces the random sources used for seeds and sampled guidance.
// uniform must return values in [0, 1).
func WithRandom(seed func() uint32, uniform func() float64) BuilderOption {
	return func(b *Builder) {
		b.seed = seed
		b.uniform = uniform
	}
}

// NewBuilder creates a Builder.
func NewBuilder(
	functions config.FunctionsConfig,
	features config.FeatureConfig,
	defaults config.DefaultsConfig,
	images *ImageLoader,
	opts ...BuilderOption,
) (*Builder, error) {
	if images == nil {
		return nil, fmt.Errorf("%w: image loader cannot be nil", ErrNilDependency)
	}
	b := &Builder{
		functions:  functions,
		features:   features,
		defaults:   defaults,
		images:     images,
		resolution: PassThroughResolution,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		seed:       func() uint32 { return rand.Uint32N(maxSeed) },
		uniform:    rand.Float64,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Builder) check(req any) error {
	if err := b.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func (b *Builder) model(m string) string {
	if m == "" {
		return b.defaults.StyleModel
	}
	return m
}

func lookup(functions map[string]string, model string) (string, error) {
	fn, ok := functions[model]
	if !ok || fn == "" {
		return "", fmt.Errorf("%w %q", ErrUnknownModel, model)
	}
	return fn, nil
}

func required(id, kind string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrFunctionNotConfigured, kind)
	}
	return id, nil
}

func (b *Builder) seedOf(s *uint32) uint32 {
	if s != nil {
		return *s
	}
	return b.seed()
}

func (b *Builder) guidanceOf(g *float64) float64 {
	if g != nil {
		return *g
	}
	return b.defaults.Guidance
}

// instructGuidance samples the image guidance used by the instruct and
// inpaint functions.
func (b *Builder) instructGuidance() float64 {
	lo, hi := b.defaults.InstructImageCFGMin, b.defaults.InstructImageCFGMax
	return lo + b.uniform()*(hi-lo)
}

func orDefault[T any](v *T, def T) T {
	if v != nil {
		return *v
	}
	return def
}

// dims applies the resolution policy and returns the dimension parameters.
func (b *Builder) dims(sb *nvcf.SpecBuilder, model string, p Prompted) (int, int) {
	w, h := b.resolution(model, p.Width, p.Height)
	sb.Typed("width", w, nvcf.DatatypeUint16).
		Typed("height", h, nvcf.DatatypeUint16)
	return w, h
}

func (b *Builder) prompts(sb *nvcf.SpecBuilder, p Prompted) {
	sb.Param("prompt", p.Prompt).
		Param("negative_prompt", p.NegativePrompt)
}

// TextToImage builds the first stage of a text to image request.
func (b *Builder) TextToImage(req *TextToImageRequest) (*nvcf.JobSpec, error) {
	if err := b.check(req); err != nil {
		return nil, err
	}
	model := b.model(req.Model)
	fn, err := lookup(b.functions.TextToImage, model)
	if err != nil {
		return nil, err
	}

	sb := nvcf.NewSpec(fn)
	b.prompts(sb, req.Prompted)
	b.dims(sb, model, req.Prompted)
	sb.Param("guidance", b.guidanceOf(req.Guidance)).
		Typed("steps", b.defaults.TextToImageSteps, nvcf.DatatypeUint16).
		Typed("seed", b.seedOf(req.Seed), nvcf.DatatypeUint32)
	return sb.Build(), nil
}

// ImageToImage builds an image to image job. The input image is resized to
// the generation dimensions.
func (b *Builder) ImageToImage(req *ImageToImageRequest) (*nvcf.JobSpec, error) {
	if err := b.check(req); err != nil {
		return nil, err
	}
	model := b.model(req.Model)
	fn, err := lookup(b.functions.ImageToImage, model)
	if err != nil {
		return nil, err
	}

	steps := b.defaults.ImageToImageSteps
	if b.defaults.SDXLModel != "" && req.Model == b.defaults.SDXLModel {
		steps = b.defaults.SDXLBaseSteps
	}

	sb := nvcf.NewSpec(fn)
	b.prompts(sb, req.Prompted)
	w, h := b.dims(sb, model, req.Prompted)
	sb.Param("strength", req.Image.Weight).
		Param("guidance", b.guidanceOf(req.Guidance)).
		Typed("steps", steps, nvcf.DatatypeUint16).
		Typed("seed", b.seedOf(req.Seed), nvcf.DatatypeUint32).
		Asset("image", b.images.Loader(&req.Image, w, h))
	return sb.Build(), nil
}

// Inpaint builds an inpainting job.
func (b *Builder) Inpaint(req *InpaintRequest) (*nvcf.JobSpec, error) {
	if err := b.check(req); err != nil {
		return nil, err
	}
	fn, err := required(b.functions.Inpaint, "inpaint")
	if err != nil {
		return nil, err
	}

	sb := nvcf.NewSpec(fn)
	b.prompts(sb, req.Prompted)
	w, h := b.dims(sb, b.model(req.Model), req.Prompted)
	// TODO: invert the mask once the inpaint function expects white-is-keep masks.
	sb.Param("strength", 1.0).
		Param("guidance", b.instructGuidance()).
		Typed("steps", b.defaults.InstructSteps, nvcf.DatatypeUint16).
		Typed("seed", b.seedOf(req.Seed), nvcf.DatatypeUint32).
		Asset("input_image", b.images.Loader(&req.InputImage, w, h)).
		Asset("input_mask", b.images.Loader(&req.InputMask, w, h))
	return sb.Build(), nil
}

// Instruct builds an instruction-following edit job.
func (b *Builder) Instruct(req *InstructRequest) (*nvcf.JobSpec, error) {
	if err := b.check(req); err != nil {
		return nil, err
	}
	fn, err := required(b.functions.Instruct, "instruct")
	if err != nil {
		return nil, err
	}

	sb := nvcf.NewSpec(fn)
	b.prompts(sb, req.Prompted)
	w, h := b.dims(sb, b.model(req.Model), req.Prompted)
	sb.Param("guidance", b.instructGuidance()).
		Typed("steps", b.defaults.InstructSteps, nvcf.DatatypeUint16).
		Typed("seed", b.seedOf(req.Seed), nvcf.DatatypeUint32).
		Asset("image", b.images.Loader(&req.Image, w, h))
	return sb.Build(), nil
}

// Faceswap builds a face swap job. Optional parameters are sent only when
// their feature flag is on.
func (b *Builder) Faceswap(req *FaceswapRequest) (*nvcf.JobSpec, error) {
	if err := b.check(req); err != nil {
		return nil, err
	}
	fn, err := required(b.functions.Faceswap, "faceswap")
	if err != nil {
		return nil, err
	}

	sb := nvcf.NewSpec(fn).
		Param("prompt", req.Prompt).
		Param("negative_prompt", req.NegativePrompt).
		Typed("steps", orDefault(req.Steps, b.defaults.FaceswapSteps), nvcf.DatatypeUint16).
		Typed("seed", b.seedOf(req.Seed), nvcf.DatatypeUint32).
		Param("guidance", req.Guidance).
		Param("input_image_strength", orDefault(req.InputImageStrength, defaultFaceswapInputStrength)).
		Param("ip_scale", orDefault(req.IPScale, defaultFaceswapIPScale))
	if b.features.SendNSFWParams {
		sb.Param("allow_nsfw", req.AllowNSFW).
			Param("img_nsfw_threshold", orDefault(req.ImgNSFWThreshold, defaultNSFWThreshold))
	}
	if b.features.FaceIndex {
		sb.Typed("face_index", orDefault(req.FaceIndex, 0), nvcf.DatatypeUint16)
	}
	if b.features.IPAdapter {
		sb.Param("do_ip_adapter", orDefault(req.DoIPAdapter, true))
	}
	sb.Asset("source_image", b.images.Loader(&req.SourceImage, 0, 0)).
		Asset("target_image", b.images.Loader(&req.TargetImage, 0, 0))
	return sb.Build(), nil
}

// FaceswapIP builds an IP adapter face swap job.
func (b *Builder) FaceswapIP(req *FaceswapIPRequest) (*nvcf.JobSpec, error) {
	if err := b.check(req); err != nil {
		return nil, err
	}
	fn, err := required(b.functions.FaceswapIP, "faceswap_ip")
	if err != nil {
		return nil, err
	}

	var targetStrength *float64
	if req.TargetImage != nil {
		targetStrength = &req.TargetImage.Weight
	}

	sb := nvcf.NewSpec(fn)
	b.prompts(sb, req.Prompted)
	sb.Param("width", req.Width).
		Param("height", req.Height).
		Typed("steps", req.Steps, nvcf.DatatypeUint16).
		Typed("seed", b.seedOf(req.Seed), nvcf.DatatypeUint32).
		Param("guidance", req.Guidance).
		Param("ip_scale", req.IPImage.Weight).
		Param("input_image_strength", targetStrength).
		Param("enable_high_resolution_resample", req.EnableHighResolutionResample).
		Param("high_resolution_resample_scale_factor", orDefault(req.HighResolutionResampleScaleFactor, defaultResampleScaleFactor)).
		Typed("high_resolution_resample_steps", orDefault(req.HighResolutionResampleSteps, defaultResampleSteps), nvcf.DatatypeUint16).
		Param("high_resolution_resample_strength", orDefault(req.HighResolutionResampleStrength, defaultResampleStrength)).
		Param("high_resolution_resample_ip_scale", orDefault(req.HighResolutionResampleIPScale, defaultResampleIPScale)).
		Param("high_resolution_resample_guidance_scale", orDefault(req.HighResolutionResampleGuidanceScale, defaultResampleGuidanceScale)).
		Param("enable_gfpgan", orDefault(req.EnableGFPGAN, true)).
		Param("checkpoint", req.Checkpoint)
	if b.features.SendNSFWParamsIP {
		sb.Param("allow_nsfw", req.AllowNSFW).
			Param("img_nsfw_threshold", orDefault(req.ImgNSFWThreshold, defaultNSFWThreshold))
	}
	sb.Asset("source_image", b.images.Loader(&req.IPImage, 0, 0)).
		Asset("target_image", b.images.Loader(req.TargetImage, 0, 0))
	return sb.Build(), nil
}

// Avatar builds an avatar job. The source image is resized to the requested size.
func (b *Builder) Avatar(req *AvatarRequest) (*nvcf.JobSpec, error) {
	if err := b.check(req); err != nil {
		return nil, err
	}
	fn, err := required(b.functions.Avatar, "avatar")
	if err != nil {
		return nil, err
	}

	sb := nvcf.NewSpec(fn)
	b.prompts(sb, req.Prompted)
	sb.Typed("steps", req.Steps, nvcf.DatatypeUint16).
		Typed("seed", b.seedOf(req.Seed), nvcf.DatatypeUint32).
		Param("guidance", req.Guidance).
		Param("ip_scale", req.SourceImage.Weight).
		Param("width", req.Width).
		Param("height", req.Height).
		Asset("source_image", b.images.Loader(&req.SourceImage, req.Width, req.Height))
	return sb.Build(), nil
}

// Diffusion builds a flagship diffusion job, which also requests the profile output.
func (b *Builder) Diffusion(req *DiffusionRequest) (*nvcf.JobSpec, error) {
	if err := b.check(req); err != nil {
		return nil, err
	}
	fn, err := required(b.functions.Diffusion, "diffusion")
	if err != nil {
		return nil, err
	}
	style, err := req.StyleParams.wire()
	if err != nil {
		return nil, fmt.Errorf("%w: style params: %v", ErrInvalidRequest, err)
	}

	var inputStrength *float64
	if req.InputImage != nil {
		inputStrength = &req.InputImage.Weight
	}

	return nvcf.NewSpec(fn).
		Param("user_prompt", req.UserPrompt).
		Param("style_params", style).
		Typed("seed", b.seedOf(req.Seed), nvcf.DatatypeUint32).
		Param("desired_final_width", req.DesiredFinalWidth).
		Param("desired_final_height", req.DesiredFinalHeight).
		Param("input_image_strength", inputStrength).
		Asset("input_image_path", b.images.Loader(req.InputImage, 0, 0)).
		Asset("mask_image_path", b.images.Loader(req.MaskImage, 0, 0)).
		ProfileOutput(ProfileOutput).
		Build(), nil
}

// Upscale builds an upscaler job for an image in the blob store.
func (b *Builder) Upscale(req *UpscaleRequest) (*nvcf.JobSpec, error) {
	if err := b.check(req); err != nil {
		return nil, err
	}
	return b.upscale(b.images.Loader(&req.OriginalImage, 0, 0), req.DesiredWidth, req.DesiredHeight, nvcf.InferDatatype(req.DesiredWidth))
}

// UpscaleBytes builds an upscaler job for an image already in memory, as the
// second stage of a text to image request.
func (b *Builder) UpscaleBytes(image []byte, width, height int) (*nvcf.JobSpec, error) {
	return b.upscale(BytesLoader(image, ContentTypeJPEG), width, height, nvcf.DatatypeUint16)
}

func (b *Builder) upscale(loader nvcf.AssetLoader, width, height int, dt nvcf.Datatype) (*nvcf.JobSpec, error) {
	fn, err := required(b.functions.Upscaler, "upscaler")
	if err != nil {
		return nil, err
	}
	return nvcf.NewSpec(fn).
		Typed("desired_width", width, dt).
		Typed("desired_height", height, dt).
		Asset("original_image", loader).
		Build(), nil
}
