package service

import "encoding/json"

// ImageInput points at an input image in the blob store.
type ImageInput struct {
	// Locator is a blob store locator (s3://bucket/key, file://key) or a bare key.
	Locator string `json:"locator" validate:"required"`
	// Weight is the influence of the image on the generation, where the
	// remote function accepts one.
	Weight float64 `json:"weight" validate:"gte=0"`
}

// Base carries the fields shared by every request kind.
type Base struct {
	TaskID string `json:"task_id" validate:"required"`
	Model  string `json:"model,omitempty"`
	// OutputKey overrides the blob key the generated image is stored under.
	OutputKey string `json:"output_key,omitempty"`
}

// Prompted is embedded by requests that carry prompts and explicit dimensions.
type Prompted struct {
	Prompt         string  `json:"prompt" validate:"required"`
	NegativePrompt *string `json:"negative_prompt,omitempty"`
	Width          int     `json:"width" validate:"gt=0"`
	Height         int     `json:"height" validate:"gt=0"`
	Seed           *uint32 `json:"seed,omitempty"`
}

// TextToImageRequest generates an image from a prompt and upscales it to the
// requested size.
type TextToImageRequest struct {
	Base
	Prompted
	Guidance *float64 `json:"guidance,omitempty" validate:"omitempty,gte=0,lte=40"`
}

// ImageToImageRequest restyles an input image.
type ImageToImageRequest struct {
	Base
	Prompted
	Guidance *float64   `json:"guidance,omitempty" validate:"omitempty,gte=0,lte=40"`
	Image    ImageInput `json:"image"`
}

// InpaintRequest regenerates the masked region of an input image.
type InpaintRequest struct {
	Base
	Prompted
	InputImage ImageInput `json:"input_image"`
	InputMask  ImageInput `json:"input_mask"`
}

// InstructRequest edits an input image following the prompt as an instruction.
type InstructRequest struct {
	Base
	Prompted
	Image ImageInput `json:"image"`
}

// FaceswapRequest places the face of the source image onto the target image.
type FaceswapRequest struct {
	Base
	Prompt         string   `json:"prompt" validate:"required"`
	NegativePrompt *string  `json:"negative_prompt,omitempty"`
	Seed           *uint32  `json:"seed,omitempty"`
	Guidance       *float64 `json:"guidance,omitempty" validate:"omitempty,gte=0,lte=40"`
	Steps          *int     `json:"steps,omitempty" validate:"omitempty,gte=0,lte=100"`

	SourceImage ImageInput `json:"source_image"`
	TargetImage ImageInput `json:"target_image"`

	InputImageStrength *float64 `json:"input_image_strength,omitempty"`
	DoIPAdapter        *bool    `json:"do_ip_adapter,omitempty"`
	IPScale            *float64 `json:"ip_scale,omitempty"`
	FaceIndex          *int     `json:"face_index,omitempty" validate:"omitempty,gte=0"`
	AllowNSFW          bool     `json:"allow_nsfw"`
	ImgNSFWThreshold   *float64 `json:"img_nsfw_threshold,omitempty"`
}

// FaceswapIPRequest swaps faces through an IP adapter checkpoint, optionally
// followed by a high resolution resample pass.
type FaceswapIPRequest struct {
	Base
	Prompted
	Guidance *float64 `json:"guidance,omitempty" validate:"omitempty,gte=0,lte=40"`
	Steps    *int     `json:"steps,omitempty" validate:"omitempty,gte=0,lte=100"`

	Checkpoint string `json:"checkpoint" validate:"required"`

	EnableHighResolutionResample        bool     `json:"enable_high_resolution_resample"`
	HighResolutionResampleScaleFactor   *float64 `json:"high_resolution_resample_scale_factor,omitempty"`
	HighResolutionResampleSteps         *int     `json:"high_resolution_resample_steps,omitempty"`
	HighResolutionResampleStrength      *float64 `json:"high_resolution_resample_strength,omitempty"`
	HighResolutionResampleIPScale       *float64 `json:"high_resolution_resample_ip_scale,omitempty"`
	HighResolutionResampleGuidanceScale *float64 `json:"high_resolution_resample_guidance_scale,omitempty"`

	EnableGFPGAN *bool `json:"enable_gfpgan,omitempty"`

	IPImage          ImageInput  `json:"ip_image"`
	TargetImage      *ImageInput `json:"target_image,omitempty"`
	AllowNSFW        bool        `json:"allow_nsfw"`
	ImgNSFWThreshold *float64    `json:"img_nsfw_threshold,omitempty"`
}

// AvatarRequest renders a stylized avatar from a source portrait.
type AvatarRequest struct {
	Base
	Prompted
	Guidance    *float64   `json:"guidance,omitempty" validate:"omitempty,gte=0,lte=40"`
	Steps       *int       `json:"steps,omitempty" validate:"omitempty,gte=0,lte=100"`
	SourceImage ImageInput `json:"source_image"`
}

// DiffusionStyleParams tunes the flagship diffusion function. It is forwarded
// as a JSON string.
type DiffusionStyleParams struct {
	PromptTemplate         string   `json:"prompt_template"`
	TextCFG                *float64 `json:"text_cfg"`
	StepsOverride          *int     `json:"steps_override"`
	UncondPrompt           *string  `json:"uncond_prompt"`
	Height                 *int     `json:"height"`
	Width                  *int     `json:"width"`
	Nrow                   int      `json:"nrow"`
	SDCFGScale             *float64 `json:"sd_cfg_scale"`
	SDCFGScaleStart        *float64 `json:"sd_cfg_scale_start"`
	SDCFGScaleEnd          *float64 `json:"sd_cfg_scale_end"`
	Model                  *string  `json:"model,omitempty"`
	T2IScheduler           *string  `json:"t2i_scheduler"`
	T2ISchedulerSteps      *int     `json:"t2i_scheduler_steps"`
	I2IScheduler           *string  `json:"i2i_scheduler"`
	I2ISchedulerSteps      *int     `json:"i2i_scheduler_steps"`
	InstructScheduler      *string  `json:"instruct_scheduler"`
	InstructSchedulerSteps *int     `json:"instruct_scheduler_steps"`
	DDIMEta                *float64 `json:"ddim_eta"`
}

// wire returns the JSON sent to the function. The model is chosen by the
// function id, so it is left out.
func (p DiffusionStyleParams) wire() (string, error) {
	p.Model = nil
	if p.PromptTemplate == "" {
		p.PromptTemplate = "%"
	}
	if p.Nrow == 0 {
		p.Nrow = 2
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DiffusionRequest runs the flagship diffusion function, which also returns
// a generation profile.
type DiffusionRequest struct {
	Base
	UserPrompt         string               `json:"user_prompt" validate:"required"`
	DesiredFinalWidth  int                  `json:"desired_final_width" validate:"gt=0"`
	DesiredFinalHeight int                  `json:"desired_final_height" validate:"gt=0"`
	StyleParams        DiffusionStyleParams `json:"style_params"`
	AllowNSFW          bool                 `json:"allow_nsfw"`
	Seed               *uint32              `json:"seed,omitempty"`
	InputImage         *ImageInput          `json:"input_image,omitempty"`
	MaskImage          *ImageInput          `json:"mask_image,omitempty"`
}

// UpscaleRequest resizes an existing image to the desired dimensions.
type UpscaleRequest struct {
	Base
	OriginalImage ImageInput `json:"original_image"`
	DesiredWidth  int        `json:"desired_width" validate:"gt=0"`
	DesiredHeight int        `json:"desired_height" validate:"gt=0"`
}
