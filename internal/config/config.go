package config

import "math"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	NVCF     NVCFConfig     `mapstructure:"nvcf" validate:"required"`
	Features FeatureConfig  `mapstructure:"features"`
	Storage  StorageConfig  `mapstructure:"storage" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Defaults DefaultsConfig `mapstructure:"defaults" validate:"required"`
}

// ServerConfig contains process-level settings.
type ServerConfig struct {
	LogLevel    string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	MetricsAddr string `mapstructure:"metrics_addr" validate:"required,hostname_port"`
	// WorkerCount is the number of jobs processed concurrently by the worker pool.
	WorkerCount int `mapstructure:"worker_count" validate:"gt=0"`
	// QueueSize is the buffer size of the in-memory task queue.
	QueueSize int `mapstructure:"queue_size" validate:"gt=0"`
	// JobTimeoutSeconds bounds a single job end-to-end, including cleanup of
	// staged assets. Zero derives it from the NVCF polling budget; an explicit
	// value below that budget cancels slow jobs before PollTimeout can fire.
	JobTimeoutSeconds int `mapstructure:"job_timeout_seconds" validate:"gt=0"`
}

// NVCFConfig contains the remote inference service settings.
type NVCFConfig struct {
	BaseURL  string `mapstructure:"base_url" validate:"required,url"`
	AuthURL  string `mapstructure:"auth_url" validate:"required,url"`
	Username string `mapstructure:"username" validate:"required"`
	Secret   string `mapstructure:"secret" validate:"required"`

	TokenRefreshBufferSeconds int  `mapstructure:"token_refresh_buffer_seconds" validate:"gte=0"`
	SingleFlightRefresh       bool `mapstructure:"single_flight_refresh"`

	MaxPollAttempts int     `mapstructure:"max_polling_attempts" validate:"gt=0"`
	MinPollInterval float64 `mapstructure:"min_polling_interval" validate:"gte=0"`
	PollSeconds     int     `mapstructure:"poll_seconds" validate:"gte=0,lte=300"`
	// Dialect selects the submit/poll status convention: "redirect" or "request-id".
	Dialect string `mapstructure:"dialect" validate:"required,oneof=redirect request-id"`

	HTTPTimeoutSeconds int `mapstructure:"http_timeout_seconds" validate:"gt=0"`

	Functions FunctionsConfig `mapstructure:"functions"`
}

// FunctionsConfig maps logical job kinds onto remote function ids.
type FunctionsConfig struct {
	Inpaint    string `mapstructure:"inpaint"`
	Instruct   string `mapstructure:"instruct"`
	Faceswap   string `mapstructure:"faceswap"`
	FaceswapIP string `mapstructure:"faceswap_ip"`
	Avatar     string `mapstructure:"avatar"`
	// Diffusion is the flagship diffusion function; its NSFW rejections are reported separately.
	Diffusion string `mapstructure:"diffusion"`
	Upscaler  string `mapstructure:"upscaler"`
	// TextToImage and ImageToImage map a style model name onto a function id.
	TextToImage  map[string]string `mapstructure:"txt2img"`
	ImageToImage map[string]string `mapstructure:"img2img"`
}

// FeatureConfig gates optional parameters sent to the remote functions.
type FeatureConfig struct {
	SendNSFWParams   bool `mapstructure:"send_nsfw_params"`
	SendNSFWParamsIP bool `mapstructure:"send_nsfw_params_ip"`
	FaceIndex        bool `mapstructure:"face_index"`
	IPAdapter        bool `mapstructure:"ip_adapter"`
}

// StorageConfig selects and configures the blob store for inputs and outputs.
type StorageConfig struct {
	Backend      string `mapstructure:"backend" validate:"required,oneof=fs s3"`
	FSRoot       string `mapstructure:"fs_root" validate:"required_if=Backend fs"`
	S3Bucket     string `mapstructure:"s3_bucket" validate:"required_if=Backend s3"`
	S3Region     string `mapstructure:"s3_region"`
	S3Endpoint   string `mapstructure:"s3_endpoint" validate:"omitempty,url"`
	OutputPrefix string `mapstructure:"output_prefix"`
}

// QueueConfig selects the message queue jobs are consumed from and results
// published to. Redis uses a pair of lists; SQS uses a pair of queues.
type QueueConfig struct {
	Backend string `mapstructure:"backend" validate:"required,oneof=redis sqs"`

	RedisAddr           string `mapstructure:"redis_addr" validate:"required_if=Backend redis,omitempty,hostname_port"`
	RedisPassword       string `mapstructure:"redis_password"`
	RedisDB             int    `mapstructure:"redis_db" validate:"gte=0"`
	InputList           string `mapstructure:"input_list" validate:"required_if=Backend redis"`
	OutputList          string `mapstructure:"output_list" validate:"required_if=Backend redis"`
	BlockTimeoutSeconds int    `mapstructure:"block_timeout_seconds" validate:"gt=0"`

	SQSInputURL  string `mapstructure:"sqs_input_url" validate:"required_if=Backend sqs,omitempty,url"`
	SQSOutputURL string `mapstructure:"sqs_output_url" validate:"required_if=Backend sqs,omitempty,url"`
	SQSRegion    string `mapstructure:"sqs_region"`
	SQSEndpoint  string `mapstructure:"sqs_endpoint" validate:"omitempty,url"`
	// SQSWaitSeconds is the long-poll duration of a receive; SQS caps it at 20.
	SQSWaitSeconds int `mapstructure:"sqs_wait_seconds" validate:"gte=0,lte=20"`
	// SQSVisibilitySeconds should exceed server.job_timeout_seconds so a
	// message is not redelivered while its job is still running. Zero derives
	// it from the job timeout.
	SQSVisibilitySeconds int `mapstructure:"sqs_visibility_seconds" validate:"gt=0"`
}

// DefaultsConfig holds generation defaults applied when a request leaves a value unset.
type DefaultsConfig struct {
	StyleModel          string  `mapstructure:"style_model" validate:"required"`
	Guidance            float64 `mapstructure:"guidance" validate:"gte=0"`
	TextToImageSteps    int     `mapstructure:"txt2img_steps" validate:"gt=0"`
	ImageToImageSteps   int     `mapstructure:"img2img_steps" validate:"gt=0"`
	SDXLBaseSteps       int     `mapstructure:"sdxl_base_steps" validate:"gt=0"`
	InstructSteps       int     `mapstructure:"instruct_steps" validate:"gt=0"`
	FaceswapSteps       int     `mapstructure:"faceswap_steps" validate:"gt=0"`
	InstructImageCFGMin float64 `mapstructure:"instruct_image_cfg_min" validate:"gte=0"`
	InstructImageCFGMax float64 `mapstructure:"instruct_image_cfg_max" validate:"gtefield=InstructImageCFGMin"`
	SDXLModel           string  `mapstructure:"sdxl_model"`
}

const (
	// chainedStages is the most remote jobs one task runs in sequence
	// (text-to-image followed by the upscaler).
	chainedStages = 2
	// jobOverheadSeconds covers asset staging, result decoding and cleanup.
	jobOverheadSeconds = 120
	// visibilityMarginSeconds keeps an SQS message hidden past the job timeout.
	visibilityMarginSeconds = 60
)

// PollBudgetSeconds is the longest one remote job can poll before PollTimeout:
// every attempt lasts at least the server-side hold or the minimum interval.
func (c NVCFConfig) PollBudgetSeconds() int {
	perAttempt := int(math.Ceil(c.MinPollInterval))
	if c.PollSeconds > perAttempt {
		perAttempt = c.PollSeconds
	}
	return c.MaxPollAttempts * perAttempt
}

// deriveTimeouts fills the timeouts left at zero.
func (c *Config) deriveTimeouts() {
	if c.Server.JobTimeoutSeconds == 0 {
		c.Server.JobTimeoutSeconds = chainedStages*c.NVCF.PollBudgetSeconds() + jobOverheadSeconds
	}
	if c.Queue.SQSVisibilitySeconds == 0 {
		c.Queue.SQSVisibilitySeconds = c.Server.JobTimeoutSeconds + visibilityMarginSeconds
	}
}
