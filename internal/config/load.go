package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load,
// e.g. NVCF_ORCH_NVCF_MAX_POLLING_ATTEMPTS.
const EnvPrefix = "NVCF_ORCH"

// setDefaults registers the default value of every key that has one.
// Every key must be registered here for AutomaticEnv to pick it up on Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.metrics_addr", "0.0.0.0:9090")
	v.SetDefault("server.worker_count", 4)
	v.SetDefault("server.queue_size", 100)
	v.SetDefault("server.job_timeout_seconds", 0)

	v.SetDefault("nvcf.base_url", "https://api.nvcf.nvidia.com")
	v.SetDefault("nvcf.auth_url", "")
	v.SetDefault("nvcf.username", "")
	v.SetDefault("nvcf.secret", "")
	v.SetDefault("nvcf.token_refresh_buffer_seconds", 20)
	v.SetDefault("nvcf.single_flight_refresh", false)
	v.SetDefault("nvcf.max_polling_attempts", 15)
	v.SetDefault("nvcf.min_polling_interval", 1.0)
	v.SetDefault("nvcf.poll_seconds", 60)
	v.SetDefault("nvcf.dialect", "request-id")
	v.SetDefault("nvcf.http_timeout_seconds", 120)
	v.SetDefault("nvcf.functions.inpaint", "")
	v.SetDefault("nvcf.functions.instruct", "")
	v.SetDefault("nvcf.functions.faceswap", "")
	v.SetDefault("nvcf.functions.faceswap_ip", "")
	v.SetDefault("nvcf.functions.avatar", "")
	v.SetDefault("nvcf.functions.diffusion", "")
	v.SetDefault("nvcf.functions.upscaler", "")
	v.SetDefault("nvcf.functions.txt2img", "")
	v.SetDefault("nvcf.functions.img2img", "")

	v.SetDefault("features.send_nsfw_params", false)
	v.SetDefault("features.send_nsfw_params_ip", false)
	v.SetDefault("features.face_index", false)
	v.SetDefault("features.ip_adapter", false)

	v.SetDefault("storage.backend", "fs")
	v.SetDefault("storage.fs_root", "./data")
	v.SetDefault("storage.s3_bucket", "")
	v.SetDefault("storage.s3_region", "")
	v.SetDefault("storage.s3_endpoint", "")
	v.SetDefault("storage.output_prefix", "")

	v.SetDefault("queue.backend", "redis")
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.redis_password", "")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.input_list", "nvcf:jobs")
	v.SetDefault("queue.output_list", "nvcf:results")
	v.SetDefault("queue.block_timeout_seconds", 20)
	v.SetDefault("queue.sqs_input_url", "")
	v.SetDefault("queue.sqs_output_url", "")
	v.SetDefault("queue.sqs_region", "")
	v.SetDefault("queue.sqs_endpoint", "")
	v.SetDefault("queue.sqs_wait_seconds", 20)
	v.SetDefault("queue.sqs_visibility_seconds", 0)

	v.SetDefault("defaults.style_model", "stable_diffusion_1.5")
	v.SetDefault("defaults.guidance", 7.0)
	v.SetDefault("defaults.txt2img_steps", 30)
	v.SetDefault("defaults.img2img_steps", 50)
	v.SetDefault("defaults.sdxl_base_steps", 20)
	v.SetDefault("defaults.instruct_steps", 50)
	v.SetDefault("defaults.faceswap_steps", 30)
	v.SetDefault("defaults.instruct_image_cfg_min", 1.4)
	v.SetDefault("defaults.instruct_image_cfg_max", 1.7)
	v.SetDefault("defaults.sdxl_model", "sd_xl_0.9")
}

// Load configuration from environment variables and optionally config files.
// A .env file in the working directory is loaded first if present; it never
// overrides variables already set in the process environment.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		jsonStringToMapHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.deriveTimeouts()
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// jsonStringToMapHook lets map-typed keys be supplied as a JSON object in a
// single environment variable, e.g. NVCF_ORCH_NVCF_FUNCTIONS_TXT2IMG='{"sd15":"fn-1"}'.
func jsonStringToMapHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Map {
		return data, nil
	}
	raw := strings.TrimSpace(data.(string))
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("expected a JSON object: %w", err)
	}
	return out, nil
}

// Validate checks the struct-tag constraints of cfg.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
