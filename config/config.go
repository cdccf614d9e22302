// vocalscribe/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	UploadDir         string        `mapstructure:"UPLOAD_DIR"`
	MaxInputSize      int64         `mapstructure:"MAX_INPUT_SIZE"`
	MaxSaveSize       int64         `mapstructure:"MAX_SAVE_SIZE"`
	AllowedExtensions []string      `mapstructure:"ALLOWED_EXTENSIONS"`
	MaxConcurrency    int           `mapstructure:"MAX_CONCURRENCY"`
	QueueSize         int           `mapstructure:"QUEUE_SIZE"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	LogFormat         string        `mapstructure:"LOG_FORMAT"`

	// Extraction
	FFBin       string        `mapstructure:"FF_BIN"`
	FFTimeout   time.Duration `mapstructure:"FF_TIMEOUT"`
	FFExtraArgs string        `mapstructure:"FF_EXTRA_ARGS"`

	// Model helpers
	PythonCmd        string        `mapstructure:"PYTHON_CMD"`
	HelperDir        string        `mapstructure:"HELPER_DIR"`
	ModelLoadTimeout time.Duration `mapstructure:"MODEL_LOAD_TIMEOUT"`

	SeparationEnable bool   `mapstructure:"SEPARATION_ENABLE"`
	DemucsModel      string `mapstructure:"DEMUCS_MODEL"`
	DemucsDevice     string `mapstructure:"DEMUCS_DEVICE"`

	WhisperModel       string        `mapstructure:"WHISPER_MODEL"`
	WhisperDevice      string        `mapstructure:"WHISPER_DEVICE"`
	WhisperComputeType string        `mapstructure:"WHISPER_COMPUTE_TYPE"`
	WhisperLanguage    string        `mapstructure:"WHISPER_LANGUAGE"`
	WhisperBeamSize    int           `mapstructure:"WHISPER_BEAM_SIZE"`
	WhisperVADFilter   bool          `mapstructure:"WHISPER_VAD_FILTER"`
	WhisperMinSilence  time.Duration `mapstructure:"WHISPER_MIN_SILENCE"`

	// Admission throttling. Zero values disable the corresponding check.
	ThrottleCPU      float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64         `mapstructure:"THROTTLE_FREEDISK"`
	ThrottleWait     time.Duration `mapstructure:"THROTTLE_WAIT"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	// .env values land in the process environment and are picked up by AutomaticEnv below.
	// Variables that are already set win.
	_ = godotenv.Load()

	vp := viper.New()

	vp.SetDefault("PORT", "8001")
	vp.SetDefault("UPLOAD_DIR", "uploads")
	vp.SetDefault("MAX_INPUT_SIZE", "500MB")
	vp.SetDefault("MAX_SAVE_SIZE", "5MB")
	vp.SetDefault("ALLOWED_EXTENSIONS", ".mp3,.wav,.m4a,.mp4,.mov,.flac")
	vp.SetDefault("MAX_CONCURRENCY", 1)
	vp.SetDefault("QUEUE_SIZE", 100)
	vp.SetDefault("CORS_ORIGINS", "*")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "text")

	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FF_TIMEOUT", "10m")
	vp.SetDefault("FF_EXTRA_ARGS", "")

	vp.SetDefault("PYTHON_CMD", "python3")
	vp.SetDefault("HELPER_DIR", "")
	vp.SetDefault("MODEL_LOAD_TIMEOUT", "10m")

	vp.SetDefault("SEPARATION_ENABLE", true)
	vp.SetDefault("DEMUCS_MODEL", "htdemucs")
	vp.SetDefault("DEMUCS_DEVICE", "auto")

	vp.SetDefault("WHISPER_MODEL", "base")
	vp.SetDefault("WHISPER_DEVICE", "auto")
	vp.SetDefault("WHISPER_COMPUTE_TYPE", "auto")
	vp.SetDefault("WHISPER_LANGUAGE", "")
	vp.SetDefault("WHISPER_BEAM_SIZE", 5)
	vp.SetDefault("WHISPER_VAD_FILTER", true)
	vp.SetDefault("WHISPER_MIN_SILENCE", "500ms")

	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("THROTTLE_WAIT", "2m")

	vp.SetConfigName("vocalscribe_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/vocalscribe/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("VOCALSCRIBE")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return nil, err
	}

	cfg.AllowedExtensions = normalizeExtensions(cfg.AllowedExtensions)
	cfg.CORSOrigins = trimAll(cfg.CORSOrigins)
	return &cfg, nil
}

// ExtensionAllowed reports whether ext (with or without the leading dot) is in AllowedExtensions.
// An empty allow-list accepts everything.
func (c *Config) ExtensionAllowed(ext string) bool {
	if len(c.AllowedExtensions) == 0 {
		return true
	}
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	for _, allowed := range c.AllowedExtensions {
		if allowed == ext {
			return true
		}
	}
	return false
}

func normalizeExtensions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, ext := range trimAll(in) {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
