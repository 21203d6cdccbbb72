// mediabatch/config/config.go
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// NoTranslation is the target language sentinel that disables the translating stage.
const NoTranslation = "None"

var knownFormats = map[string]bool{
	"srt":  true,
	"vtt":  true,
	"txt":  true,
	"json": true,
	"csv":  true,
}

type Config struct {
	Concurrency       int           `mapstructure:"CONCURRENCY"`
	Model             string        `mapstructure:"MODEL"`
	TargetLang        string        `mapstructure:"TARGET_LANG"`
	OutputDir         string        `mapstructure:"OUTPUT_DIR"`
	Formats           []string      `mapstructure:"FORMATS"`
	ProgressInterval  time.Duration `mapstructure:"PROGRESS_INTERVAL"`
	DequeueTimeout    time.Duration `mapstructure:"DEQUEUE_TIMEOUT"`
	TranscribeTimeout time.Duration `mapstructure:"TRANSCRIBE_TIMEOUT"`
	TranslateTimeout  time.Duration `mapstructure:"TRANSLATE_TIMEOUT"`
	CacheEnable       bool          `mapstructure:"CACHE_ENABLE"`
	CacheDir          string        `mapstructure:"CACHE_DIR"`
	CacheMaxSize      int64         `mapstructure:"CACHE_MAX_SIZE"`
	CacheTTL          time.Duration `mapstructure:"CACHE_TTL"`
	CacheMinFreeDisk  int64         `mapstructure:"CACHE_MIN_FREE_DISK"`
	DownloadCmd       string        `mapstructure:"DOWNLOAD_CMD"`
	TranscribeCmd     string        `mapstructure:"TRANSCRIBE_CMD"`
	TranslateURL      string        `mapstructure:"TRANSLATE_URL"`
	TranslateKey      string        `mapstructure:"TRANSLATE_KEY"`
	MaxInputSize      int64         `mapstructure:"MAX_INPUT_SIZE"`
	ThrottleCPU       float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem   int64         `mapstructure:"THROTTLE_FREEMEM"`
	SessionDB         string        `mapstructure:"SESSION_DB"`
	AuthEnable        bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey           string        `mapstructure:"AUTH_KEY"`
	Port              string        `mapstructure:"PORT"`
	BaseURL           string        `mapstructure:"BASE"`
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

		size, err := ParseByteSize(data.(string))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return size, nil
	}
}

// ParseByteSize parses "500MB", "5GB" or a plain byte count.
func ParseByteSize(s string) (int64, error) {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(size.Bytes()), nil
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("CONCURRENCY", 2)
	vp.SetDefault("MODEL", "base")
	vp.SetDefault("TARGET_LANG", NoTranslation)
	vp.SetDefault("OUTPUT_DIR", "./output")
	vp.SetDefault("FORMATS", "srt,txt")
	vp.SetDefault("PROGRESS_INTERVAL", "500ms")
	vp.SetDefault("DEQUEUE_TIMEOUT", "1s")
	vp.SetDefault("TRANSCRIBE_TIMEOUT", "2h")
	vp.SetDefault("TRANSLATE_TIMEOUT", "10m")
	vp.SetDefault("CACHE_ENABLE", true)
	vp.SetDefault("CACHE_DIR", "./cache")
	vp.SetDefault("CACHE_MAX_SIZE", "5GB")
	vp.SetDefault("CACHE_TTL", "168h")
	vp.SetDefault("CACHE_MIN_FREE_DISK", "200MB")
	vp.SetDefault("DOWNLOAD_CMD", "yt-dlp -x --audio-format mp3 --newline --print-json -o ${OUTPUT} ${URL}")
	vp.SetDefault("TRANSCRIBE_CMD", "whisper-json --model ${MODEL} ${INPUT}")
	vp.SetDefault("TRANSLATE_URL", "")
	vp.SetDefault("TRANSLATE_KEY", "")
	vp.SetDefault("MAX_INPUT_SIZE", "2GB")
	vp.SetDefault("THROTTLE_CPU", 10.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("SESSION_DB", "./mediabatch.db")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
}

// Load reads configuration from defaults, an optional YAML file and MEDIABATCH_* env vars.
// An empty path searches the working directory and /etc/mediabatch/.
func Load(path string) (*Config, error) {
	vp := viper.New()
	setDefaults(vp)

	if path != "" {
		vp.SetConfigFile(path)
	} else {
		vp.SetConfigName("mediabatch_config")
		vp.SetConfigType("yaml")
		vp.AddConfigPath(".")
		vp.AddConfigPath("/etc/mediabatch/")
	}

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("MEDIABATCH")
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes values in place and rejects unusable settings.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.TargetLang == "" {
		c.TargetLang = NoTranslation
	}

	formats := make([]string, 0, len(c.Formats))
	for _, f := range c.Formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if !knownFormats[f] {
			return fmt.Errorf("unsupported output format: %s", f)
		}
		formats = append(formats, f)
	}
	if len(formats) == 0 {
		return fmt.Errorf("at least one output format is required")
	}
	c.Formats = formats

	if c.CacheMaxSize < 0 {
		return fmt.Errorf("cache max size must not be negative")
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 500 * time.Millisecond
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = time.Second
	}
	return nil
}

// IsKnownFormat reports whether an export format name is supported.
func IsKnownFormat(format string) bool {
	return knownFormats[strings.ToLower(format)]
}
