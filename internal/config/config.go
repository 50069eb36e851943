package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/go-mlp-head/internal/head"
)

type Config struct {
	Head     HeadConfig    `mapstructure:"head"`
	Paths    PathsConfig   `mapstructure:"paths"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Server   ServerConfig  `mapstructure:"server"`
	LogLevel string        `mapstructure:"log_level"`
}

type HeadConfig struct {
	Dims              []int   `mapstructure:"dims"`
	UseBN             bool    `mapstructure:"use_bn"`
	UseReLU           bool    `mapstructure:"use_relu"`
	UseDropout        bool    `mapstructure:"use_dropout"`
	UseBias           bool    `mapstructure:"use_bias"`
	BatchNormEps      float64 `mapstructure:"batchnorm_eps"`
	BatchNormMomentum float64 `mapstructure:"batchnorm_momentum"`
	Seed              uint64  `mapstructure:"seed"`
}

type PathsConfig struct {
	WeightsPath string `mapstructure:"weights_path"`
	ONNXPath    string `mapstructure:"onnx_path"`
}

type RuntimeConfig struct {
	Threads        int    `mapstructure:"threads"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	Workers         int    `mapstructure:"workers"`
	MaxValues       int    `mapstructure:"max_values"`
	RequestTimeout  int    `mapstructure:"request_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	hc := head.DefaultHeadConfig()

	return Config{
		Head: HeadConfig{
			Dims:              []int{8192, 1000},
			UseBias:           true,
			BatchNormEps:      hc.BatchNormEps,
			BatchNormMomentum: hc.BatchNormMomentum,
		},
		Paths: PathsConfig{
			WeightsPath: "models/head.safetensors",
			ONNXPath:    "models/head.onnx",
		},
		Runtime: RuntimeConfig{
			Threads:        4,
			ORTLibraryPath: "",
		},
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8080",
			Workers:         2,
			MaxValues:       1 << 22,
			RequestTimeout:  30,
			ShutdownTimeout: 30,
		},
		LogLevel: "info",
	}
}

// flagKeys maps each registered flag to the config key it overrides.
var flagKeys = []struct {
	flag string
	key  string
}{
	{"head-dims", "head.dims"},
	{"head-use-bn", "head.use_bn"},
	{"head-use-relu", "head.use_relu"},
	{"head-use-dropout", "head.use_dropout"},
	{"head-use-bias", "head.use_bias"},
	{"head-batchnorm-eps", "head.batchnorm_eps"},
	{"head-batchnorm-momentum", "head.batchnorm_momentum"},
	{"seed", "head.seed"},
	{"weights", "paths.weights_path"},
	{"onnx", "paths.onnx_path"},
	{"runtime-threads", "runtime.threads"},
	{"runtime-ort-library-path", "runtime.ort_library_path"},
	{"ort-lib", "runtime.ort_library_path"},
	{"server-listen-addr", "server.listen_addr"},
	{"server-workers", "server.workers"},
	{"server-max-values", "server.max_values"},
	{"server-request-timeout", "server.request_timeout"},
	{"server-shutdown-timeout", "server.shutdown_timeout"},
	{"log-level", "log_level"},
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.IntSlice("head-dims", defaults.Head.Dims, "Layer widths, input first (e.g. 8192,1000)")
	fs.Bool("head-use-bn", defaults.Head.UseBN, "Attach BatchNorm after each Linear")
	fs.Bool("head-use-relu", defaults.Head.UseReLU, "Attach ReLU after each Linear (and BatchNorm)")
	fs.Bool("head-use-dropout", defaults.Head.UseDropout, "Attach Dropout(p=0.5) at the end of each block")
	fs.Bool("head-use-bias", defaults.Head.UseBias, "Give Linear layers a bias")
	fs.Float64("head-batchnorm-eps", defaults.Head.BatchNormEps, "BatchNorm epsilon")
	fs.Float64("head-batchnorm-momentum", defaults.Head.BatchNormMomentum, "BatchNorm running statistics momentum")
	fs.Uint64("seed", defaults.Head.Seed, "Seed for parameter init and dropout masks")
	fs.String("weights", defaults.Paths.WeightsPath, "Path to head checkpoint (.safetensors)")
	fs.String("onnx", defaults.Paths.ONNXPath, "Path to exported reference head (.onnx)")
	fs.Int("runtime-threads", defaults.Runtime.Threads, "Worker goroutines for tensor kernels")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("server-workers", defaults.Server.Workers, "Maximum concurrent forward requests (0 = unlimited)")
	fs.Int("server-max-values", defaults.Server.MaxValues, "Maximum input values per forward request")
	fs.Int("server-request-timeout", defaults.Server.RequestTimeout, "Per-request forward timeout in seconds")
	fs.Int("server-shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown drain period in seconds")
	fs.String("log-level", defaults.LogLevel, "Log level: debug|info|warn|error")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("MLPHEAD")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)

	if err := v.BindEnv("runtime.ort_library_path", "MLPHEAD_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}

	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("mlphead")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

// HeadOptions converts the head section into builder inputs.
func (c Config) HeadOptions() (head.HeadConfig, []int, head.Options) {
	cfg := head.HeadConfig{
		BatchNormEps:      c.Head.BatchNormEps,
		BatchNormMomentum: c.Head.BatchNormMomentum,
	}

	opts := head.Options{
		Normalize: c.Head.UseBN,
		Nonlinear: c.Head.UseReLU,
		Dropout:   c.Head.UseDropout,
		Bias:      c.Head.UseBias,
		Seed:      c.Head.Seed,
	}

	return cfg, append([]int(nil), c.Head.Dims...), opts
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("head.dims", c.Head.Dims)
	v.SetDefault("head.use_bn", c.Head.UseBN)
	v.SetDefault("head.use_relu", c.Head.UseReLU)
	v.SetDefault("head.use_dropout", c.Head.UseDropout)
	v.SetDefault("head.use_bias", c.Head.UseBias)
	v.SetDefault("head.batchnorm_eps", c.Head.BatchNormEps)
	v.SetDefault("head.batchnorm_momentum", c.Head.BatchNormMomentum)
	v.SetDefault("head.seed", c.Head.Seed)
	v.SetDefault("paths.weights_path", c.Paths.WeightsPath)
	v.SetDefault("paths.onnx_path", c.Paths.ONNXPath)
	v.SetDefault("runtime.threads", c.Runtime.Threads)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.max_values", c.Server.MaxValues)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("log_level", c.LogLevel)
}

// bindFlags binds flags to their nested keys so that a config file can still
// populate the same keys when a flag is left unset.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	changed := make(map[string]bool, len(flagKeys))

	for _, fk := range flagKeys {
		if f := fs.Lookup(fk.flag); f != nil && f.Changed {
			changed[fk.key] = true
		}
	}

	for _, fk := range flagKeys {
		f := fs.Lookup(fk.flag)
		if f == nil {
			continue
		}

		// Aliased flags share a key; an unset alias must not shadow a set one.
		if changed[fk.key] && !f.Changed {
			continue
		}

		if err := v.BindPFlag(fk.key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", fk.flag, err)
		}
	}

	return nil
}
