package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/guardrail"
)

// EnvPrefix prefixes every environment override, e.g. LIVEVOICE_API_KEY.
const EnvPrefix = "LIVEVOICE"

// Defaults applied by [ApplyDefaults].
const (
	DefaultProvider   = "gemini"
	DefaultVADEngine  = "energy"
	DefaultSessionKey = "default"
	DefaultFrameMs    = 20
)

// Env lists the settings that may be overridden from the environment.
// Secrets belong here rather than in the YAML file.
type Env struct {
	ListenAddr  string `envconfig:"LISTEN_ADDR"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	SessionKey  string `envconfig:"SESSION_KEY"`
	Provider    string `envconfig:"PROVIDER"`
	APIKey      string `envconfig:"API_KEY"`
	Model       string `envconfig:"MODEL"`
	PostgresDSN string `envconfig:"POSTGRES_DSN"`
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, true)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. It ignores the environment, which keeps tests hermetic.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, false)
}

func parse(data []byte, env bool) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if env {
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with every LIVEVOICE_* variable that is set.
func ApplyEnv(cfg *Config) error {
	var e Env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.ListenAddr, e.ListenAddr)
	set((*string)(&cfg.Server.LogLevel), e.LogLevel)
	set(&cfg.Server.SessionKey, e.SessionKey)
	set(&cfg.Live.Provider, e.Provider)
	set(&cfg.Live.APIKey, e.APIKey)
	set(&cfg.Live.Model, e.Model)
	set(&cfg.Store.PostgresDSN, e.PostgresDSN)
	return nil
}

// ApplyDefaults fills zero fields. Nested component configs (session, vad)
// are defaulted as well so the values in effect are visible in one place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.SessionKey == "" {
		cfg.Server.SessionKey = DefaultSessionKey
	}
	if cfg.Live.Provider == "" {
		cfg.Live.Provider = DefaultProvider
	}
	cfg.Live.Modality = cfg.Live.SessionConfig().Modality
	cfg.Live.VADMode = cfg.Live.SessionConfig().VADMode
	cfg.Session = cfg.Session.WithDefaults()

	if cfg.Audio.FrameMs == 0 {
		cfg.Audio.FrameMs = DefaultFrameMs
	}
	if cfg.Audio.DropPolicy == "" {
		cfg.Audio.DropPolicy = audio.DropKeepLatest
	}

	if cfg.VAD.Engine == "" {
		cfg.VAD.Engine = DefaultVADEngine
	}
	if cfg.VAD.FrameSizeMs == 0 {
		cfg.VAD.FrameSizeMs = cfg.Audio.FrameMs
	}
	if cfg.VAD.SampleRate == 0 {
		cfg.VAD.SampleRate = audio.InputSampleRate
	}
	cfg.VAD.Config = cfg.VAD.Config.WithDefaults()
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Live.Modality != "" && !cfg.Live.Modality.Valid() {
		errs = append(errs, fmt.Errorf("live.modality %q is invalid; valid values: audio, text", cfg.Live.Modality))
	}
	if cfg.Live.VADMode != "" && !cfg.Live.VADMode.Valid() {
		errs = append(errs, fmt.Errorf("live.vad_mode %q is invalid; valid values: server, client", cfg.Live.VADMode))
	}
	if cfg.Live.Provider == DefaultProvider && cfg.Live.APIKey == "" {
		slog.Warn("live.api_key is empty; set LIVEVOICE_API_KEY before connecting")
	}

	if cfg.Audio.FrameMs < 0 || (cfg.Audio.FrameMs > 0 && 1000%cfg.Audio.FrameMs != 0) {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d must divide one second", cfg.Audio.FrameMs))
	}
	if _, err := cfg.Audio.DropPolicy.Policy(cfg.Audio.ReplayBacklog); err != nil {
		errs = append(errs, fmt.Errorf("audio.drop_policy: %w", err))
	}
	if cfg.Audio.ReplayBacklog < 0 || cfg.Audio.QueueFrames < 0 || cfg.Audio.MaxBuffered < 0 {
		errs = append(errs, errors.New("audio: replay_backlog, queue_frames and max_buffered must not be negative"))
	}

	if err := cfg.VAD.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.VAD.FrameSizeMs != 0 && cfg.Audio.FrameMs != 0 && cfg.VAD.FrameSizeMs != cfg.Audio.FrameMs {
		errs = append(errs, fmt.Errorf("vad.frame_size_ms %d must match audio.frame_ms %d", cfg.VAD.FrameSizeMs, cfg.Audio.FrameMs))
	}

	for i, r := range cfg.Guardrail.Rules {
		prefix := fmt.Sprintf("guardrail.rules[%d]", i)
		if r.Phrase == "" {
			errs = append(errs, fmt.Errorf("%s.phrase is required", prefix))
		}
		if r.Action != guardrail.Block && r.Action != guardrail.Warn {
			errs = append(errs, fmt.Errorf("%s.action %q is invalid; valid values: block, warn", prefix, r.Action))
		}
		for _, d := range r.Directions {
			if d != guardrail.Input && d != guardrail.Output {
				errs = append(errs, fmt.Errorf("%s.directions: %q is invalid; valid values: input, output", prefix, d))
			}
		}
	}
	if t := cfg.Guardrail.PhoneticThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("guardrail.phonetic_threshold %v out of range [0,1]", t))
	}

	if cfg.Handoff.MaxUserTurns < 0 {
		errs = append(errs, fmt.Errorf("handoff.max_user_turns %d must not be negative", cfg.Handoff.MaxUserTurns))
	}

	return errors.Join(errs...)
}
