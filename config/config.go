package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "config/config.yaml"

//go:embed config.example.yaml
var exampleConfig []byte

// Config holds all agent configuration.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Models  ModelConfig   `yaml:"models"`
	Screen  ScreenConfig  `yaml:"screen"`
	Audio   AudioConfig   `yaml:"audio"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Chat    ChatConfig    `yaml:"chat"`
	Speech  SpeechConfig  `yaml:"speech"`
	Memory  MemoryConfig  `yaml:"memory"`
	Redis   RedisConfig   `yaml:"redis"`
	Feed    FeedConfig    `yaml:"feed"`
	Prompt  PromptConfig  `yaml:"prompt"`
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig points at an OpenAI-compatible endpoint.
type APIConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type ModelConfig struct {
	Vision    string `yaml:"vision"`
	Planner   string `yaml:"planner"`
	Embedding string `yaml:"embedding"`
}

// ScreenConfig describes the ffmpeg screen grab.
type ScreenConfig struct {
	Format     string  `yaml:"format"` // x11grab, gdigrab, avfoundation
	Input      string  `yaml:"input"`
	Width      int     `yaml:"width"`
	TimeoutSec float64 `yaml:"timeout_sec"`
}

type AudioConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SampleRate     int    `yaml:"sample_rate"`
	Format         string `yaml:"format"` // pulse, alsa, dshow
	Input          string `yaml:"input"`
	DeepgramAPIKey string `yaml:"deepgram_api_key"`
	Model          string `yaml:"model"`
	Language       string `yaml:"language"`
}

// RuntimeConfig tunes the cycle loop, the idle generator and every timeout.
type RuntimeConfig struct {
	LoopIntervalSec        float64 `yaml:"loop_interval_sec"`
	DryRun                 bool    `yaml:"dry_run"`
	ObserveOnly            bool    `yaml:"observe_only"`
	TTSEnabled             bool    `yaml:"tts_enabled"`
	IdleIntervalMinSec     float64 `yaml:"idle_interval_min_sec"`
	IdleIntervalMaxSec     float64 `yaml:"idle_interval_max_sec"`
	IdleHesitateIdleProb   float64 `yaml:"idle_hesitate_idle_prob"`
	IdleHesitatePauseProb  float64 `yaml:"idle_hesitate_pause_prob"`
	IdleLookJitterMinDeg   float64 `yaml:"idle_look_jitter_min_deg"`
	IdleLookJitterMaxDeg   float64 `yaml:"idle_look_jitter_max_deg"`
	IdleLookOvershootProb  float64 `yaml:"idle_look_overshoot_prob"`
	IdleSmallStepMoveProb  float64 `yaml:"idle_small_step_move_prob"`
	IntentTTLSec           float64 `yaml:"intent_ttl_sec"`
	SceneSimilarity        float64 `yaml:"scene_similarity_threshold"`
	PerceptionTimeoutSec   float64 `yaml:"perception_timeout_sec"`
	PlanningTimeoutSec     float64 `yaml:"planning_timeout_sec"`
	SpeechTimeoutSec       float64 `yaml:"speech_timeout_sec"`
	ActTimeoutSec          float64 `yaml:"act_timeout_sec"`
	IdleActTimeoutSec      float64 `yaml:"idle_act_timeout_sec"`
	ManualSpeechTimeoutSec float64 `yaml:"manual_speech_timeout_sec"`
	ManualChatTimeoutSec   float64 `yaml:"manual_chat_timeout_sec"`
}

type ChatConfig struct {
	OSCHost string `yaml:"osc_host"`
	OSCPort int    `yaml:"osc_port"`
}

// SpeechConfig is the TTS command; the text is appended as the last argument.
type SpeechConfig struct {
	Command []string `yaml:"command"`
}

type MemoryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Backend           string `yaml:"backend"` // file, redis, pinecone
	FilePath          string `yaml:"file_path"`
	MaxRecords        int    `yaml:"max_records"`
	RetrieveTopK      int    `yaml:"retrieve_top_k"`
	RedisKey          string `yaml:"redis_key"`
	PineconeAPIKey    string `yaml:"pinecone_api_key"`
	PineconeIndex     string `yaml:"pinecone_index"`
	PineconeNamespace string `yaml:"pinecone_namespace"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

type FeedConfig struct {
	Addr string `yaml:"addr"` // empty disables the status feed
}

type PromptConfig struct {
	Vision  string `yaml:"vision"`
	Planner string `yaml:"planner"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

var MemoryBackends = []string{"file", "redis", "pinecone"}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:    "https://api.siliconflow.cn/v1",
			TimeoutSec: 90,
		},
		Models: ModelConfig{
			Vision:    "Qwen/Qwen3-VL-30B-A3B-Instruct",
			Planner:   "deepseek-ai/DeepSeek-V3.2-Exp",
			Embedding: "BAAI/bge-m3",
		},
		Screen: ScreenConfig{
			Format:     "x11grab",
			Input:      ":0.0",
			Width:      1024,
			TimeoutSec: 25,
		},
		Audio: AudioConfig{
			Enabled:    true,
			SampleRate: 16000,
			Format:     "pulse",
			Input:      "default",
			Model:      "nova-2",
			Language:   "zh",
		},
		Runtime: RuntimeConfig{
			LoopIntervalSec:        2.0,
			DryRun:                 true,
			TTSEnabled:             true,
			IdleIntervalMinSec:     0.22,
			IdleIntervalMaxSec:     0.55,
			IdleHesitateIdleProb:   0.16,
			IdleHesitatePauseProb:  0.24,
			IdleLookJitterMinDeg:   1.0,
			IdleLookJitterMaxDeg:   3.0,
			IdleLookOvershootProb:  0.20,
			IdleSmallStepMoveProb:  0.26,
			IntentTTLSec:           2.8,
			SceneSimilarity:        0.58,
			PerceptionTimeoutSec:   60,
			PlanningTimeoutSec:     40,
			SpeechTimeoutSec:       15,
			ActTimeoutSec:          30,
			IdleActTimeoutSec:      2,
			ManualSpeechTimeoutSec: 8,
			ManualChatTimeoutSec:   12,
		},
		Chat: ChatConfig{
			OSCHost: "127.0.0.1",
			OSCPort: 9000,
		},
		Speech: SpeechConfig{
			Command: []string{"espeak-ng", "-v", "zh"},
		},
		Memory: MemoryConfig{
			Enabled:      true,
			Backend:      "file",
			FilePath:     "data/memory.jsonl",
			MaxRecords:   1000,
			RetrieveTopK: 5,
			RedisKey:     "perceptus:memory",
		},
		Prompt: PromptConfig{
			Vision:  "Describe current game scene. Focus on interactable objects, UI status, and nearby characters.",
			Planner: "You are controlling a game character. Return strict JSON with keys: intent, activity_level, curiosity, allow_move, speak, actions, next_focus.",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults, expanding ${ENV} references first.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.Normalize()
	return cfg, nil
}

// Bootstrap creates path from config.example.yaml next to it, or from the
// built-in example, when path does not exist yet. It reports whether a file was written.
func Bootstrap(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat config: %w", err)
	}

	data := exampleConfig
	example := filepath.Join(filepath.Dir(path), "config.example.yaml")
	if b, err := os.ReadFile(example); err == nil {
		data = b
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return false, fmt.Errorf("failed to write config: %w", err)
	}
	return true, nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("SILICONFLOW_API_KEY"); key != "" {
		c.API.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.API.APIKey = key
	}
	if key := os.Getenv("DEEPGRAM_API_KEY"); key != "" {
		c.Audio.DeepgramAPIKey = key
	}
	if addr := os.Getenv("REDIS_HOST"); addr != "" {
		c.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if key := os.Getenv("PINECONE_API_KEY"); key != "" {
		c.Memory.PineconeAPIKey = key
	}
	if index := os.Getenv("PINECONE_INDEX"); index != "" {
		c.Memory.PineconeIndex = index
	}
}

// MinTimeoutSec is the floor for every timeout_sec setting; zero or negative
// values would fail each bounded call immediately.
const MinTimeoutSec = 0.5

// Normalize clamps ranges so downstream code can trust them.
func (c *Config) Normalize() {
	r := &c.Runtime
	r.IdleIntervalMinSec = max(0.1, r.IdleIntervalMinSec)
	r.IdleIntervalMaxSec = max(r.IdleIntervalMinSec, r.IdleIntervalMaxSec)
	r.IdleLookJitterMinDeg = max(0.2, r.IdleLookJitterMinDeg)
	r.IdleLookJitterMaxDeg = max(r.IdleLookJitterMinDeg, r.IdleLookJitterMaxDeg)
	r.IntentTTLSec = max(1.0, r.IntentTTLSec)
	r.IdleHesitateIdleProb = clamp01(r.IdleHesitateIdleProb)
	r.IdleHesitatePauseProb = clamp01(r.IdleHesitatePauseProb)
	r.IdleLookOvershootProb = clamp01(r.IdleLookOvershootProb)
	r.IdleSmallStepMoveProb = clamp01(r.IdleSmallStepMoveProb)
	r.SceneSimilarity = clamp01(r.SceneSimilarity)
	for _, t := range []*float64{
		&r.PerceptionTimeoutSec, &r.PlanningTimeoutSec, &r.SpeechTimeoutSec,
		&r.ActTimeoutSec, &r.IdleActTimeoutSec, &r.ManualSpeechTimeoutSec,
		&r.ManualChatTimeoutSec, &c.Screen.TimeoutSec,
	} {
		*t = max(MinTimeoutSec, *t)
	}
	c.API.TimeoutSec = max(1, c.API.TimeoutSec)

	c.Memory.Backend = strings.ToLower(strings.TrimSpace(c.Memory.Backend))
	if c.Memory.Backend == "" {
		c.Memory.Backend = "file"
	}
	c.Memory.MaxRecords = max(10, c.Memory.MaxRecords)
	c.Memory.RetrieveTopK = max(1, c.Memory.RetrieveTopK)
	c.Logging.Level = strings.ToLower(c.Logging.Level)
}

// Validate reports settings the agent cannot start with.
func (c *Config) Validate() error {
	key := strings.TrimSpace(c.API.APIKey)
	if key == "" || strings.HasPrefix(key, "your-") {
		return fmt.Errorf("API key not configured (set api.api_key, SILICONFLOW_API_KEY or OPENAI_API_KEY)")
	}

	valid := false
	for _, b := range MemoryBackends {
		if c.Memory.Backend == b {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid memory backend: %s (valid: %v)", c.Memory.Backend, MemoryBackends)
	}
	if c.Memory.Enabled && c.Memory.Backend == "pinecone" && (c.Memory.PineconeAPIKey == "" || c.Memory.PineconeIndex == "") {
		return fmt.Errorf("pinecone memory needs PINECONE_API_KEY and PINECONE_INDEX")
	}
	if c.Memory.Enabled && c.Memory.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis memory needs redis.addr or REDIS_HOST")
	}
	if c.Audio.Enabled && c.Audio.DeepgramAPIKey == "" {
		return fmt.Errorf("audio enabled but DEEPGRAM_API_KEY not set")
	}
	return nil
}

// Seconds converts a fractional seconds setting to a duration.
func Seconds(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

func clamp01(v float64) float64 {
	return min(1, max(0, v))
}
