package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Store     StoreConfig     `koanf:"store"`
	Observer  ObserverConfig  `koanf:"observer"`
	Analyzer  AnalyzerConfig  `koanf:"analyzer"`
	Healer    HealerConfig    `koanf:"healer"`
	Updater   UpdaterConfig   `koanf:"updater"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

type StoreConfig struct {
	Path string `koanf:"path"` // sqlite database file
}

type ObserverConfig struct {
	AnalyzeEvery     int    `koanf:"analyze_every"`      // ticks between analyses
	DailyReportEvery int    `koanf:"daily_report_every"` // ticks between daily rollups
	DataDir          string `koanf:"data_dir"`
	SkillsDir        string `koanf:"skills_dir"`
}

type AnalyzerConfig struct {
	BaselineWindow int `koanf:"baseline_window"` // snapshots used for latency baseline
}

type HealerConfig struct {
	Enabled         bool   `koanf:"enabled"`
	CooldownSeconds int    `koanf:"cooldown_seconds"`
	OllamaBaseURL   string `koanf:"ollama_base_url"`
	ModelKeepAlive  string `koanf:"model_keep_alive"`
}

type UpdaterConfig struct {
	ListenAddr     string            `koanf:"listen_addr"`
	StatePath      string            `koanf:"state_path"`
	RoutesPath     string            `koanf:"routes_path"`
	SecretPath     string            `koanf:"secret_path"`
	ProjectDir     string            `koanf:"project_dir"`
	ComposeFile    string            `koanf:"compose_file"`
	PauseOnFailure bool              `koanf:"pause_on_failure"`
	HealthURLs     map[string]string `koanf:"health_urls"`
}

// Global k instance
var k = koanf.New(".")

func Load(path string) (*Config, error) {
	// Defaults
	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("telemetry.exporter", "stdout")

	k.Set("store.path", "custos.db")

	k.Set("observer.analyze_every", 6)
	k.Set("observer.daily_report_every", 288)
	k.Set("observer.data_dir", ".")
	k.Set("observer.skills_dir", "skills")

	k.Set("analyzer.baseline_window", 6)

	k.Set("healer.enabled", true)
	k.Set("healer.cooldown_seconds", 300)
	k.Set("healer.ollama_base_url", "http://localhost:11434")
	k.Set("healer.model_keep_alive", "10m")

	k.Set("updater.listen_addr", ":8844")
	k.Set("updater.state_path", "updater-state.json")
	k.Set("updater.routes_path", "traefik/dynamic.yml")
	k.Set("updater.secret_path", "updater-secret")
	k.Set("updater.project_dir", ".")
	k.Set("updater.compose_file", "docker-compose.yml")
	k.Set("updater.pause_on_failure", true)
	k.Set("updater.health_urls", map[string]string{
		"skills_blue":   "http://localhost:8101/health",
		"skills_green":  "http://localhost:8102/health",
		"api_blue":      "http://localhost:8201/health",
		"api_green":     "http://localhost:8202/health",
		"routed_skills": "http://localhost:8100/health",
		"routed_api":    "http://localhost:8200/health",
	})

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV (CUSTOS_UPDATER_LISTEN_ADDR -> updater.listen_addr)
	if err := k.Load(env.Provider("CUSTOS_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CUSTOS_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
