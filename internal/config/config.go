package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ScorerErrorPolicy controls what happens to the run when the backtest
// service returns a hard error for a trial.
type ScorerErrorPolicy string

const (
	// PolicySkip logs the error, counts the trial as errored, and continues.
	PolicySkip ScorerErrorPolicy = "skip"
	// PolicyFail aborts the whole run on the first scoring error.
	PolicyFail ScorerErrorPolicy = "fail"
)

// Config holds application configuration
type Config struct {
	DataDir            string // Base directory for databases (defaults to "./data")
	CatalogPath        string // Strategy catalog YAML
	BacktestServiceURL string
	LogLevel           string
	Port               int
	DevMode            bool

	// Backtest window
	StartDate string
	EndDate   string
	PriceMin  float64
	PriceMax  float64
	HoldNum   int

	// Search budget
	TrialsPhase1     int
	TrialsPhase2     int
	TopN             int
	Seed             int64
	Workers          int
	ExplorationRatio float64
	TrialTimeout     time.Duration
	ScorerPolicy     ScorerErrorPolicy

	// Run modes
	RunOnStart   bool   // kick off one search run at startup
	CronSchedule string // when set, schedule continuous runs
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:            getEnv("DATA_DIR", "./data"),
		CatalogPath:        getEnv("CATALOG_PATH", "./config/strategy_catalog.yaml"),
		BacktestServiceURL: getEnv("BACKTEST_SERVICE_URL", "http://localhost:8000"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		Port:               getEnvAsInt("GO_PORT", 8001),
		DevMode:            getEnvAsBool("DEV_MODE", false),

		StartDate: getEnv("START_DATE", "20220729"),
		EndDate:   getEnv("END_DATE", "20250328"),
		PriceMin:  getEnvAsFloat("PRICE_MIN", 100),
		PriceMax:  getEnvAsFloat("PRICE_MAX", 150),
		HoldNum:   getEnvAsInt("HOLD_NUM", 5),

		TrialsPhase1:     getEnvAsInt("TRIALS_PHASE1", 1400),
		TrialsPhase2:     getEnvAsInt("TRIALS_PHASE2", 600),
		TopN:             getEnvAsInt("TOP_N", 10),
		Seed:             int64(getEnvAsInt("SEED", 42)),
		Workers:          getEnvAsInt("WORKERS", 4),
		ExplorationRatio: getEnvAsFloat("EXPLORATION_RATIO", 0.30),
		TrialTimeout:     time.Duration(getEnvAsInt("TRIAL_TIMEOUT_SEC", 120)) * time.Second,
		ScorerPolicy:     ScorerErrorPolicy(getEnv("SCORER_ERROR_POLICY", string(PolicySkip))),

		RunOnStart:   getEnvAsBool("RUN_ON_START", true),
		CronSchedule: getEnv("CRON_SCHEDULE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and coherent
func (c *Config) Validate() error {
	if c.CatalogPath == "" {
		return fmt.Errorf("CATALOG_PATH is required")
	}
	if c.TrialsPhase1 <= 0 {
		return fmt.Errorf("TRIALS_PHASE1 must be positive, got %d", c.TrialsPhase1)
	}
	if c.TrialsPhase2 <= 0 {
		return fmt.Errorf("TRIALS_PHASE2 must be positive, got %d", c.TrialsPhase2)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.ExplorationRatio < 0 || c.ExplorationRatio > 1 {
		return fmt.Errorf("EXPLORATION_RATIO must be in [0,1], got %v", c.ExplorationRatio)
	}
	if c.PriceMin >= c.PriceMax {
		return fmt.Errorf("PRICE_MIN (%v) must be below PRICE_MAX (%v)", c.PriceMin, c.PriceMax)
	}
	if c.HoldNum <= 0 {
		return fmt.Errorf("HOLD_NUM must be positive, got %d", c.HoldNum)
	}
	switch c.ScorerPolicy {
	case PolicySkip, PolicyFail:
	default:
		return fmt.Errorf("SCORER_ERROR_POLICY must be %q or %q, got %q", PolicySkip, PolicyFail, c.ScorerPolicy)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
