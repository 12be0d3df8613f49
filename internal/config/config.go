// Package config holds the engine's runtime configuration: a flat
// struct populated from CLI flags and environment variables, validated
// fail-fast at startup in the teacher's own style (return wrapped
// errors, never panic).
package config

import (
	"errors"
	"os"
	"strconv"
)

const (
	DefaultPort           = 47392
	DefaultThreshold      = 0.1
	DefaultMinClusterSize = 1
	DefaultColorTolerance = 10
	DefaultAPIBaseURL     = "https://app.vizzly.co"
)

var (
	ErrInvalidPort           = errors.New("config: port must be between 1 and 65535")
	ErrInvalidThreshold      = errors.New("config: threshold must be between 0 and 100")
	ErrInvalidWorkingDir     = errors.New("config: working directory must be set")
	ErrInvalidMinClusterSize = errors.New("config: minClusterSize must be >= 1")
)

// Config is the engine's full runtime configuration.
type Config struct {
	WorkingDir     string
	Port           int
	Threshold      float64
	MinClusterSize int
	ColorTolerance int
	FailOnDiff     bool
	LogLevel       string
	Token          string
	SetBaseline    bool

	// Remote sync (spec §4.I, §6): Token enables it, the rest scope
	// which build it pulls. APIBaseURL defaults to the hosted service
	// when unset.
	APIBaseURL  string
	Project     string
	Branch      string
	BuildID     string
	Environment string
}

// Default returns a Config with the documented defaults (spec §4.H,
// §4.E) and the current working directory.
func Default() Config {
	wd, _ := os.Getwd()
	return Config{
		WorkingDir:     wd,
		Port:           DefaultPort,
		Threshold:      DefaultThreshold,
		MinClusterSize: DefaultMinClusterSize,
		ColorTolerance: DefaultColorTolerance,
		APIBaseURL:     DefaultAPIBaseURL,
	}
}

// FromEnv overlays the environment variables named in spec §6 onto cfg.
func (c Config) FromEnv() Config {
	if v := os.Getenv("VIZZLY_TOKEN"); v != `` {
		c.Token = v
	}
	if v := os.Getenv("VIZZLY_LOG_LEVEL"); v != `` {
		c.LogLevel = v
	}
	if v := os.Getenv("VIZZLY_FAIL_ON_DIFF"); v != `` {
		if b, err := strconv.ParseBool(v); err == nil {
			c.FailOnDiff = b
		}
	}
	if v := os.Getenv("VIZZLY_API_URL"); v != `` {
		c.APIBaseURL = v
	}
	if v := os.Getenv("VIZZLY_PROJECT"); v != `` {
		c.Project = v
	}
	if v := os.Getenv("VIZZLY_BRANCH"); v != `` {
		c.Branch = v
	}
	if v := os.Getenv("VIZZLY_BUILD_ID"); v != `` {
		c.BuildID = v
	}
	if v := os.Getenv("VIZZLY_ENVIRONMENT"); v != `` {
		c.Environment = v
	}
	return c
}

// Validate fails fast on an unusable configuration; this is run once at
// startup and its failure is fatal (spec §7).
func (c Config) Validate() error {
	if c.WorkingDir == `` {
		return ErrInvalidWorkingDir
	}
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidPort
	}
	if c.Threshold < 0 || c.Threshold > 100 {
		return ErrInvalidThreshold
	}
	if c.MinClusterSize < 1 {
		return ErrInvalidMinClusterSize
	}
	return nil
}
