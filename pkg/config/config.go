// Package config loads the dual-deployment connection settings described in
// the specification's external-interfaces section: a local backend URL, a
// managed (cloud) backend URL, and a mode that picks the active one. This
// generalizes the teacher's batch.Config (which threads OpenRouter/Google
// API keys in from a TypeScript caller): here the two candidate URLs are
// sourced from the process environment via github.com/joho/godotenv, which
// is the env-file loader used by codeready-toolchain-tarsy in the pack.
package config

import (
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kittclouds/memcore/pkg/logging"
)

// Mode selects which of LocalURL/ManagedURL is active.
type Mode string

const (
	ModeLocal   Mode = "local"
	ModeManaged Mode = "managed"
	ModeAuto    Mode = "auto"
)

// Deployment holds the resolved dual-deployment configuration.
type Deployment struct {
	LocalURL   string
	ManagedURL string
	Mode       Mode
	ActiveURL  string
}

// Load reads LOCAL_CONVEX_URL, CLOUD_CONVEX_URL and MEMCORE_DEPLOY_MODE from
// the environment, after attempting to load envFile (if non-empty) via
// godotenv — a missing envFile is not an error, since the values may already
// be set in the process environment.
func Load(envFile string, logger *zap.Logger) *Deployment {
	logger = logging.OrNop(logger)
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			logger.Info("config: no env file loaded, using process environment", zap.String("path", envFile), zap.Error(err))
		}
	}

	d := &Deployment{
		LocalURL:   os.Getenv("LOCAL_CONVEX_URL"),
		ManagedURL: os.Getenv("CLOUD_CONVEX_URL"),
		Mode:       Mode(os.Getenv("MEMCORE_DEPLOY_MODE")),
	}
	if d.Mode == "" {
		d.Mode = ModeAuto
	}
	d.ActiveURL = d.resolve()

	logger.Info("config: resolved deployment",
		zap.String("mode", string(d.Mode)),
		zap.Bool("hasLocal", d.LocalURL != ""),
		zap.Bool("hasManaged", d.ManagedURL != ""),
		zap.String("active", d.ActiveURL),
	)
	return d
}

// resolve picks ActiveURL per Mode: auto prefers local when both are
// present, local/managed pick their named URL unconditionally (empty if
// unset — a misconfiguration the caller must detect, not paper over).
func (d *Deployment) resolve() string {
	switch d.Mode {
	case ModeManaged:
		return d.ManagedURL
	case ModeLocal:
		return d.LocalURL
	default: // ModeAuto
		if d.LocalURL != "" {
			return d.LocalURL
		}
		return d.ManagedURL
	}
}
