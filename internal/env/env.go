// Package env reads qtbuild's configuration from the environment.
package env

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/goplus/qtbuild/internal/remote"
	"github.com/joho/godotenv"
)

// Environment variables.
const (
	Root      = "QTBUILD_ROOT"
	Jobs      = "QTBUILD_JOBS"
	LogLevel  = "QTBUILD_LOG_LEVEL"
	LogFormat = "QTBUILD_LOG_FORMAT"

	CXX        = "CXX"
	AR         = "AR"
	HostCXX    = "CXX_FOR_BUILD"
	HostAR     = "AR_FOR_BUILD"
	MirrorVars = "QTBUILD_MIRROR_"
)

// DotEnv is the file LoadDotEnv reads.
const DotEnv = ".env"

// Config is the resolved configuration.
type Config struct {
	Root      string
	Jobs      int
	LogLevel  string
	LogFormat string

	TargetCXX string
	TargetAR  string
	HostCXX   string
	HostAR    string

	Mirror remote.Config
}

// WorkDir returns qtbuild's directory in the user cache.
func WorkDir() (string, error) {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(userCacheDir, ".qtbuild"), nil
}

// RootDir returns the default build root: $QTBUILD_ROOT, or "root" in
// WorkDir. It does not create the directory; buildroot.Open does.
func RootDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(Root)); dir != "" {
		return dir, nil
	}
	work, err := WorkDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(work, "root"), nil
}

// LoadDotEnv loads dir/.env into the process environment if it exists.
// Variables already set are not overridden.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, DotEnv)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env: %s: %w", path, err)
	}
	return nil
}

// Load resolves the configuration from the environment.
func Load() (*Config, error) {
	root, err := RootDir()
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Root:      root,
		Jobs:      runtime.NumCPU(),
		LogLevel:  firstNonEmpty(os.Getenv(LogLevel), "info"),
		LogFormat: firstNonEmpty(os.Getenv(LogFormat), "text"),
		TargetCXX: firstNonEmpty(os.Getenv(CXX), "c++"),
		TargetAR:  firstNonEmpty(os.Getenv(AR), "ar"),
	}
	cfg.HostCXX = firstNonEmpty(os.Getenv(HostCXX), cfg.TargetCXX)
	cfg.HostAR = firstNonEmpty(os.Getenv(HostAR), cfg.TargetAR)

	if raw := strings.TrimSpace(os.Getenv(Jobs)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("env: %s=%q is not a positive number", Jobs, raw)
		}
		cfg.Jobs = n
	}

	cfg.Mirror = remote.Config{
		Endpoint:  mirrorVar("ENDPOINT"),
		Region:    firstNonEmpty(mirrorVar("REGION"), "us-east-1"),
		AccessKey: mirrorVar("ACCESS_KEY"),
		SecretKey: mirrorVar("SECRET_KEY"),
		Bucket:    firstNonEmpty(mirrorVar("BUCKET"), "qtbuild"),
		Prefix:    mirrorVar("PREFIX"),
		UseSSL:    true,
	}
	if raw := mirrorVar("USE_SSL"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("env: %sUSE_SSL=%q: %w", MirrorVars, raw, err)
		}
		cfg.Mirror.UseSSL = v
	}
	return cfg, nil
}

func mirrorVar(name string) string {
	return strings.TrimSpace(os.Getenv(MirrorVars + name))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
