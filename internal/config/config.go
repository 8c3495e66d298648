// Package config assembles settings from .env files, the environment and
// YAML job files.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"Dynaopt/internal/optimize"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr              string
	DatabaseURL       string
	TokenKey          string
	AdminLogin        string
	AdminPasswordHash string
	MaxParallelRuns   int
	BotToken          string
	AdminPeerID       int64
	LogLevel          string
	CertFile          string
	KeyFile           string

	Defaults optimize.Config
}

// LoadEnv reads .env style files into the process environment. Missing files
// are skipped; variables already set win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Defaults returns the optimization settings from SOLVER_PATH, STRESS_LIMIT,
// MAX_ITER, NCPU and SOLVER_MEMORY on top of optimize.DefaultConfig.
func Defaults() (optimize.Config, error) {
	cfg := optimize.DefaultConfig()
	cfg.SolverPath = os.Getenv("SOLVER_PATH")

	var err error
	if cfg.Threshold, err = envFloat("STRESS_LIMIT", cfg.Threshold); err != nil {
		return cfg, err
	}
	if cfg.MaxIterations, err = envInt("MAX_ITER", cfg.MaxIterations); err != nil {
		return cfg, err
	}
	if cfg.CPUs, err = envInt("NCPU", cfg.CPUs); err != nil {
		return cfg, err
	}
	if cfg.Memory, err = envInt("SOLVER_MEMORY", cfg.Memory); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func FromEnv() (Server, error) {
	defaults, err := Defaults()
	if err != nil {
		return Server{}, err
	}
	s := Server{
		Addr:              envString("LISTEN_ADDR", ":8443"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		TokenKey:          os.Getenv("TOKEN_KEY"),
		AdminLogin:        envString("ADMIN_LOGIN", "admin"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		BotToken:          os.Getenv("TOKEN_BOT"),
		LogLevel:          envString("LOG_LEVEL", "info"),
		CertFile:          os.Getenv("TLS_CERT"),
		KeyFile:           os.Getenv("TLS_KEY"),
		Defaults:          defaults,
	}
	if s.MaxParallelRuns, err = envInt("MAX_PARALLEL_RUNS", 1); err != nil {
		return Server{}, err
	}
	if peer := os.Getenv("ADMIN_PEER_ID"); peer != "" {
		if s.AdminPeerID, err = strconv.ParseInt(peer, 10, 64); err != nil {
			return Server{}, fmt.Errorf("ADMIN_PEER_ID: %w", err)
		}
	}
	if (s.CertFile == "") != (s.KeyFile == "") {
		return Server{}, errors.New("TLS_CERT and TLS_KEY must be set together")
	}
	if s.TokenKey == "" {
		return Server{}, errors.New("TOKEN_KEY environment variable is not set")
	}
	return s, nil
}

// LoadJob reads a YAML job file over base. Relative mesh and solver paths are
// taken relative to the job file.
func LoadJob(path string, base optimize.Config) (optimize.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return base, fmt.Errorf("open job: %w", err)
	}
	defer f.Close()

	cfg, err := ParseJob(f, base)
	if err != nil {
		return base, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for _, p := range []*string{&cfg.MeshPath, &cfg.SolverPath} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	return cfg, nil
}

func ParseJob(r io.Reader, base optimize.Config) (optimize.Config, error) {
	cfg := base
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return base, fmt.Errorf("decode job: %w", err)
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
