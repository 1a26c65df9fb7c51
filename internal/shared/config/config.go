package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"replyd/internal/shared/types"
)

// Environment variables that override the ini file.
const (
	EnvAddress      = "REPLYD_ADDRESS"
	EnvPort         = "REPLYD_PORT"
	EnvResponse     = "REPLYD_RESPONSE"
	EnvLogLevel     = "REPLYD_LOG_LEVEL"
	EnvWorkers      = "REPLYD_WORKER_THREADS"
	EnvMonitorPort  = "REPLYD_MONITOR_PORT"
	maxPort         = 65535
	defaultResponse = "test"
)

// Default returns the built-in configuration.
func Default() *types.Config {
	return &types.Config{
		CommonConf: types.CommonConf{AppName: "xxx"},
		RuntimeConf: types.RuntimeConf{
			WorkerThreads:   5,
			BlockingThreads: 50,
			KeepAliveMs:     60,
			StackSize:       3 * 1024 * 1024,
		},
		ServerConf: types.ServerConf{
			Address:           "127.0.0.1",
			Port:              8000,
			BufferSize:        1024,
			Response:          defaultResponse,
			MaxSessions:       0,
			AcceptErrorPolicy: types.AcceptPolicyStop,
			ShutdownTimeoutMs: 5000,
		},
		LogConf: types.LogConf{Level: "info", Format: "console"},
		MonitorConf: types.MonitorConf{
			Address: "127.0.0.1",
		},
	}
}

// LoadIni overlays the ini file onto cfg and applies environment overrides.
// An empty fileName skips the file.
func LoadIni(cfg *types.Config, fileName string) error {
	if fileName != "" {
		iniFile, err := ini.Load(fileName)
		if err != nil {
			return err
		}
		if err := iniFile.MapTo(cfg); err != nil {
			return err
		}
	}
	ApplyEnv(cfg)
	return nil
}

// LoadIniBytes is LoadIni for in-memory ini content. Environment overrides
// are not applied.
func LoadIniBytes(cfg *types.Config, content []byte) error {
	iniFile, err := ini.Load(content)
	if err != nil {
		return fmt.Errorf("failed to parse ini content: %w", err)
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return fmt.Errorf("failed to map ini content to config struct: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg fields from REPLYD_* environment variables.
func ApplyEnv(cfg *types.Config) {
	overrideFromEnvString(&cfg.ServerConf.Address, EnvAddress)
	overrideFromEnvInt(&cfg.ServerConf.Port, EnvPort)
	overrideFromEnvString(&cfg.ServerConf.Response, EnvResponse)
	overrideFromEnvString(&cfg.LogConf.Level, EnvLogLevel)
	overrideFromEnvInt(&cfg.RuntimeConf.WorkerThreads, EnvWorkers)
	overrideFromEnvInt(&cfg.MonitorConf.Port, EnvMonitorPort)
}

// Validate reports the first invalid setting in cfg.
func Validate(cfg *types.Config) error {
	s := cfg.ServerConf
	if s.Port < 0 || s.Port > maxPort {
		return fmt.Errorf("server.port %d out of range 0..%d", s.Port, maxPort)
	}
	if s.BufferSize < 1 {
		return fmt.Errorf("server.buffer_size must be positive, got %d", s.BufferSize)
	}
	if s.Response == "" {
		return errors.New("server.response must not be empty")
	}
	if s.MaxSessions < 0 {
		return fmt.Errorf("server.max_sessions must not be negative, got %d", s.MaxSessions)
	}
	switch strings.ToLower(s.AcceptErrorPolicy) {
	case types.AcceptPolicyStop, types.AcceptPolicyContinue:
	default:
		return fmt.Errorf("server.accept_error_policy %q is not one of stop, continue", s.AcceptErrorPolicy)
	}
	if s.FastOpen < 0 {
		return fmt.Errorf("server.fast_open must not be negative, got %d", s.FastOpen)
	}
	if cfg.RuntimeConf.WorkerThreads < 1 {
		return fmt.Errorf("runtime.worker_threads must be at least 1, got %d", cfg.RuntimeConf.WorkerThreads)
	}
	if m := cfg.MonitorConf.Port; m < 0 || m > maxPort {
		return fmt.Errorf("monitor.port %d out of range 0..%d", m, maxPort)
	}
	return nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
