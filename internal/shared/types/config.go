package types

// CommonConf holds settings shared by every component.
type CommonConf struct {
	AppName string `ini:"app_name"`
}

// RuntimeConf describes the scheduler knobs applied by the runtime host.
type RuntimeConf struct {
	WorkerThreads   int `ini:"worker_threads"`
	BlockingThreads int `ini:"blocking_threads"`
	KeepAliveMs     int `ini:"keep_alive_ms"` // idle thread keep-alive, reported only
	StackSize       int `ini:"stack_size"`    // bytes, 0 keeps the runtime default
}

// ServerConf contains the listener and session settings.
type ServerConf struct {
	Address           string `ini:"address"`
	Port              int    `ini:"port"`
	BufferSize        int    `ini:"buffer_size"`
	Response          string `ini:"response"`
	MaxSessions       int    `ini:"max_sessions"`        // 0 means no limit
	AcceptErrorPolicy string `ini:"accept_error_policy"` // stop | continue
	FastOpen          int    `ini:"fast_open"`           // TCP_FASTOPEN queue length, 0 disables
	ShutdownTimeoutMs int    `ini:"shutdown_timeout_ms"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level  string `ini:"level"`
	Format string `ini:"format"` // console | json
}

// MonitorConf configures the optional HTTP/WebSocket monitor.
type MonitorConf struct {
	Address  string `ini:"address"`
	Port     int    `ini:"port"` // 0 disables the monitor
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// Config is the unified configuration of the server.
type Config struct {
	CommonConf  `ini:"common"`
	RuntimeConf `ini:"runtime"`
	ServerConf  `ini:"server"`
	LogConf     `ini:"log"`
	MonitorConf `ini:"monitor"`
}

const (
	AcceptPolicyStop     = "stop"
	AcceptPolicyContinue = "continue"
)
