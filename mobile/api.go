// Package mobile exposes a small, binding-friendly API for embedding the
// server in a host application. Only one server can run per process.
package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"replyd/internal/app"
	"replyd/internal/shared/config"
	"replyd/internal/shared/logger"
)

var (
	// activeAppServer holds the single embedded server instance.
	activeAppServer *app.AppServer
	instanceMutex   sync.Mutex
)

// StatsData is the JSON shape returned by QueryStats.
type StatsData struct {
	Status         string `json:"status"`
	Port           int    `json:"port"`
	Accepted       uint64 `json:"accepted"`
	ActiveSessions int64  `json:"activeSessions"`
	BytesIn        uint64 `json:"bytesIn"`
	BytesOut       uint64 `json:"bytesOut"`
}

// StartServer starts the server from ini content held in memory and returns
// the bound port. Use port = 0 in the [server] section for an ephemeral port.
func StartServer(iniContent string) (port int, err error) {
	// Panics must not cross the binding boundary.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic: %v\n\n%s", r, debug.Stack())
			port = 0
		}
	}()

	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer != nil {
		return 0, fmt.Errorf("service is already running")
	}

	cfg := config.Default()
	if err := config.LoadIniBytes(cfg, []byte(iniContent)); err != nil {
		return 0, err
	}
	if err := config.Validate(cfg); err != nil {
		return 0, fmt.Errorf("invalid config: %w", err)
	}

	if err := logger.Init(cfg.LogConf); err != nil {
		return 0, fmt.Errorf("failed to initialize logger: %w", err)
	}

	appServer := app.New(cfg)
	go appServer.Run(context.Background())

	select {
	case <-appServer.Ready():
	case <-appServer.Done():
		logger.Error().Err(appServer.Err()).Msg("Failed to start embedded server")
		return 0, appServer.Err()
	}

	activeAppServer = appServer
	port = appServer.ListenerInfo().Port
	logger.Debug().Int("port", port).Msgf("Go core started successfully, listening on port %d", port)
	return port, nil
}

// StopServer stops the embedded server and waits for it to finish.
func StopServer() {
	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer != nil {
		logger.Debug().Msg("Stopping embedded server...")
		activeAppServer.Stop()
		<-activeAppServer.Done()
		activeAppServer = nil
	}
}

// QueryStats returns the session counters as JSON, "{}" when not running.
func QueryStats() (statsJson string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic in QueryStats: %v\n\n%s", r, debug.Stack())
			statsJson = "{}"
		}
	}()

	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer == nil {
		return "{}", nil
	}

	st := activeAppServer.Stats()
	data := StatsData{
		Status:         activeAppServer.Status(),
		Accepted:       st.Accepted,
		ActiveSessions: st.ActiveSessions,
		BytesIn:        st.BytesIn,
		BytesOut:       st.BytesOut,
	}
	if info := activeAppServer.ListenerInfo(); info != nil {
		data.Port = info.Port
	}

	statsBytes, err := json.Marshal(data)
	if err != nil {
		return "{}", fmt.Errorf("failed to marshal stats: %w", err)
	}
	return string(statsBytes), nil
}
