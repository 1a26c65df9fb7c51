package types

// ListenerInfo holds the runtime listening info of the acceptor.
type ListenerInfo struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// Stats holds the aggregate counters of the session supervisor.
type Stats struct {
	Accepted       uint64 `json:"accepted"`
	ActiveSessions int64  `json:"active_sessions"`
	Closed         uint64 `json:"closed"`
	Errored        uint64 `json:"errored"`
	BytesIn        uint64 `json:"bytes_in"`
	BytesOut       uint64 `json:"bytes_out"`
}
