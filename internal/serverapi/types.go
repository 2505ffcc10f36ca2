package serverapi

// Kernel is the remote server's descriptor for one compute kernel.
type Kernel struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ExecutionState string `json:"execution_state"`
	Connections    int    `json:"connections"`
	LastActivity   string `json:"last_activity"`
}

// ServerStatus is the remote server's self-report from /api/status.
type ServerStatus struct {
	Version     string `json:"version"`
	KernelCount int    `json:"kernel_count"`
	UptimeSecs  int64  `json:"uptime_secs"`
}

// LogRecord is one remote server log line from /api/logs.
type LogRecord struct {
	Cursor      uint64 `json:"cursor"`
	Level       string `json:"level"`
	Message     string `json:"message"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

type kernelList struct {
	Kernels []Kernel `json:"kernels"`
}

type logPage struct {
	Records []LogRecord `json:"records"`
	Cursor  uint64      `json:"cursor"`
}

type errorEnvelope struct {
	Message string `json:"message"`
}
