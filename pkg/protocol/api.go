package protocol

import "time"

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Status         string    `json:"status"`
	Uptime         string    `json:"uptime"`
	NATSRunning    bool      `json:"nats_running"`
	StartedAt      time.Time `json:"started_at"`
	PartitionCount int       `json:"partition_count"`
	AuditRecords   uint64    `json:"audit_records"`
}

// PartitionInfo is one entry in the GET /api/v1/partitions response.
type PartitionInfo struct {
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	Status        string    `json:"status"`
	Mode          string    `json:"mode"`
	Commands      []string  `json:"commands"`
	QueueSize     int       `json:"queue_size"`
	Period        string    `json:"period"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Counters      Counters  `json:"counters"`
}

// PartitionsResponse is returned by GET /api/v1/partitions.
type PartitionsResponse struct {
	Partitions []PartitionInfo `json:"partitions"`
}

// AuditResponse is returned by GET /api/v1/audit.
type AuditResponse struct {
	Records []Result `json:"records"`
}
