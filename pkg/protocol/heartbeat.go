package protocol

import "time"

// Heartbeat is published on safepart.heartbeat.<partition> every 30s.
type Heartbeat struct {
	Name     string    `json:"name"`
	Status   string    `json:"status"`
	Mode     string    `json:"mode"`
	LastSeen time.Time `json:"last_command"`
	Counters Counters  `json:"counters"`
}

// Counters are the command pipeline totals reported by a partition.
type Counters struct {
	Received   int64 `json:"received"`
	Accepted   int64 `json:"accepted"`
	Rejected   int64 `json:"rejected"`
	Executed   int64 `json:"executed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Overruns   int64 `json:"overruns"`
	QueueDepth int   `json:"queue_depth"`
}
