package protocol

// Registration is published on safepart.registry when a partition starts.
type Registration struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	Commands     []string `json:"commands"`
	QueueSize    int      `json:"queue_size"`
	Period       string   `json:"period"`
}
