package protocol

import "fmt"

// NATS subject constants and helpers.
const (
	SubjectRegistry     = "safepart.registry"
	SubjectConfigReload = "safepart.config.reload"

	SubjectHeartbeatAll = "safepart.heartbeat.>"
	SubjectAuditAll     = "safepart.audit.>"
)

func SubjectCommands(partition string) string {
	return fmt.Sprintf("safepart.commands.%s", partition)
}

func SubjectResults(partition string) string {
	return fmt.Sprintf("safepart.results.%s", partition)
}

func SubjectAudit(partition string) string {
	return fmt.Sprintf("safepart.audit.%s", partition)
}

func SubjectHeartbeat(partition string) string {
	return fmt.Sprintf("safepart.heartbeat.%s", partition)
}

// SubjectConfigReloadPartition targets a config reload at a single partition.
func SubjectConfigReloadPartition(partition string) string {
	return fmt.Sprintf("%s.%s", SubjectConfigReload, partition)
}
