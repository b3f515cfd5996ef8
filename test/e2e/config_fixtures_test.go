package e2e

import (
	"fmt"
	"time"
)

const e2eAlertsSubject = "incidentflow.alerts"

// singleModeConfig builds in-memory service config listening on port.
func singleModeConfig(port int) string {
	return fmt.Sprintf(`
[service]
name = "incidentflow-e2e"
mode = "single"
sweep_interval_sec = 1

[log.console]
enabled = true
level = "error"
format = "line"

[ingest.http]
enabled = true
listen = "127.0.0.1:%d"
`, port)
}

// natsModeConfig builds JetStream-backed service config with webhook delivery through the notify queue.
func natsModeConfig(port int, name, natsURL, webhookURL string) string {
	return fmt.Sprintf(`
[service]
name = %q
mode = "nats"
sweep_interval_sec = 1

[log.console]
enabled = true
level = "error"
format = "line"

[ingest.http]
enabled = true
listen = "127.0.0.1:%d"

[ingest.nats]
enabled = true
url = [%q]
ack_wait_sec = 5
nack_delay_ms = 100

[notify]
log = false

[notify.webhook]
enabled = true
url = %q
timeout_sec = 2

[notify.retry]
initial_ms = 10
max_ms = 50
max_attempts = 2

[notify.queue]
enabled = true
ack_wait_sec = 5
max_deliver = 3
`, name, port, natsURL, webhookURL)
}

// alertJSON renders one alert for db-1 with given id, severity and title.
func alertJSON(id, severity, title string, at time.Time) string {
	return fmt.Sprintf(`{"id":%q,"severity":%q,"category":"availability","source":"db-1","component":"postgres","tags":["prod"],"title":%q,"created_at":%q}`,
		id, severity, title, at.UTC().Format(time.RFC3339Nano))
}
