package e2e

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"incidentflow/internal/domain"
	"incidentflow/test/testutil"

	"github.com/nats-io/nats.go"
)

// startLocalNATSServer starts a local JetStream NATS process for e2e tests.
func startLocalNATSServer(tb testing.TB) (string, func()) {
	return testutil.StartLocalNATSServer(tb)
}

// publishNATSAlerts publishes one message (single alert or array) and flushes.
func publishNATSAlerts(url, subject, body string) error {
	nc, err := nats.Connect(url)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := nc.Publish(subject, []byte(body)); err != nil {
		return err
	}
	return nc.FlushTimeout(3 * time.Second)
}

// notificationCollector records webhook deliveries.
type notificationCollector struct {
	mu    sync.Mutex
	items []domain.Notification
}

func (c *notificationCollector) Handle(writer http.ResponseWriter, request *http.Request) {
	var notification domain.Notification
	if err := json.NewDecoder(request.Body).Decode(&notification); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.items = append(c.items, notification)
	c.mu.Unlock()
	writer.WriteHeader(http.StatusNoContent)
}

func (c *notificationCollector) Count(kind domain.EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, item := range c.items {
		if item.Kind == kind {
			count++
		}
	}
	return count
}

func (c *notificationCollector) Snapshot() []domain.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Notification(nil), c.items...)
}
