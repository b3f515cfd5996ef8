package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"incidentflow/internal/config"
	"incidentflow/internal/domain"
	"incidentflow/internal/retryable"

	"github.com/nats-io/nats.go"
)

// NATSStore persists alerts, incidents (timelines included) and archive in JetStream KV buckets.
// Params: NATS connection and bucket handles.
// Returns: KV-backed Store implementation.
type NATSStore struct {
	nc         *nats.Conn
	alertKV    nats.KeyValue
	incidentKV nats.KeyValue
	archiveKV  nats.KeyValue
}

// NewNATSStore opens (or creates) KV buckets and returns NATS state backend.
// Params: NATS/JetStream settings derived from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStoreConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	buckets := []struct {
		target *nats.KeyValue
		cfg    nats.KeyValueConfig
	}{
		{cfg: nats.KeyValueConfig{Bucket: settings.AlertBucket, TTL: settings.AlertTTL}},
		{cfg: nats.KeyValueConfig{Bucket: settings.IncidentBucket, History: 1}},
		{cfg: nats.KeyValueConfig{Bucket: settings.ArchiveBucket}},
	}
	store := &NATSStore{nc: nc}
	buckets[0].target = &store.alertKV
	buckets[1].target = &store.incidentKV
	buckets[2].target = &store.archiveKV

	for _, bucket := range buckets {
		kv, err := openBucket(js, bucket.cfg, settings.AllowCreateBuckets)
		if err != nil {
			nc.Close()
			return nil, err
		}
		*bucket.target = kv
	}
	return store, nil
}

func openBucket(js nats.JetStreamContext, cfg nats.KeyValueConfig, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open bucket %q: %w", cfg.Bucket, err)
	}
	kv, err = js.CreateKeyValue(&cfg)
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
	}
	return kv, nil
}

// PutAlert stores alert JSON by id.
func (s *NATSStore) PutAlert(ctx context.Context, alert domain.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if _, err := s.alertKV.Put(alert.ID, body); err != nil {
		return retryable.Mark(fmt.Errorf("put alert: %w", err))
	}
	return nil
}

// GetAlert reads alert by id.
func (s *NATSStore) GetAlert(ctx context.Context, id string) (domain.Alert, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Alert{}, false, err
	}
	entry, err := s.alertKV.Get(id)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.Alert{}, false, nil
		}
		return domain.Alert{}, false, retryable.Mark(fmt.Errorf("get alert: %w", err))
	}
	var alert domain.Alert
	if err := json.Unmarshal(entry.Value(), &alert); err != nil {
		return domain.Alert{}, false, fmt.Errorf("decode alert %q: %w", id, err)
	}
	return alert, true, nil
}

// QueryAlerts scans alert bucket for created_at within [from, to], oldest first.
func (s *NATSStore) QueryAlerts(ctx context.Context, from, to time.Time) ([]domain.Alert, error) {
	keys, err := listKeys(s.alertKV)
	if err != nil {
		return nil, retryable.Mark(fmt.Errorf("list alerts: %w", err))
	}
	out := make([]domain.Alert, 0, len(keys))
	for _, key := range keys {
		alert, ok, err := s.GetAlert(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok && inRange(alert.CreatedAt, from, to) {
			out = append(out, alert)
		}
	}
	sortAlerts(out)
	return out, nil
}

// PutIncident writes incident aggregate using KV revision as optimistic version.
// Params: incident with Version 0 to create or last read revision to update.
// Returns: new revision or ErrConflict.
func (s *NATSStore) PutIncident(ctx context.Context, incident domain.Incident) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	body, err := json.Marshal(storedIncident(incident))
	if err != nil {
		return 0, fmt.Errorf("encode incident: %w", err)
	}

	var rev uint64
	if incident.Version == 0 {
		rev, err = s.incidentKV.Create(incident.ID, body)
	} else {
		rev, err = s.incidentKV.Update(incident.ID, body, incident.Version)
	}
	if err != nil {
		if isRevisionConflict(err) {
			return 0, ErrConflict
		}
		return 0, retryable.Mark(fmt.Errorf("put incident: %w", err))
	}
	return rev, nil
}

func isRevisionConflict(err error) bool {
	return errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}

// GetIncident reads live incident, falling back to archive.
func (s *NATSStore) GetIncident(ctx context.Context, id string) (domain.Incident, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Incident{}, false, err
	}
	incident, ok, err := readIncident(s.incidentKV, id)
	if err != nil {
		return domain.Incident{}, false, err
	}
	if !ok {
		return readIncident(s.archiveKV, id)
	}
	return incident, true, nil
}

func readIncident(kv nats.KeyValue, id string) (domain.Incident, bool, error) {
	entry, err := kv.Get(id)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.Incident{}, false, nil
		}
		return domain.Incident{}, false, retryable.Mark(fmt.Errorf("get incident: %w", err))
	}
	var incident domain.Incident
	if err := json.Unmarshal(entry.Value(), &incident); err != nil {
		return domain.Incident{}, false, fmt.Errorf("decode incident %q: %w", id, err)
	}
	incident.Version = entry.Revision()
	return incident, true, nil
}

// QueryIncidents scans live incidents and applies filter, newest first.
func (s *NATSStore) QueryIncidents(ctx context.Context, filter domain.IncidentFilter) ([]domain.Incident, error) {
	keys, err := listKeys(s.incidentKV)
	if err != nil {
		return nil, retryable.Mark(fmt.Errorf("list incidents: %w", err))
	}
	out := make([]domain.Incident, 0)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		incident, ok, err := readIncident(s.incidentKV, key)
		if err != nil {
			return nil, err
		}
		if ok && filter.Matches(incident) {
			out = append(out, incident)
		}
	}
	return sortIncidents(out, filter.Limit), nil
}

// AppendTimeline adds event to a live incident with a revision-checked update,
// rereading on conflict a bounded number of times.
func (s *NATSStore) AppendTimeline(ctx context.Context, incidentID string, event domain.TimelineEvent) error {
	const attempts = 3
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		incident, ok, err := readIncident(s.incidentKV, incidentID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		next, changed, err := appendEvent(incident, event)
		if err != nil || !changed {
			return err
		}
		_, err = s.PutIncident(ctx, next)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("append timeline seq %d for incident %s: %w", event.Seq, incidentID, ErrConflict)
}

// Timeline returns events of a live or archived incident ordered by seq.
func (s *NATSStore) Timeline(ctx context.Context, incidentID string) ([]domain.TimelineEvent, error) {
	incident, ok, err := s.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return incident.Timeline, nil
}

// ArchiveIncident copies incident into archive bucket and removes live key.
func (s *NATSStore) ArchiveIncident(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry, err := s.incidentKV.Get(id)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return ErrNotFound
		}
		return retryable.Mark(fmt.Errorf("get incident: %w", err))
	}
	if _, err := s.archiveKV.Put(id, entry.Value()); err != nil {
		return retryable.Mark(fmt.Errorf("archive incident: %w", err))
	}
	if err := s.incidentKV.Delete(id, nats.LastRevision(entry.Revision())); err != nil {
		if isRevisionConflict(err) {
			return ErrConflict
		}
		return retryable.Mark(fmt.Errorf("delete live incident: %w", err))
	}
	return nil
}

// Close closes underlying NATS connection.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

func listKeys(kv nats.KeyValue) ([]string, error) {
	keys, err := kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}
