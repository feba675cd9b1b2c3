package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/pkg/metrics"
	"github.com/zmooth/zmooth-api/internal/pkg/storage"
)

const contentType = "application/x-ndjson"

// Config tunes the usage archive exporter
type Config struct {
	Interval  time.Duration
	BatchSize int
	Prefix    string
}

// Record is one closed session as written to the archive
type Record struct {
	SessionID        string     `json:"session_id"`
	OwnerID          uuid.UUID  `json:"owner_id"`
	EntitlementID    uuid.UUID  `json:"entitlement_id"`
	NASIdentity      string     `json:"nas_identity"`
	NetworkIdentity  string     `json:"network_identity"`
	StartedAt        time.Time  `json:"started_at"`
	StoppedAt        *time.Time `json:"stopped_at,omitempty"`
	UploadBytes      int64      `json:"upload_bytes"`
	DownloadBytes    int64      `json:"download_bytes"`
	TotalBytes       int64      `json:"total_bytes"`
	DurationSeconds  int64      `json:"duration_seconds"`
	TerminationCause string     `json:"termination_cause,omitempty"`
}

// Exporter copies closed sessions to object storage as gzipped NDJSON,
// one object per day and batch, then marks them archived.
type Exporter struct {
	store   ledger.Store
	objects storage.Storage
	cfg     Config
	now     func() time.Time
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewExporter(store ledger.Store, objects storage.Storage, cfg Config) *Exporter {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "sessions"
	}
	return &Exporter{
		store:   store,
		objects: objects,
		cfg:     cfg,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (e *Exporter) WithClock(now func() time.Time) *Exporter {
	e.now = now
	return e
}

// Start begins the background worker
func (e *Exporter) Start() {
	log.Info().Dur("interval", e.cfg.Interval).Msg("Starting usage archive exporter...")
	go e.loop()
}

// Stop stops the worker and waits for the current pass
func (e *Exporter) Stop() {
	log.Info().Msg("Stopping usage archive exporter...")
	close(e.stopCh)
	<-e.doneCh
}

func (e *Exporter) loop() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Interval)
			if _, err := e.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Usage archive export failed")
			}
			cancel()
		case <-e.stopCh:
			return
		}
	}
}

// RunOnce exports one batch and returns how many sessions were archived
func (e *Exporter) RunOnce(ctx context.Context) (int, error) {
	sessions, err := e.store.ListUnarchivedSessions(ctx, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(sessions) == 0 {
		return 0, nil
	}

	archived := 0
	for day, group := range groupByDay(sessions) {
		if err := ctx.Err(); err != nil {
			return archived, err
		}
		key, ids, err := e.export(ctx, day, group)
		if err != nil {
			return archived, err
		}
		if err := e.store.MarkSessionsArchived(ctx, ids, e.now()); err != nil {
			return archived, fmt.Errorf("mark archived: %w", err)
		}
		archived += len(ids)
		metrics.SessionsArchivedTotal.Add(float64(len(ids)))
		log.Info().Str("key", key).Int("sessions", len(ids)).Msg("Sessions archived")
	}
	return archived, nil
}

// export writes one object. The key is derived from the session ids so a
// retry after a failed mark rewrites the same object.
func (e *Exporter) export(ctx context.Context, day string, group []ledger.Session) (string, []string, error) {
	sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })

	ids := make([]string, len(group))
	digest := sha256.New()
	for i, s := range group {
		ids[i] = s.ID
		digest.Write([]byte(s.ID))
		digest.Write([]byte{0})
	}
	key := fmt.Sprintf("%s/%s/%s.ndjson.gz", e.cfg.Prefix, day, hex.EncodeToString(digest.Sum(nil))[:16])

	exists, err := e.objects.Exists(ctx, key)
	if err != nil {
		return "", nil, fmt.Errorf("check %s: %w", key, err)
	}
	if exists {
		return key, ids, nil
	}

	body, err := Encode(group)
	if err != nil {
		return "", nil, err
	}
	if err := e.objects.Put(ctx, key, body, contentType); err != nil {
		return "", nil, err
	}
	return key, ids, nil
}

// Encode renders sessions as gzipped NDJSON
func Encode(sessions []ledger.Session) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for _, s := range sessions {
		if err := enc.Encode(toRecord(s)); err != nil {
			return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads an archive object back
func Decode(data []byte) ([]Record, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var out []Record
	dec := json.NewDecoder(zr)
	for dec.More() {
		var r Record
		if err := dec.Decode(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func toRecord(s ledger.Session) Record {
	r := Record{
		SessionID:       s.ID,
		OwnerID:         s.OwnerID,
		EntitlementID:   s.EntitlementID,
		NASIdentity:     s.NASIdentity,
		NetworkIdentity: s.NetworkIdentity,
		StartedAt:       s.StartedAt.UTC(),
		UploadBytes:     s.UploadBytes,
		DownloadBytes:   s.DownloadBytes,
		TotalBytes:      s.TotalBytes(),
		DurationSeconds: s.DurationSeconds,
	}
	if s.StoppedAt != nil {
		stopped := s.StoppedAt.UTC()
		r.StoppedAt = &stopped
	}
	if s.TerminationCause != nil {
		r.TerminationCause = string(*s.TerminationCause)
	}
	return r
}

func groupByDay(sessions []ledger.Session) map[string][]ledger.Session {
	out := make(map[string][]ledger.Session)
	for _, s := range sessions {
		at := s.StartedAt
		if s.StoppedAt != nil {
			at = *s.StoppedAt
		}
		day := at.UTC().Format("2006/01/02")
		out[day] = append(out[day], s)
	}
	return out
}
