// Package storage — bolt.go
//
// BoltDB-backed persistent storage for the VisiFruit controller.
//
// Schema (BoltDB bucket layout), rendering spec §6's three relational
// tables as buckets keyed by a sortable, timestamp-prefixed key so a
// forward cursor scan already yields ts ASC and a reverse cursor scan
// yields ts DESC — the index the tables call for, without a SQL engine.
// Key timestamps are UTC RFC3339 with a fixed nine-digit fraction, so keys
// compare lexically in time order:
//
//	/detections
//	    key:   RFC3339Nano timestamp + "_" + request_id
//	    value: JSON-encoded DetectionRecord
//
//	/labelings
//	    key:   RFC3339Nano timestamp + "_" + labeler_id (zero-padded)
//	    value: JSON-encoded LabelingRecord
//
//	/alerts
//	    key:   RFC3339Nano timestamp + "_" + alert_id
//	    value: JSON-encoded AlertRecord
//
//	/audit
//	    key:   RFC3339Nano timestamp + "_" + decision_hash prefix
//	    value: JSON-encoded AuditRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Detection and labeling records older than RetentionDays are pruned
//     when PruneOldRecords is called; cmd/fruitline calls it once at
//     startup, and there is no periodic pruning.
//   - Alerts are never automatically pruned (operator action required —
//     they are the audit trail for what actually went wrong).
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The controller logs a fatal event and refuses to start.
//   - Disk full: bbolt.Update() returns an error. The caller logs the error
//     and continues without persisting (in-memory state preserved) — a
//     storage fault never blocks the belt.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/visifruit/visifruit.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default detection/labeling retention period.
	DefaultRetentionDays = 30

	bucketDetections = "detections"
	bucketLabelings  = "labelings"
	bucketAlerts     = "alerts"
	bucketAudit      = "audit"
	bucketMeta       = "meta"
)

// DetectionRecord is the persisted form of a single detection result.
// Stored as JSON in the detections bucket.
type DetectionRecord struct {
	Timestamp        time.Time  `json:"ts"`
	RequestID        string     `json:"request_id"`
	Category         string     `json:"category"`
	Confidence       float64    `json:"confidence"`
	ProcessingTimeMS float64    `json:"processing_time_ms"`
	BBox             [4]float64 `json:"bbox"` // x, y, w, h, normalized [0,1]
}

// LabelingRecord is the persisted form of a single labeler-fire event.
// Stored as JSON in the labelings bucket.
type LabelingRecord struct {
	Timestamp time.Time `json:"ts"`
	LabelerID int       `json:"labeler_id"`
	Category  string    `json:"category"`
	DurationS float64   `json:"duration_s"`
	Success   bool      `json:"success"`
	Position  int       `json:"position"` // group index at fire time
}

// AlertRecord is the persisted form of a single alert-bus entry.
// Stored as JSON in the alerts bucket.
type AlertRecord struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"ts"`
	Level           string    `json:"level"` // info | warning | critical
	Component       string    `json:"component"`
	Message         string    `json:"message"`
	Details         string    `json:"details,omitempty"`
	Resolved        bool      `json:"resolved"`
	ResolutionTS    time.Time `json:"resolution_ts,omitempty"`
	OccurrenceCount int       `json:"occurrence_count"`
}

// AuditRecord is the persisted form of one validated labeling/diverter
// decision, carrying its deterministic decision hash and Merkle-style
// parent-hash link. Stored as JSON in the audit bucket.
type AuditRecord struct {
	Timestamp    time.Time `json:"ts"`
	Kind         string    `json:"kind"` // labeling | diverter
	TargetGroup  int       `json:"target_group,omitempty"`
	Category     string    `json:"category,omitempty"`
	DurationS    float64   `json:"duration_s"`
	DecisionHash string    `json:"decision_hash"`
	ParentHash   string    `json:"parent_hash"`
	Rejected     bool      `json:"rejected"`
	Reason       string    `json:"reason,omitempty"`
}

// DB wraps a BoltDB instance with typed accessors for controller data.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
// Returns an error if the database is corrupt or schema is incompatible.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketDetections, bucketLabelings, bucketAlerts, bucketAudit, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, controller requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

func timeKey(t time.Time, suffix string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), suffix))
}

// ─── Detection operations ─────────────────────────────────────────────────────

// PutDetection appends a detection record.
func (d *DB) PutDetection(rec DetectionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutDetection marshal: %w", err)
	}
	key := timeKey(rec.Timestamp, rec.RequestID)
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDetections))
		return b.Put(key, data)
	})
}

// RecentDetections returns up to limit detections, most recent first.
func (d *DB) RecentDetections(limit int) ([]DetectionRecord, error) {
	var out []DetectionRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDetections))
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec DetectionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// ─── Labeling operations ──────────────────────────────────────────────────────

// PutLabeling appends a labeler-fire record.
func (d *DB) PutLabeling(rec LabelingRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutLabeling marshal: %w", err)
	}
	key := timeKey(rec.Timestamp, fmt.Sprintf("%04d", rec.LabelerID))
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLabelings))
		return b.Put(key, data)
	})
}

// RecentLabelings returns up to limit labeling records, most recent first.
func (d *DB) RecentLabelings(limit int) ([]LabelingRecord, error) {
	var out []LabelingRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLabelings))
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec LabelingRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// ─── Alert operations ─────────────────────────────────────────────────────────

// PutAlert writes or overwrites an alert record (keyed by its own
// RFC3339Nano timestamp + id, so re-puts under the same id and ts update
// in place — used to mark an alert resolved).
func (d *DB) PutAlert(rec AlertRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutAlert marshal: %w", err)
	}
	key := timeKey(rec.Timestamp, rec.ID)
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAlerts))
		return b.Put(key, data)
	})
}

// RecentAlerts returns up to limit alerts, most recent first.
func (d *DB) RecentAlerts(limit int) ([]AlertRecord, error) {
	var out []AlertRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAlerts))
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec AlertRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// PutAudit appends one decision-audit record.
func (d *DB) PutAudit(rec AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutAudit marshal: %w", err)
	}
	suffix := rec.DecisionHash
	if len(suffix) > 16 {
		suffix = suffix[:16]
	}
	key := timeKey(rec.Timestamp, suffix)
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAudit))
		return b.Put(key, data)
	})
}

// RecentAudits returns up to limit audit records, most recent first.
func (d *DB) RecentAudits(limit int) ([]AuditRecord, error) {
	var out []AuditRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAudit))
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec AuditRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// ─── Retention ─────────────────────────────────────────────────────────────────

// PruneOldRecords deletes detection and labeling records older than
// retentionDays. Alerts are never pruned automatically. Returns the
// number of records deleted across both buckets.
func (d *DB) PruneOldRecords() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := timeKey(cutoff, "")

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketDetections, bucketLabelings} {
			b := tx.Bucket([]byte(name))
			c := b.Cursor()
			var toDelete [][]byte
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if string(k) >= string(cutoffKey) {
					break
				}
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
			for _, k := range toDelete {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("PruneOldRecords delete from %q: %w", name, err)
				}
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}

// Counts returns the current number of records in each bucket, for the
// storage_records_total gauge.
func (d *DB) Counts() (detections, labelings, alerts int, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		detections = tx.Bucket([]byte(bucketDetections)).Stats().KeyN
		labelings = tx.Bucket([]byte(bucketLabelings)).Stats().KeyN
		alerts = tx.Bucket([]byte(bucketAlerts)).Stats().KeyN
		return nil
	})
	return
}
