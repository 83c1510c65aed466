package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ringforge/ringforge/pkg/metrics"
	"github.com/ringforge/ringforge/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// BoltLog implements Log on BoltDB. Each fleet gets its own bucket keyed
// "tenant/fleet"; record keys are 8-byte big-endian positions from the
// bucket sequence, so cursor order is position order.
type BoltLog struct {
	db *bolt.DB

	mu     sync.Mutex
	lastTS map[string]time.Time // per-fleet monotonic timestamp floor
}

// NewBoltLog opens (or creates) the event log database under dataDir.
func NewBoltLog(dataDir string) (*BoltLog, error) {
	dbPath := filepath.Join(dataDir, "events.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	return &BoltLog{db: db, lastTS: make(map[string]time.Time)}, nil
}

// Close closes the database
func (l *BoltLog) Close() error {
	return l.db.Close()
}

func fleetBucket(tenantID, fleetID string) []byte {
	return []byte(tenantID + "/" + fleetID)
}

func positionKey(pos uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, pos)
	return k
}

// Append writes the record and assigns its per-fleet position.
func (l *BoltLog) Append(e *types.Event) (uint64, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Timestamp = l.monotonicNow(e.TenantID, e.FleetID, e.Timestamp)

	var pos uint64
	err := l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(fleetBucket(e.TenantID, e.FleetID))
		if err != nil {
			return err
		}
		pos, err = b.NextSequence()
		if err != nil {
			return err
		}
		e.Position = pos
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(positionKey(pos), data)
	})
	if err != nil {
		return 0, err
	}
	metrics.EventsAppendedTotal.WithLabelValues(string(e.Kind)).Inc()
	return pos, nil
}

// monotonicNow clamps ts so fleet timestamps never go backwards. Clients
// must not rely on cross-publisher ordering except through positions, but
// within a fleet the clock is monotonic.
func (l *BoltLog) monotonicNow(tenantID, fleetID string, ts time.Time) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	key := tenantID + "/" + fleetID
	if last, ok := l.lastTS[key]; ok && !ts.After(last) {
		ts = last.Add(time.Millisecond)
	}
	l.lastTS[key] = ts
	return ts
}

// Scan streams matching records in position order.
func (l *BoltLog) Scan(tenantID, fleetID string, filter Filter, fn func(*types.Event) bool) error {
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(fleetBucket(tenantID, fleetID))
		if b == nil {
			return nil // empty log, nothing to stream
		}
		c := b.Cursor()
		start := positionKey(filter.FromPosition)
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			var e types.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if !filter.To.IsZero() && e.Timestamp.After(filter.To) {
				break
			}
			if !filter.Match(&e) {
				continue
			}
			if !fn(&e) {
				return nil
			}
		}
		return nil
	})
}

// Compact removes records older than before, keeping the latest
// memory.set per key that has not been deleted since. Activity and
// presence records are retained by time only.
func (l *BoltLog) Compact(tenantID, fleetID string, before time.Time) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(fleetBucket(tenantID, fleetID))
		if b == nil {
			return nil
		}

		// First pass: find the newest memory mutation position per key.
		latestByKey := make(map[string]uint64)
		deleted := make(map[string]bool)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e types.Event
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.Kind != types.EventMemorySet && e.Kind != types.EventMemoryDelete {
				continue
			}
			mk, _ := e.Payload["key"].(string)
			if mk == "" {
				continue
			}
			latestByKey[mk] = e.Position
			deleted[mk] = e.Kind == types.EventMemoryDelete
		}

		// Second pass: drop expired records unless they are the surviving
		// projection of a live key.
		c = b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e types.Event
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if !e.Timestamp.Before(before) {
				break // position order implies timestamp order per fleet
			}
			if e.Kind == types.EventMemorySet {
				mk, _ := e.Payload["key"].(string)
				if mk != "" && latestByKey[mk] == e.Position && !deleted[mk] {
					continue
				}
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// DropFleet removes the fleet's entire log.
func (l *BoltLog) DropFleet(tenantID, fleetID string) error {
	l.mu.Lock()
	delete(l.lastTS, tenantID+"/"+fleetID)
	l.mu.Unlock()
	return l.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(fleetBucket(tenantID, fleetID))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}
