package storage

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ringforge/ringforge/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTenants   = []byte("tenants")
	bucketFleets    = []byte("fleets")
	bucketAgents    = []byte("agents")
	bucketKeys      = []byte("keys")
	bucketKeyHashes = []byte("key_hashes")
	bucketSessions  = []byte("sessions")
	bucketGroups    = []byte("groups")
	bucketAudit     = []byte("audit")
)

// BoltStore implements Store using BoltDB. Rows below a tenant are keyed
// with the tenant id as the leading path segment, so every scan and get is
// naturally tenant scoped.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the metadata database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "ringforge.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTenants,
			bucketFleets,
			bucketAgents,
			bucketKeys,
			bucketKeyHashes,
			bucketSessions,
			bucketGroups,
			bucketAudit,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func key(parts ...string) []byte {
	return []byte(strings.Join(parts, "/"))
}

func put(b *bolt.Bucket, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(k, data)
}

func get(b *bolt.Bucket, k []byte, v any) error {
	data := b.Get(k)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// deletePrefix removes every row whose key starts with prefix.
func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// Tenant operations

func (s *BoltStore) CreateTenant(t *types.Tenant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		if b.Get([]byte(t.ID)) != nil {
			return ErrConflict
		}
		return put(b, []byte(t.ID), t)
	})
}

func (s *BoltStore) GetTenant(id string) (*types.Tenant, error) {
	var t types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketTenants), []byte(id), &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) UpdateTenant(t *types.Tenant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		if b.Get([]byte(t.ID)) == nil {
			return ErrNotFound
		}
		return put(b, []byte(t.ID), t)
	})
}

func (s *BoltStore) ListTenants() ([]*types.Tenant, error) {
	var tenants []*types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).ForEach(func(k, v []byte) error {
			var t types.Tenant
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tenants = append(tenants, &t)
			return nil
		})
	})
	return tenants, err
}

func (s *BoltStore) DeleteTenant(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		// Drop key hash index rows for this tenant before the keys go.
		kb := tx.Bucket(bucketKeys)
		hb := tx.Bucket(bucketKeyHashes)
		c := kb.Cursor()
		prefix := key(id, "")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ak types.APIKey
			if err := json.Unmarshal(v, &ak); err == nil {
				_ = hb.Delete([]byte(hex.EncodeToString(ak.Hash)))
			}
		}
		// Cascade through every per-tenant prefix.
		for _, bucket := range [][]byte{bucketFleets, bucketAgents, bucketKeys, bucketSessions, bucketGroups, bucketAudit} {
			if err := deletePrefix(tx.Bucket(bucket), prefix); err != nil {
				return err
			}
		}
		return nil
	})
}

// Fleet operations

func (s *BoltStore) CreateFleet(f *types.Fleet) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFleets)
		// (tenant, name) is unique
		c := b.Cursor()
		prefix := key(f.TenantID, "")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var existing types.Fleet
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Name == f.Name {
				return ErrConflict
			}
		}
		return put(b, key(f.TenantID, f.ID), f)
	})
}

func (s *BoltStore) GetFleet(tenantID, id string) (*types.Fleet, error) {
	var f types.Fleet
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketFleets), key(tenantID, id), &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *BoltStore) GetFleetByName(tenantID, name string) (*types.Fleet, error) {
	var found *types.Fleet
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFleets).Cursor()
		prefix := key(tenantID, "")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var f types.Fleet
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if f.Name == name {
				found = &f
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *BoltStore) ListFleets(tenantID string) ([]*types.Fleet, error) {
	var fleets []*types.Fleet
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFleets).Cursor()
		prefix := key(tenantID, "")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var f types.Fleet
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			fleets = append(fleets, &f)
		}
		return nil
	})
	return fleets, err
}

func (s *BoltStore) DeleteFleet(tenantID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFleets)
		fk := key(tenantID, id)
		if b.Get(fk) == nil {
			return ErrNotFound
		}
		if err := b.Delete(fk); err != nil {
			return err
		}
		// Revoke the hash index for fleet-scoped keys.
		kb := tx.Bucket(bucketKeys)
		hb := tx.Bucket(bucketKeyHashes)
		c := kb.Cursor()
		tprefix := key(tenantID, "")
		for k, v := c.Seek(tprefix); k != nil && bytes.HasPrefix(k, tprefix); k, v = c.Next() {
			var ak types.APIKey
			if err := json.Unmarshal(v, &ak); err != nil {
				continue
			}
			if ak.FleetID == id {
				_ = hb.Delete([]byte(hex.EncodeToString(ak.Hash)))
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		prefix := key(tenantID, id, "")
		for _, bucket := range [][]byte{bucketAgents, bucketSessions, bucketGroups} {
			if err := deletePrefix(tx.Bucket(bucket), prefix); err != nil {
				return err
			}
		}
		return nil
	})
}

// Agent operations

func (s *BoltStore) CreateAgent(a *types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		ak := key(a.TenantID, a.FleetID, a.ID)
		if b.Get(ak) != nil {
			return ErrConflict
		}
		return put(b, ak, a)
	})
}

func (s *BoltStore) GetAgent(tenantID, fleetID, id string) (*types.Agent, error) {
	var a types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketAgents), key(tenantID, fleetID, id), &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) GetAgentByName(tenantID, fleetID, name string) (*types.Agent, error) {
	var found *types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAgents).Cursor()
		prefix := key(tenantID, fleetID, "")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var a types.Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Name == name {
				found = &a
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *BoltStore) UpdateAgent(a *types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		ak := key(a.TenantID, a.FleetID, a.ID)
		if b.Get(ak) == nil {
			return ErrNotFound
		}
		return put(b, ak, a)
	})
}

func (s *BoltStore) ListAgents(tenantID, fleetID string) ([]*types.Agent, error) {
	return s.scanAgents(key(tenantID, fleetID, ""))
}

func (s *BoltStore) ListTenantAgents(tenantID string) ([]*types.Agent, error) {
	return s.scanAgents(key(tenantID, ""))
}

func (s *BoltStore) scanAgents(prefix []byte) ([]*types.Agent, error) {
	var agents []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAgents).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var a types.Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			agents = append(agents, &a)
		}
		return nil
	})
	return agents, err
}

func (s *BoltStore) DeleteAgent(tenantID, fleetID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		ak := key(tenantID, fleetID, id)
		if b.Get(ak) == nil {
			return ErrNotFound
		}
		if err := b.Delete(ak); err != nil {
			return err
		}
		return deletePrefix(tx.Bucket(bucketSessions), key(tenantID, fleetID, id, ""))
	})
}

// API key operations

func (s *BoltStore) CreateKey(k *types.APIKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		kb := tx.Bucket(bucketKeys)
		kk := key(k.TenantID, k.ID)
		if kb.Get(kk) != nil {
			return ErrConflict
		}
		if err := put(kb, kk, k); err != nil {
			return err
		}
		// Hash index resolves a presented key to exactly one tenant.
		return tx.Bucket(bucketKeyHashes).Put([]byte(hex.EncodeToString(k.Hash)), kk)
	})
}

func (s *BoltStore) GetKey(tenantID, id string) (*types.APIKey, error) {
	var k types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketKeys), key(tenantID, id), &k)
	})
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *BoltStore) GetKeyByHash(hash []byte) (*types.APIKey, error) {
	var k types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		ref := tx.Bucket(bucketKeyHashes).Get([]byte(hex.EncodeToString(hash)))
		if ref == nil {
			return ErrNotFound
		}
		return get(tx.Bucket(bucketKeys), ref, &k)
	})
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *BoltStore) UpdateKey(k *types.APIKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		kb := tx.Bucket(bucketKeys)
		kk := key(k.TenantID, k.ID)
		if kb.Get(kk) == nil {
			return ErrNotFound
		}
		return put(kb, kk, k)
	})
}

func (s *BoltStore) ListKeys(tenantID string) ([]*types.APIKey, error) {
	var keys []*types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKeys).Cursor()
		prefix := key(tenantID, "")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ak types.APIKey
			if err := json.Unmarshal(v, &ak); err != nil {
				return err
			}
			keys = append(keys, &ak)
		}
		return nil
	})
	return keys, err
}

// Session operations

func (s *BoltStore) CreateSession(sess *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		// Keyed by connect time so history scans come back ordered.
		sk := key(sess.TenantID, sess.FleetID, sess.AgentID,
			fmt.Sprintf("%020d", sess.ConnectedAt.UnixNano()), sess.ID)
		if err := put(b, sk, sess); err != nil {
			return err
		}
		// Prune history beyond the retention limit, oldest first.
		prefix := key(sess.TenantID, sess.FleetID, sess.AgentID, "")
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for len(keys) > types.SessionHistoryLimit {
			if err := b.Delete(keys[0]); err != nil {
				return err
			}
			keys = keys[1:]
		}
		return nil
	})
}

func (s *BoltStore) UpdateSession(sess *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		sk := key(sess.TenantID, sess.FleetID, sess.AgentID,
			fmt.Sprintf("%020d", sess.ConnectedAt.UnixNano()), sess.ID)
		if b.Get(sk) == nil {
			return ErrNotFound
		}
		return put(b, sk, sess)
	})
}

func (s *BoltStore) ListSessions(tenantID, fleetID, agentID string) ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSessions).Cursor()
		prefix := key(tenantID, fleetID, agentID, "")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			sessions = append(sessions, &sess)
		}
		return nil
	})
	return sessions, err
}

// Group operations

func (s *BoltStore) CreateGroup(g *types.Group) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		gk := key(g.TenantID, g.FleetID, g.ID)
		if b.Get(gk) != nil {
			return ErrConflict
		}
		// Name is unique among live groups in the fleet.
		c := b.Cursor()
		prefix := key(g.TenantID, g.FleetID, "")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var existing types.Group
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if !existing.Dissolved && existing.Name == g.Name {
				return ErrConflict
			}
		}
		return put(b, gk, g)
	})
}

func (s *BoltStore) GetGroup(tenantID, fleetID, id string) (*types.Group, error) {
	var g types.Group
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketGroups), key(tenantID, fleetID, id), &g)
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *BoltStore) UpdateGroup(g *types.Group) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		gk := key(g.TenantID, g.FleetID, g.ID)
		if b.Get(gk) == nil {
			return ErrNotFound
		}
		return put(b, gk, g)
	})
}

func (s *BoltStore) ListGroups(tenantID, fleetID string) ([]*types.Group, error) {
	var groups []*types.Group
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketGroups).Cursor()
		prefix := key(tenantID, fleetID, "")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var g types.Group
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			groups = append(groups, &g)
		}
		return nil
	})
	return groups, err
}

// Audit operations

func (s *BoltStore) AppendAudit(r *types.AuditRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		ak := key(r.TenantID, fmt.Sprintf("%020d", r.Timestamp.UnixNano()), r.ID)
		return put(b, ak, r)
	})
}

func (s *BoltStore) ListAudit(tenantID string, since time.Time) ([]*types.AuditRecord, error) {
	var records []*types.AuditRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		prefix := key(tenantID, "")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r types.AuditRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Timestamp.Before(since) {
				continue
			}
			records = append(records, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp) })
	return records, nil
}

func (s *BoltStore) PruneAudit(before time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r types.AuditRecord
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if r.Timestamp.Before(before) {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
