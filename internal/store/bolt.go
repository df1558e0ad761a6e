package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketGardens   = []byte("gardens")
	bucketSerials   = []byte("garden_serials")
	bucketSnapshots = []byte("snapshots")
	bucketRules     = []byte("schedules")
	bucketHistory   = []byte("history")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketGardens, bucketSerials, bucketSnapshots, bucketRules, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

// seqKey encodes a big-endian uint64 so cursor order follows insertion order.
func seqKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

// snapshotKey orders snapshots by timestamp; seq breaks ties.
func snapshotKey(ts time.Time, seq uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k, uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(k[8:], seq)
	return k
}

// --- gardens ---

func (s *BoltStore) SaveGarden(g *Garden) error {
	if g.Serial == "" {
		return fmt.Errorf("garden serial is required")
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		gardens, err := bucket(tx, bucketGardens)
		if err != nil {
			return err
		}
		serials, err := bucket(tx, bucketSerials)
		if err != nil {
			return err
		}
		if owner := serials.Get([]byte(g.Serial)); owner != nil && string(owner) != g.ID {
			return fmt.Errorf("serial %s: %w", g.Serial, ErrConflict)
		}
		if prev := gardens.Get([]byte(g.ID)); prev != nil {
			var old Garden
			if err := json.Unmarshal(prev, &old); err != nil {
				return err
			}
			if old.Serial != g.Serial {
				return fmt.Errorf("garden %s: serial is immutable", g.ID)
			}
		}
		data, err := json.Marshal(g)
		if err != nil {
			return err
		}
		if err := serials.Put([]byte(g.Serial), []byte(g.ID)); err != nil {
			return err
		}
		return gardens.Put([]byte(g.ID), data)
	})
}

func (s *BoltStore) GetGarden(id string) (*Garden, error) {
	var g Garden
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketGardens)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("garden %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &g)
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *BoltStore) GetGardenBySerial(serial string) (*Garden, error) {
	var g Garden
	err := s.db.View(func(tx *bolt.Tx) error {
		serials, err := bucket(tx, bucketSerials)
		if err != nil {
			return err
		}
		id := serials.Get([]byte(serial))
		if id == nil {
			return fmt.Errorf("serial %s: %w", serial, ErrNotFound)
		}
		gardens, err := bucket(tx, bucketGardens)
		if err != nil {
			return err
		}
		data := gardens.Get(id)
		if data == nil {
			return fmt.Errorf("serial %s: %w", serial, ErrNotFound)
		}
		return json.Unmarshal(data, &g)
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *BoltStore) ListGardens() ([]*Garden, error) {
	var gardens []*Garden
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGardens)
		if b == nil {
			return nil
		}
		gardens = make([]*Garden, 0, b.Stats().KeyN)
		return b.ForEach(func(_, v []byte) error {
			var g Garden
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			gardens = append(gardens, &g)
			return nil
		})
	})
	return gardens, err
}

func (s *BoltStore) DeleteGarden(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		gardens, err := bucket(tx, bucketGardens)
		if err != nil {
			return err
		}
		data := gardens.Get([]byte(id))
		if data == nil {
			return nil
		}
		var g Garden
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		if serials := tx.Bucket(bucketSerials); serials != nil {
			if err := serials.Delete([]byte(g.Serial)); err != nil {
				return err
			}
		}
		// Rules and snapshots go with the garden. History stays: audit
		// entries are only removed by retention.
		rules, err := bucket(tx, bucketRules)
		if err != nil {
			return err
		}
		if _, err := deleteRulesWhere(rules, func(r *ScheduleRule) bool { return r.GardenID == id }); err != nil {
			return err
		}
		if snaps := tx.Bucket(bucketSnapshots); snaps != nil && snaps.Bucket([]byte(id)) != nil {
			if err := snaps.DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}
		return gardens.Delete([]byte(id))
	})
}

func (s *BoltStore) UpdateGarden(id string, fn func(g *Garden) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketGardens)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("garden %s: %w", id, ErrNotFound)
		}
		var g Garden
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		serial := g.Serial
		if err := fn(&g); err != nil {
			return err
		}
		g.ID, g.Serial = id, serial
		out, err := json.Marshal(&g)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// --- snapshots ---

func (s *BoltStore) AppendSnapshot(snap *Snapshot) error {
	if snap.GardenID == "" {
		return fmt.Errorf("snapshot garden id is required")
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		root, err := bucket(tx, bucketSnapshots)
		if err != nil {
			return err
		}
		b, err := root.CreateBucketIfNotExists([]byte(snap.GardenID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put(snapshotKey(snap.Timestamp, seq), data)
	})
}

func (s *BoltStore) LatestSnapshot(gardenID string) (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		root, err := bucket(tx, bucketSnapshots)
		if err != nil {
			return err
		}
		b := root.Bucket([]byte(gardenID))
		if b == nil {
			return fmt.Errorf("snapshot for %s: %w", gardenID, ErrNotFound)
		}
		_, v := b.Cursor().Last()
		if v == nil {
			return fmt.Errorf("snapshot for %s: %w", gardenID, ErrNotFound)
		}
		snap = &Snapshot{}
		return json.Unmarshal(v, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ListSnapshots returns up to limit snapshots, newest first. limit <= 0 means all.
func (s *BoltStore) ListSnapshots(gardenID string, limit int) ([]*Snapshot, error) {
	var out []*Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketSnapshots)
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(gardenID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			out = append(out, &snap)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// --- schedule rules ---

func (s *BoltStore) SaveRule(r *ScheduleRule) error {
	r.Days = NormalizeDays(r.Days)
	if err := r.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketRules)
		if err != nil {
			return err
		}
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(r.ID), data)
	})
}

func (s *BoltStore) GetRule(id string) (*ScheduleRule, error) {
	var r ScheduleRule
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketRules)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) DeleteRule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketRules)
		if err != nil {
			return err
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

// scanRules decodes every rule for which keep returns true.
func (s *BoltStore) scanRules(keep func(r *ScheduleRule) bool) ([]*ScheduleRule, error) {
	var rules []*ScheduleRule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var r ScheduleRule
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if keep(&r) {
				rules = append(rules, &r)
			}
			return nil
		})
	})
	return rules, err
}

func (s *BoltStore) ListRules(gardenID string) ([]*ScheduleRule, error) {
	return s.scanRules(func(r *ScheduleRule) bool { return r.GardenID == gardenID })
}

func (s *BoltStore) ListActiveRules() ([]*ScheduleRule, error) {
	return s.scanRules(func(r *ScheduleRule) bool { return r.Active })
}

func (s *BoltStore) DeleteRulesBySource(gardenID string, device Device, source Source) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketRules)
		if err != nil {
			return err
		}
		removed, err = deleteRulesWhere(b, func(r *ScheduleRule) bool {
			return r.GardenID == gardenID && r.Device == device && r.Source == source
		})
		return err
	})
	return removed, err
}

func deleteRulesWhere(b *bolt.Bucket, match func(r *ScheduleRule) bool) (int, error) {
	var doomed [][]byte
	err := b.ForEach(func(k, v []byte) error {
		var r ScheduleRule
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		if match(&r) {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	// Deleting inside ForEach is unsafe in bolt; collect first.
	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}

func (s *BoltStore) SetRulesActive(gardenID string, active bool) (int, error) {
	changed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketRules)
		if err != nil {
			return err
		}
		updates := make(map[string][]byte)
		now := time.Now().UTC()
		err = b.ForEach(func(k, v []byte) error {
			var r ScheduleRule
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.GardenID != gardenID {
				return nil
			}
			r.Active = active
			r.UpdatedAt = now
			data, err := json.Marshal(&r)
			if err != nil {
				return err
			}
			updates[string(k)] = data
			return nil
		})
		if err != nil {
			return err
		}
		for k, data := range updates {
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		changed = len(updates)
		return nil
	})
	return changed, err
}

// --- history ---

func (s *BoltStore) AppendHistory(e *HistoryEntry) error {
	if e.GardenID == "" {
		return fmt.Errorf("history garden id is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		root, err := bucket(tx, bucketHistory)
		if err != nil {
			return err
		}
		b, err := root.CreateBucketIfNotExists([]byte(e.GardenID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

// ListHistory returns up to limit entries, newest first. limit <= 0 means all.
func (s *BoltStore) ListHistory(gardenID string, limit int) ([]*HistoryEntry, error) {
	var out []*HistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketHistory)
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(gardenID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e HistoryEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
