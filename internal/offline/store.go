// Package offline keeps a durable local cache so a client can ride out
// connectivity gaps: queued location updates, routes, request snapshots
// and map tiles.
package offline

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/example/ambulance-dispatch/internal/eta"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

var (
	bucketTiles       = []byte("tiles")
	bucketLocations   = []byte("locations")
	bucketRoutes      = []byte("routes")
	bucketEmergencies = []byte("emergencies")
	bucketMeta        = []byte("meta")

	keyLastSync = []byte("last_sync")
)

var ErrClosed = errors.New("offline store closed")

// Sender delivers a queued update; it must fail instead of buffering.
type Sender interface {
	Publish(env models.Envelope) error
}

type Event struct {
	Online bool
	At     time.Time
}

type Status struct {
	IsOnline          bool      `json:"isOnline"`
	QueuedUpdates     int       `json:"queuedUpdates"`
	CachedRoutes      int       `json:"cachedRoutes"`
	CachedEmergencies int       `json:"cachedEmergencies"`
	CachedTiles       int       `json:"cachedTiles"`
	LastSyncAt        time.Time `json:"lastSyncAt"`
}

type Options struct {
	RouteTTL  time.Duration
	Retention time.Duration
	Logger    *slog.Logger
}

type Store struct {
	db        *bolt.DB
	routeTTL  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	replayMu sync.Mutex

	mu        sync.Mutex
	online    bool
	pending   []models.QueuedUpdate
	sender    Sender
	listeners map[int]func(Event)
	nextLis   int
	closed    bool
}

// Open opens or creates the store at path. The store starts offline.
func Open(path string, opts Options) (*Store, error) {
	if opts.RouteTTL <= 0 {
		opts.RouteTTL = eta.DefaultTTL
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open offline store %s: %w", path, err)
	}
	s := &Store{
		db:        db,
		routeTTL:  opts.RouteTTL,
		retention: opts.Retention,
		logger:    opts.Logger,
		now:       time.Now,
		listeners: make(map[int]func(Event)),
	}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTiles, bucketLocations, bucketRoutes, bucketEmergencies, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	// unsynced entries survive a restart
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocations).ForEach(func(_, v []byte) error {
			var q models.QueuedUpdate
			if err := json.Unmarshal(v, &q); err != nil {
				return fmt.Errorf("decode queued update: %w", err)
			}
			if !q.Synced {
				s.pending = append(s.pending, q)
			}
			return nil
		})
	})
	observability.OfflineQueueDepth.Set(float64(len(s.pending)))
	return err
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

// Attach sets the sender used to replay the queue on reconnect.
func (s *Store) Attach(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Subscribe registers fn for online/offline transitions.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextLis
	s.nextLis++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline records connectivity. Only real transitions notify listeners;
// going online replays the queue through the attached sender.
func (s *Store) SetOnline(ctx context.Context, online bool) error {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return nil
	}
	s.online = online
	ev := Event{Online: online, At: s.now()}
	listeners := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	sender := s.sender
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
	if !online || sender == nil {
		return nil
	}
	n, err := s.Replay(ctx, sender)
	if n > 0 {
		s.logger.Info("replayed queued location updates", "count", n)
	}
	return err
}

// CacheLocationUpdate appends a not-yet-delivered sample to the queue.
func (s *Store) CacheLocationUpdate(requestID string, sample models.LocationSample, role models.Role) (models.QueuedUpdate, error) {
	sample.RequestID = requestID
	sample.Role = role
	q := models.QueuedUpdate{Sample: sample, EnqueuedAt: s.now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return q, ErrClosed
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocations)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		q.Seq = seq
		return putJSON(b, seqKey(seq), q)
	})
	if err != nil {
		return q, fmt.Errorf("queue location update: %w", err)
	}
	s.pending = append(s.pending, q)
	observability.OfflineQueueDepth.Set(float64(len(s.pending)))
	return q, nil
}

// Pending returns the unsynced queue in enqueue order.
func (s *Store) Pending() []models.QueuedUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.QueuedUpdate, len(s.pending))
	copy(out, s.pending)
	return out
}

// Replay sends queued updates in order and marks each synced. It stops at
// the first failed send; the rest stay queued for the next attempt.
func (s *Store) Replay(ctx context.Context, sender Sender) (int, error) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()

	sent := 0
	for _, q := range s.Pending() {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		env, err := models.NewEnvelope(models.TypeLocationUpdate, models.LocationUpdatePayload{
			RequestID: q.Sample.RequestID,
			Role:      q.Sample.Role,
			Location:  q.Sample,
		})
		if err != nil {
			return sent, err
		}
		if err := sender.Publish(env); err != nil {
			return sent, fmt.Errorf("replay seq %d: %w", q.Seq, err)
		}
		if err := s.markSynced(q); err != nil {
			return sent, err
		}
		sent++
		observability.OfflineReplayed.Inc()
	}
	return sent, nil
}

func (s *Store) markSynced(q models.QueuedUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	now := s.now()
	q.Synced = true
	q.SyncedAt = now
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(bucketLocations), seqKey(q.Seq), q); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyLastSync, []byte(now.UTC().Format(time.RFC3339Nano)))
	})
	if err != nil {
		return fmt.Errorf("mark seq %d synced: %w", q.Seq, err)
	}
	for i := range s.pending {
		if s.pending[i].Seq == q.Seq {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	observability.OfflineQueueDepth.Set(float64(len(s.pending)))
	return nil
}

// CacheRoute stores a route; it satisfies eta.RouteCache.
func (s *Store) CacheRoute(key string, r eta.Route) error {
	if r.CachedAt.IsZero() {
		r.CachedAt = s.now()
	}
	return s.put(bucketRoutes, []byte(key), r)
}

// GetCachedRoute returns nothing for entries older than the validity window,
// even while they are still stored.
func (s *Store) GetCachedRoute(key string) (eta.Route, bool) {
	var r eta.Route
	if ok, err := s.get(bucketRoutes, []byte(key), &r); err != nil || !ok {
		return eta.Route{}, false
	}
	if s.now().Sub(r.CachedAt) > s.routeTTL {
		return eta.Route{}, false
	}
	return r, true
}

func (s *Store) CacheEmergencyData(req models.EmergencyRequest) error {
	if req.ID == "" {
		return fmt.Errorf("cache emergency data: missing request id")
	}
	return s.put(bucketEmergencies, []byte(req.ID), req)
}

func (s *Store) EmergencyData(id string) (models.EmergencyRequest, bool) {
	var req models.EmergencyRequest
	ok, err := s.get(bucketEmergencies, []byte(id), &req)
	if err != nil {
		s.logger.Warn("read cached emergency failed", "request_id", id, "error", err)
	}
	return req, ok && err == nil
}

func (s *Store) DropEmergencyData(id string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEmergencies).Delete([]byte(id))
	})
}

func (s *Store) CacheTile(z, x, y int, data []byte) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTiles).Put(tileKey(z, x, y), data)
	})
}

func (s *Store) Tile(z, x, y int) ([]byte, bool) {
	var out []byte
	_ = s.view(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketTiles).Get(tileKey(z, x, y)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, out != nil
}

func (s *Store) GetOfflineStatus() Status {
	s.mu.Lock()
	st := Status{IsOnline: s.online, QueuedUpdates: len(s.pending)}
	s.mu.Unlock()
	_ = s.view(func(tx *bolt.Tx) error {
		st.CachedRoutes = tx.Bucket(bucketRoutes).Stats().KeyN
		st.CachedEmergencies = tx.Bucket(bucketEmergencies).Stats().KeyN
		st.CachedTiles = tx.Bucket(bucketTiles).Stats().KeyN
		if v := tx.Bucket(bucketMeta).Get(keyLastSync); v != nil {
			st.LastSyncAt, _ = time.Parse(time.RFC3339Nano, string(v))
		}
		return nil
	})
	return st
}

// Prune deletes synced updates enqueued before now minus retention and
// expired routes. It returns the number of location entries removed.
func (s *Store) Prune(now time.Time) (int, error) {
	cutoff := now.Add(-s.retention)
	removed := 0
	err := s.update(func(tx *bolt.Tx) error {
		// collect first: deleting under a live cursor skips keys
		var stale [][]byte
		locs := tx.Bucket(bucketLocations)
		if err := locs.ForEach(func(k, v []byte) error {
			var q models.QueuedUpdate
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}
			if q.Synced && q.EnqueuedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := locs.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)

		var expired [][]byte
		routes := tx.Bucket(bucketRoutes)
		_ = routes.ForEach(func(k, v []byte) error {
			var r eta.Route
			if err := json.Unmarshal(v, &r); err != nil || now.Sub(r.CachedAt) > s.routeTTL {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		for _, k := range expired {
			if err := routes.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return removed, err
}

// RunSweeper prunes on every tick until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Prune(s.now())
			if err != nil {
				s.logger.Warn("offline sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("offline sweep", "removed", n)
			}
		}
	}
}

func (s *Store) put(bucket, key []byte, v any) error {
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucket), key, v)
	})
}

func (s *Store) get(bucket, key []byte, v any) (bool, error) {
	found := false
	err := s.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get(key)
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, v)
	})
	return found, err
}

func (s *Store) update(fn func(tx *bolt.Tx) error) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.Update(fn)
}

func (s *Store) view(fn func(tx *bolt.Tx) error) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.View(fn)
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func tileKey(z, x, y int) []byte { return []byte(fmt.Sprintf("%d/%d/%d", z, x, y)) }
