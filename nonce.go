// SPDX-License-Identifier: GPL-3.0-or-later

package stagehttp

import (
	"errors"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/yawning/avl.git"
)

var (
	// ErrNonceTimestamp indicates a timestamp outside the validity window.
	ErrNonceTimestamp = errors.New("nonce timestamp out of window")

	// ErrNonceReplayed indicates a nonce that was already seen.
	ErrNonceReplayed = errors.New("nonce replayed")
)

// NonceManager detects replayed (timestamp, nonce) pairs within a
// validity window.
//
// Entries are kept in buckets by timestamp, then by key. Buckets older than
// the window are dropped every gcPeriod verifications or when the cache is
// full. All methods are safe for concurrent use.
//
// Construct using [NewNonceManager].
type NonceManager struct {
	buckets      *avl.Tree
	gcCounter    int
	gcPeriod     int
	logger       SLogger
	maxAge       time.Duration
	maxCacheSize int
	mu           sync.Mutex
	size         int
	timeNow      func() time.Time
	unit         time.Duration
}

// nonceBucket contains the nonces seen at a given timestamp.
type nonceBucket struct {
	stamp  int64
	nonces map[string]map[string]struct{}
}

// NewNonceManager creates a new [*NonceManager].
//
// Timestamps are integers counting units since the epoch (e.g., use
// [time.Second] for UNIX timestamps). The maxAge is the half-width of the
// validity window, expressed in units. A maxCacheSize of zero or less
// means that the cache is unbounded.
//
// When cfg.Registerer is not nil, we export the cache size as a gauge.
func NewNonceManager(cfg *Config, maxAge, gcPeriod int, unit time.Duration,
	maxCacheSize int, logger SLogger) (*NonceManager, error) {
	runtimex.Assert(maxAge > 0 && gcPeriod > 0 && unit > 0)
	nm := &NonceManager{
		buckets: avl.New(func(a, b interface{}) int {
			sa, sb := a.(*nonceBucket).stamp, b.(*nonceBucket).stamp
			switch {
			case sa < sb:
				return -1
			case sa > sb:
				return 1
			default:
				return 0
			}
		}),
		gcPeriod:     gcPeriod,
		logger:       logger,
		maxAge:       time.Duration(maxAge) * unit,
		maxCacheSize: maxCacheSize,
		timeNow:      cfg.TimeNow,
		unit:         unit,
	}
	if cfg.Registerer != nil {
		gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "nonce",
			Name:      "cache_size",
			Help:      "Number of nonces in the replay cache",
		}, func() float64 {
			return float64(nm.Size())
		})
		if err := cfg.Registerer.Register(gauge); err != nil {
			return nil, err
		}
	}
	return nm, nil
}

// Verify returns whether the nonce is valid and seen for the first time.
func (nm *NonceManager) Verify(key, timestamp, nonce string, now time.Time) bool {
	return nm.Check(key, timestamp, nonce, now) == nil
}

// Check is like Verify but returns an error explaining the rejection:
// [ErrNonceTimestamp], [ErrNonceReplayed], [ErrCapacityExceeded], or a
// timestamp parsing error.
func (nm *NonceManager) Check(key, timestamp, nonce string, now time.Time) error {
	value, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return err
	}
	if value > math.MaxInt64/int64(nm.unit) || value < math.MinInt64/int64(nm.unit) {
		return ErrNonceTimestamp
	}
	stamp := time.Unix(0, 0).Add(time.Duration(value) * nm.unit)
	if stamp.Before(now.Add(-nm.maxAge)) || stamp.After(now.Add(nm.maxAge)) {
		return ErrNonceTimestamp
	}

	nm.mu.Lock()
	defer nm.mu.Unlock()

	nm.gcCounter++
	if nm.gcCounter >= nm.gcPeriod || nm.fullLocked() {
		nm.gcCounter = 0
		nm.gcLocked(now)
		if nm.fullLocked() {
			return ErrCapacityExceeded
		}
	}

	node := nm.buckets.Insert(&nonceBucket{stamp: stamp.UnixNano()})
	bucket := node.Value.(*nonceBucket)
	if bucket.nonces == nil {
		bucket.nonces = map[string]map[string]struct{}{}
	}
	seen := bucket.nonces[key]
	if seen == nil {
		seen = map[string]struct{}{}
		bucket.nonces[key] = seen
	}
	if _, found := seen[nonce]; found {
		return ErrNonceReplayed
	}
	seen[nonce] = struct{}{}
	nm.size++
	return nil
}

func (nm *NonceManager) fullLocked() bool {
	return nm.maxCacheSize > 0 && nm.size >= nm.maxCacheSize
}

// GC drops the buckets older than now minus the maximum age.
func (nm *NonceManager) GC(now time.Time) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.gcLocked(now)
}

func (nm *NonceManager) gcLocked(now time.Time) {
	t0 := nm.timeNow()
	limit := now.Add(-nm.maxAge).UnixNano()
	var buckets, entries int
	iter := nm.buckets.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		bucket := node.Value.(*nonceBucket)
		if bucket.stamp >= limit {
			break
		}
		for _, seen := range bucket.nonces {
			entries += len(seen)
		}
		buckets++
		nm.buckets.Remove(node)
	}
	nm.size -= entries
	nm.logger.Info(
		"nonceGCDone",
		slog.Int("removedBuckets", buckets),
		slog.Int("removedEntries", entries),
		slog.Int("size", nm.size),
		slog.Time("t0", t0),
		slog.Time("t", nm.timeNow()),
	)
}

// Size returns the number of nonces in the cache.
func (nm *NonceManager) Size() int {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.size
}
