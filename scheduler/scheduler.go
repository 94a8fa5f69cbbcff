// Package scheduler runs the flush loop that keeps the cache from
// growing without bound and keeps dirty documents from staying
// unflushed indefinitely: a calendar pass that flushes whole
// collections at scheduled times of day, a carry-over pass that retries
// whatever the previous calendar pass didn't finish, and a pressure
// pass that evicts least-recently-used keys once the LRU queue crosses
// a high watermark, down to a low watermark.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cachehouse/wbcache/collection"
	"github.com/cachehouse/wbcache/config"
	"github.com/cachehouse/wbcache/index"
	"github.com/cachehouse/wbcache/keyspace"
	"github.com/cachehouse/wbcache/lease"
	"github.com/cachehouse/wbcache/log"
)

// Scheduler owns the calendar and carry-over state across ticks. It is
// not safe for concurrent use — Run drives the whole loop from a single
// goroutine.
type Scheduler struct {
	cfg      config.Config
	cache    redis.UniversalClient
	registry *collection.Registry
	leases   *lease.Manager
	index    *index.Index

	scheduleIndex    int
	lastCompletedDay int
	carryOver        []string
}

// New returns a Scheduler driving cfg's calendar and pressure passes
// against registry's bound collections.
func New(cfg config.Config, cache redis.UniversalClient, registry *collection.Registry, leases *lease.Manager, idx *index.Index) *Scheduler {
	return &Scheduler{
		cfg:              cfg,
		cache:            cache,
		registry:         registry,
		leases:           leases,
		index:            idx,
		lastCompletedDay: -1,
	}
}

// Run blocks, ticking every cfg.FlushInterval, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := s.tick(ctx, now); err != nil {
				log.Errorf("scheduler: tick failed: %v", err)
			}
		}
	}
}

// tick runs one round: carry-over retries first (so yesterday's
// unfinished pass doesn't get crowded out by today's), then the
// calendar pass, then the pressure pass.
func (s *Scheduler) tick(ctx context.Context, now time.Time) error {
	if err := s.carryOverPass(ctx); err != nil {
		return fmt.Errorf("scheduler: carry_over_pass: %w", err)
	}
	if err := s.calendarPass(ctx, now); err != nil {
		return fmt.Errorf("scheduler: calendar_pass: %w", err)
	}
	if err := s.pressurePass(ctx); err != nil {
		return fmt.Errorf("scheduler: pressure_pass: %w", err)
	}
	return nil
}

// scheduleEntry is one flattened (time of day, collection) pair derived
// from cfg.Schedule.
type scheduleEntry struct {
	hour, minute int
	collection   string
}

// flattenSchedule parses every "HH:MM" key in cfg.Schedule, expands an
// empty collection list into every collection currently registered, and
// returns the result sorted by time of day and then collection name —
// a stable, deterministic order for scheduleIndex to walk one entry at a
// time across ticks.
func (s *Scheduler) flattenSchedule() ([]scheduleEntry, error) {
	var entries []scheduleEntry
	for key, collections := range s.cfg.Schedule {
		t, err := time.Parse("15:04", key)
		if err != nil {
			return nil, fmt.Errorf("scheduler: schedule key %q is not HH:MM: %w", key, err)
		}
		names := collections
		if len(names) == 0 {
			names = s.registry.Names()
		}
		for _, name := range names {
			entries = append(entries, scheduleEntry{hour: t.Hour(), minute: t.Minute(), collection: name})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].hour != entries[j].hour {
			return entries[i].hour < entries[j].hour
		}
		if entries[i].minute != entries[j].minute {
			return entries[i].minute < entries[j].minute
		}
		return entries[i].collection < entries[j].collection
	})
	return entries, nil
}

// calendarPass fires at most one schedule entry per call, in order,
// advancing scheduleIndex only once a full paging pass over that
// collection's keys completes. This is the fix for the source bug
// where the index advanced unconditionally every tick regardless of
// whether the page actually finished, silently skipping entries.
func (s *Scheduler) calendarPass(ctx context.Context, now time.Time) error {
	if len(s.cfg.Schedule) == 0 {
		return nil
	}
	today := now.YearDay()
	if s.lastCompletedDay == today {
		return nil
	}

	entries, err := s.flattenSchedule()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	entry := entries[s.scheduleIndex%len(entries)]
	if now.Hour() < entry.hour || (now.Hour() == entry.hour && now.Minute() < entry.minute) {
		return nil
	}

	done, err := s.flushCollection(ctx, entry.collection)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}

	s.scheduleIndex++
	if s.scheduleIndex >= len(entries) {
		s.scheduleIndex = 0
		s.lastCompletedDay = today
	}
	return nil
}

// flushCollection pages through the LRU queue by ascending score and
// flushes/evicts every live key belonging to collection, dirty or not —
// a whole-collection flush, not just a dirty-key sweep. At most
// cfg.SchedulerPageSize keys are flushed per call, and a key whose flush
// backs off is also handed to the carry-over pass. It returns false while
// keys of the collection are left over for lack of page budget or because
// their flush backed off (so the caller should not advance past this
// entry yet), and true otherwise; a key whose flush fails with an error is
// logged and skipped, and does not hold the entry back.
func (s *Scheduler) flushCollection(ctx context.Context, collectionName string) (bool, error) {
	card, err := s.index.Card(ctx)
	if err != nil {
		return false, fmt.Errorf("lru card: %w", err)
	}
	if card == 0 {
		return true, nil
	}
	keys, err := s.index.RangeByRank(ctx, 0, card-1)
	if err != nil {
		return false, fmt.Errorf("lru range: %w", err)
	}

	remaining := 0
	flushed := 0
	for _, key := range keys {
		col, _, _, err := keyspace.Parse(key)
		if err != nil {
			log.Warnf("scheduler: skipping unparsable lru key %q: %v", key, err)
			continue
		}
		if col != collectionName {
			continue
		}
		if flushed >= int(s.cfg.SchedulerPageSize) {
			remaining++
			continue
		}
		ok, err := s.tryFlushAndEvict(ctx, key)
		if err != nil {
			log.Errorf("scheduler: flush %s failed: %v", key, err)
			continue
		}
		if ok {
			flushed++
		} else {
			remaining++
			s.carryOver = append(s.carryOver, key)
		}
	}
	return remaining == 0, nil
}

// carryOverPass retries every key recorded from a previous pass that
// didn't flush cleanly (lease contention, a racing mutation).
func (s *Scheduler) carryOverPass(ctx context.Context) error {
	if len(s.carryOver) == 0 {
		return nil
	}
	pending := s.carryOver
	s.carryOver = nil
	for _, key := range pending {
		ok, err := s.tryFlushAndEvict(ctx, key)
		if err != nil {
			log.Errorf("scheduler: carry-over flush %s failed: %v", key, err)
			s.carryOver = append(s.carryOver, key)
			continue
		}
		if !ok {
			s.carryOver = append(s.carryOver, key)
		}
	}
	return nil
}

// pressurePass evicts least-recently-used keys once the LRU queue's
// cardinality crosses the high watermark, down to the low watermark.
func (s *Scheduler) pressurePass(ctx context.Context) error {
	card, err := s.index.Card(ctx)
	if err != nil {
		return fmt.Errorf("lru card: %w", err)
	}
	if card < s.cfg.LRUHighWatermark {
		return nil
	}

	toEvict := card - s.cfg.LRULowWatermark
	if toEvict <= 0 {
		return nil
	}
	keys, err := s.index.RangeByRank(ctx, 0, toEvict-1)
	if err != nil {
		return fmt.Errorf("lru range: %w", err)
	}

	for _, key := range keys {
		ok, err := s.tryFlushAndEvict(ctx, key)
		if err != nil {
			log.Errorf("scheduler: eviction flush %s failed: %v", key, err)
			continue
		}
		if !ok {
			s.carryOver = append(s.carryOver, key)
		}
	}
	return nil
}

// errLeaseContended marks a flush attempt that backed off because
// another holder already owns the key's lease.
var errLeaseContended = errors.New("scheduler: lease contended")

// FlushKey runs tryFlushAndEvict against a single key on demand,
// outside the regular tick loop. Operators and tests use this to force
// a flush without waiting for the next scheduled pass.
func (s *Scheduler) FlushKey(ctx context.Context, key string) (bool, error) {
	return s.tryFlushAndEvict(ctx, key)
}

// RunCalendarPass runs one calendar-pass check against now, on demand,
// outside the regular tick loop. Operators and tests use this to exercise
// a schedule entry without waiting for a real ticker to reach it.
func (s *Scheduler) RunCalendarPass(ctx context.Context, now time.Time) error {
	return s.calendarPass(ctx, now)
}

// tryFlushAndEvict is the linearisation point: it acquires the key's
// lease, re-checks the lease identity after a watch, flushes the
// document to the origin if it is dirty, then atomically deletes the
// cache key, clears its dirty mark and LRU entry, and releases the
// lease — all inside one optimistic transaction. It returns false
// (never an error) on lease contention or a racing mutation, which
// simply means "try again next pass".
func (s *Scheduler) tryFlushAndEvict(ctx context.Context, key string) (bool, error) {
	id, acquired, err := s.leases.TryAcquire(ctx, key, s.cfg.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("try_acquire %s: %w", key, err)
	}
	if !acquired {
		log.Debugf("scheduler: lease on %s is held elsewhere, skipping", key)
		return false, nil
	}
	released := false
	defer func() {
		if !released {
			_, _ = s.leases.TryRelease(ctx, key, id)
		}
	}()

	collectionName, pkString, field, err := keyspace.Parse(key)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}

	dirty, err := s.index.IsDirty(ctx, key)
	if err != nil {
		return false, fmt.Errorf("is_dirty %s: %w", key, err)
	}

	if dirty {
		h, err := s.registry.BindFromKeyString(collectionName, pkString)
		if err != nil {
			return false, fmt.Errorf("bind %s: %w", key, err)
		}
		if err := h.WriteBack(ctx, field); err != nil {
			return false, fmt.Errorf("write_back %s: %w", key, err)
		}
	}

	err = s.cache.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, keyspace.LeaseKey(key)).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != id {
			return errLeaseContended
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if dirty {
				pipe.SRem(ctx, keyspace.ModifiedSetName, key)
			}
			pipe.ZRem(ctx, keyspace.LRUQueueName, key)
			pipe.Del(ctx, keyspace.LeaseKey(key))
			return nil
		})
		return err
	}, keyspace.LeaseKey(key))

	if errors.Is(err, errLeaseContended) || errors.Is(err, redis.TxFailedErr) {
		log.Debugf("scheduler: lease on %s changed during flush, backing off", key)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("evict %s: %w", key, err)
	}
	released = true
	return true, nil
}
