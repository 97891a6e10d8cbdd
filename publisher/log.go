package publisher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/burrow/encoding"
	"github.com/rs/zerolog/log"
)

const (
	prefixEvent  = "/event/"  // /event/{16-hex-digit seq}
	prefixCursor = "/cursor/" // /cursor/{sinkName}
	keyNextSeq   = "/seq"
)

// Membership events are small and rare; keep pebble lean
const (
	memTableSize             = 4 << 20
	l0CompactionThreshold    = 2
	l0StopWritesThreshold    = 12
	maxConcurrentCompactions = 1
)

const (
	defaultReadLimit    = 100
	cleanupIntervalMask = 0x3F // every 64 sequences
)

var errLogClosed = errors.New("publish log is closed")

// PublishLog is a durable, ordered event log with per-sink cursors.
// Events survive restarts until every sink has moved past them.
type PublishLog struct {
	db   *pebble.DB
	path string

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	// appendMu serializes sequence assignment across concurrent appenders
	appendMu sync.Mutex
	nextSeq  atomic.Uint64

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// NewPublishLog opens (or creates) the log under dataDir/publish_log
func NewPublishLog(dataDir string) (*PublishLog, error) {
	logPath := filepath.Join(dataDir, "publish_log")

	db, err := pebble.Open(logPath, &pebble.Options{
		MemTableSize:             memTableSize,
		L0CompactionThreshold:    l0CompactionThreshold,
		L0StopWritesThreshold:    l0StopWritesThreshold,
		MaxConcurrentCompactions: func() int { return maxConcurrentCompactions },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open publish log at %s: %w", logPath, err)
	}

	pl := &PublishLog{
		db:      db,
		path:    logPath,
		cursors: make(map[string]uint64),
	}

	seq, err := pl.readUint64([]byte(keyNextSeq))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}
	pl.nextSeq.Store(seq)

	if err := pl.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return pl, nil
}

// readUint64 returns 0 for a missing key
func (pl *PublishLog) readUint64(key []byte) (uint64, error) {
	val, closer, err := pl.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid value length %d for %s", len(val), key)
	}
	return binary.LittleEndian.Uint64(val), nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func (pl *PublishLog) loadCursors() error {
	prefix := []byte(prefixCursor)
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		sink := string(iter.Key()[len(prefixCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor for sink %s: invalid length %d", sink, len(val))
		}
		pl.cursors[sink] = binary.LittleEndian.Uint64(val)
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if len(pl.cursors) > 0 {
		log.Info().Int("cursors", len(pl.cursors)).Msg("Loaded publish log cursors")
	}
	return nil
}

// Append writes events in one synced batch, assigning SeqNum to each in place
func (pl *PublishLog) Append(events []MembershipEvent) error {
	if len(events) == 0 {
		return nil
	}
	if pl.closed.Load() {
		return errLogClosed
	}

	pl.appendMu.Lock()
	defer pl.appendMu.Unlock()

	seq := pl.nextSeq.Load()

	batch := pl.db.NewBatch()
	defer batch.Close()

	for i := range events {
		seq++
		events[i].SeqNum = seq

		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := batch.Set(eventKey(seq), val, nil); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	if err := batch.Set([]byte(keyNextSeq), encodeUint64(seq), nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	// only visible after the commit succeeded
	pl.nextSeq.Store(seq)
	return nil
}

// LastSeq returns the highest sequence appended so far
func (pl *PublishLog) LastSeq() uint64 {
	return pl.nextSeq.Load()
}

// ReadFrom returns up to limit events with SeqNum > cursor
func (pl *PublishLog) ReadFrom(cursor uint64, limit int) ([]MembershipEvent, error) {
	if pl.closed.Load() {
		return nil, errLogClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	start := eventKey(cursor + 1)
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]MembershipEvent, 0, limit)
	for iter.SeekGE(start); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var event MembershipEvent
		if err := encoding.Unmarshal(val, &event); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping undecodable membership event")
			continue
		}
		events = append(events, event)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return events, nil
}

// GetCursor returns the last sequence a sink has consumed (0 for a new sink)
func (pl *PublishLog) GetCursor(sinkName string) (uint64, error) {
	if pl.closed.Load() {
		return 0, errLogClosed
	}

	pl.cursorsMu.RLock()
	cursor, ok := pl.cursors[sinkName]
	pl.cursorsMu.RUnlock()
	if ok {
		return cursor, nil
	}

	cursor, err := pl.readUint64([]byte(prefixCursor + sinkName))
	if err != nil {
		return 0, err
	}

	pl.cursorsMu.Lock()
	defer pl.cursorsMu.Unlock()
	if existing, ok := pl.cursors[sinkName]; ok {
		return existing, nil
	}
	pl.cursors[sinkName] = cursor
	return cursor, nil
}

// AdvanceCursor persists a sink's position and periodically trims consumed events
func (pl *PublishLog) AdvanceCursor(sinkName string, seq uint64) error {
	if pl.closed.Load() {
		return errLogClosed
	}

	pl.cursorsMu.Lock()
	pl.cursors[sinkName] = seq
	pl.cursorsMu.Unlock()

	if err := pl.db.Set([]byte(prefixCursor+sinkName), encodeUint64(seq), pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	if seq&cleanupIntervalMask == 0 && pl.cleanupRunning.CompareAndSwap(false, true) {
		pl.cleanupWg.Add(1)
		go func() {
			defer pl.cleanupWg.Done()
			defer pl.cleanupRunning.Store(false)
			pl.cleanup()
		}()
	}
	return nil
}

// cleanup deletes events every sink has already consumed
func (pl *PublishLog) cleanup() {
	pl.cleanupMu.Lock()
	defer pl.cleanupMu.Unlock()

	if pl.closed.Load() {
		return
	}

	pl.cursorsMu.RLock()
	if len(pl.cursors) == 0 {
		pl.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, c := range pl.cursors {
		minCursor = min(minCursor, c)
	}
	pl.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	// DeleteRange end is exclusive, so minCursor itself stays readable
	if err := pl.db.DeleteRange([]byte(prefixEvent), eventKey(minCursor), pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to trim publish log")
		return
	}
	log.Debug().Uint64("min_cursor", minCursor).Msg("Trimmed publish log")
}

// Close waits for in-flight cleanup and closes pebble
func (pl *PublishLog) Close() error {
	if !pl.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("publish log already closed")
	}

	pl.cleanupWg.Wait()
	return pl.db.Close()
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixEvent, seq))
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
