package local

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sneh-joshi/taskstream/internal/storage"
	"github.com/sneh-joshi/taskstream/internal/types"
)

// Compactor rewrites the log file, removing entries for acknowledged records.
//
// Why compaction is needed:
//   - Records are never physically deleted on ack — only the index status
//     changes to Acked.
//   - Without compaction, log.dat grows unbounded even when every record
//     has been processed and acknowledged.
//   - Compaction rewrites only the live (non-Acked) records to a temporary
//     file, then atomically swaps the files.
//
// Compaction holds a write lock on the Storage for the entire duration.
// The default interval is one hour, so the stall is rare and brief for the
// traffic levels a single node handles.
type Compactor struct {
	s        *Storage
	interval time.Duration

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

// NewCompactor creates a Compactor that will run RunOnce every interval.
func NewCompactor(s *Storage, interval time.Duration) *Compactor {
	return &Compactor{
		s:        s,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background compaction goroutine.
// It returns immediately; compaction runs on interval in the background.
func (c *Compactor) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.interval/2)
				_ = c.RunOnce(ctx) // errors logged, not fatal
				cancel()
			}
		}
	}()
}

// Stop signals the background goroutine to exit and waits for it to finish.
func (c *Compactor) Stop() {
	c.mu.Lock()
	select {
	case <-c.done:
		// already stopped
	default:
		close(c.done)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// RunOnce performs a single compaction cycle:
//  1. Acquire exclusive write lock on Storage (blocks producers).
//  2. Iterate log.dat; copy live (non-Acked) records to log.dat.tmp.
//  3. Update index entries to new offsets.
//  4. Rename log.dat.tmp → log.dat (atomic on POSIX).
//  5. Reopen the Log against the new file.
//  6. Release write lock.
//
// Returns nil if no compaction was needed (all records are live).
func (c *Compactor) RunOnce(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Exclusive storage lock — blocks all Append/WriteIndex calls.
	c.s.compactMu.Lock()
	defer c.s.compactMu.Unlock()

	// ── 1. Collect live entries from current log ─────────────────────────────
	type liveEntry struct {
		rec    *types.Record
		oldOff int64
	}
	var live []liveEntry
	ackedCount := 0

	if err := c.s.log.ReadAll(func(offset int64, rec *types.Record) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entry, err := c.s.index.Read(rec.ID)
		if err != nil {
			// Not in index (orphan from crash recovery) — skip.
			ackedCount++
			return nil
		}
		if entry.Status == types.StatusAcked {
			ackedCount++
			return nil
		}
		live = append(live, liveEntry{rec: rec, oldOff: offset})
		return nil
	}); err != nil {
		return fmt.Errorf("compactor: scan log: %w", err)
	}

	// Nothing to compact.
	if ackedCount == 0 {
		return nil
	}

	// ── 2. Write live entries to a temporary log file ────────────────────────
	tmpPath := c.s.log.Path() + ".tmp"
	tmpLog, err := OpenLog(tmpPath)
	if err != nil {
		return fmt.Errorf("compactor: open tmp log: %w", err)
	}

	newOffsets := make(map[string]int64, len(live))
	for _, e := range live {
		if ctx.Err() != nil {
			_ = tmpLog.Close()
			_ = os.Remove(tmpPath)
			return ctx.Err()
		}
		newOff, err := tmpLog.Append(e.rec)
		if err != nil {
			_ = tmpLog.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("compactor: write live entry: %w", err)
		}
		newOffsets[e.rec.ID] = newOff
	}

	if err := tmpLog.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compactor: close tmp log: %w", err)
	}

	// ── 3. Update index entries to new offsets ───────────────────────────────
	type indexUpdate struct {
		entryID string
		entry   storage.IndexEntry
	}
	var updates []indexUpdate
	for _, e := range live {
		oldEntry, err := c.s.index.Read(e.rec.ID)
		if err != nil {
			continue // disappeared (race with delete) — skip
		}
		updated := oldEntry
		updated.Offset = newOffsets[e.rec.ID]
		updates = append(updates, indexUpdate{entryID: e.rec.ID, entry: updated})
	}

	for _, u := range updates {
		if err := c.s.index.Write(u.entryID, u.entry); err != nil {
			// The old offsets still work because the file has not been
			// renamed yet. Abort on index write failure.
			_ = os.Remove(tmpPath)
			return fmt.Errorf("compactor: update index for %s: %w", u.entryID, err)
		}
	}

	// ── 4. Atomic file swap ───────────────────────────────────────────────────
	logPath := c.s.log.Path()
	oldPath := logPath + ".old"

	// Step A: rename current log to .old so a failed swap can roll back.
	if err := os.Rename(logPath, oldPath); err != nil {
		for _, e := range live {
			if old, ierr := c.s.index.Read(e.rec.ID); ierr == nil {
				old.Offset = e.oldOff
				_ = c.s.index.Write(e.rec.ID, old)
			}
		}
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compactor: rename log to .old: %w", err)
	}

	// Step B: rename tmp log to active log path.
	if err := os.Rename(tmpPath, logPath); err != nil {
		_ = os.Rename(oldPath, logPath)
		for _, e := range live {
			if old, ierr := c.s.index.Read(e.rec.ID); ierr == nil {
				old.Offset = e.oldOff
				_ = c.s.index.Write(e.rec.ID, old)
			}
		}
		return fmt.Errorf("compactor: rename tmp to log: %w", err)
	}

	// ── 5. Reopen Log against the new file ───────────────────────────────────
	if err := c.s.log.Reopen(logPath); err != nil {
		return fmt.Errorf("compactor: reopen log (CRITICAL — restart server): %w", err)
	}

	// ── 6. Remove the old log file ────────────────────────────────────────────
	// Non-fatal if this fails — it will be cleaned up on next startup.
	_ = os.Remove(oldPath)

	// ── 7. Truncate WAL ───────────────────────────────────────────────────────
	// Any uncommitted WAL entries correspond to records that are either live
	// (in the new log, index holds the correct offsets) or acked (skipped by
	// the rewrite). The index is the source of truth either way.
	if c.s.wal != nil {
		_ = c.s.wal.Truncate()
	}

	return nil
}
