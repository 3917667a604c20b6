// Package session tracks append-only session transcript growth between
// sync passes, deciding when enough new content has accumulated to
// warrant a reindex of a given transcript file.
package session

import (
	"fmt"
	"io"
	"os"
	"sync"
)

const slabSize = 64 * 1024

// Delta is the accumulated-since-last-sync state for one transcript file.
type Delta struct {
	LastSize        int64
	PendingBytes    int64
	PendingMessages int
}

// Thresholds configures when a transcript is considered indexable.
type Thresholds struct {
	// DeltaBytes: pendingBytes >= DeltaBytes triggers a reindex. A
	// threshold <= 0 means any pending bytes at all trigger it.
	DeltaBytes int
	// DeltaMessages: pendingMessages >= DeltaMessages triggers a reindex.
	DeltaMessages int
}

// Tracker maintains per-file Delta state across Notify calls.
type Tracker struct {
	mu         sync.Mutex
	deltas     map[string]*Delta
	thresholds Thresholds
}

// NewTracker creates a Tracker with the given thresholds.
func NewTracker(thresholds Thresholds) *Tracker {
	return &Tracker{
		deltas:     make(map[string]*Delta),
		thresholds: thresholds,
	}
}

// Notify stats path, accumulates new-byte/new-line state since the last
// call, and reports whether the accumulated delta has crossed a threshold.
// When it has, the pending counters are decremented by the threshold that
// fired (floored at zero) rather than reset entirely, so a burst that
// clears two thresholds in one notification isn't silently dropped.
func (t *Tracker) Notify(path string) (indexable bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()

	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.deltas[path]
	if !ok {
		d = &Delta{LastSize: 0}
		t.deltas[path] = d
	}

	var newlines int
	var newBytes int64
	switch {
	case size < d.LastSize:
		// Rotation: the whole new file is "new" content.
		newBytes = size
		newlines, err = countNewlinesInRange(path, 0, size)
		if err != nil {
			return false, err
		}
	case size > d.LastSize:
		newBytes = size - d.LastSize
		newlines, err = countNewlinesInRange(path, d.LastSize, size)
		if err != nil {
			return false, err
		}
	default:
		return false, nil
	}

	d.LastSize = size
	d.PendingBytes += newBytes
	d.PendingMessages += newlines

	byteThreshold := t.thresholds.DeltaBytes
	bytesTrigger := d.PendingBytes > 0 && byteThreshold <= 0
	if byteThreshold > 0 {
		bytesTrigger = d.PendingBytes >= int64(byteThreshold)
	}
	messagesTrigger := t.thresholds.DeltaMessages > 0 && d.PendingMessages >= t.thresholds.DeltaMessages

	if !bytesTrigger && !messagesTrigger {
		return false, nil
	}

	if bytesTrigger && byteThreshold > 0 {
		d.PendingBytes -= int64(byteThreshold)
		if d.PendingBytes < 0 {
			d.PendingBytes = 0
		}
	} else if bytesTrigger {
		d.PendingBytes = 0
	}
	if messagesTrigger {
		d.PendingMessages -= t.thresholds.DeltaMessages
		if d.PendingMessages < 0 {
			d.PendingMessages = 0
		}
	}

	return true, nil
}

// Reset sets a file's delta state to {lastSize: size, pending*: 0} after
// it has been fully reindexed.
func (t *Tracker) Reset(path string, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deltas[path] = &Delta{LastSize: size}
}

// Get returns a copy of the current delta state for path, if any.
func (t *Tracker) Get(path string) (Delta, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.deltas[path]
	if !ok {
		return Delta{}, false
	}
	return *d, true
}

// countNewlinesInRange counts 0x0A bytes in [start, end) of path, reading
// in fixed-size slabs so the whole range never needs to be buffered.
func countNewlinesInRange(path string, start, end int64) (int, error) {
	if end <= start {
		return 0, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek %s: %w", path, err)
	}

	remaining := end - start
	buf := make([]byte, slabSize)
	count := 0
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := f.Read(buf[:n])
		if read > 0 {
			for _, b := range buf[:read] {
				if b == '\n' {
					count++
				}
			}
			remaining -= int64(read)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return count, fmt.Errorf("read %s: %w", path, err)
		}
		if read == 0 {
			break
		}
	}
	return count, nil
}
