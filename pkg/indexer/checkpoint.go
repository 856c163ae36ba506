package indexer

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/nainya/spatialstore/internal/errors"
	"github.com/nainya/spatialstore/pkg/spatial"
)

// DefaultCheckpointInterval is how often index snapshots are persisted
const DefaultCheckpointInterval = 5 * time.Minute

// Checkpointer periodically persists the snapshot of every serving index so
// a restart resumes from the checkpointed sequence instead of zero
type Checkpointer struct {
	manager  *Manager
	dir      string
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	written map[string]checkpointMark

	stopCh chan struct{}
	doneCh chan struct{}
}

type checkpointMark struct {
	signature string
	updateSeq uint64
}

// NewCheckpointer creates a checkpointer writing into dir
func NewCheckpointer(manager *Manager, dir string, logger zerolog.Logger) *Checkpointer {
	return &Checkpointer{
		manager:  manager,
		dir:      dir,
		interval: DefaultCheckpointInterval,
		logger:   logger,
		written:  make(map[string]checkpointMark),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetInterval changes the checkpoint interval; call before Start
func (c *Checkpointer) SetInterval(interval time.Duration) {
	if interval > 0 {
		c.interval = interval
	}
}

// Start starts the background checkpoint loop
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop stops the loop and waits for it to exit
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.Checkpoint(); err != nil {
				c.logger.Error().Err(err).Msg("Checkpoint failed")
			}
		case <-c.stopCh:
			return
		}
	}
}

// Checkpoint writes every serving index whose snapshot changed since its
// last checkpoint and returns how many files were written
func (c *Checkpointer) Checkpoint() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	written := 0
	var firstErr error
	for _, ix := range c.manager.Indexers() {
		if ix.Index().Err() != nil {
			continue
		}
		snap := ix.Index().Snapshot()
		name := snap.Name()
		mark := checkpointMark{signature: snap.Signature(), updateSeq: snap.UpdateSeq()}
		if c.written[name] == mark {
			continue
		}

		start := time.Now()
		path := spatial.CheckpointPath(c.dir, name, mark.signature)
		if err := spatial.WriteCheckpoint(path, snap); err != nil {
			if firstErr == nil {
				firstErr = serrors.NewStorageError(serrors.CodeCheckpointFailed,
					fmt.Sprintf("checkpoint index %s", name), err)
			}
			continue
		}
		if err := spatial.RemoveCheckpoints(c.dir, name, mark.signature); err != nil {
			c.logger.Warn().Err(err).Str("index", name).Msg("Failed to remove old checkpoints")
		}

		c.written[name] = mark
		written++
		c.logger.Info().
			Str("index", name).
			Uint64("update_seq", mark.updateSeq).
			Int("entries", snap.Len()).
			Dur("duration", time.Since(start)).
			Msg("Checkpoint written")
	}
	return written, firstErr
}
