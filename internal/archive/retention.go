package archive

import (
	"sync"
	"time"

	"github.com/tinytelemetry/courier/internal/logging"
	"github.com/tinytelemetry/courier/internal/model"
)

// RetentionConfig holds configuration for the retention cleaner.
type RetentionConfig struct {
	MaxAge time.Duration
}

// RetentionCleaner periodically deletes archived events older than the
// configured window.
type RetentionCleaner struct {
	store    *Store
	maxAge   time.Duration
	log      *logging.Logger
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRetentionCleaner creates a cleaner that deletes expired archive rows.
// Returns nil when maxAge is negative (disabled); zero uses the default
// retention window.
func NewRetentionCleaner(store *Store, log *logging.Logger, conf ...RetentionConfig) *RetentionCleaner {
	maxAge := model.DefaultRetentionAge
	if len(conf) > 0 {
		if conf[0].MaxAge < 0 {
			return nil
		}
		if conf[0].MaxAge > 0 {
			maxAge = conf[0].MaxAge
		}
	}

	rc := &RetentionCleaner{
		store:  store,
		maxAge: maxAge,
		log:    log,
		done:   make(chan struct{}),
	}

	// Startup cleanup to catch up after downtime.
	rc.cleanup()

	rc.wg.Add(1)
	go rc.tickLoop()

	return rc
}

func (rc *RetentionCleaner) tickLoop() {
	defer rc.wg.Done()
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.cleanup()
		case <-rc.done:
			return
		}
	}
}

func (rc *RetentionCleaner) cleanup() {
	cutoff := time.Now().Add(-rc.maxAge)

	rows, err := rc.store.DeleteBefore(cutoff)
	if err != nil {
		rc.log.Warnf("archive: retention cleanup error: %v", err)
		return
	}
	if rows > 0 {
		rc.log.Infof("archive: retention cleanup deleted %d expired events (older than %s)", rows, rc.maxAge)
	}
}

// Stop signals the cleaner to stop and waits for it to finish.
func (rc *RetentionCleaner) Stop() {
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.wg.Wait()
	})
}
