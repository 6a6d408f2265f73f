// Package sweeper vends the background worker reclaiming expired and tombstoned content along with its
// file data.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/linkvault/common/logging"
	"wuyrush.io/linkvault/common/metrics"
	cst "wuyrush.io/linkvault/constants"
	se "wuyrush.io/linkvault/errors"
	md "wuyrush.io/linkvault/models"
	st "wuyrush.io/linkvault/stores"
)

type Config struct {
	// SweepFreq is the interval between the start of two sweeps
	SweepFreq time.Duration
	// MaxSweepLoad caps the number of content reclaimed per sweep; 0 means no cap
	MaxSweepLoad int
	// ExecutorPoolSize caps the number of content reclaimed concurrently
	ExecutorPoolSize int
	WIPCacheSize     int
	// WIPCacheEntryExpiry is how long a content stays skipped after a sweep picked it up, should its
	// reclamation fail
	WIPCacheEntryExpiry time.Duration
}

// ConfigFromEnv reads sweeper config from env vars
func ConfigFromEnv() Config {
	return Config{
		SweepFreq:           viper.GetDuration(cst.EnvSweeperSweepFreq),
		MaxSweepLoad:        viper.GetInt(cst.EnvSweeperMaxSweepLoad),
		ExecutorPoolSize:    viper.GetInt(cst.EnvSweeperExecutorPoolSize),
		WIPCacheSize:        viper.GetInt(cst.EnvSweeperWIPCacheSize),
		WIPCacheEntryExpiry: viper.GetDuration(cst.EnvSweeperWIPCacheEntryExpiry),
	}
}

type Sweeper struct {
	Store    st.ContentStore
	Files    st.FileStore
	Now      func() time.Time
	cfg      Config
	wipCache gcache.Cache
}

func New(store st.ContentStore, files st.FileStore, cfg Config) (*Sweeper, *se.Err) {
	if cfg.SweepFreq <= 0 {
		return nil, se.NewBadInput(fmt.Sprintf("got non-positive sweep frequency %s", cfg.SweepFreq))
	}
	if cfg.ExecutorPoolSize <= 0 {
		return nil, se.NewBadInput(fmt.Sprintf("got non-positive sweeper executor pool size %d", cfg.ExecutorPoolSize))
	}
	if cfg.MaxSweepLoad < 0 {
		return nil, se.NewBadInput(fmt.Sprintf("got negative max sweep load %d", cfg.MaxSweepLoad))
	}
	if cfg.WIPCacheSize <= 0 {
		return nil, se.NewBadInput(fmt.Sprintf("got non-positive WIP cache size %d", cfg.WIPCacheSize))
	}
	return &Sweeper{
		Store:    store,
		Files:    files,
		Now:      time.Now,
		cfg:      cfg,
		wipCache: gcache.New(cfg.WIPCacheSize).LRU().Build(),
	}, nil
}

// Run sweeps periodically until ctx is done. A sweep is skipped if the previous one is still running.
func (s *Sweeper) Run(ctx context.Context) *se.Err {
	clog := logging.WithFuncName()
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log.StandardLogger()))))
	schedule := fmt.Sprintf("@every %s", s.cfg.SweepFreq)
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			clog.WithError(err).Error("error sweeping junk content")
		}
	}); err != nil {
		return se.NewBadInput("invalid sweep schedule").WithCause(err)
	}
	clog.WithField("sweepFrequency", s.cfg.SweepFreq).Info("sweeper is starting up")
	c.Start()
	<-ctx.Done()
	clog.Info("sweeper is stopping")
	// wait for the running sweep if any
	<-c.Stop().Done()
	return nil
}

// Sweep runs a single sweep: it loads junk content and reclaims them with a bounded pool of executors.
// It returns the number of content reclaimed. Failures of individual content are logged and never fail
// the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, *se.Err) {
	clog := logging.WithFuncName()
	jks, err := s.Load(ctx, s.cfg.MaxSweepLoad)
	if err != nil {
		return 0, err
	}
	clog.WithField("count", len(jks)).Debug("junk content loaded")
	// dispatch junk to workers in pool for disposal
	quotas := make(chan struct{}, s.cfg.ExecutorPoolSize)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		swept int
	)
	wg.Add(len(jks))
	for _, jk := range jks {
		go func(jk *md.Junk) {
			defer wg.Done()
			quotas <- struct{}{}
			defer func() { <-quotas }()
			jlog := clog.WithField(cst.LogFieldContentID, jk.ContentID)
			if err := s.Delete(ctx, jk); err != nil {
				metrics.SweepFailuresTotal.Inc()
				jlog.WithError(err).Error("error reclaiming junk content")
				return
			}
			metrics.SweptTotal.Inc()
			jlog.Debug("successfully reclaimed junk content")
			mu.Lock()
			swept++
			mu.Unlock()
		}(jk)
	}
	wg.Wait()
	if len(jks) > 0 {
		clog.WithFields(log.Fields{"loaded": len(jks), "swept": swept}).Info("sweep done")
	}
	return swept, nil
}

// Load loads up to max junk content from ContentStore for cleanup. It loads all junk content available
// if max == 0. Content picked up by a previous sweep and not yet reclaimed are left out.
func (s *Sweeper) Load(ctx context.Context, max int) ([]*md.Junk, *se.Err) {
	clog := logging.WithFuncName()
	jks, err := s.Store.Junk(ctx, s.Now(), max)
	if err != nil {
		clog.WithError(err).Error("error loading junk content from ContentStore")
		return nil, err
	}
	// query local cache to filter out content which are already WIP
	newJks := []*md.Junk{}
	for _, jk := range jks {
		if _, err := s.wipCache.Get(jk.ContentID); err != nil {
			if err == gcache.KeyNotFoundError {
				newJks = append(newJks, jk)
			} else {
				msg := "error getting content id from local cache"
				clog.WithError(err).Error(msg)
				return nil, se.NewServiceFailure(msg).WithCause(err)
			}
		}
	}
	// cache the ids of these content in WIP cache in best-effort manner - content id which we failed to
	// set in cache may be picked up again by the next sweep, which is harmless since reclamation is
	// idempotent
	for _, jk := range newJks {
		if err := s.wipCache.SetWithExpire(jk.ContentID, struct{}{}, s.cfg.WIPCacheEntryExpiry); err != nil {
			clog.WithError(err).Errorf("error keying content id %s in local cache", jk.ContentID)
		}
	}
	return newJks, nil
}

// Delete releases the files of j and then removes its record. A file already gone is logged and
// skipped. The record is kept if any of its files could not be released, so that a later sweep retries.
func (s *Sweeper) Delete(ctx context.Context, j *md.Junk) *se.Err {
	clog := logging.WithFuncName().WithField(cst.LogFieldContentID, j.ContentID)
	for _, ref := range j.FileRefs {
		if err := s.Files.Delete(ref); err != nil {
			if err.Code == se.ErrCodeNotFound {
				clog.WithField("ref", ref).Warn("file of junk content is already gone")
				continue
			}
			clog.WithError(err).WithField("ref", ref).Error("error deleting file of junk content")
			return err
		}
	}
	// At this point ALL the content's files are cleaned up; remove content from ContentStore.
	if err := s.Store.Remove(ctx, j.ContentID); err != nil {
		clog.WithError(err).Error("error removing content from ContentStore")
		return err
	}
	// remove corresponding content id from local cache
	s.wipCache.Remove(j.ContentID)
	return nil
}
