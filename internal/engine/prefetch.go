package engine

import (
	"go.uber.org/zap"
)

// observeRead records a successful read in the correlation index and asks
// the prefetcher to warm its neighbours. The request is dropped when the
// prefetcher is behind.
func (e *Engine) observeRead(key string) {
	e.corr.Observe(key)
	if e.cfg.PrefetchCacheSize == 0 {
		return
	}
	select {
	case e.prefetch <- key:
	default:
	}
}

// prefetcher warms the cache with the values of keys correlated with each
// key read.
func (e *Engine) prefetcher() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case key := <-e.prefetch:
			e.warm(key)
		}
	}
}

func (e *Engine) warm(key string) {
	for _, related := range e.corr.Related(key, e.cfg.PrefetchThreshold) {
		epoch := e.cache.Epoch()
		v, _, err := e.get(related, false)
		if err != nil {
			continue
		}
		e.cache.Warm(related, v, epoch)
	}
}

// maintain decays correlation edges once per decay window.
func (e *Engine) maintain() {
	defer e.wg.Done()
	ticker := e.clock.Ticker(e.cfg.CorrelationDecayWindow())
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if dropped := e.corr.Decay(); dropped > 0 {
				e.logger.Debug("Decayed correlations", zap.Int("dropped", dropped))
			}
		}
	}
}
