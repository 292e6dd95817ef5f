package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"sogou_spider/internal/logger"
	"sogou_spider/internal/models"
)

// Coordinator is the shared holder of the current session. Reads are cheap and
// concurrent; renewals are single-flight.
type Coordinator struct {
	provider Provider
	group    singleflight.Group

	mu         sync.RWMutex
	state      *models.SessionState
	generation uint64
	loaded     bool
	renewals   int
}

func NewCoordinator(provider Provider) *Coordinator {
	return &Coordinator{provider: provider}
}

// Current returns the session in use and its generation, loading it from the
// provider on first use.
func (c *Coordinator) Current(ctx context.Context) (*models.SessionState, uint64, error) {
	c.mu.RLock()
	if c.loaded {
		state, gen := c.state, c.generation
		c.mu.RUnlock()
		return state, gen, nil
	}
	c.mu.RUnlock()

	_, err, _ := c.group.Do("load", func() (interface{}, error) {
		c.mu.RLock()
		loaded := c.loaded
		c.mu.RUnlock()
		if loaded {
			return nil, nil
		}

		state, err := c.provider.Session(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.state = state
		c.loaded = true
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, 0, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.generation, nil
}

// Valid reports whether the current session is believed to be usable.
func (c *Coordinator) Valid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded && c.state.Valid(time.Now())
}

// Renew forces re-authentication. seenGeneration is the generation the caller
// found expired: if another caller already renewed past it, the newer session
// is returned without logging in again. Concurrent calls share one renewal.
func (c *Coordinator) Renew(ctx context.Context, seenGeneration uint64) (*models.SessionState, uint64, error) {
	c.mu.RLock()
	if c.loaded && c.generation > seenGeneration {
		state, gen := c.state, c.generation
		c.mu.RUnlock()
		return state, gen, nil
	}
	c.mu.RUnlock()

	l := logger.WithComponent("session")

	_, err, shared := c.group.Do("renew", func() (interface{}, error) {
		c.mu.RLock()
		renewed := c.loaded && c.generation > seenGeneration
		c.mu.RUnlock()
		if renewed {
			return nil, nil
		}

		l.Warn().Uint64("generation", seenGeneration).Msg("session expired, renewing")

		state, err := c.provider.Renew(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.state = state
		c.loaded = true
		c.generation++
		c.renewals++
		c.mu.Unlock()

		l.Info().Int("cookies", len(state.Cookies)).Msg("session renewed")
		return nil, nil
	})
	if err != nil {
		return nil, seenGeneration, err
	}
	if shared {
		l.Debug().Msg("joined in-flight session renewal")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.generation, nil
}

// Renewals is the number of successful renewals performed.
func (c *Coordinator) Renewals() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.renewals
}
