package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/VenobyTo/extractqueue"
)

// observations is the tabular result of the simulated extractor.
type observations struct {
	Columns []string
	Rows    [][]float64
}

// simulator fakes an HTTP retriever: it sleeps a bit and fails at random.
type simulator struct {
	mu          sync.Mutex
	rnd         *rand.Rand
	failureRate float64
	maxDelay    time.Duration
}

func newSimulator(seed int64, failureRate float64, maxDelay time.Duration) *simulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &simulator{
		rnd:         rand.New(rand.NewSource(seed)),
		failureRate: failureRate,
		maxDelay:    maxDelay,
	}
}

func (s *simulator) draw() (delay time.Duration, fail bool, temp float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxDelay > 0 {
		delay = time.Duration(s.rnd.Int63n(int64(s.maxDelay)))
	}
	return delay, s.rnd.Float64() < s.failureRate, 5 + 20*s.rnd.Float64()
}

// Extract implements extractqueue.Extractor.
func (s *simulator) Extract(ctx context.Context, t extractqueue.Task) (extractqueue.Result, error) {
	if t.StationID == "" {
		return nil, extractqueue.Permanent(errors.New("empty station id"))
	}
	delay, fail, temp := s.draw()
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if fail {
		return nil, errors.Errorf("%s: station %s: service unavailable", t.Source, t.StationID)
	}
	return &observations{
		Columns: []string{"temperature_c", "humidity_pct"},
		Rows:    [][]float64{{temp, 60}, {temp + 1.5, 58}},
	}, nil
}
