package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pivotcache/internal/cube"
	"pivotcache/internal/engine"
	"pivotcache/internal/snapshot"
)

var (
	ErrNoSession   = errors.New("session not found")
	ErrLoading     = errors.New("cube is still loading")
	ErrNoSnapshots = errors.New("snapshot store not configured")
)

var sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "pivotcache_sessions_active",
	Help: "Engines currently held in memory.",
})

// source is what every session engine is built over. It is swapped in
// once the background load completes.
type source struct {
	cube    *cube.Cube
	backend engine.CubeBackend
	layout  engine.Layout
}

// sessions owns one engine per client session. Engines share the cube and
// backend; a writeback in one session clears the caches of the others.
type sessions struct {
	mu     sync.RWMutex
	src    *source
	byID   map[uuid.UUID]*engine.Engine
	store  *snapshot.Store
	save   engine.SaveOptions
	ratio  float64
	logger *slog.Logger
}

func newSessions(store *snapshot.Store, save engine.SaveOptions, ratio float64, logger *slog.Logger) *sessions {
	return &sessions{
		byID:   make(map[uuid.UUID]*engine.Engine),
		store:  store,
		save:   save,
		ratio:  ratio,
		logger: logger,
	}
}

func (s *sessions) setSource(src *source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src = src
}

func (s *sessions) current() (*source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.src == nil {
		return nil, ErrLoading
	}
	return s.src, nil
}

func (s *sessions) newEngine(src *source, id uuid.UUID) *engine.Engine {
	return engine.New(src.cube, src.backend,
		engine.WithLogger(s.logger.With(slog.String("session", id.String()))),
		engine.WithLayout(src.layout),
		engine.WithCompleteRatio(s.ratio),
		engine.WithRebuildHook(func() { s.clearExcept(id) }),
	)
}

func (s *sessions) create() (uuid.UUID, error) {
	src, err := s.current()
	if err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	e := s.newEngine(src, id)

	s.mu.Lock()
	s.byID[id] = e
	n := len(s.byID)
	s.mu.Unlock()

	sessionsActive.Inc()
	s.logger.Info("session created", slog.String("session", id.String()), slog.Int("sessions", n))
	return id, nil
}

func (s *sessions) get(id uuid.UUID) (*engine.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.src == nil {
		return nil, ErrLoading
	}
	e, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	return e, nil
}

func (s *sessions) remove(id uuid.UUID) (*engine.Engine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if ok {
		delete(s.byID, id)
		sessionsActive.Dec()
	}
	return e, ok
}

func (s *sessions) delete(id uuid.UUID) error {
	e, ok := s.remove(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	e.Close()
	return nil
}

func (s *sessions) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *sessions) clearExcept(id uuid.UUID) {
	s.mu.RLock()
	others := make([]*engine.Engine, 0, len(s.byID))
	for other, e := range s.byID {
		if other != id {
			others = append(others, e)
		}
	}
	s.mu.RUnlock()
	for _, e := range others {
		e.Clear()
	}
}

// suspend saves the session's engine to the snapshot store and releases it.
func (s *sessions) suspend(ctx context.Context, id uuid.UUID) error {
	if s.store == nil {
		return ErrNoSnapshots
	}
	e, err := s.get(id)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := e.Save(&buf, s.save); err != nil {
		return err
	}
	if err := s.store.Put(ctx, id, buf.Bytes()); err != nil {
		return err
	}
	if e, ok := s.remove(id); ok {
		e.Close()
	}
	s.logger.Info("session suspended", slog.String("session", id.String()), slog.Int("bytes", buf.Len()))
	return nil
}

// resume rebuilds a suspended session under its old id.
func (s *sessions) resume(ctx context.Context, id uuid.UUID) error {
	if s.store == nil {
		return ErrNoSnapshots
	}
	src, err := s.current()
	if err != nil {
		return err
	}
	if _, err := s.get(id); err == nil {
		return nil
	}
	data, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	e := s.newEngine(src, id)
	if err := e.Restore(bytes.NewReader(data)); err != nil {
		e.Close()
		return err
	}

	s.mu.Lock()
	if _, dup := s.byID[id]; dup {
		s.mu.Unlock()
		e.Close()
		return nil
	}
	s.byID[id] = e
	s.mu.Unlock()
	sessionsActive.Inc()

	if err := s.store.Delete(ctx, id); err != nil {
		s.logger.Warn("snapshot not deleted after resume", slog.String("session", id.String()), slog.String("error", err.Error()))
	}
	s.logger.Info("session resumed", slog.String("session", id.String()))
	return nil
}

func (s *sessions) closeAll() {
	s.mu.Lock()
	engines := s.byID
	s.byID = make(map[uuid.UUID]*engine.Engine)
	s.mu.Unlock()
	for _, e := range engines {
		e.Close()
		sessionsActive.Dec()
	}
}
