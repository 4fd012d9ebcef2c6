package stubs

import (
	"errors"
	"sync"
	"time"

	"github.com/crusoecloud/vector-config-reloader/internal/vector/config"
)

var ErrNotPersisted = errors.New("no config persisted yet")

// GraphStore keeps the persisted config as marshaled bytes in memory. LoadDelay widens
// the window between load and save, which makes unserialized writers lose updates.
type GraphStore struct {
	LoadDelay time.Duration
	SaveErr   error

	mu    sync.Mutex
	data  []byte
	saves int
}

func NewGraphStore() *GraphStore {
	return &GraphStore{}
}

func (s *GraphStore) Load() (*config.Config, error) {
	s.mu.Lock()
	data := s.data
	s.mu.Unlock()

	if s.LoadDelay > 0 {
		time.Sleep(s.LoadDelay)
	}

	if data == nil {
		return nil, ErrNotPersisted
	}

	return config.Parse(data)
}

func (s *GraphStore) Save(cfg *config.Config) error {
	if s.SaveErr != nil {
		return s.SaveErr
	}

	data, err := config.Marshal(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = data
	s.saves++

	return nil
}

// Data returns the last saved document.
func (s *GraphStore) Data() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return string(s.data)
}

func (s *GraphStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saves
}
