package stats

import (
	"context"
	"maps"
	"strconv"
	"sync"

	"swapper3d-go/pkg/config"
)

// Options under [stats] holding the persisted totals.
const (
	OptionSwaps      = "totalNumberSwaps"
	OptionActuations = "actuations"
)

// ConfigStore keeps the totals in the settings file. Actuations are
// written together with the next swap or on Close.
type ConfigStore struct {
	cfg     *config.AutosaveConfig
	flushMu sync.Mutex

	mu         sync.Mutex
	swaps      int64
	actuations int64
	byCommand  map[string]int64
}

// NewConfigStore reads the current totals from cfg.
func NewConfigStore(cfg *config.AutosaveConfig) (*ConfigStore, error) {
	sec := cfg.Section(config.SectionStats)
	swaps, err := sec.GetInt(OptionSwaps, 0)
	if err != nil {
		return nil, err
	}
	acts, err := sec.GetInt(OptionActuations, 0)
	if err != nil {
		return nil, err
	}
	return &ConfigStore{
		cfg:        cfg,
		swaps:      int64(swaps),
		actuations: int64(acts),
		byCommand:  make(map[string]int64),
	}, nil
}

func (s *ConfigStore) IncSwaps(context.Context) error {
	s.mu.Lock()
	s.swaps++
	s.mu.Unlock()
	return s.flush()
}

func (s *ConfigStore) IncActuations(_ context.Context, command string) error {
	s.mu.Lock()
	s.actuations++
	s.byCommand[command]++
	s.mu.Unlock()
	return nil
}

func (s *ConfigStore) Snapshot(context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Swaps: s.swaps, Actuations: s.actuations, ByCommand: maps.Clone(s.byCommand)}, nil
}

// Close writes pending actuation counts.
func (s *ConfigStore) Close() error {
	return s.flush()
}

func (s *ConfigStore) flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	swaps, acts := s.swaps, s.actuations
	s.mu.Unlock()

	sec := s.cfg.Section(config.SectionStats)
	oldSwaps, _ := sec.GetInt(OptionSwaps, 0)
	oldActs, _ := sec.GetInt(OptionActuations, 0)
	if int64(oldSwaps) == swaps && int64(oldActs) == acts {
		return nil
	}
	s.cfg.SetOption(config.SectionStats, OptionSwaps, strconv.FormatInt(swaps, 10))
	s.cfg.SetOption(config.SectionStats, OptionActuations, strconv.FormatInt(acts, 10))
	if err := s.cfg.SaveChanges(""); err != nil {
		logger.WithError(err).Warn("could not persist stats")
		return err
	}
	return nil
}
