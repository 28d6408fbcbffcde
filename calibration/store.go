// Package calibration remembers the render delay learned for each server so
// a new session can start from it instead of the configured maximum.
package calibration

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/quasilyte/gdata"
)

// Calibration is what is persisted per server.
type Calibration struct {
	Server  string    `json:"server"`
	Delay   float64   `json:"delay"`
	Jitter  float64   `json:"jitter"`
	SavedAt time.Time `json:"savedAt"`
}

type backend interface {
	LoadItem(key string) ([]byte, error)
	SaveItem(key string, data []byte) error
}

type Store struct {
	items  backend
	logger hclog.Logger
}

// Open uses the per-user data directory of appName.
func Open(appName string, logger hclog.Logger) (*Store, error) {
	m, err := gdata.Open(gdata.Config{AppName: appName})
	if err != nil {
		return nil, fmt.Errorf("open calibration store: %w", err)
	}
	return newStore(m, logger), nil
}

func newStore(items backend, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{items: items, logger: logger.Named("calibration")}
}

// key turns a server URL into a name safe for any storage backend.
func key(server string) string {
	return "delay-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(server)).String()
}

// Load returns the stored calibration for server. A missing or unreadable
// entry is reported as not found.
func (s *Store) Load(server string) (Calibration, bool) {
	data, err := s.items.LoadItem(key(server))
	if err != nil {
		s.logger.Warn("could not load calibration", "server", server, "error", err)
		return Calibration{}, false
	}
	if len(data) == 0 {
		return Calibration{}, false
	}
	var c Calibration
	if err := json.Unmarshal(data, &c); err != nil {
		s.logger.Warn("could not parse calibration", "server", server, "error", err)
		return Calibration{}, false
	}
	if c.Server != server || c.Delay <= 0 {
		return Calibration{}, false
	}
	return c, true
}

func (s *Store) Save(c Calibration) error {
	if c.SavedAt.IsZero() {
		c.SavedAt = time.Now()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("serialize calibration: %w", err)
	}
	if err := s.items.SaveItem(key(c.Server), data); err != nil {
		return fmt.Errorf("save calibration: %w", err)
	}
	s.logger.Debug("calibration saved", "server", c.Server, "delay", c.Delay)
	return nil
}
