package db

import (
	"fmt"

	"github.com/gocql/gocql"

	"github.com/acme/predictive-dialer/internal/config"
)

var consistencyLevels = map[string]gocql.Consistency{
	"one":          gocql.One,
	"local_one":    gocql.LocalOne,
	"quorum":       gocql.Quorum,
	"local_quorum": gocql.LocalQuorum,
	"each_quorum":  gocql.EachQuorum,
}

// Scylla wraps a gocql session. Call records live here; the write volume of a
// dialer is orders of magnitude above the campaign metadata churn.
type Scylla struct {
	session *gocql.Session
}

// NewScylla creates a session against the configured cluster.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	cluster.Keyspace = cfg.Keyspace
	cluster.Timeout = cfg.Timeout
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}

	if level, ok := consistencyLevels[cfg.Consistency]; ok {
		cluster.Consistency = level
	} else {
		cluster.Consistency = gocql.Quorum
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}
	return &Scylla{session: session}, nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}
