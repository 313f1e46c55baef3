// Package relay implements GoCast's relay/slave subsystem: pulling one or
// more remote mounts into local mount points (Relay/Client), and keeping
// the local relay set in sync with a remote master's stream list
// (MasterPoller). Both are diff-driven: configuration or a master's
// stream list is compared against what is currently running, and only the
// delta is acted on, so a config reload never interrupts an unaffected
// relay.
package relay

import (
	"github.com/gocast/gocast/internal/config"
	"github.com/google/uuid"
)

// Master is one candidate upstream for a Relay, tried in priority order.
// Skip is set when a master has failed, answered with a non-200 status, or
// redirected to an unusable Location, and it is passed over until the
// relay set is rebuilt. A redirect that is followed rewrites the entry in
// place instead.
type Master struct {
	Host     string
	Port     int
	Mount    string
	Username string
	Password string
	Skip     bool
}

// Relay is the runtime form of a config.RelayConfig: one local mount fed
// from a prioritized list of remote masters.
type Relay struct {
	ID          string
	LocalMount  string
	Masters     []Master
	InUseIdx    int
	OnDemand    bool
	Mp3Metadata bool
	Enabled     bool
}

// FromConfig builds a runtime Relay from its configuration, matching
// relay_copy's field-for-field construction in the reference source.
func FromConfig(cfg *config.RelayConfig) *Relay {
	r := &Relay{
		ID:          uuid.New().String(),
		LocalMount:  cfg.LocalMount,
		InUseIdx:    -1,
		OnDemand:    cfg.OnDemand,
		Mp3Metadata: cfg.Mp3Metadata,
		Enabled:     cfg.Enabled,
	}
	r.Masters = make([]Master, len(cfg.Masters))
	for i, m := range cfg.Masters {
		r.Masters[i] = Master{
			Host:     m.Server,
			Port:     m.Port,
			Mount:    m.Mount,
			Username: m.Username,
			Password: m.Password,
		}
	}
	return r
}

// FromMountPath builds a minimal Relay discovered via a master's stream
// list, where only the mount path is known and the master server/port/
// credentials come from the poller's own MasterConfig.
func FromMountPath(mount string, masterCfg *config.MasterConfig) *Relay {
	return &Relay{
		ID:         uuid.New().String(),
		LocalMount: mount,
		InUseIdx:   -1,
		OnDemand:   masterCfg.RelayOnDemand,
		Mp3Metadata: masterCfg.Mp3Metadata,
		Enabled:    true,
		Masters: []Master{{
			Host:     masterCfg.Server,
			Port:     masterCfg.Port,
			Mount:    mount,
			Username: masterCfg.Username,
			Password: masterCfg.Password,
		}},
	}
}

// HasChanged reports whether other differs from r enough to require
// tearing down and reconnecting the relay (mount, master list, or the
// mp3 metadata flag), mirroring relay_has_changed. OnDemand alone is
// reconciled in place by the caller and is not compared here.
func (r *Relay) HasChanged(other *Relay) bool {
	if r.LocalMount != other.LocalMount {
		return true
	}
	if r.Mp3Metadata != other.Mp3Metadata {
		return true
	}
	if len(r.Masters) != len(other.Masters) {
		return true
	}
	for i := range r.Masters {
		a, b := r.Masters[i], other.Masters[i]
		if a.Host != b.Host || a.Port != b.Port || a.Mount != b.Mount {
			return true
		}
	}
	return false
}

// ResetSkips clears the Skip flag on every master, giving a relay a fresh
// shot at all its candidates on the next (re)connect attempt.
func (r *Relay) ResetSkips() {
	for i := range r.Masters {
		r.Masters[i].Skip = false
	}
}

// AllSkipped reports whether every master candidate is currently skipped.
func (r *Relay) AllSkipped() bool {
	for _, m := range r.Masters {
		if !m.Skip {
			return false
		}
	}
	return len(r.Masters) > 0
}
