package domain

import (
	"fmt"
	"time"
)

const (
	KindStringPooled     = "pooled"
	KindStringBackup     = "backup"
	KindStringBackupOnly = "backup-only"
	KindStringDisabled   = "disabled"
)

// ProviderKind controls how a provider participates in the shared
// connection budget and where it sits in the fail-over order.
type ProviderKind string

const (
	KindPooled     ProviderKind = KindStringPooled
	KindBackup     ProviderKind = KindStringBackup
	KindBackupOnly ProviderKind = KindStringBackupOnly
	KindDisabled   ProviderKind = KindStringDisabled
)

func ParseProviderKind(s string) (ProviderKind, error) {
	switch ProviderKind(s) {
	case KindPooled, KindBackup, KindBackupOnly, KindDisabled:
		return ProviderKind(s), nil
	case "":
		return KindPooled, nil
	default:
		return "", fmt.Errorf("unknown provider kind %q", s)
	}
}

// SharesPooledBudget reports whether connections to this provider count
// against the shared pooled semaphore. Backup pools carry their own
// small semaphores instead.
func (k ProviderKind) SharesPooledBudget() bool {
	return k == KindPooled
}

func (k ProviderKind) IsRoutable() bool {
	return k != KindDisabled
}

// Provider is one configured usenet endpoint. Index is stable for a
// given host across config reloads so that affinity records and stats
// keyed by index survive a restart.
type Provider struct {
	Host           string
	Port           int
	TLS            bool
	Username       string
	Password       string
	MaxConnections int
	Kind           ProviderKind
	Index          int
}

func (p *Provider) Name() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

func (p *Provider) String() string {
	return fmt.Sprintf("provider[%d] %s (%s, max %d)", p.Index, p.Name(), p.Kind, p.MaxConnections)
}

// ProviderSnapshot is a point-in-time view of one provider's pool,
// exposed through the status surface.
type ProviderSnapshot struct {
	Name            string
	Kind            ProviderKind
	Index           int
	MaxConnections  int
	LiveConnections int
	IdleConnections int
	ActiveLeases    int
	AverageLatency  time.Duration
	BytesPerSecond  float64
}
