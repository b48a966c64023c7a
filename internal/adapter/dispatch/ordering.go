package dispatch

import (
	"sort"

	"github.com/johoja12/nzbstream/internal/adapter/provider"
	"github.com/johoja12/nzbstream/internal/core/domain"
)

// orderSequential builds the provider order for one-shot operations:
// forced pin wins outright; otherwise the affinity pick and the sticky
// last-success provider lead, pooled providers follow ordered by
// headroom, then backups, then backup-only. Excluded providers sink to
// the tail but are never dropped.
func (d *Dispatcher) orderSequential(uc *domain.UsageContext) []*provider.Client {
	clients := d.snapshotClients()
	if len(clients) == 0 {
		return nil
	}

	if uc.ForcedProviderIndex != domain.NoProvider {
		if c := findByIndex(clients, uc.ForcedProviderIndex); c != nil {
			return []*provider.Client{c}
		}
		return nil
	}

	ranked := make([]*provider.Client, 0, len(clients))

	// The sticky last-success provider leads, then the learner's pick.
	if last := uc.LastSuccessfulProvider(); last != domain.NoProvider {
		if c := findByIndex(clients, last); c != nil {
			ranked = append(ranked, c)
		}
	}

	if uc.AffinityKey != "" {
		if idx, ok := d.affinity.GetPreferredProvider(uc.AffinityKey, providersOf(clients)); ok {
			if c := findByIndex(clients, idx); c != nil {
				ranked = append(ranked, c)
			}
		}
	}

	pooled, backup, backupOnly := splitByKind(clients)
	sort.SliceStable(pooled, func(i, j int) bool {
		pi, pj := pooled[i].Pool(), pooled[j].Pool()
		if ii, ij := pi.IdleConnections(), pj.IdleConnections(); ii != ij {
			return ii > ij
		}
		return pi.Budget().Remaining() > pj.Budget().Remaining()
	})

	ranked = append(ranked, pooled...)
	ranked = append(ranked, backup...)
	ranked = append(ranked, backupOnly...)

	return demoteExcluded(dedupe(ranked), uc)
}

// orderBalanced is the look-ahead flavour: pooled providers are spread
// by free capacity and latency so K parallel fetchers do not pile onto
// one endpoint.
func (d *Dispatcher) orderBalanced(uc *domain.UsageContext) []*provider.Client {
	clients := d.snapshotClients()
	if len(clients) == 0 {
		return nil
	}

	if uc.ForcedProviderIndex != domain.NoProvider {
		if c := findByIndex(clients, uc.ForcedProviderIndex); c != nil {
			return []*provider.Client{c}
		}
		return nil
	}

	ranked := make([]*provider.Client, 0, len(clients))

	if uc.AffinityKey != "" {
		if idx, ok := d.affinity.GetPreferredProvider(uc.AffinityKey, providersOf(clients)); ok {
			if c := findByIndex(clients, idx); c != nil {
				ranked = append(ranked, c)
			}
		}
	}

	pooled, backup, backupOnly := splitByKind(clients)
	sort.SliceStable(pooled, func(i, j int) bool {
		pi, pj := pooled[i].Pool(), pooled[j].Pool()
		ai, aj := pi.HasAvailability(), pj.HasAvailability()
		if ai != aj {
			return ai
		}
		ri, rj := pi.AvailabilityRatio(), pj.AvailabilityRatio()
		if ri != rj {
			return ri > rj
		}
		li := d.bandwidth.AverageLatency(pooled[i].Provider().Index)
		lj := d.bandwidth.AverageLatency(pooled[j].Provider().Index)
		return li < lj
	})

	ranked = append(ranked, pooled...)
	ranked = append(ranked, backup...)
	ranked = append(ranked, backupOnly...)

	return demoteExcluded(dedupe(ranked), uc)
}

func providersOf(clients []*provider.Client) []*domain.Provider {
	out := make([]*domain.Provider, len(clients))
	for i, c := range clients {
		out[i] = c.Provider()
	}
	return out
}

func findByIndex(clients []*provider.Client, index int) *provider.Client {
	for _, c := range clients {
		if c.Provider().Index == index {
			return c
		}
	}
	return nil
}

func splitByKind(clients []*provider.Client) (pooled, backup, backupOnly []*provider.Client) {
	for _, c := range clients {
		switch c.Provider().Kind {
		case domain.KindPooled:
			pooled = append(pooled, c)
		case domain.KindBackup:
			backup = append(backup, c)
		case domain.KindBackupOnly:
			backupOnly = append(backupOnly, c)
		}
	}
	return pooled, backup, backupOnly
}

func dedupe(clients []*provider.Client) []*provider.Client {
	seen := make(map[int]bool, len(clients))
	out := clients[:0:0]
	for _, c := range clients {
		idx := c.Provider().Index
		if seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, c)
	}
	return out
}

// demoteExcluded moves suspected stragglers behind everyone else while
// keeping them reachable as a last resort.
func demoteExcluded(clients []*provider.Client, uc *domain.UsageContext) []*provider.Client {
	if len(uc.ExcludedProviderIndices) == 0 {
		return clients
	}
	head := make([]*provider.Client, 0, len(clients))
	var tail []*provider.Client
	for _, c := range clients {
		if uc.IsExcluded(c.Provider().Index) {
			tail = append(tail, c)
		} else {
			head = append(head, c)
		}
	}
	return append(head, tail...)
}
