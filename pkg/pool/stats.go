package pool

// Stats is a point-in-time snapshot of a pool. Counters are read
// individually without the pool lock, so a snapshot taken during heavy
// traffic is approximate, but each counter is monotonic.
type Stats struct {
	Name          string `json:"name"`
	Policy        string `json:"policy"`
	Capacity      int    `json:"capacity"`
	Size          int    `json:"size"`
	Idle          int    `json:"idle"`
	Active        int    `json:"active"`
	MemorySize    int64  `json:"memory_size"`
	MaxMemorySize int64  `json:"max_memory_size,omitempty"`
	PutCount      int64  `json:"put_count"`
	HitCount      int64  `json:"hit_count"`
	MissCount     int64  `json:"miss_count"`
	EvictionCount int64  `json:"eviction_count"`
	Closed        bool   `json:"closed"`
}

// HitRate returns the share of gets that found a resource, in [0, 1].
func (s Stats) HitRate() float64 {
	total := s.HitCount + s.MissCount
	if total == 0 {
		return 0
	}
	return float64(s.HitCount) / float64(total)
}
