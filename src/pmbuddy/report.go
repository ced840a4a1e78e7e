package pmbuddy

// OrderFreeList describes the free blocks of one order, for diagnostic
// reporting.
type OrderFreeList struct {
	Order     uint
	BlockSize uint64
	Offsets   []uint64
}

// FreeLists walks every non-empty free list and returns its contents in
// ascending offset order (the order the lists are already kept in).
func (p *Pool) FreeLists() []OrderFreeList {
	p.lock.Lock()
	defer p.lock.Unlock()

	var out []OrderFreeList
	for k := uint(0); k <= uint(p.idx.lastIdx); k++ {
		cur := p.idx.buddies[k]
		if isNone(cur) {
			continue
		}
		var offsets []uint64
		for !isNone(cur) {
			offsets = append(offsets, cur)
			cur = readNext(p.mem, cur)
		}
		out = append(out, OrderFreeList{Order: k, BlockSize: uint64(1) << k, Offsets: offsets})
	}
	return out
}

// Report is the structured summary the CLI inspector renders, either as a
// human-readable table or marshaled directly (e.g. to YAML).
type Report struct {
	Size       uint64          `yaml:"size"`
	Available  uint64          `yaml:"available"`
	Used       uint64          `yaml:"used"`
	Footprint  uint64          `yaml:"footprint,omitempty"`
	Generation uint32          `yaml:"generation"`
	FreeLists  []OrderFreeList `yaml:"free_lists"`
}

// Summarize builds a Report from the pool's current state.
func (p *Pool) Summarize() Report {
	return Report{
		Size:       p.Size(),
		Available:  p.Available(),
		Used:       p.Used(),
		Footprint:  p.Footprint(),
		Generation: p.Generation(),
		FreeLists:  p.FreeLists(),
	}
}
