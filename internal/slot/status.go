package slot

import "sort"

// RequestStatus is one request's view for the admin surface.
type RequestStatus struct {
	ID        int32  `json:"id"`
	URL       string `json:"url"`
	Filename  string `json:"filename,omitempty"`
	Network   string `json:"network"`
	State     string `json:"state"`
	ErrorCode string `json:"error_code,omitempty"`
	Received  int64  `json:"received_bytes"`
	Total     int64  `json:"total_bytes"`
	SavedPath string `json:"saved_path,omitempty"`
}

// SlotStatus is one slot's view for the admin surface.
type SlotStatus struct {
	Package   string          `json:"package"`
	Connected bool            `json:"connected"`
	Requests  []RequestStatus `json:"requests"`
}

// Status snapshots every occupied slot. The snapshot is taken without the
// slot locks held across the whole walk, so it may interleave with ongoing
// transitions; that is fine for an informational surface.
func (t *Table) Status() []SlotStatus {
	t.mu.Lock()
	slots := make([]*Slot, 0, len(t.slots))

	for _, s := range t.slots {
		if s != nil {
			slots = append(slots, s)
		}
	}
	t.mu.Unlock()

	out := make([]SlotStatus, 0, len(slots))

	for _, s := range slots {
		st := SlotStatus{
			Package:   s.identity,
			Connected: s.channel() != nil,
		}

		for _, req := range s.snapshotRequests() {
			received, total := req.Progress()

			st.Requests = append(st.Requests, RequestStatus{
				ID:        req.ID,
				URL:       req.URL,
				Filename:  req.Filename,
				Network:   req.Network.String(),
				State:     req.State().String(),
				ErrorCode: req.ErrorCode(),
				Received:  received,
				Total:     total,
				SavedPath: req.SavedPath(),
			})
		}

		sort.Slice(st.Requests, func(i, j int) bool { return st.Requests[i].ID < st.Requests[j].ID })

		out = append(out, st)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Package < out[j].Package })

	return out
}

// Shutdown tears every slot down: connections close so workers exit, then
// each dispatcher drains its queue behind a terminate sentinel. Call it after
// the accept loop and the scheduler have stopped; events already queued are
// still delivered in order before this returns.
func (t *Table) Shutdown() {
	t.mu.Lock()
	slots := make([]*Slot, 0, len(t.slots))

	for i, s := range t.slots {
		if s != nil {
			slots = append(slots, s)
			t.slots[i] = nil
		}
	}

	t.owners = make(map[int32]*Slot)
	t.mu.Unlock()

	for _, s := range slots {
		if conn := s.channel(); conn != nil {
			conn.Close()
		}

		s.dispatcher.Stop()
	}

	t.logger.Info("slot table shut down", "slots", len(slots))
}
