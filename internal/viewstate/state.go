package viewstate

import (
	"sync"

	"github.com/jogardn/dropship-orders/pkg/models"
)

type Flag int

const (
	FlagUpdating Flag = iota
	FlagRecentlyChanged
)

func (f Flag) String() string {
	switch f {
	case FlagUpdating:
		return "is_updating"
	case FlagRecentlyChanged:
		return "recently_changed"
	default:
		return "unknown"
	}
}

type Flags struct {
	IsUpdating      bool `json:"is_updating"`
	RecentlyChanged bool `json:"recently_changed"`
}

type Row struct {
	models.Order
	Flags Flags `json:"flags"`
}

type Snapshot struct {
	Rows       []Row  `json:"orders"`
	TotalCount int    `json:"total_count"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	Generation uint64 `json:"generation"`
}

type journalEntry struct {
	id     string
	patch  *models.OrderPatch
	remove bool
}

// State is the currently displayed page of orders. Every accessor runs under one
// lock, so the query, mutation and realtime paths never interleave inside a change.
type State struct {
	mutex sync.RWMutex

	orders     []models.Order
	flags      map[string]Flags
	totalCount int
	page       int
	pageSize   int

	// loadGen is the newest read issued, appliedGen the one whose page is shown.
	loadGen    uint64
	appliedGen uint64
	journal    []journalEntry

	listeners []func()
}

func New() *State {
	return &State{
		flags: make(map[string]Flags),
	}
}

// OnChange registers fn to be called after every change, outside the lock.
func (s *State) OnChange(fn func()) {
	s.mutex.Lock()
	s.listeners = append(s.listeners, fn)
	s.mutex.Unlock()
}

func (s *State) notify() {
	s.mutex.RLock()
	listeners := append([]func(){}, s.listeners...)
	s.mutex.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}

// BeginLoad records that a read tagged gen has been issued. Patches and removals made
// until that read lands are journaled and replayed over its page.
func (s *State) BeginLoad(gen uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if gen <= s.loadGen {
		return
	}
	s.loadGen = gen
	s.journal = s.journal[:0]
}

// AbortLoad ends read gen without a page, e.g. after a failed fetch. The shown page
// stays current, so later patches are no longer journaled. Superseded reads are ignored.
func (s *State) AbortLoad(gen uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if gen != s.loadGen || gen <= s.appliedGen {
		return
	}
	s.loadGen = s.appliedGen
	s.journal = s.journal[:0]
}

// ApplyLoad replaces the page with the result of read gen, unless a newer read was issued
// in the meantime. It reports whether the page was applied.
func (s *State) ApplyLoad(gen uint64, page models.OrderPage) bool {
	s.mutex.Lock()
	if gen != s.loadGen || gen <= s.appliedGen {
		s.mutex.Unlock()
		return false
	}

	s.replaceLocked(page)
	for _, entry := range s.journal {
		if entry.remove {
			s.removeLocked(entry.id)
			continue
		}
		s.patchLocked(entry.id, *entry.patch)
	}
	s.journal = s.journal[:0]
	s.appliedGen = gen
	s.mutex.Unlock()

	s.notify()
	return true
}

// ReplacePage swaps in a whole page and resets every transient flag.
func (s *State) ReplacePage(page models.OrderPage) {
	s.mutex.Lock()
	s.replaceLocked(page)
	s.mutex.Unlock()

	s.notify()
}

func (s *State) replaceLocked(page models.OrderPage) {
	s.orders = append([]models.Order(nil), page.Orders...)
	s.totalCount = page.TotalCount
	s.page = page.Page
	s.pageSize = page.PageSize
	s.flags = make(map[string]Flags)
}

func (s *State) loading() bool {
	return s.loadGen > s.appliedGen
}

// PatchOrder merges patch into the order with the given id. Row order is kept.
func (s *State) PatchOrder(id string, patch models.OrderPatch) bool {
	s.mutex.Lock()
	found := s.patchLocked(id, patch)
	if s.loading() {
		p := patch
		s.journal = append(s.journal, journalEntry{id: id, patch: &p})
	}
	s.mutex.Unlock()

	if found {
		s.notify()
	}
	return found
}

func (s *State) patchLocked(id string, patch models.OrderPatch) bool {
	for i := range s.orders {
		if s.orders[i].ID == id {
			patch.Apply(&s.orders[i])
			return true
		}
	}
	return false
}

// RemoveOrder drops the order with the given id. Unknown ids are ignored.
func (s *State) RemoveOrder(id string) bool {
	s.mutex.Lock()
	found := s.removeLocked(id)
	if s.loading() {
		s.journal = append(s.journal, journalEntry{id: id, remove: true})
	}
	s.mutex.Unlock()

	if found {
		s.notify()
	}
	return found
}

func (s *State) removeLocked(id string) bool {
	for i := range s.orders {
		if s.orders[i].ID == id {
			s.orders = append(s.orders[:i], s.orders[i+1:]...)
			delete(s.flags, id)
			if s.totalCount > 0 {
				s.totalCount--
			}
			return true
		}
	}
	return false
}

// SetFlag sets a transient flag for an order currently on the page.
func (s *State) SetFlag(id string, flag Flag, value bool) bool {
	s.mutex.Lock()
	if !s.containsLocked(id) {
		s.mutex.Unlock()
		return false
	}

	flags := s.flags[id]
	switch flag {
	case FlagUpdating:
		flags.IsUpdating = value
	case FlagRecentlyChanged:
		flags.RecentlyChanged = value
	}
	if flags == (Flags{}) {
		delete(s.flags, id)
	} else {
		s.flags[id] = flags
	}
	s.mutex.Unlock()

	s.notify()
	return true
}

func (s *State) containsLocked(id string) bool {
	for i := range s.orders {
		if s.orders[i].ID == id {
			return true
		}
	}
	return false
}

func (s *State) Flags(id string) Flags {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.flags[id]
}

func (s *State) Order(id string) (models.Order, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, order := range s.orders {
		if order.ID == id {
			return order, true
		}
	}
	return models.Order{}, false
}

func (s *State) Snapshot() Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows := make([]Row, 0, len(s.orders))
	for _, order := range s.orders {
		rows = append(rows, Row{Order: order, Flags: s.flags[order.ID]})
	}

	return Snapshot{
		Rows:       rows,
		TotalCount: s.totalCount,
		Page:       s.page,
		PageSize:   s.pageSize,
		Generation: s.appliedGen,
	}
}
