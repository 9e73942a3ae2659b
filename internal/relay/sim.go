package relay

import (
	"fmt"
	"sync"
)

// SimDriver records line levels in memory. It stands in for the chip when
// the box has no GPIO header, and in tests.
type SimDriver struct {
	mu      sync.Mutex
	levels  map[int]int
	history []string
	failSet map[int]bool
}

func NewSimDriver() *SimDriver {
	return &SimDriver{levels: make(map[int]int), failSet: make(map[int]bool)}
}

func (d *SimDriver) Name() string {
	return "simulated"
}

func (d *SimDriver) Claim(offset, value int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.levels[offset] = value
	d.history = append(d.history, fmt.Sprintf("claim %d=%d", offset, value))
	return nil
}

func (d *SimDriver) Set(offset, value int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSet[offset] {
		return fmt.Errorf("simulated write failure on line %d", offset)
	}
	if _, ok := d.levels[offset]; !ok {
		return fmt.Errorf("line %d not claimed", offset)
	}
	d.levels[offset] = value
	d.history = append(d.history, fmt.Sprintf("set %d=%d", offset, value))
	return nil
}

func (d *SimDriver) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, "release")
	return nil
}

// Level returns the current level of offset and whether it was claimed.
func (d *SimDriver) Level(offset int) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.levels[offset]
	return v, ok
}

func (d *SimDriver) History() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.history...)
}

// FailWrites makes every Set on offset fail until cleared.
func (d *SimDriver) FailWrites(offset int, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failSet[offset] = fail
}
