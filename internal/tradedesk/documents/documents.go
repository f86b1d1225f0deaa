// Package documents is the boundary to the back-office document store:
// import/export process records and the tariff table. Production
// deployments plug in their own Lookup; Catalog serves a YAML snapshot for
// development and tests.
package documents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a reference is unknown.
var ErrNotFound = errors.New("document not found")

// Process is an import or export process record.
type Process struct {
	Ref       string   `yaml:"ref" json:"ref"`
	Direction string   `yaml:"direction" json:"direction"`
	Client    string   `yaml:"client" json:"client"`
	Status    string   `yaml:"status" json:"status"`
	Container string   `yaml:"container,omitempty" json:"container,omitempty"`
	BL        string   `yaml:"bl,omitempty" json:"bl,omitempty"`
	ETA       string   `yaml:"eta,omitempty" json:"eta,omitempty"`
	Contacts  []string `yaml:"contacts,omitempty" json:"contacts,omitempty"`
	Notes     string   `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Tariff is one line of the tariff table.
type Tariff struct {
	Code        string             `yaml:"code" json:"code"`
	Description string             `yaml:"description" json:"description"`
	Rates       map[string]float64 `yaml:"rates" json:"rates"`
	License     bool               `yaml:"license_required,omitempty" json:"license_required,omitempty"`
}

// Lookup resolves references against the document store.
type Lookup interface {
	LookupProcess(ctx context.Context, ref string) (*Process, error)
	LookupTariff(ctx context.Context, code string) (*Tariff, error)
}

// Catalog is an in-memory Lookup.
type Catalog struct {
	mu        sync.RWMutex
	processes map[string]Process
	tariffs   map[string]Tariff
}

type catalogFile struct {
	Processes []Process `yaml:"processes"`
	Tariffs   []Tariff  `yaml:"tariffs"`
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{processes: make(map[string]Process), tariffs: make(map[string]Tariff)}
}

// LoadCatalog reads a YAML snapshot with top-level processes and tariffs
// lists.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse document catalog: %w", err)
	}
	c := NewCatalog()
	for _, p := range f.Processes {
		c.PutProcess(p)
	}
	for _, t := range f.Tariffs {
		c.PutTariff(t)
	}
	return c, nil
}

// PutProcess adds or replaces a process record.
func (c *Catalog) PutProcess(p Process) {
	c.mu.Lock()
	c.processes[strings.ToUpper(p.Ref)] = p
	c.mu.Unlock()
}

// PutTariff adds or replaces a tariff line.
func (c *Catalog) PutTariff(t Tariff) {
	c.mu.Lock()
	c.tariffs[NormalizeCode(t.Code)] = t
	c.mu.Unlock()
}

func (c *Catalog) LookupProcess(_ context.Context, ref string) (*Process, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.processes[strings.ToUpper(strings.TrimSpace(ref))]
	if !ok {
		return nil, fmt.Errorf("%w: process %s", ErrNotFound, ref)
	}
	return &p, nil
}

func (c *Catalog) LookupTariff(_ context.Context, code string) (*Tariff, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tariffs[NormalizeCode(code)]
	if !ok {
		return nil, fmt.Errorf("%w: tariff %s", ErrNotFound, code)
	}
	return &t, nil
}

// NormalizeCode strips separators so "8471.30.12" and "84713012" match.
func NormalizeCode(code string) string {
	return strings.NewReplacer(".", "", " ", "", "-", "").Replace(strings.TrimSpace(code))
}
