package syncserver

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

type DeletePolicy string

const (
	DeleteHard DeletePolicy = "hard"
	DeleteSoft DeletePolicy = "soft"
)

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// EntitySpec maps a client collection name onto a tenant-scoped table.
type EntitySpec struct {
	StoreName    string       `yaml:"store"`
	Table        string       `yaml:"table"`
	Required     []string     `yaml:"required"`
	Unique       []string     `yaml:"unique"`
	DeletePolicy DeletePolicy `yaml:"delete"`
	Schema       string       `yaml:"schema"`

	schema *jsonschema.Schema
}

type registryFile struct {
	Entities []EntitySpec `yaml:"entities"`
}

// Registry is the closed set of collections the server accepts.
type Registry struct {
	specs map[string]*EntitySpec
}

func NewRegistry(specs ...EntitySpec) (*Registry, error) {
	r := &Registry{specs: map[string]*EntitySpec{}}
	tables := map[string]string{}
	for _, spec := range specs {
		spec.StoreName = strings.TrimSpace(spec.StoreName)
		spec.Table = strings.TrimSpace(spec.Table)
		if spec.Table == "" {
			spec.Table = spec.StoreName
		}
		if spec.StoreName == "" {
			return nil, fmt.Errorf("%w: entity without store name", ErrInvalidInput)
		}
		if !identifierPattern.MatchString(spec.Table) {
			return nil, fmt.Errorf("%w: invalid table name %q", ErrInvalidInput, spec.Table)
		}
		for _, field := range spec.Unique {
			if !identifierPattern.MatchString(field) {
				return nil, fmt.Errorf("%w: invalid unique field %q on %s", ErrInvalidInput, field, spec.StoreName)
			}
		}
		switch spec.DeletePolicy {
		case "":
			spec.DeletePolicy = DeleteHard
		case DeleteHard, DeleteSoft:
		default:
			return nil, fmt.Errorf("%w: delete policy %q on %s", ErrInvalidInput, spec.DeletePolicy, spec.StoreName)
		}
		if _, dup := r.specs[spec.StoreName]; dup {
			return nil, fmt.Errorf("%w: duplicate store %s", ErrInvalidInput, spec.StoreName)
		}
		if owner, dup := tables[spec.Table]; dup {
			return nil, fmt.Errorf("%w: table %s used by %s and %s", ErrInvalidInput, spec.Table, owner, spec.StoreName)
		}
		if strings.TrimSpace(spec.Schema) != "" {
			compiled, err := compileSchema(spec.StoreName, spec.Schema)
			if err != nil {
				return nil, err
			}
			spec.schema = compiled
		}
		tables[spec.Table] = spec.StoreName
		stored := spec
		r.specs[spec.StoreName] = &stored
	}
	return r, nil
}

// DefaultRegistry maps the four field collections the server owns.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		EntitySpec{StoreName: "clients", Table: "clients", Required: []string{"name"}, Unique: []string{"document"}},
		EntitySpec{StoreName: "products", Table: "products", Required: []string{"name"}, Unique: []string{"sku"}},
		EntitySpec{StoreName: "sales_visits", Table: "sales_visits", Required: []string{"client_id", "scheduled_at"}, DeletePolicy: DeleteSoft},
		EntitySpec{StoreName: "sales_orders", Table: "sales_orders", Required: []string{"client_id"}, DeletePolicy: DeleteSoft},
	)
	if err != nil {
		panic(err)
	}
	return r
}

func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse entity registry: %w", err)
	}
	if len(file.Entities) == 0 {
		return nil, fmt.Errorf("%w: entity registry has no entities", ErrInvalidInput)
	}
	return NewRegistry(file.Entities...)
}

func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRegistry(data)
}

func (r *Registry) Lookup(storeName string) (*EntitySpec, error) {
	if r != nil {
		if spec, ok := r.specs[strings.TrimSpace(storeName)]; ok {
			return spec, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrStoreNotMapped, storeName)
}

func (r *Registry) Specs() []*EntitySpec {
	specs := make([]*EntitySpec, 0, len(r.specs))
	for _, spec := range r.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].StoreName < specs[j].StoreName })
	return specs
}
