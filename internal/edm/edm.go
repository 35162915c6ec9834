// Package edm builds and caches the per-entity metadata models the query
// translator works against. Models are synthetic: they carry a namespace,
// an entity type with an Int32 surrogate key, a container and an entity
// set, but no column list. The translator maps configured aliases to
// database columns at query time.
package edm

import (
	"encoding/xml"
	"log/slog"
	"strings"
	"sync"
)

// KeyProperty is the key of an entity type.
type KeyProperty struct {
	Name string
	Type string
}

// EntityType describes one entity.
type EntityType struct {
	Name string
	Key  KeyProperty
}

// Model is the metadata for one entity.
type Model struct {
	Namespace     string
	Schema        string
	Table         string
	EntityType    EntityType
	ContainerName string
	EntitySet     string
}

// Registry caches models by entity name, case-insensitively. The cache is
// monotonic: entries are added, never evicted during a process lifetime.
// Concurrent builders for the same key may race harmlessly; the first
// stored model wins and later calls return it by reference.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Model
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		models: make(map[string]*Model),
		logger: logger,
	}
}

// GetModel returns the model for entityName ("schema.table", with either
// half optionally bracket-quoted), building it on first use.
func (r *Registry) GetModel(entityName string) *Model {
	key := strings.ToLower(strings.TrimSpace(entityName))

	r.mu.RLock()
	m, ok := r.models[key]
	r.mu.RUnlock()
	if ok {
		return m
	}

	built := buildModel(entityName)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.models[key]; ok {
		return existing
	}
	r.models[key] = built
	return built
}

func buildModel(entityName string) *Model {
	schema, table := splitEntity(entityName)
	return &Model{
		Namespace: "Data." + schema,
		Schema:    schema,
		Table:     table,
		EntityType: EntityType{
			Name: table,
			Key:  KeyProperty{Name: "ID", Type: "Edm.Int32"},
		},
		ContainerName: "DefaultContainer",
		EntitySet:     table,
	}
}

// splitEntity derives (schema, table) from an entity name, defaulting the
// schema to dbo and stripping bracket quoting from both halves.
func splitEntity(entityName string) (schema, table string) {
	schema = "dbo"
	table = strings.TrimSpace(entityName)
	if s, t, ok := strings.Cut(table, "."); ok {
		schema, table = strings.TrimSpace(s), strings.TrimSpace(t)
	}
	return unquote(schema), unquote(table)
}

func unquote(s string) string {
	s = strings.TrimPrefix(s, "[")
	return strings.TrimSuffix(s, "]")
}

// csdl mirrors the subset of an EDMX document the registry understands.
type csdl struct {
	XMLName      xml.Name `xml:"Edmx"`
	DataServices struct {
		Schemas []csdlSchema `xml:"Schema"`
	} `xml:"DataServices"`
}

type csdlSchema struct {
	Namespace   string `xml:"Namespace,attr"`
	EntityTypes []struct {
		Name string `xml:"Name,attr"`
		Key  struct {
			PropertyRefs []struct {
				Name string `xml:"Name,attr"`
			} `xml:"PropertyRef"`
		} `xml:"Key"`
	} `xml:"EntityType"`
	Containers []struct {
		Name       string `xml:"Name,attr"`
		EntitySets []struct {
			Name       string `xml:"Name,attr"`
			EntityType string `xml:"EntityType,attr"`
		} `xml:"EntitySet"`
	} `xml:"EntityContainer"`
}

// ParseMetadata accepts an externally supplied CSDL document and returns
// the model of its first entity type, or nil when the document cannot be
// parsed. Parse failures are logged, never fatal.
func (r *Registry) ParseMetadata(csdlXML []byte) *Model {
	var doc csdl
	if err := xml.Unmarshal(csdlXML, &doc); err != nil {
		r.logger.Warn("failed to parse CSDL metadata", "error", err)
		return nil
	}

	for _, schema := range doc.DataServices.Schemas {
		if len(schema.EntityTypes) == 0 {
			continue
		}
		et := schema.EntityTypes[0]

		m := &Model{
			Namespace: schema.Namespace,
			Schema:    strings.TrimPrefix(schema.Namespace, "Data."),
			Table:     et.Name,
			EntityType: EntityType{
				Name: et.Name,
				Key:  KeyProperty{Name: "ID", Type: "Edm.Int32"},
			},
			ContainerName: "DefaultContainer",
			EntitySet:     et.Name,
		}
		if len(et.Key.PropertyRefs) > 0 {
			m.EntityType.Key.Name = et.Key.PropertyRefs[0].Name
		}
		for _, c := range schema.Containers {
			m.ContainerName = c.Name
			for _, set := range c.EntitySets {
				if strings.HasSuffix(set.EntityType, "."+et.Name) || set.EntityType == et.Name {
					m.EntitySet = set.Name
				}
			}
		}
		return m
	}

	r.logger.Warn("CSDL metadata contained no entity types")
	return nil
}
