package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type RelationType string

const (
	ManyToOne  RelationType = "m2o"
	OneToMany  RelationType = "o2m"
	ManyToMany RelationType = "m2m"
	ManyToAny  RelationType = "m2a"
)

const DefaultPrimaryKey = "id"

// AllFields is the permission wildcard granting every field.
const AllFields = "*"

type Schema struct {
	Collections map[string]*Collection `yaml:"collections" json:"collections"`
	Roles       map[string]*Role       `yaml:"roles" json:"roles,omitempty"`
}

type Collection struct {
	PrimaryKey string            `yaml:"primary_key" json:"primary_key"`
	Singleton  bool              `yaml:"singleton" json:"singleton"`
	Fields     map[string]*Field `yaml:"fields" json:"fields"`
}

type Field struct {
	Type     string    `yaml:"type" json:"type"`
	Relation *Relation `yaml:"relation,omitempty" json:"relation,omitempty"`
}

type Relation struct {
	Type       RelationType `yaml:"type" json:"type"`
	Collection string       `yaml:"collection" json:"collection"`
}

type Role struct {
	AdminAccess bool                   `yaml:"admin_access" json:"admin_access"`
	Permissions map[string]*Permission `yaml:"permissions" json:"permissions"`
}

// Permission lists the fields a role may read and update on one
// collection. "*" grants every field.
type Permission struct {
	Read   []string `yaml:"read" json:"read"`
	Create []string `yaml:"create" json:"create"`
	Update []string `yaml:"update" json:"update"`
	Delete bool     `yaml:"delete" json:"delete"`
}

func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schema) normalize() error {
	if s.Collections == nil {
		s.Collections = make(map[string]*Collection)
	}
	if s.Roles == nil {
		s.Roles = make(map[string]*Role)
	}

	for name, c := range s.Collections {
		if c == nil {
			c = &Collection{}
			s.Collections[name] = c
		}
		if c.PrimaryKey == "" {
			c.PrimaryKey = DefaultPrimaryKey
		}
		if c.Fields == nil {
			c.Fields = make(map[string]*Field)
		}
		for fieldName, f := range c.Fields {
			if f == nil || f.Relation == nil {
				continue
			}
			if _, ok := s.Collections[f.Relation.Collection]; !ok {
				return fmt.Errorf("field %s.%s relates to unknown collection %q", name, fieldName, f.Relation.Collection)
			}
		}
	}
	return nil
}

func (s *Schema) Collection(name string) (*Collection, bool) {
	c, ok := s.Collections[name]
	return c, ok
}

// RelationOf returns the relation declared on collection.field.
func (s *Schema) RelationOf(collection, field string) (*Relation, bool) {
	c, ok := s.Collections[collection]
	if !ok {
		return nil, false
	}
	f, ok := c.Fields[field]
	if !ok || f == nil || f.Relation == nil {
		return nil, false
	}
	return f.Relation, true
}

// PrimaryKey returns the primary key field of collection.
func (s *Schema) PrimaryKey(collection string) string {
	if c, ok := s.Collections[collection]; ok && c.PrimaryKey != "" {
		return c.PrimaryKey
	}
	return DefaultPrimaryKey
}

// ManyToOne reports whether collection.field is a many-to-one relation
// and, if so, the primary key field of the related collection.
func (s *Schema) ManyToOne(collection, field string) (string, bool) {
	rel, ok := s.RelationOf(collection, field)
	if !ok || rel.Type != ManyToOne {
		return "", false
	}
	return s.PrimaryKey(rel.Collection), true
}

// Public returns a copy without the role table, suitable for clients.
func (s *Schema) Public() *Schema {
	return &Schema{Collections: s.Collections}
}

// Contains reports whether fields grants name, honoring the wildcard.
func Contains(fields []string, name string) bool {
	for _, f := range fields {
		if f == AllFields || f == name {
			return true
		}
	}
	return false
}
