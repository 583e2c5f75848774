package service

import (
	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/schema"
)

// Accountability identifies who performs an operation.
type Accountability struct {
	UserID string
	Role   string
}

// PermissionService answers field-level access questions from the role
// table of the schema. Roles missing from the table have no access.
type PermissionService struct {
	schema *schema.Schema
}

func NewPermissionService(s *schema.Schema) *PermissionService {
	return &PermissionService{schema: s}
}

func (p *PermissionService) IsAdmin(role string) bool {
	r, ok := p.schema.Roles[role]
	return ok && r != nil && r.AdminAccess
}

func (p *PermissionService) permission(role, collection string) *schema.Permission {
	r, ok := p.schema.Roles[role]
	if !ok || r == nil {
		return nil
	}
	return r.Permissions[collection]
}

func (p *PermissionService) CanRead(role, collection string) bool {
	if p.IsAdmin(role) {
		return true
	}
	perm := p.permission(role, collection)
	return perm != nil && len(perm.Read) > 0
}

func (p *PermissionService) CanReadField(role, collection, field string) bool {
	if p.IsAdmin(role) {
		return true
	}
	perm := p.permission(role, collection)
	return perm != nil && schema.Contains(perm.Read, field)
}

func (p *PermissionService) CanCreateField(role, collection, field string) bool {
	if p.IsAdmin(role) {
		return true
	}
	perm := p.permission(role, collection)
	return perm != nil && schema.Contains(perm.Create, field)
}

func (p *PermissionService) CanUpdate(role, collection string) bool {
	if p.IsAdmin(role) {
		return true
	}
	perm := p.permission(role, collection)
	return perm != nil && len(perm.Update) > 0
}

func (p *PermissionService) CanUpdateField(role, collection, field string) bool {
	if p.IsAdmin(role) {
		return true
	}
	perm := p.permission(role, collection)
	return perm != nil && schema.Contains(perm.Update, field)
}

func (p *PermissionService) CanDelete(role, collection string) bool {
	if p.IsAdmin(role) {
		return true
	}
	perm := p.permission(role, collection)
	return perm != nil && perm.Delete
}

// FilterItem drops every field role may not read, descending into
// related items.
func (p *PermissionService) FilterItem(role, collection string, item map[string]any) domain.Item {
	if item == nil {
		return nil
	}
	out := make(domain.Item, len(item))
	for field, value := range item {
		if filtered, ok := p.FilterValue(role, collection, field, value); ok {
			out[field] = filtered
		}
	}
	return out
}

// FilterChanges is FilterItem for a room's pending changes.
func (p *PermissionService) FilterChanges(role, collection string, changes map[string]any) map[string]any {
	return map[string]any(p.FilterItem(role, collection, changes))
}

// FilterValue reports whether role may read collection.field and returns
// value with nested relational fields the role cannot read removed.
func (p *PermissionService) FilterValue(role, collection, field string, value any) (any, bool) {
	if !p.CanReadField(role, collection, field) {
		return nil, false
	}

	rel, ok := p.schema.RelationOf(collection, field)
	if !ok || rel.Collection == "" {
		return value, true
	}

	switch v := value.(type) {
	case map[string]any:
		return map[string]any(p.FilterItem(role, rel.Collection, v)), true
	case []any:
		out := make([]any, len(v))
		for i, entry := range v {
			if nested, ok := entry.(map[string]any); ok {
				out[i] = map[string]any(p.FilterItem(role, rel.Collection, nested))
			} else {
				out[i] = entry
			}
		}
		return out, true
	}
	return value, true
}
