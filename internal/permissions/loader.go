package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/spf13/cast"

	"cms-engine/internal/query"
	"cms-engine/internal/store"
)

// Loader reads permission rows from directus_permissions.
type Loader struct {
	dialect store.Dialect
}

func NewLoader(dialect store.Dialect) *Loader {
	return &Loader{dialect: dialect}
}

// ForRole returns the permissions of role. An empty role loads the public
// permissions (rows with a NULL role).
func (l *Loader) ForRole(ctx context.Context, q store.Querier, role string) ([]Permission, error) {
	var roleVal any
	if role != "" {
		roleVal = role
	}
	sqlStr, args, err := l.dialect.Builder().
		Select("id", "role", "collection", "action", "permissions", "validation", "presets", "fields").
		From("directus_permissions").
		Where(sq.Eq{"role": roleVal}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build permissions query: %w", err)
	}

	rows, err := store.QueryRows(ctx, q, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	perms := make([]Permission, 0, len(rows))
	for _, r := range rows {
		p := Permission{
			ID:         cast.ToInt64(r["id"]),
			Role:       cast.ToString(r["role"]),
			Collection: cast.ToString(r["collection"]),
			Action:     cast.ToString(r["action"]),
			Fields:     splitFields(r["fields"]),
		}
		if p.Permissions, err = jsonMap(r["permissions"]); err != nil {
			return nil, fmt.Errorf("permission %d: permissions: %w", p.ID, err)
		}
		if p.Validation, err = jsonMap(r["validation"]); err != nil {
			return nil, fmt.Errorf("permission %d: validation: %w", p.ID, err)
		}
		presets, err := jsonMap(r["presets"])
		if err != nil {
			return nil, fmt.Errorf("permission %d: presets: %w", p.ID, err)
		}
		p.Presets = presets
		perms = append(perms, p)
	}
	return perms, nil
}

// Load fills acc.Permissions for its role. Admin accountability is left
// untouched.
func (l *Loader) Load(ctx context.Context, q store.Querier, acc *Accountability) error {
	if acc.IsAdmin() {
		return nil
	}
	perms, err := l.ForRole(ctx, q, acc.Role)
	if err != nil {
		return err
	}
	acc.Permissions = perms
	return nil
}

func jsonMap(v any) (query.Filter, error) {
	s := strings.TrimSpace(cast.ToString(v))
	if s == "" || s == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func splitFields(v any) []string {
	s := strings.TrimSpace(cast.ToString(v))
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
