package items

import (
	"context"
	"slices"

	sq "github.com/Masterminds/squirrel"
	"github.com/spf13/cast"

	"cms-engine/internal/schema"
	"cms-engine/internal/store"
)

func (s *Service) quote(ident string) string {
	return s.dialect.Quote(ident)
}

// columns splits a processed row into quoted columns and their values, in a
// stable order.
func (s *Service) columns(row map[string]any) ([]string, []any) {
	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}
	slices.Sort(names)

	cols := make([]string, len(names))
	vals := make([]any, len(names))
	for i, name := range names {
		cols[i] = s.quote(name)
		vals[i] = row[name]
	}
	return cols, vals
}

// insert writes row and returns its primary key. Drivers without RETURNING
// fall back to the driver's last insert id, then to MAX(pk) read inside the
// same transaction.
func (s *Service) insert(ctx context.Context, c *schema.Collection, row map[string]any) (any, error) {
	q := s.db()
	table := s.quote(c.Collection)
	pk := c.Primary

	var sqlStr string
	var args []any
	if len(row) == 0 {
		if s.dialect.Name() == "mysql" {
			sqlStr = "INSERT INTO " + table + " () VALUES ()"
		} else {
			sqlStr = "INSERT INTO " + table + " DEFAULT VALUES"
		}
		if s.dialect.SupportsReturning() {
			sqlStr += " RETURNING " + s.quote(pk)
		}
	} else {
		cols, vals := s.columns(row)
		b := s.dialect.Builder().Insert(table).Columns(cols...).Values(vals...)
		if s.dialect.SupportsReturning() {
			b = b.Suffix("RETURNING " + s.quote(pk))
		}
		var err error
		if sqlStr, args, err = b.ToSql(); err != nil {
			return nil, err
		}
	}

	if s.dialect.SupportsReturning() {
		rec, err := store.QueryRow(ctx, q, sqlStr, args...)
		if err != nil {
			return nil, s.translate(err, "insert into")
		}
		return store.Coerce(s.dialect, c.PrimaryField().Type, rec[pk]), nil
	}

	res, err := q.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, s.translate(err, "insert into")
	}
	if key := row[pk]; key != nil {
		return key, nil
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		return id, nil
	}

	maxSQL, maxArgs, err := s.dialect.Builder().
		Select("MAX(" + s.quote(pk) + ") AS " + s.quote("id")).
		From(table).
		ToSql()
	if err != nil {
		return nil, err
	}
	rec, err := store.QueryRow(ctx, q, maxSQL, maxArgs...)
	if err != nil {
		return nil, s.translate(err, "read key of")
	}
	return store.Coerce(s.dialect, c.PrimaryField().Type, rec["id"]), nil
}

// update writes row to every key. Extra conditions narrow the target rows.
func (s *Service) update(ctx context.Context, c *schema.Collection, keys []any, row map[string]any, extra ...sq.Sqlizer) (int64, error) {
	if len(row) == 0 || len(keys) == 0 {
		return 0, nil
	}
	set := make(map[string]any, len(row))
	for name, v := range row {
		set[s.quote(name)] = v
	}
	where := sq.And{sq.Eq{s.quote(c.Primary): keys}}
	where = append(where, extra...)

	sqlStr, args, err := s.dialect.Builder().
		Update(s.quote(c.Collection)).
		SetMap(set).
		Where(where).
		ToSql()
	if err != nil {
		return 0, err
	}
	n, err := store.Exec(ctx, s.db(), sqlStr, args...)
	if err != nil {
		return 0, s.translate(err, "update")
	}
	return n, nil
}

func (s *Service) remove(ctx context.Context, c *schema.Collection, keys []any) error {
	sqlStr, args, err := s.dialect.Builder().
		Delete(s.quote(c.Collection)).
		Where(sq.Eq{s.quote(c.Primary): keys}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := store.Exec(ctx, s.db(), sqlStr, args...); err != nil {
		return s.translate(err, "delete from")
	}
	return nil
}

// selectKeys returns the keys among keys that satisfy cond.
func (s *Service) selectKeys(ctx context.Context, c *schema.Collection, keys []any, cond sq.Sqlizer) ([]any, error) {
	b := s.dialect.Builder().
		Select(s.quote(c.Primary)).
		From(s.quote(c.Collection)).
		Where(sq.Eq{s.quote(c.Primary): keys})
	if cond != nil {
		b = b.Where(cond)
	}
	sqlStr, args, err := b.OrderBy(s.quote(c.Primary)).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := store.QueryRows(ctx, s.db(), sqlStr, args...)
	if err != nil {
		return nil, s.translate(err, "read keys of")
	}
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.Coerce(s.dialect, c.PrimaryField().Type, r[c.Primary]))
	}
	return out, nil
}

// exists reports whether a row with key is stored, soft deleted or not.
func (s *Service) exists(ctx context.Context, c *schema.Collection, key any) (bool, error) {
	found, err := s.selectKeys(ctx, c, []any{key}, nil)
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}

// firstKey returns the key of any stored row, or nil for an empty table.
func (s *Service) firstKey(ctx context.Context, c *schema.Collection) (any, error) {
	sqlStr, args, err := s.dialect.Builder().
		Select(s.quote(c.Primary)).
		From(s.quote(c.Collection)).
		OrderBy(s.quote(c.Primary)).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := store.QueryRows(ctx, s.db(), sqlStr, args...)
	if err != nil {
		return nil, s.translate(err, "read")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return store.Coerce(s.dialect, c.PrimaryField().Type, rows[0][c.Primary]), nil
}

// live is the condition matching rows that are not soft deleted.
func (s *Service) live(c *schema.Collection) sq.Sqlizer {
	if !c.IsSoftDelete || c.DeletedAtField() == "" {
		return nil
	}
	return sq.Eq{s.quote(c.DeletedAtField()): nil}
}

func count(v any) int64 {
	return cast.ToInt64(v)
}
