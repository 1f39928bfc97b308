package items

import (
	"context"

	sq "github.com/Masterminds/squirrel"

	"cms-engine/internal/apperror"
	"cms-engine/internal/schema"
	"cms-engine/internal/store"
)

// uniqueCandidate reports whether f takes part in uniqueness checks. Keys and
// fields filled by the engine never do.
func uniqueCandidate(c *schema.Collection, f *schema.Field) bool {
	if f.Alias || f.Field == c.Primary {
		return false
	}
	for _, tag := range []string{"date-created", "date-updated", "date-deleted", "user-created", "user-updated", "user-deleted"} {
		if f.HasSpecial(tag) {
			return false
		}
	}
	return f.Field != c.DeletedAtField()
}

func skipsUniqueness(collection string) bool {
	return schema.SystemCollections[collection].SkipUniqueness
}

// checkUnique rejects payload values colliding with live rows. exclude holds
// the keys being updated; a unique value written to several rows at once
// collides with itself.
func (s *Service) checkUnique(ctx context.Context, c *schema.Collection, payload map[string]any, exclude []any) error {
	if skipsUniqueness(c.Collection) {
		return nil
	}

	var combination []string
	for _, name := range c.FieldOrder {
		f := c.Fields[name]
		if !uniqueCandidate(c, f) {
			continue
		}
		if f.UniqueCombination && !f.Unique {
			combination = append(combination, name)
			continue
		}
		if !f.Unique {
			continue
		}
		v, ok := payload[name]
		if !ok || v == nil {
			continue
		}
		if len(exclude) > 1 {
			return apperror.RecordNotUnique(c.Collection, name, v)
		}
		n, err := s.countRows(ctx, c, sq.Eq{s.quote(name): v}, exclude)
		if err != nil {
			return err
		}
		if n > 0 {
			return apperror.RecordNotUnique(c.Collection, name, v)
		}
	}

	if len(combination) == 0 {
		return nil
	}
	switch {
	case exclude == nil:
		return s.checkCombinationCreate(ctx, c, combination, payload)
	case len(exclude) == 1:
		return s.checkCombinationUpdate(ctx, c, combination, payload, exclude[0])
	default:
		return s.checkCombinationBatch(ctx, c, combination, payload, exclude)
	}
}

// countRows counts live rows matching cond, leaving out the keys in exclude.
func (s *Service) countRows(ctx context.Context, c *schema.Collection, cond sq.Sqlizer, exclude []any) (int64, error) {
	where := sq.And{cond}
	if len(exclude) > 0 {
		where = append(where, sq.NotEq{s.quote(c.Primary): exclude})
	}
	if live := s.live(c); live != nil {
		where = append(where, live)
	}
	sqlStr, args, err := s.dialect.Builder().
		Select("COUNT(*) AS " + s.quote("count")).
		From(s.quote(c.Collection)).
		Where(where).
		ToSql()
	if err != nil {
		return 0, err
	}
	rec, err := store.QueryRow(ctx, s.db(), sqlStr, args...)
	if err != nil {
		return 0, s.translate(err, "check uniqueness of")
	}
	return count(rec["count"]), nil
}

func combinationErrors(collection string, fields []string, values map[string]any) apperror.Errors {
	errs := make(apperror.Errors, 0, len(fields))
	for _, name := range fields {
		errs = append(errs, apperror.RecordNotUniqueCombination(collection, []string{name}, values[name]))
	}
	return errs
}

func (s *Service) checkCombinationCreate(ctx context.Context, c *schema.Collection, fields []string, payload map[string]any) error {
	eq := sq.Eq{}
	for _, name := range fields {
		eq[s.quote(name)] = payload[name]
	}
	n, err := s.countRows(ctx, c, eq, nil)
	if err != nil {
		return err
	}
	if n > 0 {
		return combinationErrors(c.Collection, fields, payload)
	}
	return nil
}

// checkCombinationUpdate completes the combination with the stored values
// of key and looks for another live row holding it.
func (s *Service) checkCombinationUpdate(ctx context.Context, c *schema.Collection, fields []string, payload map[string]any, key any) error {
	b := s.dialect.Builder().
		Select(s.quoteAll(fields)...).
		From(s.quote(c.Collection)).
		Where(sq.Eq{s.quote(c.Primary): key})
	if live := s.live(c); live != nil {
		b = b.Where(live)
	}
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return err
	}
	rows, err := store.QueryRows(ctx, s.db(), sqlStr, args...)
	if err != nil {
		return s.translate(err, "check uniqueness of")
	}
	if len(rows) == 0 {
		return nil
	}

	values := make(map[string]any, len(fields))
	eq := sq.Eq{}
	for _, name := range fields {
		v, ok := payload[name]
		if !ok {
			v = rows[0][name]
		}
		values[name] = v
		eq[s.quote(name)] = v
	}
	n, err := s.countRows(ctx, c, eq, []any{key})
	if err != nil {
		return err
	}
	if n > 0 {
		return combinationErrors(c.Collection, fields, values)
	}
	return nil
}

// checkCombinationBatch handles one payload written to several rows. When
// every combination field is written they all end up equal; otherwise rows
// already sharing the fields left untouched would collide.
func (s *Service) checkCombinationBatch(ctx context.Context, c *schema.Collection, fields []string, payload map[string]any, keys []any) error {
	var provided, untouched []string
	for _, name := range fields {
		if _, ok := payload[name]; ok {
			provided = append(provided, name)
		} else {
			untouched = append(untouched, name)
		}
	}
	if len(provided) == 0 {
		return nil
	}
	errs := combinationErrors(c.Collection, provided, payload)
	if len(untouched) == 0 {
		return errs
	}

	cols := s.quoteAll(untouched)
	b := s.dialect.Builder().
		Select("COUNT(*) AS " + s.quote("count")).
		From(s.quote(c.Collection)).
		Where(sq.Eq{s.quote(c.Primary): keys}).
		GroupBy(cols...).
		OrderBy(s.quote("count") + " DESC").
		Limit(1)
	if live := s.live(c); live != nil {
		b = b.Where(live)
	}
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return err
	}
	rows, err := store.QueryRows(ctx, s.db(), sqlStr, args...)
	if err != nil {
		return s.translate(err, "check uniqueness of")
	}
	if len(rows) > 0 && count(rows[0]["count"]) > 1 {
		return errs
	}
	return nil
}

// checkRestorable rejects restoring a row whose unique values were taken by
// a live row in the meantime.
func (s *Service) checkRestorable(ctx context.Context, c *schema.Collection, keys []any) error {
	if skipsUniqueness(c.Collection) {
		return nil
	}
	var unique []string
	for _, name := range c.FieldOrder {
		f := c.Fields[name]
		if f.Unique && uniqueCandidate(c, f) {
			unique = append(unique, name)
		}
	}
	if len(unique) == 0 {
		return nil
	}

	sqlStr, args, err := s.dialect.Builder().
		Select(s.quoteAll(append([]string{c.Primary}, unique...))...).
		From(s.quote(c.Collection)).
		Where(sq.Eq{s.quote(c.Primary): keys}).
		ToSql()
	if err != nil {
		return err
	}
	rows, err := store.QueryRows(ctx, s.db(), sqlStr, args...)
	if err != nil {
		return s.translate(err, "check uniqueness of")
	}
	for _, row := range rows {
		for _, name := range unique {
			v := row[name]
			if v == nil {
				continue
			}
			n, err := s.countRows(ctx, c, sq.Eq{s.quote(name): v}, []any{row[c.Primary]})
			if err != nil {
				return err
			}
			if n > 0 {
				return apperror.RecordNotUnique(c.Collection, name, v)
			}
		}
	}
	return nil
}

func (s *Service) quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = s.quote(n)
	}
	return out
}
