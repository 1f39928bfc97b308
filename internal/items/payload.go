package items

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"golang.org/x/crypto/argon2"

	"cms-engine/internal/apperror"
	"cms-engine/internal/query"
	"cms-engine/internal/runner"
	"cms-engine/internal/schema"
	"cms-engine/internal/store"
)

// processM2O saves nested objects sent for many-to-one fields and replaces
// them with the resulting keys. Objects carrying the key of a stored row
// update it; anything else is created.
func (s *Service) processM2O(ctx context.Context, c *schema.Collection, payload map[string]any, opts MutationOptions) error {
	for _, name := range sortedFields(payload) {
		rel := s.opts.Schema.M2O(c.Collection, name)
		if rel == nil || rel.IsA2O() {
			continue
		}
		nested, ok := query.AsMap(payload[name])
		if !ok {
			continue
		}
		key, err := s.saveRelated(ctx, rel.RelatedCollection, nested, opts)
		if err != nil {
			return err
		}
		payload[name] = key
	}
	return nil
}

// processA2O does the same for any-to-one fields; the target collection is
// read from the relation's collection field in the payload.
func (s *Service) processA2O(ctx context.Context, c *schema.Collection, payload map[string]any, opts MutationOptions) error {
	for _, name := range sortedFields(payload) {
		rel := s.opts.Schema.M2O(c.Collection, name)
		if rel == nil || !rel.IsA2O() {
			continue
		}
		nested, ok := query.AsMap(payload[name])
		if !ok {
			continue
		}
		related := cast.ToString(payload[rel.Meta.OneCollectionField])
		if related == "" {
			return apperror.InvalidPayload(fmt.Sprintf("Can't update nested record in %q without setting %q", name, rel.Meta.OneCollectionField))
		}
		if !slices.Contains(rel.Meta.OneAllowedCollections, related) {
			return apperror.InvalidPayload(fmt.Sprintf("Collection %q is not allowed in %q", related, name))
		}
		key, err := s.saveRelated(ctx, related, nested, opts)
		if err != nil {
			return err
		}
		payload[name] = key
	}
	return nil
}

func (s *Service) saveRelated(ctx context.Context, collection string, record map[string]any, opts MutationOptions) (any, error) {
	related := s.opts.Schema.Collection(collection)
	if related == nil {
		return nil, apperror.Forbidden()
	}
	svc := s.service(collection)
	nestedOpts := MutationOptions{OnRevisionCreate: opts.OnRevisionCreate, SkipCachePurge: true}

	if key, ok := record[related.Primary]; ok && key != nil {
		key, err := normalizeKey(related, key)
		if err != nil {
			return nil, err
		}
		found, err := svc.exists(ctx, related, key)
		if err != nil {
			return nil, err
		}
		if found {
			if len(record) > 1 {
				if _, err := svc.UpdateOne(ctx, key, record, nestedOpts); err != nil {
					return nil, err
				}
			}
			return key, nil
		}
	}
	return svc.CreateOne(ctx, record, nestedOpts)
}

// processO2M applies one-to-many alterations for parent. A list replaces the
// children: listed rows are upserted and linked, the rest are deselected. An
// object {create, update, delete} alters only the rows it names.
func (s *Service) processO2M(ctx context.Context, c *schema.Collection, payload map[string]any, parent any, opts MutationOptions) error {
	for _, name := range c.Aliases() {
		value, ok := payload[name]
		if !ok || value == nil {
			continue
		}
		rel := s.opts.Schema.O2M(c.Collection, name)
		if rel == nil {
			continue
		}
		related := s.opts.Schema.Collection(rel.Collection)
		if related == nil {
			return apperror.Forbidden()
		}
		nestedOpts := MutationOptions{OnRevisionCreate: opts.OnRevisionCreate, SkipCachePurge: true}

		var err error
		if list, ok := query.AsList(value); ok {
			err = s.replaceChildren(ctx, rel, related, list, parent, nestedOpts)
		} else if alterations, ok := query.AsMap(value); ok {
			err = s.alterChildren(ctx, rel, related, alterations, parent, nestedOpts)
		} else {
			err = apperror.InvalidPayload(fmt.Sprintf("Invalid one-to-many update structure in %q", name))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) replaceChildren(ctx context.Context, rel *schema.Relation, related *schema.Collection, list []any, parent any, opts MutationOptions) error {
	svc := s.service(related.Collection)
	saved := make([]any, 0, len(list))
	for _, item := range list {
		record, ok := query.AsMap(item)
		if ok {
			record = maps.Clone(record)
		} else {
			record = map[string]any{related.Primary: item}
		}
		record[rel.Field] = parent
		key, err := svc.UpsertOne(ctx, record, opts)
		if err != nil {
			return err
		}
		saved = append(saved, key)
	}

	clauses := []any{map[string]any{rel.Field: map[string]any{"_eq": parent}}}
	if len(saved) > 0 {
		clauses = append(clauses, map[string]any{related.Primary: map[string]any{"_nin": saved}})
	}
	return s.deselect(ctx, svc, rel, query.Filter{"_and": clauses}, opts)
}

func (s *Service) alterChildren(ctx context.Context, rel *schema.Relation, related *schema.Collection, alterations map[string]any, parent any, opts MutationOptions) error {
	svc := s.service(related.Collection)

	if creates, ok := query.AsList(alterations["create"]); ok {
		for _, item := range creates {
			record, ok := query.AsMap(item)
			if !ok {
				return apperror.InvalidPayload(fmt.Sprintf("Invalid create item for %q", related.Collection))
			}
			record = maps.Clone(record)
			record[rel.Field] = parent
			if _, err := svc.CreateOne(ctx, record, opts); err != nil {
				return err
			}
		}
	}

	if updates, ok := query.AsList(alterations["update"]); ok {
		for _, item := range updates {
			record, ok := query.AsMap(item)
			if !ok || record[related.Primary] == nil {
				return apperror.InvalidPayload(fmt.Sprintf("Update items for %q need their %q", related.Collection, related.Primary))
			}
			record = maps.Clone(record)
			record[rel.Field] = parent
			if _, err := svc.UpdateOne(ctx, record[related.Primary], record, opts); err != nil {
				return err
			}
		}
	}

	if deletes, ok := query.AsList(alterations["delete"]); ok && len(deletes) > 0 {
		filter := query.Filter{"_and": []any{
			map[string]any{rel.Field: map[string]any{"_eq": parent}},
			map[string]any{related.Primary: map[string]any{"_in": deletes}},
		}}
		return s.deselect(ctx, svc, rel, filter, opts)
	}
	return nil
}

// deselect detaches the children matched by filter: they are deleted or
// get their foreign key cleared, per the relation's deselect action.
func (s *Service) deselect(ctx context.Context, svc *Service, rel *schema.Relation, filter query.Filter, opts MutationOptions) error {
	q := &query.Query{Filter: filter}
	if rel.Meta != nil && rel.Meta.OneDeselectAction == "delete" {
		_, err := svc.DeleteByQuery(ctx, q, opts)
		return err
	}
	_, err := svc.UpdateByQuery(ctx, q, map[string]any{rel.Field: nil}, opts)
	return err
}

// ownColumns keeps the payload keys backed by a column of c.
func ownColumns(c *schema.Collection, payload map[string]any, withPrimary bool) map[string]any {
	out := make(map[string]any, len(payload))
	for name, v := range payload {
		f := c.Field(name)
		if f == nil || f.Alias {
			continue
		}
		if name == c.Primary && !withPrimary {
			continue
		}
		out[name] = v
	}
	return out
}

// processValues fills engine managed fields and casts the values of row to
// what the columns store.
func (s *Service) processValues(action string, c *schema.Collection, row map[string]any) (map[string]any, error) {
	now := time.Now()
	user := s.opts.Accountability.UserID()

	for _, name := range c.ScalarFields() {
		f := c.Fields[name]
		switch {
		case action == ActionCreate && f.HasSpecial("uuid"),
			action == ActionCreate && name == c.Primary && f.Type == store.TypeUUID:
			if row[name] == nil {
				row[name] = uuid.NewString()
			}
		case f.HasSpecial("date-created") && action == ActionCreate,
			f.HasSpecial("date-updated"):
			row[name] = store.TimeParam(s.dialect, dateType(f), now)
		case f.HasSpecial("user-created") && action == ActionCreate,
			f.HasSpecial("user-updated"):
			if user != nil {
				row[name] = user
			}
		}

		v, ok := row[name]
		if !ok || v == nil {
			continue
		}
		if f.HasSpecial("conceal") && v == runner.ConcealedValue {
			delete(row, name)
			continue
		}
		out, err := s.castValue(f, v)
		if err != nil {
			return nil, err
		}
		row[name] = out
	}
	return row, nil
}

func dateType(f *schema.Field) string {
	switch f.Type {
	case store.TypeDate, store.TypeDateTime, store.TypeTime:
		return f.Type
	}
	return store.TypeTimestamp
}

func (s *Service) castValue(f *schema.Field, v any) (any, error) {
	if f.HasSpecial("hash") {
		str := cast.ToString(v)
		if str == "" || strings.HasPrefix(str, "$argon2") {
			return v, nil
		}
		return s.hash(str)
	}

	switch f.Type {
	case store.TypeJSON:
		if str, ok := v.(string); ok && json.Valid([]byte(str)) {
			return str, nil
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, apperror.InvalidPayload(fmt.Sprintf("Field %q is not valid JSON", f.Field))
		}
		return string(raw), nil
	case store.TypeCSV:
		if list, ok := query.AsList(v); ok {
			return strings.Join(cast.ToStringSlice(list), ","), nil
		}
		return cast.ToString(v), nil
	case store.TypeBoolean:
		b, err := cast.ToBoolE(v)
		if err != nil {
			return nil, apperror.InvalidPayload(fmt.Sprintf("Field %q expects a boolean", f.Field))
		}
		return b, nil
	case store.TypeInteger, store.TypeBigInteger:
		if str, ok := v.(string); ok {
			if n, err := cast.ToInt64E(str); err == nil {
				return n, nil
			}
		}
	case store.TypeFloat, store.TypeDecimal:
		if str, ok := v.(string); ok {
			if n, err := cast.ToFloat64E(str); err == nil {
				return n, nil
			}
		}
	case store.TypeUUID:
		if str, ok := v.(string); ok {
			return strings.ToLower(str), nil
		}
	case store.TypeDate, store.TypeDateTime, store.TypeTime, store.TypeTimestamp:
		switch t := v.(type) {
		case time.Time:
			return store.TimeParam(s.dialect, f.Type, t), nil
		case string:
			if s.dialect.Name() == "mysql" {
				if parsed, ok := store.ParseTime(t); ok {
					return store.TimeParam(s.dialect, f.Type, parsed), nil
				}
			}
		}
	}
	return v, nil
}

// hash encodes value with argon2id in the PHC string format.
func (s *Service) hash(value string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	sec := s.cfg.Security
	sum := argon2.IDKey([]byte(value), salt, sec.HashIterations, sec.HashMemory, sec.HashParallelism, 32)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, sec.HashMemory, sec.HashIterations, sec.HashParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// prepareDelta returns what a revision stores for row: concealed fields are
// masked and an empty row yields nil.
func prepareDelta(c *schema.Collection, row map[string]any) map[string]any {
	if len(row) == 0 {
		return nil
	}
	out := make(map[string]any, len(row))
	for name, v := range row {
		if f := c.Field(name); f != nil && f.HasSpecial("conceal") && v != nil {
			v = runner.ConcealedValue
		}
		if t, ok := v.(time.Time); ok {
			v = t.UTC().Format(time.RFC3339)
		}
		out[name] = v
	}
	return out
}

func sortedFields(payload map[string]any) []string {
	names := make([]string, 0, len(payload))
	for name := range payload {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
