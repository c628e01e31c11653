package store

import (
	"context"
	"fmt"

	"github.com/edjab/dbclient/keys"
)

// Reference is one precondition on another record, checked by
// ValidateReferences before a dependent write.
type Reference struct {
	name    string
	check   func(ctx context.Context) (bool, error)
	missing error
}

// Check builds a Reference from an arbitrary lookup. When check reports
// false, ValidateReferences returns missing, or ErrReferenceNotFound when
// missing is nil.
func Check(name string, check func(ctx context.Context) (bool, error), missing error) Reference {
	return Reference{name: name, check: check, missing: missing}
}

// Ref requires a record to exist under key.
func (t *Table[T]) Ref(key keys.Key, missing error) Reference {
	return Check(t.cfg.TableName+" "+key.String(), func(ctx context.Context) (bool, error) {
		return t.Exists(ctx, key)
	}, missing)
}

// RefWhere requires a record to exist under key and satisfy pred.
func (t *Table[T]) RefWhere(key keys.Key, pred func(T) bool, missing error) Reference {
	return Check(t.cfg.TableName+" "+key.String(), func(ctx context.Context) (bool, error) {
		v, found, err := t.Get(ctx, key)
		if err != nil || !found {
			return false, err
		}
		return pred(v), nil
	}, missing)
}

// ValidateReferences checks refs in order and stops at the first one that
// is missing or cannot be checked. A missing reference returns its own
// error; a store failure is returned as is, so "does not exist" and "could
// not determine" stay distinguishable.
//
// Checks are not atomic with the write that follows them. A referenced
// record deleted in between is not detected.
func ValidateReferences(ctx context.Context, refs ...Reference) error {
	for _, ref := range refs {
		ok, err := ref.check(ctx)
		if err != nil {
			return err
		}
		if !ok {
			if ref.missing != nil {
				return ref.missing
			}
			return fmt.Errorf("%w: %s", ErrReferenceNotFound, ref.name)
		}
	}
	return nil
}
