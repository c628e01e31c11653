// Package keys composes the partition and sort keys of Edjab tables from
// natural identifiers.
package keys

import (
	"errors"
	"fmt"
	"strings"

	"github.com/edjab/dbclient/internal/shard"
)

// DefaultSeparator joins the parts of a composite sort key.
const DefaultSeparator = "_"

// ErrInvalidPart is returned when a key part is blank, or when a part after
// the first contains the separator. The leading part (usually an email
// address) may contain it; the key still splits unambiguously from the right.
var ErrInvalidPart = errors.New("edjab: invalid key part")

// Key identifies one record. Sort is empty for hash-only tables.
type Key struct {
	Partition string
	Sort      string
}

func (k Key) String() string {
	if k.Sort == "" {
		return k.Partition
	}
	return k.Partition + "/" + k.Sort
}

// Builder composes keys for one table.
//
// A table with a Partition value stores every record under that constant
// hash key (optionally sharded) and puts the joined parts in the sort key.
// A table without one is hash-only and uses the joined parts as the hash key.
type Builder struct {
	Partition string
	NumShards int
	Separator string
}

func (b Builder) sep() string {
	if b.Separator == "" {
		return DefaultSeparator
	}
	return b.Separator
}

// HashOnly reports whether the table has no sort key.
func (b Builder) HashOnly() bool {
	return b.Partition == ""
}

// Build joins parts, in order, into a key.
func (b Builder) Build(parts ...string) (Key, error) {
	id, err := b.join(parts)
	if err != nil {
		return Key{}, err
	}
	if b.HashOnly() {
		return Key{Partition: id}, nil
	}
	return Key{
		Partition: shard.Partition(b.Partition, id, b.NumShards),
		Sort:      id,
	}, nil
}

// Prefix returns the sort-key prefix of every key whose leading parts are
// parts. The prefix ends with the separator so "u1" never matches "u10".
// A first part containing the separator is not delimited: the prefix of
// "a" also matches keys whose first part is "a_b".
func (b Builder) Prefix(parts ...string) (string, error) {
	id, err := b.join(parts)
	if err != nil {
		return "", err
	}
	return id + b.sep(), nil
}

// Partitions lists the hash keys a prefix query has to visit.
func (b Builder) Partitions() []string {
	return shard.Partitions(b.Partition, b.NumShards)
}

// Split breaks a sort key back into n parts, splitting from the right so
// that a leading part containing the separator survives.
func (b Builder) Split(sort string, n int) []string {
	sep := b.sep()
	var tail []string
	for len(tail) < n-1 {
		i := strings.LastIndex(sort, sep)
		if i < 0 {
			break
		}
		tail = append([]string{sort[i+len(sep):]}, tail...)
		sort = sort[:i]
	}
	return append([]string{sort}, tail...)
}

func (b Builder) join(parts []string) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: no parts", ErrInvalidPart)
	}
	sep := b.sep()
	for i, p := range parts {
		if strings.TrimSpace(p) == "" {
			return "", fmt.Errorf("%w: part %d is blank", ErrInvalidPart, i)
		}
		if i > 0 && strings.Contains(p, sep) {
			return "", fmt.Errorf("%w: part %q contains %q", ErrInvalidPart, p, sep)
		}
	}
	return strings.Join(parts, sep), nil
}
