package edjab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edjab/dbclient/codec"
	"github.com/edjab/dbclient/keys"
	"github.com/edjab/dbclient/store"
)

// edgeKind names the timestamp attribute of a relation table.
type edgeKind struct {
	timeAttr string
}

var (
	followKind = edgeKind{timeAttr: "followedOn"}
	likeKind   = edgeKind{timeAttr: "likedOn"}
	attendKind = edgeKind{timeAttr: "attendedOn"}
)

// Edge relates a user to a school: a follow, a like or an attendance.
type Edge struct {
	UserID   string
	SchoolID string
	At       time.Time
}

var edgeSchemas = map[edgeKind]*codec.Schema{}

func init() {
	for _, k := range []edgeKind{followKind, likeKind, attendKind} {
		edgeSchemas[k] = codec.NewSchema(
			codec.Field{Name: "userid", Kind: codec.String, Required: true},
			codec.Field{Name: attrSchoolID, Kind: codec.String, Required: true},
			codec.Field{Name: k.timeAttr, Kind: codec.Time, Required: true},
		)
	}
}

type edgeMapper struct {
	kind edgeKind
}

func (m edgeMapper) Schema() *codec.Schema { return edgeSchemas[m.kind] }

func (edgeMapper) KeyParts(e Edge) []string { return []string{e.UserID, e.SchoolID} }

func (m edgeMapper) ToRecord(e Edge) codec.Record {
	return codec.Record{
		"userid":        e.UserID,
		attrSchoolID:    e.SchoolID,
		m.kind.timeAttr: e.At,
	}
}

func (m edgeMapper) FromRecord(r codec.Record) (Edge, error) {
	return Edge{
		UserID:   r.String("userid"),
		SchoolID: r.String(attrSchoolID),
		At:       r.Time(m.kind.timeAttr),
	}, nil
}

// Follow records that userID follows schoolID.
func (c *Client) Follow(ctx context.Context, userID, schoolID string) (Edge, error) {
	return c.link(ctx, c.follows, userID, schoolID)
}

// Like records that userID likes schoolID.
func (c *Client) Like(ctx context.Context, userID, schoolID string) (Edge, error) {
	return c.link(ctx, c.likes, userID, schoolID)
}

// Attend records that userID attended schoolID.
func (c *Client) Attend(ctx context.Context, userID, schoolID string) (Edge, error) {
	return c.link(ctx, c.attends, userID, schoolID)
}

// IsFollowing reports whether userID follows schoolID.
func (c *Client) IsFollowing(ctx context.Context, userID, schoolID string) (bool, error) {
	return linked(ctx, c.follows, userID, schoolID)
}

// IsLiking reports whether userID likes schoolID.
func (c *Client) IsLiking(ctx context.Context, userID, schoolID string) (bool, error) {
	return linked(ctx, c.likes, userID, schoolID)
}

// IsAttending reports whether userID attended schoolID.
func (c *Client) IsAttending(ctx context.Context, userID, schoolID string) (bool, error) {
	return linked(ctx, c.attends, userID, schoolID)
}

// Unfollow removes a follow and reports whether there was one.
func (c *Client) Unfollow(ctx context.Context, userID, schoolID string) (bool, error) {
	return unlink(ctx, c.follows, userID, schoolID)
}

// Unlike removes a like and reports whether there was one.
func (c *Client) Unlike(ctx context.Context, userID, schoolID string) (bool, error) {
	return unlink(ctx, c.likes, userID, schoolID)
}

// Unattend removes an attendance and reports whether there was one.
func (c *Client) Unattend(ctx context.Context, userID, schoolID string) (bool, error) {
	return unlink(ctx, c.attends, userID, schoolID)
}

// SchoolsFollowedBy pages through the follows of userID in school order.
// Follows of ids that merely start with userID+"_" are filtered out.
func (c *Client) SchoolsFollowedBy(userID string, opts store.QueryOptions) *store.Pager[Edge] {
	return c.follows.QueryByKeyPrefix(ownedBy(opts, userID), userID)
}

// SchoolsLikedBy pages through the likes of userID in school order.
func (c *Client) SchoolsLikedBy(userID string, opts store.QueryOptions) *store.Pager[Edge] {
	return c.likes.QueryByKeyPrefix(ownedBy(opts, userID), userID)
}

// SchoolsAttendedBy pages through the attendances of userID in school order.
func (c *Client) SchoolsAttendedBy(userID string, opts store.QueryOptions) *store.Pager[Edge] {
	return c.attends.QueryByKeyPrefix(ownedBy(opts, userID), userID)
}

// FollowersOf lists every follow of schoolID. The whole partition is
// scanned, so it is meant for maintenance jobs.
func (c *Client) FollowersOf(ctx context.Context, schoolID string) ([]Edge, error) {
	return reverse(ctx, c.follows, schoolID)
}

// LikersOf lists every like of schoolID, scanning the whole partition.
func (c *Client) LikersOf(ctx context.Context, schoolID string) ([]Edge, error) {
	return reverse(ctx, c.likes, schoolID)
}

// AttendeesOf lists every attendance of schoolID, scanning the whole
// partition.
func (c *Client) AttendeesOf(ctx context.Context, schoolID string) ([]Edge, error) {
	return reverse(ctx, c.attends, schoolID)
}

// ownedBy restricts a prefix query to the records of exactly userID. The
// user id is the leading key part and may contain the separator, so the
// prefix alone also matches longer ids.
func ownedBy(opts store.QueryOptions, userID string) store.QueryOptions {
	match := make(codec.Record, len(opts.Match)+1)
	for name, v := range opts.Match {
		match[name] = v
	}
	match["userid"] = userID
	opts.Match = match
	return opts
}

func (c *Client) link(ctx context.Context, t *store.Table[Edge], userID, schoolID string) (Edge, error) {
	e := Edge{UserID: userID, SchoolID: NormalizeSchoolID(schoolID), At: c.timestamp()}
	key, err := t.KeyOf(e)
	if err != nil {
		return Edge{}, err
	}
	if err := c.userAndSchool(ctx, e.UserID, e.SchoolID); err != nil {
		return Edge{}, err
	}
	err = t.Put(ctx, e, store.PutOptions{FailIfExists: true})
	if errors.Is(err, store.ErrDuplicateKey) {
		return Edge{}, fmt.Errorf("%w: %s %s", ErrAlreadyExists, t.Name(), key.Sort)
	}
	if err != nil {
		return Edge{}, err
	}
	return e, nil
}

func edgeKey(t *store.Table[Edge], userID, schoolID string) (keys.Key, error) {
	return t.Key(userID, NormalizeSchoolID(schoolID))
}

func linked(ctx context.Context, t *store.Table[Edge], userID, schoolID string) (bool, error) {
	key, err := edgeKey(t, userID, schoolID)
	if err != nil {
		return false, err
	}
	return t.Exists(ctx, key)
}

func unlink(ctx context.Context, t *store.Table[Edge], userID, schoolID string) (bool, error) {
	key, err := edgeKey(t, userID, schoolID)
	if err != nil {
		return false, err
	}
	_, found, err := t.Delete(ctx, key, store.DeleteOptions{})
	return found, err
}

// reverse finds the edges pointing at schoolID. The contains filter can
// match longer school ids, so the school is compared exactly afterwards.
func reverse(ctx context.Context, t *store.Table[Edge], schoolID string) ([]Edge, error) {
	id := NormalizeSchoolID(schoolID)
	all, err := t.QueryContains(t.Keys().Separator+id, store.QueryOptions{}).All(ctx)
	if err != nil {
		return nil, err
	}
	edges := all[:0]
	for _, e := range all {
		if e.SchoolID == id {
			edges = append(edges, e)
		}
	}
	return edges, nil
}
