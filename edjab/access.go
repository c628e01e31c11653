package edjab

import (
	"context"
	"fmt"
	"time"

	"github.com/edjab/dbclient/codec"
	"github.com/edjab/dbclient/keys"
	"github.com/edjab/dbclient/store"
)

// Review ids contain the default separator, so review access keys use
// another one.
const reviewAccessSeparator = "#"

type accessKind struct {
	sortAttr    string
	contentAttr string
}

var (
	imageAccessKind  = accessKind{sortAttr: "userid_imageid", contentAttr: "imageid"}
	videoAccessKind  = accessKind{sortAttr: "userid_videoid", contentAttr: "videoid"}
	reviewAccessKind = accessKind{sortAttr: "userid_reviewid", contentAttr: "reviewid"}
)

// Access records that a user opened a piece of content.
type Access struct {
	UserID    string
	ContentID string
	At        time.Time
}

var accessSchemas = map[accessKind]*codec.Schema{}

func init() {
	for _, k := range []accessKind{imageAccessKind, videoAccessKind, reviewAccessKind} {
		accessSchemas[k] = codec.NewSchema(
			codec.Field{Name: "userid", Kind: codec.String, Required: true},
			codec.Field{Name: k.contentAttr, Kind: codec.String, Required: true},
			codec.Field{Name: "accessedOn", Kind: codec.Time, Required: true},
		)
	}
}

type accessMapper struct {
	kind accessKind
}

func (m accessMapper) Schema() *codec.Schema { return accessSchemas[m.kind] }

func (accessMapper) KeyParts(a Access) []string { return []string{a.UserID, a.ContentID} }

func (m accessMapper) ToRecord(a Access) codec.Record {
	return codec.Record{
		"userid":           a.UserID,
		m.kind.contentAttr: a.ContentID,
		"accessedOn":       a.At,
	}
}

func (m accessMapper) FromRecord(r codec.Record) (Access, error) {
	return Access{
		UserID:    r.String("userid"),
		ContentID: r.String(m.kind.contentAttr),
		At:        r.Time("accessedOn"),
	}, nil
}

// RecordImageAccess records that userID opened an existing image. Opening
// it again refreshes the time.
func (c *Client) RecordImageAccess(ctx context.Context, userID, imageID string) (Access, error) {
	key, err := c.images.Key(imageID)
	if err != nil {
		return Access{}, err
	}
	return c.recordAccess(ctx, c.imageAccess, userID, imageID, c.images.Ref(key, contentNotFound(c.images.Name(), imageID)))
}

// RecordVideoAccess records that userID opened an existing video.
func (c *Client) RecordVideoAccess(ctx context.Context, userID, videoID string) (Access, error) {
	key, err := c.videos.Key(videoID)
	if err != nil {
		return Access{}, err
	}
	return c.recordAccess(ctx, c.videoAccess, userID, videoID, c.videos.Ref(key, contentNotFound(c.videos.Name(), videoID)))
}

// RecordReviewAccess records that userID read the review of schoolID
// written by reviewerID.
func (c *Client) RecordReviewAccess(ctx context.Context, userID, reviewerID, schoolID string) (Access, error) {
	key, err := c.reviewKey(reviewerID, schoolID)
	if err != nil {
		return Access{}, err
	}
	id := ReviewID(reviewerID, schoolID)
	return c.recordAccess(ctx, c.reviewAccess, userID, id, c.reviews.Ref(key, contentNotFound(c.reviews.Name(), id)))
}

// HasAccessedImage reports whether userID opened imageID.
func (c *Client) HasAccessedImage(ctx context.Context, userID, imageID string) (bool, error) {
	return accessed(ctx, c.imageAccess, userID, imageID)
}

// HasAccessedVideo reports whether userID opened videoID.
func (c *Client) HasAccessedVideo(ctx context.Context, userID, videoID string) (bool, error) {
	return accessed(ctx, c.videoAccess, userID, videoID)
}

// HasAccessedReview reports whether userID read the review of schoolID
// written by reviewerID.
func (c *Client) HasAccessedReview(ctx context.Context, userID, reviewerID, schoolID string) (bool, error) {
	return accessed(ctx, c.reviewAccess, userID, ReviewID(reviewerID, schoolID))
}

// DeleteImageAccess forgets an image access and reports whether there was
// one.
func (c *Client) DeleteImageAccess(ctx context.Context, userID, imageID string) (bool, error) {
	return forget(ctx, c.imageAccess, userID, imageID)
}

// DeleteVideoAccess forgets a video access and reports whether there was
// one.
func (c *Client) DeleteVideoAccess(ctx context.Context, userID, videoID string) (bool, error) {
	return forget(ctx, c.videoAccess, userID, videoID)
}

// DeleteReviewAccess forgets a review access and reports whether there
// was one.
func (c *Client) DeleteReviewAccess(ctx context.Context, userID, reviewerID, schoolID string) (bool, error) {
	return forget(ctx, c.reviewAccess, userID, ReviewID(reviewerID, schoolID))
}

// ImagesAccessedBy pages through the image accesses of userID.
func (c *Client) ImagesAccessedBy(userID string, opts store.QueryOptions) *store.Pager[Access] {
	return c.imageAccess.QueryByKeyPrefix(ownedBy(opts, userID), userID)
}

// VideosAccessedBy pages through the video accesses of userID.
func (c *Client) VideosAccessedBy(userID string, opts store.QueryOptions) *store.Pager[Access] {
	return c.videoAccess.QueryByKeyPrefix(ownedBy(opts, userID), userID)
}

// ReviewsAccessedBy pages through the review accesses of userID. Content
// ids are review ids as returned by ReviewID.
func (c *Client) ReviewsAccessedBy(userID string, opts store.QueryOptions) *store.Pager[Access] {
	return c.reviewAccess.QueryByKeyPrefix(ownedBy(opts, userID), userID)
}

func contentNotFound(table, id string) error {
	return fmt.Errorf("%w: %s %s", ErrContentNotFound, table, id)
}

func (c *Client) recordAccess(ctx context.Context, t *store.Table[Access], userID, contentID string, content store.Reference) (Access, error) {
	a := Access{UserID: userID, ContentID: contentID, At: c.timestamp()}
	if _, err := t.KeyOf(a); err != nil {
		return Access{}, err
	}
	user, err := c.validUserRef(userID)
	if err != nil {
		return Access{}, err
	}
	if err := store.ValidateReferences(ctx, content, user); err != nil {
		return Access{}, err
	}
	if err := t.Put(ctx, a, store.PutOptions{}); err != nil {
		return Access{}, err
	}
	return a, nil
}

func accessKey(t *store.Table[Access], userID, contentID string) (keys.Key, error) {
	return t.Key(userID, contentID)
}

func accessed(ctx context.Context, t *store.Table[Access], userID, contentID string) (bool, error) {
	key, err := accessKey(t, userID, contentID)
	if err != nil {
		return false, err
	}
	return t.Exists(ctx, key)
}

func forget(ctx context.Context, t *store.Table[Access], userID, contentID string) (bool, error) {
	key, err := accessKey(t, userID, contentID)
	if err != nil {
		return false, err
	}
	_, found, err := t.Delete(ctx, key, store.DeleteOptions{})
	return found, err
}
