package edjab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edjab/dbclient/codec"
	"github.com/edjab/dbclient/keys"
	"github.com/edjab/dbclient/store"
)

// mediaKind distinguishes the image and video tables, which share a shape.
type mediaKind struct {
	idAttr  string
	urlAttr string
}

var (
	imageKind = mediaKind{idAttr: "imageid", urlAttr: "imageurl"}
	videoKind = mediaKind{idAttr: "videoid", urlAttr: "videourl"}
)

// Media is an uploaded image or video of a school.
type Media struct {
	ID           string
	SchoolID     string
	UploadedBy   string
	UploadedOn   time.Time
	URL          string
	Name         string
	HelpfulVotes int64
}

type mediaMapper struct {
	kind mediaKind
}

var (
	imageSchema = newMediaSchema(imageKind)
	videoSchema = newMediaSchema(videoKind)
)

func newMediaSchema(k mediaKind) *codec.Schema {
	return codec.NewSchema(
		codec.Field{Name: attrSchoolID, Kind: codec.String, Required: true},
		codec.Field{Name: "uploadedBy", Kind: codec.String, Required: true},
		codec.Field{Name: "uploadedOn", Kind: codec.Time, Required: true},
		codec.Field{Name: k.urlAttr, Kind: codec.String, Required: true},
		codec.Field{Name: "descriptiveName", Kind: codec.String},
		codec.Field{Name: fieldHelpfulVotes, Kind: codec.Number},
	)
}

func (m mediaMapper) Schema() *codec.Schema {
	if m.kind == videoKind {
		return videoSchema
	}
	return imageSchema
}

func (mediaMapper) KeyParts(v Media) []string { return []string{v.ID} }

func (m mediaMapper) ToRecord(v Media) codec.Record {
	return codec.Record{
		attrSchoolID:      v.SchoolID,
		"uploadedBy":      v.UploadedBy,
		"uploadedOn":      v.UploadedOn,
		m.kind.urlAttr:    v.URL,
		"descriptiveName": v.Name,
		fieldHelpfulVotes: v.HelpfulVotes,
	}
}

func (m mediaMapper) FromRecord(r codec.Record) (Media, error) {
	return Media{
		ID:           r.String(m.kind.idAttr),
		SchoolID:     r.String(attrSchoolID),
		UploadedBy:   r.String("uploadedBy"),
		UploadedOn:   r.Time("uploadedOn"),
		URL:          r.String(m.kind.urlAttr),
		Name:         r.String("descriptiveName"),
		HelpfulVotes: r.Int(fieldHelpfulVotes),
	}, nil
}

// UploadInput describes a new image or video.
type UploadInput struct {
	SchoolID   string `validate:"required"`
	UploadedBy string `validate:"required"`
	URL        string `validate:"required,url"`
	Name       string `validate:"max=200"`
}

// UploadImage stores an image of an existing school uploaded by an active
// user and returns the generated id.
func (c *Client) UploadImage(ctx context.Context, in UploadInput) (string, error) {
	return c.upload(ctx, c.images, "uploadImage", in)
}

// UploadVideo stores a video and returns the generated id.
func (c *Client) UploadVideo(ctx context.Context, in UploadInput) (string, error) {
	return c.upload(ctx, c.videos, "uploadVideo", in)
}

// GetImage returns the image stored under id.
func (c *Client) GetImage(ctx context.Context, id string) (Media, bool, error) {
	return getMedia(ctx, c.images, id)
}

// GetVideo returns the video stored under id.
func (c *Client) GetVideo(ctx context.Context, id string) (Media, bool, error) {
	return getMedia(ctx, c.videos, id)
}

// DeleteImage removes an image of schoolID uploaded by uploader. It reports
// false when no such image exists, and fails with ErrNotOwner when it
// belongs to another user or school.
func (c *Client) DeleteImage(ctx context.Context, schoolID, id, uploader string) (bool, error) {
	return deleteMedia(ctx, c.images, schoolID, id, uploader)
}

// DeleteVideo removes a video, as DeleteImage.
func (c *Client) DeleteVideo(ctx context.Context, schoolID, id, uploader string) (bool, error) {
	return deleteMedia(ctx, c.videos, schoolID, id, uploader)
}

// ImagesBySchool pages through the images of schoolID, most helpful first.
func (c *Client) ImagesBySchool(schoolID string, opts store.QueryOptions) *store.Pager[Media] {
	opts.Descending = true
	return c.images.QueryByIndex(c.cfg.Indexes.ImagesBySchool, NormalizeSchoolID(schoolID), opts)
}

// VideosBySchool pages through the videos of schoolID, most helpful first.
func (c *Client) VideosBySchool(schoolID string, opts store.QueryOptions) *store.Pager[Media] {
	opts.Descending = true
	return c.videos.QueryByIndex(c.cfg.Indexes.VideosBySchool, NormalizeSchoolID(schoolID), opts)
}

func (c *Client) upload(ctx context.Context, t *store.Table[Media], op string, in UploadInput) (string, error) {
	if err := c.check(op, in); err != nil {
		return "", err
	}
	m := Media{
		ID:         c.newID(),
		SchoolID:   NormalizeSchoolID(in.SchoolID),
		UploadedBy: in.UploadedBy,
		UploadedOn: c.timestamp(),
		URL:        in.URL,
		Name:       in.Name,
	}
	if err := c.userAndSchool(ctx, m.UploadedBy, m.SchoolID); err != nil {
		return "", err
	}
	if err := t.Put(ctx, m, store.PutOptions{FailIfExists: true}); err != nil {
		return "", err
	}
	c.logger.Debug("content uploaded", zap.String("table", t.Name()), zap.String("id", m.ID))
	return m.ID, nil
}

func getMedia(ctx context.Context, t *store.Table[Media], id string) (Media, bool, error) {
	key, err := t.Key(id)
	if err != nil {
		return Media{}, false, err
	}
	return t.Get(ctx, key)
}

func deleteMedia(ctx context.Context, t *store.Table[Media], schoolID, id, uploader string) (bool, error) {
	if uploader == "" || schoolID == "" {
		return false, &store.ValidationError{Op: "delete", Err: errors.New("school and uploader are required")}
	}
	key, err := t.Key(id)
	if err != nil {
		return false, err
	}
	_, found, err := t.Delete(ctx, key, store.DeleteOptions{Expected: codec.Record{
		attrSchoolID: NormalizeSchoolID(schoolID),
		"uploadedBy": uploader,
	}})
	if errors.Is(err, store.ErrPreconditionFailed) {
		return ownerMismatch(ctx, t, key)
	}
	return found, err
}

// ownerMismatch tells a failed ownership condition from a missing record.
func ownerMismatch(ctx context.Context, t *store.Table[Media], key keys.Key) (bool, error) {
	exists, err := t.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s %s", ErrNotOwner, t.Name(), key.Sort)
}
