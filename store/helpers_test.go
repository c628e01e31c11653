package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edjab/dbclient/codec"
	"github.com/edjab/dbclient/internal/ddbtest"
	"github.com/edjab/dbclient/store"
)

// --- Test Record Types ---

// follow is a relation edge keyed owner-first.
type follow struct {
	UserID     string
	SchoolID   string
	FollowedOn time.Time
}

var followSchema = codec.NewSchema(
	codec.Field{Name: "userid", Kind: codec.String, Required: true},
	codec.Field{Name: "schoolnameid", Kind: codec.String, Required: true},
	codec.Field{Name: "followedOn", Kind: codec.Time, Required: true},
)

type followMapper struct{}

func (followMapper) Schema() *codec.Schema { return followSchema }

func (followMapper) KeyParts(f follow) []string { return []string{f.UserID, f.SchoolID} }

func (followMapper) ToRecord(f follow) codec.Record {
	return codec.Record{
		"userid":       f.UserID,
		"schoolnameid": f.SchoolID,
		"followedOn":   f.FollowedOn,
	}
}

func (followMapper) FromRecord(r codec.Record) (follow, error) {
	return follow{
		UserID:     r.String("userid"),
		SchoolID:   r.String("schoolnameid"),
		FollowedOn: r.Time("followedOn"),
	}, nil
}

// image is a content record with a votes index.
type image struct {
	ID       string
	SchoolID string
	Uploader string
	URL      string
	Votes    int64
}

var imageSchema = codec.NewSchema(
	codec.Field{Name: "schoolnameid", Kind: codec.String, Required: true},
	codec.Field{Name: "uploadedBy", Kind: codec.String, Required: true},
	codec.Field{Name: "imageurl", Kind: codec.String},
	codec.Field{Name: "helpfulVotes", Kind: codec.Number},
)

type imageMapper struct{}

func (imageMapper) Schema() *codec.Schema { return imageSchema }

func (imageMapper) KeyParts(i image) []string { return []string{i.ID} }

func (imageMapper) ToRecord(i image) codec.Record {
	return codec.Record{
		"schoolnameid": i.SchoolID,
		"uploadedBy":   i.Uploader,
		"imageurl":     i.URL,
		"helpfulVotes": i.Votes,
	}
}

func (imageMapper) FromRecord(r codec.Record) (image, error) {
	return image{
		ID:       r.String("imageid"),
		SchoolID: r.String("schoolnameid"),
		Uploader: r.String("uploadedBy"),
		URL:      r.String("imageurl"),
		Votes:    r.Int("helpfulVotes"),
	}, nil
}

// --- Test Helpers ---

const (
	followTable = "FollowTest"
	imageTable  = "ImageTest"
	imageIndex  = "MostHelpfulImagesBySchool"
)

func newDB() *ddbtest.DB {
	return ddbtest.New(
		ddbtest.Table{Name: followTable, PartitionAttr: "country", SortAttr: "userid_schoolnameid"},
		ddbtest.Table{
			Name:          imageTable,
			PartitionAttr: "country",
			SortAttr:      "imageid",
			Indexes: map[string]ddbtest.Index{
				imageIndex: {PartitionAttr: "schoolnameid", SortAttr: "helpfulVotes"},
			},
		},
	)
}

func followConfig() store.Config {
	cfg := store.DefaultConfig()
	cfg.TableName = followTable
	cfg.SortAttr = "userid_schoolnameid"
	return cfg
}

func newFollows(t *testing.T, db *ddbtest.DB, opts ...store.Option) *store.Table[follow] {
	t.Helper()
	opts = append([]store.Option{store.WithRetryPolicy(store.NoRetry())}, opts...)
	tbl, err := store.New[follow](db, followConfig(), followMapper{}, opts...)
	require.NoError(t, err)
	return tbl
}

func newImages(t *testing.T, db *ddbtest.DB) *store.Table[image] {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.TableName = imageTable
	cfg.SortAttr = "imageid"
	cfg.Indexes = map[string]string{imageIndex: "schoolnameid"}
	tbl, err := store.New[image](db, cfg, imageMapper{}, store.WithRetryPolicy(store.NoRetry()))
	require.NoError(t, err)
	return tbl
}

func at(sec int) time.Time {
	return time.Date(2024, time.June, 1, 10, 0, sec, 0, time.UTC)
}
