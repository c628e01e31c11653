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

const attrUserSchool = "userid_schoolnameid"

const (
	fieldRating       = "ratedNumber"
	fieldHelpfulVotes = "helpfulVotes"
)

// Review is one user's review of one school. A user reviews a school at
// most once.
type Review struct {
	UserID       string
	SchoolID     string
	Body         string
	Rating       int64
	ReviewedOn   time.Time
	HelpfulVotes int64
}

var reviewSchema = codec.NewSchema(
	codec.Field{Name: "userid", Kind: codec.String, Required: true},
	codec.Field{Name: attrSchoolID, Kind: codec.String, Required: true},
	codec.Field{Name: "reviewBody", Kind: codec.String},
	codec.Field{Name: fieldRating, Kind: codec.Number, Required: true},
	codec.Field{Name: "reviewedOn", Kind: codec.Time, Required: true},
	codec.Field{Name: fieldHelpfulVotes, Kind: codec.Number},
)

type reviewMapper struct{}

func (reviewMapper) Schema() *codec.Schema { return reviewSchema }

func (reviewMapper) KeyParts(r Review) []string { return []string{r.UserID, r.SchoolID} }

func (reviewMapper) ToRecord(r Review) codec.Record {
	return codec.Record{
		"userid":          r.UserID,
		attrSchoolID:      r.SchoolID,
		"reviewBody":      r.Body,
		fieldRating:       r.Rating,
		"reviewedOn":      r.ReviewedOn,
		fieldHelpfulVotes: r.HelpfulVotes,
	}
}

func (reviewMapper) FromRecord(r codec.Record) (Review, error) {
	return Review{
		UserID:       r.String("userid"),
		SchoolID:     r.String(attrSchoolID),
		Body:         r.String("reviewBody"),
		Rating:       r.Int(fieldRating),
		ReviewedOn:   r.Time("reviewedOn"),
		HelpfulVotes: r.Int(fieldHelpfulVotes),
	}, nil
}

// ReviewInput is a new or edited review.
type ReviewInput struct {
	UserID   string `validate:"required"`
	SchoolID string `validate:"required"`
	Body     string `validate:"max=10000"`
	Rating   int64  `validate:"min=1,max=5"`
}

// ReviewID returns the id under which the review of schoolID by userID is
// stored.
func ReviewID(userID, schoolID string) string {
	return userID + keys.DefaultSeparator + NormalizeSchoolID(schoolID)
}

func (c *Client) reviewKey(userID, schoolID string) (keys.Key, error) {
	return c.reviews.Key(userID, NormalizeSchoolID(schoolID))
}

// CreateReview stores the review of an existing school by an active user.
// A second review of the same school fails with ErrAlreadyReviewed.
func (c *Client) CreateReview(ctx context.Context, in ReviewInput) (Review, error) {
	if err := c.check("createReview", in); err != nil {
		return Review{}, err
	}
	r := Review{
		UserID:     in.UserID,
		SchoolID:   NormalizeSchoolID(in.SchoolID),
		Body:       in.Body,
		Rating:     in.Rating,
		ReviewedOn: c.timestamp(),
	}
	if _, err := c.reviews.KeyOf(r); err != nil {
		return Review{}, err
	}
	if err := c.userAndSchool(ctx, r.UserID, r.SchoolID); err != nil {
		return Review{}, err
	}
	err := c.reviews.Put(ctx, r, store.PutOptions{FailIfExists: true})
	if errors.Is(err, store.ErrDuplicateKey) {
		return Review{}, fmt.Errorf("%w: %s", ErrAlreadyReviewed, ReviewID(r.UserID, r.SchoolID))
	}
	if err != nil {
		return Review{}, err
	}
	return r, nil
}

// EditReview replaces the body and rating of an existing review. The
// helpful votes are kept and the review date is refreshed.
func (c *Client) EditReview(ctx context.Context, in ReviewInput) (Review, error) {
	if err := c.check("editReview", in); err != nil {
		return Review{}, err
	}
	key, err := c.reviewKey(in.UserID, in.SchoolID)
	if err != nil {
		return Review{}, err
	}
	if err := c.userAndSchool(ctx, in.UserID, in.SchoolID); err != nil {
		return Review{}, err
	}
	r, err := c.reviews.Update(ctx, key, codec.Record{
		"reviewBody": in.Body,
		fieldRating:  in.Rating,
		"reviewedOn": c.timestamp(),
	}, store.UpdateOptions{})
	if errors.Is(err, store.ErrNotFound) {
		return Review{}, fmt.Errorf("%w: %s", ErrReviewNotFound, ReviewID(in.UserID, in.SchoolID))
	}
	return r, err
}

// GetReview returns the review of schoolID by userID.
func (c *Client) GetReview(ctx context.Context, userID, schoolID string) (Review, bool, error) {
	key, err := c.reviewKey(userID, schoolID)
	if err != nil {
		return Review{}, false, err
	}
	return c.reviews.Get(ctx, key)
}

// IsReviewedByUser reports whether userID has reviewed schoolID.
func (c *Client) IsReviewedByUser(ctx context.Context, userID, schoolID string) (bool, error) {
	key, err := c.reviewKey(userID, schoolID)
	if err != nil {
		return false, err
	}
	return c.reviews.Exists(ctx, key)
}

// DeleteReview removes the review of schoolID by userID and returns it.
// A missing review fails with ErrReviewNotFound.
func (c *Client) DeleteReview(ctx context.Context, userID, schoolID string) (Review, error) {
	key, err := c.reviewKey(userID, schoolID)
	if err != nil {
		return Review{}, err
	}
	prev, found, err := c.reviews.Delete(ctx, key, store.DeleteOptions{})
	if err != nil {
		return Review{}, err
	}
	if !found {
		return Review{}, fmt.Errorf("%w: %s", ErrReviewNotFound, key.Sort)
	}
	return prev, nil
}

// ReviewsByUser pages through the reviews written by userID.
func (c *Client) ReviewsByUser(userID string, opts store.QueryOptions) *store.Pager[Review] {
	return c.reviews.QueryByKeyPrefix(ownedBy(opts, userID), userID)
}

// ReviewsBySchool pages through the reviews of schoolID, most helpful
// first.
func (c *Client) ReviewsBySchool(schoolID string, opts store.QueryOptions) *store.Pager[Review] {
	opts.Descending = true
	return c.reviews.QueryByIndex(c.cfg.Indexes.ReviewsBySchool, NormalizeSchoolID(schoolID), opts)
}

// userAndSchool requires schoolID to exist and userID to be active.
func (c *Client) userAndSchool(ctx context.Context, userID, schoolID string) error {
	school, err := c.schoolRef(schoolID)
	if err != nil {
		return err
	}
	user, err := c.validUserRef(userID)
	if err != nil {
		return err
	}
	return store.ValidateReferences(ctx, school, user)
}
