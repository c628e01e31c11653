package edjab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/edjab/dbclient/codec"
	"github.com/edjab/dbclient/keys"
	"github.com/edjab/dbclient/store"
)

const attrSchoolID = "schoolnameid"

// Counter field names. Schools and users share "likes" and "reviews".
const (
	CounterFollowers  = "followers"
	CounterFollows    = "follows"
	CounterLikes      = "likes"
	CounterAttendees  = "attendees"
	CounterAlmaMaters = "almaMaters"
	CounterReviews    = "reviews"
)

// StarCounters holds the rating histogram fields, indexed by star count.
var StarCounters = [6]string{
	1: "oneStarRatings",
	2: "twoStarRatings",
	3: "threeStarRatings",
	4: "fourStarRatings",
	5: "fiveStarRatings",
}

// School is an institute profile.
type School struct {
	ID                string
	Name              string
	Description       string
	Mission           string
	Categories        []string
	URLs              []string
	Street            string
	City              string
	StateOrRegion     string
	Region            string
	Zip               string
	ContactNumber     string
	Email             string
	EstablishmentDate string
	ProfileImage      string
	Latitude          string
	Longitude         string
	Direction         string

	InitialAverageRating float64

	// Counters kept by the stream handler.
	Followers int64
	Likes     int64
	Attendees int64
	Reviews   int64
	// Stars[n] counts n-star reviews; Stars[0] is unused.
	Stars [6]int64
}

// AverageRating is the weighted mean of the star histogram, 0 without
// ratings.
func (s School) AverageRating() float64 {
	var sum, n int64
	for stars := 1; stars <= 5; stars++ {
		sum += int64(stars) * s.Stars[stars]
		n += s.Stars[stars]
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

var schoolSchema = codec.NewSchema(
	codec.Field{Name: "name", Kind: codec.String, Required: true},
	codec.Field{Name: "description", Kind: codec.String},
	codec.Field{Name: "mission", Kind: codec.String},
	codec.Field{Name: "categories", Kind: codec.StringSet},
	codec.Field{Name: "urls", Kind: codec.StringSet},
	codec.Field{Name: "street", Kind: codec.String},
	codec.Field{Name: "city", Kind: codec.String},
	codec.Field{Name: "stateOrRegion", Kind: codec.String},
	codec.Field{Name: "region", Kind: codec.String},
	codec.Field{Name: "zip", Kind: codec.String},
	codec.Field{Name: "contactNumber", Kind: codec.String},
	codec.Field{Name: "emailId", Kind: codec.String},
	codec.Field{Name: "establishmentDate", Kind: codec.String},
	codec.Field{Name: "profileImage", Kind: codec.String},
	codec.Field{Name: "latitude", Kind: codec.String},
	codec.Field{Name: "longitude", Kind: codec.String},
	codec.Field{Name: "direction", Kind: codec.String},
	codec.Field{Name: "initialAverageRating", Kind: codec.Decimal},
	codec.Field{Name: CounterFollowers, Kind: codec.Number},
	codec.Field{Name: CounterLikes, Kind: codec.Number},
	codec.Field{Name: CounterAttendees, Kind: codec.Number},
	codec.Field{Name: CounterReviews, Kind: codec.Number},
	codec.Field{Name: StarCounters[1], Kind: codec.Number},
	codec.Field{Name: StarCounters[2], Kind: codec.Number},
	codec.Field{Name: StarCounters[3], Kind: codec.Number},
	codec.Field{Name: StarCounters[4], Kind: codec.Number},
	codec.Field{Name: StarCounters[5], Kind: codec.Number},
)

type schoolMapper struct{}

func (schoolMapper) Schema() *codec.Schema { return schoolSchema }

func (schoolMapper) KeyParts(s School) []string { return []string{s.ID} }

func (schoolMapper) ToRecord(s School) codec.Record {
	r := codec.Record{
		"name":                 s.Name,
		"description":          s.Description,
		"mission":              s.Mission,
		"categories":           s.Categories,
		"urls":                 s.URLs,
		"street":               s.Street,
		"city":                 s.City,
		"stateOrRegion":        s.StateOrRegion,
		"region":               s.Region,
		"zip":                  s.Zip,
		"contactNumber":        s.ContactNumber,
		"emailId":              s.Email,
		"establishmentDate":    s.EstablishmentDate,
		"profileImage":         s.ProfileImage,
		"latitude":             s.Latitude,
		"longitude":            s.Longitude,
		"direction":            s.Direction,
		"initialAverageRating": s.InitialAverageRating,
		CounterFollowers:       s.Followers,
		CounterLikes:           s.Likes,
		CounterAttendees:       s.Attendees,
		CounterReviews:         s.Reviews,
	}
	for stars := 1; stars <= 5; stars++ {
		r[StarCounters[stars]] = s.Stars[stars]
	}
	return r
}

func (schoolMapper) FromRecord(r codec.Record) (School, error) {
	s := School{
		ID:                   r.String(attrSchoolID),
		Name:                 r.String("name"),
		Description:          r.String("description"),
		Mission:              r.String("mission"),
		Categories:           r.Strings("categories"),
		URLs:                 r.Strings("urls"),
		Street:               r.String("street"),
		City:                 r.String("city"),
		StateOrRegion:        r.String("stateOrRegion"),
		Region:               r.String("region"),
		Zip:                  r.String("zip"),
		ContactNumber:        r.String("contactNumber"),
		Email:                r.String("emailId"),
		EstablishmentDate:    r.String("establishmentDate"),
		ProfileImage:         r.String("profileImage"),
		Latitude:             r.String("latitude"),
		Longitude:            r.String("longitude"),
		Direction:            r.String("direction"),
		InitialAverageRating: r.Float("initialAverageRating"),
		Followers:            r.Int(CounterFollowers),
		Likes:                r.Int(CounterLikes),
		Attendees:            r.Int(CounterAttendees),
		Reviews:              r.Int(CounterReviews),
	}
	for stars := 1; stars <= 5; stars++ {
		s.Stars[stars] = r.Int(StarCounters[stars])
	}
	return s, nil
}

// NormalizeSchoolID upper-cases a school id the way it is stored.
func NormalizeSchoolID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func (c *Client) schoolKey(id string) (keys.Key, error) {
	return c.schools.Key(NormalizeSchoolID(id))
}

// schoolRef requires id to name a stored school.
func (c *Client) schoolRef(id string) (store.Reference, error) {
	key, err := c.schoolKey(id)
	if err != nil {
		return store.Reference{}, err
	}
	return c.schools.Ref(key, fmt.Errorf("%w: %s", ErrSchoolNotFound, id)), nil
}

// PutSchool creates or replaces a school profile. The id and name are
// upper-cased. The stored average rating is recomputed from the histogram.
func (c *Client) PutSchool(ctx context.Context, s School) error {
	s.ID = NormalizeSchoolID(s.ID)
	s.Name = strings.ToUpper(strings.TrimSpace(s.Name))
	if err := c.checkVar("putSchool", "ID", s.ID, "required,max=200"); err != nil {
		return err
	}
	return c.schools.Put(ctx, s, store.PutOptions{})
}

// GetSchool returns the school stored under id.
func (c *Client) GetSchool(ctx context.Context, id string) (School, bool, error) {
	key, err := c.schoolKey(id)
	if err != nil {
		return School{}, false, err
	}
	return c.schools.Get(ctx, key)
}

// IsValidSchool reports whether a school is stored under id.
func (c *Client) IsValidSchool(ctx context.Context, id string) (bool, error) {
	key, err := c.schoolKey(id)
	if err != nil {
		return false, err
	}
	return c.schools.Exists(ctx, key)
}

// AverageRating returns the mean star rating of a school, 0 when it has
// none. A missing school fails with ErrSchoolNotFound.
func (c *Client) AverageRating(ctx context.Context, id string) (float64, error) {
	s, found, err := c.GetSchool(ctx, id)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrSchoolNotFound, id)
	}
	return s.AverageRating(), nil
}

// AdjustSchoolCounter adds delta to one of the school counters.
func (c *Client) AdjustSchoolCounter(ctx context.Context, id, counter string, delta int64) error {
	key, err := c.schoolKey(id)
	if err != nil {
		return err
	}
	_, err = c.schools.Increment(ctx, key, counter, delta)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrSchoolNotFound, id)
	}
	return err
}
