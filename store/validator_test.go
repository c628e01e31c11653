package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edjab/dbclient/internal/ddbtest"
	"github.com/edjab/dbclient/store"
)

var (
	errNoSchool = errors.New("school not found")
	errNoUser   = errors.New("user not valid")
)

func TestValidateReferences_AllPresent(t *testing.T) {
	ctx := context.Background()
	db := newDB()
	images := newImages(t, db)
	require.NoError(t, images.Put(ctx, image{ID: "img-1", SchoolID: "IIT", Uploader: "alice"}, store.PutOptions{}))
	key, _ := images.Key("img-1")

	err := store.ValidateReferences(ctx,
		images.Ref(key, errNoSchool),
		images.RefWhere(key, func(i image) bool { return i.Uploader == "alice" }, errNoUser),
	)
	assert.NoError(t, err)
}

func TestValidateReferences_ShortCircuits(t *testing.T) {
	ctx := context.Background()
	db := newDB()
	images := newImages(t, db)
	missing, _ := images.Key("img-404")

	secondChecked := false
	err := store.ValidateReferences(ctx,
		images.Ref(missing, errNoSchool),
		store.Check("second", func(context.Context) (bool, error) {
			secondChecked = true
			return true, nil
		}, errNoUser),
	)
	assert.ErrorIs(t, err, errNoSchool)
	assert.False(t, secondChecked, "checks after the first failure are skipped")
	assert.Equal(t, 1, db.Calls(ddbtest.OpGetItem))
}

func TestValidateReferences_PredicateFails(t *testing.T) {
	ctx := context.Background()
	images := newImages(t, newDB())
	require.NoError(t, images.Put(ctx, image{ID: "img-1", SchoolID: "IIT", Uploader: "alice"}, store.PutOptions{}))
	key, _ := images.Key("img-1")

	err := store.ValidateReferences(ctx,
		images.RefWhere(key, func(i image) bool { return i.Uploader == "bob" }, errNoUser),
	)
	assert.ErrorIs(t, err, errNoUser)
}

func TestValidateReferences_DefaultError(t *testing.T) {
	images := newImages(t, newDB())
	missing, _ := images.Key("img-404")

	err := store.ValidateReferences(context.Background(), images.Ref(missing, nil))
	assert.ErrorIs(t, err, store.ErrReferenceNotFound)
}

func TestValidateReferences_StoreErrorIsNotMissing(t *testing.T) {
	db := newDB()
	images := newImages(t, db)
	key, _ := images.Key("img-1")
	db.Fail(ddbtest.OpGetItem, &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")})

	err := store.ValidateReferences(context.Background(), images.Ref(key, errNoSchool))
	require.Error(t, err)
	assert.NotErrorIs(t, err, errNoSchool, "could-not-determine must differ from does-not-exist")
	assert.True(t, store.IsRetryable(err))
}

func TestValidateReferences_None(t *testing.T) {
	assert.NoError(t, store.ValidateReferences(context.Background()))
}
