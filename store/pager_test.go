package store_test

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edjab/dbclient/codec"
	"github.com/edjab/dbclient/internal/ddbtest"
	"github.com/edjab/dbclient/store"
)

func seedFollows(t *testing.T, follows *store.Table[follow], pairs ...[2]string) {
	t.Helper()
	for i, p := range pairs {
		err := follows.Put(context.Background(), follow{UserID: p[0], SchoolID: p[1], FollowedOn: at(i)}, store.PutOptions{})
		require.NoError(t, err)
	}
}

func schools(fs []follow) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.SchoolID
	}
	return out
}

func TestQueryByPrefix(t *testing.T) {
	ctx := context.Background()
	follows := newFollows(t, newDB())
	seedFollows(t, follows,
		[2]string{"u1", "S1"},
		[2]string{"u1", "S2"},
		[2]string{"u10", "S3"},
		[2]string{"u2", "S1"},
	)

	prefix, err := follows.Keys().Prefix("u1")
	require.NoError(t, err)
	got, err := follows.QueryByPrefix(prefix, store.QueryOptions{}).All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S2"}, schools(got))
}

func TestQueryByPrefix_Empty(t *testing.T) {
	follows := newFollows(t, newDB())

	pager := follows.QueryByPrefix("nobody_", store.QueryOptions{})
	got, err := pager.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.False(t, pager.HasMorePages())
	assert.Empty(t, pager.Token())
}

func TestQueryByPrefix_Descending(t *testing.T) {
	follows := newFollows(t, newDB())
	seedFollows(t, follows, [2]string{"u1", "A"}, [2]string{"u1", "B"}, [2]string{"u1", "C"})

	got, err := follows.QueryByPrefix("u1_", store.QueryOptions{Descending: true}).All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, schools(got))
}

func TestQueryByKeyPrefix(t *testing.T) {
	ctx := context.Background()
	db := newDB()
	follows := newFollows(t, db)
	seedFollows(t, follows, [2]string{"u1", "S1"}, [2]string{"u10", "S2"})

	got, err := follows.QueryByKeyPrefix(store.QueryOptions{}, "u1").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1"}, schools(got))

	calls := db.TotalCalls()
	_, err = follows.QueryByKeyPrefix(store.QueryOptions{}, " ").All(ctx)
	var verr *store.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, calls, db.TotalCalls())
}

func TestQueryByKeyPrefix_LeadingPartWithSeparator(t *testing.T) {
	ctx := context.Background()
	follows := newFollows(t, newDB())
	seedFollows(t, follows, [2]string{"a", "S1"}, [2]string{"a_b", "S2"})

	got, err := follows.QueryByKeyPrefix(store.QueryOptions{}, "a").All(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2, "a_b shares the prefix of a")

	got, err = follows.QueryByKeyPrefix(store.QueryOptions{Match: codec.Record{"userid": "a"}}, "a").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []follow{{UserID: "a", SchoolID: "S1", FollowedOn: at(0)}}, got)
}

func TestQuery_MatchValidation(t *testing.T) {
	ctx := context.Background()
	db := newDB()
	follows := newFollows(t, db)

	var ve *store.ValidationError
	_, err := follows.QueryByPrefix("u1_", store.QueryOptions{Match: codec.Record{"unknown": "x"}}).All(ctx)
	assert.ErrorAs(t, err, &ve)
	_, err = follows.QueryContains("_IIT", store.QueryOptions{Match: codec.Record{"followedOn": 42}}).All(ctx)
	assert.ErrorAs(t, err, &ve)
	assert.Zero(t, db.TotalCalls())
}

func TestQueryByPrefix_PagesAndResume(t *testing.T) {
	ctx := context.Background()
	db := newDB()
	follows := newFollows(t, db)
	seedFollows(t, follows,
		[2]string{"u1", "A"}, [2]string{"u1", "B"}, [2]string{"u1", "C"},
		[2]string{"u1", "D"}, [2]string{"u1", "E"},
	)

	pager := follows.QueryByPrefix("u1_", store.QueryOptions{Limit: 2})
	first, err := pager.NextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, schools(first))
	require.True(t, pager.HasMorePages())
	token := pager.Token()
	require.NotEmpty(t, token)

	// A fresh pager resumes where the first one stopped.
	resumed := follows.QueryByPrefix("u1_", store.QueryOptions{Limit: 2, PageToken: token})
	rest, err := resumed.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "D", "E"}, schools(rest))
}

func TestQueryByPrefix_InvalidToken(t *testing.T) {
	follows := newFollows(t, newDB())

	pager := follows.QueryByPrefix("u1_", store.QueryOptions{PageToken: "not a token"})
	require.True(t, pager.HasMorePages())
	_, err := pager.NextPage(context.Background())
	var ve *store.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.False(t, pager.HasMorePages())
}

func TestQueryByPrefix_Sharded(t *testing.T) {
	ctx := context.Background()
	db := newDB()
	cfg := followConfig()
	cfg.NumShards = 4
	follows, err := store.New[follow](db, cfg, followMapper{}, store.WithRetryPolicy(store.NoRetry()))
	require.NoError(t, err)

	var want []string
	for i := 0; i < 20; i++ {
		school := fmt.Sprintf("S%02d", i)
		want = append(want, school)
		require.NoError(t, follows.Put(ctx, follow{UserID: "u1", SchoolID: school, FollowedOn: at(i)}, store.PutOptions{}))
	}
	require.NoError(t, follows.Put(ctx, follow{UserID: "u2", SchoolID: "S00", FollowedOn: at(0)}, store.PutOptions{}))

	partitions := map[string]bool{}
	for _, item := range db.Items(followTable) {
		partitions[item["country"].(*types.AttributeValueMemberS).Value] = true
	}
	assert.Greater(t, len(partitions), 1, "records spread over shards")

	got, err := follows.QueryByPrefix("u1_", store.QueryOptions{Limit: 3}).All(ctx)
	require.NoError(t, err)
	gotSchools := schools(got)
	sort.Strings(gotSchools)
	assert.Equal(t, want, gotSchools)
	assert.GreaterOrEqual(t, db.Calls(ddbtest.OpQuery), 4, "every shard is visited")

	key, err := follows.Key("u1", "S07")
	require.NoError(t, err)
	_, found, err := follows.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestQueryContains(t *testing.T) {
	follows := newFollows(t, newDB())
	seedFollows(t, follows, [2]string{"u1", "IIT"}, [2]string{"u2", "IIT"}, [2]string{"u3", "NIT"})

	got, err := follows.QueryContains("_IIT", store.QueryOptions{}).All(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
	for _, f := range got {
		assert.Equal(t, "IIT", f.SchoolID)
	}

	got, err = follows.QueryContains("_IIT", store.QueryOptions{Match: codec.Record{"userid": "u2"}}).All(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u2", got[0].UserID)

	_, err = follows.QueryContains("", store.QueryOptions{}).All(context.Background())
	var ve *store.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestQueryByIndex_MostHelpfulFirst(t *testing.T) {
	ctx := context.Background()
	images := newImages(t, newDB())
	for i, votes := range []int64{5, 12, 0, 7} {
		img := image{ID: fmt.Sprintf("img-%d", i), SchoolID: "IIT", Uploader: "alice", Votes: votes}
		require.NoError(t, images.Put(ctx, img, store.PutOptions{}))
	}
	require.NoError(t, images.Put(ctx, image{ID: "other", SchoolID: "NIT", Uploader: "bob", Votes: 100}, store.PutOptions{}))

	got, err := images.QueryByIndex(imageIndex, "IIT", store.QueryOptions{Descending: true}).All(ctx)
	require.NoError(t, err)
	votes := make([]int64, len(got))
	for i, img := range got {
		votes[i] = img.Votes
	}
	assert.Equal(t, []int64{12, 7, 5, 0}, votes)

	pager := images.QueryByIndex(imageIndex, "IIT", store.QueryOptions{Descending: true, Limit: 3})
	page, err := pager.NextPage(ctx)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	rest, err := images.QueryByIndex(imageIndex, "IIT", store.QueryOptions{Descending: true, Limit: 3, PageToken: pager.Token()}).All(ctx)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(0), rest[0].Votes)
}

func TestQueryByIndex_Unknown(t *testing.T) {
	images := newImages(t, newDB())

	_, err := images.QueryByIndex("nope", "IIT", store.QueryOptions{}).All(context.Background())
	var ve *store.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestQuery_ErrorStopsPager(t *testing.T) {
	db := newDB()
	follows := newFollows(t, db)
	seedFollows(t, follows, [2]string{"u1", "A"})
	db.Fail(ddbtest.OpQuery, fmt.Errorf("connection reset"))

	pager := follows.QueryByPrefix("u1_", store.QueryOptions{})
	_, err := pager.NextPage(context.Background())
	assert.True(t, store.IsRetryable(err))
	assert.False(t, pager.HasMorePages())
}
