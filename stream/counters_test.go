package stream_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/edjab/dbclient/config"
	"github.com/edjab/dbclient/edjab"
	"github.com/edjab/dbclient/internal/ddbtest"
	"github.com/edjab/dbclient/store"
	"github.com/edjab/dbclient/stream"
)

// --- Test Helpers ---

type call struct {
	school  bool
	id      string
	counter string
	delta   int64
}

// recorder is a Counters that records calls and fails on chosen ids.
type recorder struct {
	calls []call
	fail  map[string]error
}

func (r *recorder) AdjustSchoolCounter(_ context.Context, id, counter string, delta int64) error {
	r.calls = append(r.calls, call{school: true, id: id, counter: counter, delta: delta})
	return r.fail[id]
}

func (r *recorder) AdjustUserCounter(_ context.Context, id, counter string, delta int64) error {
	r.calls = append(r.calls, call{id: id, counter: counter, delta: delta})
	return r.fail[id]
}

var tables = config.Default().Tables

func arn(table string) string {
	return "arn:aws:dynamodb:ap-south-1:123456789012:table/" + table + "/stream/2024-06-01T00:00:00.000"
}

func edgeImage(user, school string) map[string]events.DynamoDBAttributeValue {
	return map[string]events.DynamoDBAttributeValue{
		"country":             events.NewStringAttribute("INDIA"),
		"userid_schoolnameid": events.NewStringAttribute(user + "_" + school),
		"userid":              events.NewStringAttribute(user),
		"schoolnameid":        events.NewStringAttribute(school),
	}
}

func reviewImage(user, school string, stars int) map[string]events.DynamoDBAttributeValue {
	image := edgeImage(user, school)
	image["ratedNumber"] = events.NewNumberAttribute(fmt.Sprint(stars))
	return image
}

func record(seq, name, table string, oldImage, newImage map[string]events.DynamoDBAttributeValue) events.DynamoDBEventRecord {
	return events.DynamoDBEventRecord{
		EventID:        "event-" + seq,
		EventName:      name,
		EventSourceArn: arn(table),
		Change: events.DynamoDBStreamRecord{
			SequenceNumber: seq,
			OldImage:       oldImage,
			NewImage:       newImage,
		},
	}
}

func newHandler(r *recorder) (*stream.CounterHandler, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return stream.NewCounterHandler(r, stream.DefaultRules(tables), zap.New(core)), logs
}

func equalCalls(t *testing.T, got, want []call) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d calls, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

// --- TableFromARN Tests ---

func TestTableFromARN(t *testing.T) {
	tests := []struct {
		arn  string
		want string
	}{
		{arn("FollowEdjabProd"), "FollowEdjabProd"},
		{"arn:aws:dynamodb:us-east-1:1:table/Likes", "Likes"},
		{"arn:aws:sqs:us-east-1:1:queue", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := stream.TableFromARN(tt.arn); got != tt.want {
			t.Errorf("TableFromARN(%q) = %q, want %q", tt.arn, got, tt.want)
		}
	}
}

// --- CounterHandler Tests ---

func TestNewCounterHandler_NilLogger(t *testing.T) {
	h := stream.NewCounterHandler(&recorder{}, nil, nil)
	if h == nil {
		t.Fatal("expected non-nil CounterHandler")
	}
}

func TestHandle_EmptyEvent(t *testing.T) {
	r := &recorder{}
	h, _ := newHandler(r)

	resp, err := h.Handle(context.Background(), events.DynamoDBEvent{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected no failures, got %+v", resp.BatchItemFailures)
	}
	equalCalls(t, r.calls, nil)
}

func TestHandle_InsertAndRemove(t *testing.T) {
	r := &recorder{}
	h, _ := newHandler(r)
	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("1", "INSERT", tables.Follows, nil, edgeImage("u1", "IIT")),
		record("2", "INSERT", tables.Attends, nil, edgeImage("u1", "NIT")),
		record("3", "REMOVE", tables.Likes, edgeImage("u2", "IIT"), nil),
	}}

	resp, err := h.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected no failures, got %+v", resp.BatchItemFailures)
	}
	equalCalls(t, r.calls, []call{
		{school: true, id: "IIT", counter: edjab.CounterFollowers, delta: 1},
		{id: "u1", counter: edjab.CounterFollows, delta: 1},
		{school: true, id: "NIT", counter: edjab.CounterAttendees, delta: 1},
		{id: "u1", counter: edjab.CounterAlmaMaters, delta: 1},
		{school: true, id: "IIT", counter: edjab.CounterLikes, delta: -1},
		{id: "u2", counter: edjab.CounterLikes, delta: -1},
	})
}

func TestHandle_Reviews(t *testing.T) {
	r := &recorder{}
	h, _ := newHandler(r)
	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("1", "INSERT", tables.Reviews, nil, reviewImage("u1", "IIT", 5)),
		record("2", "MODIFY", tables.Reviews, reviewImage("u1", "IIT", 5), reviewImage("u1", "IIT", 3)),
		// Body edits keep the rating.
		record("3", "MODIFY", tables.Reviews, reviewImage("u1", "IIT", 3), reviewImage("u1", "IIT", 3)),
		record("4", "REMOVE", tables.Reviews, reviewImage("u1", "IIT", 3), nil),
	}}

	if _, err := h.Handle(context.Background(), event); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	equalCalls(t, r.calls, []call{
		{school: true, id: "IIT", counter: edjab.CounterReviews, delta: 1},
		{id: "u1", counter: edjab.CounterReviews, delta: 1},
		{school: true, id: "IIT", counter: "fiveStarRatings", delta: 1},
		{school: true, id: "IIT", counter: "fiveStarRatings", delta: -1},
		{school: true, id: "IIT", counter: "threeStarRatings", delta: 1},
		{school: true, id: "IIT", counter: edjab.CounterReviews, delta: -1},
		{id: "u1", counter: edjab.CounterReviews, delta: -1},
		{school: true, id: "IIT", counter: "threeStarRatings", delta: -1},
	})
}

func TestHandle_SkipsUnknownTablesAndBadImages(t *testing.T) {
	r := &recorder{}
	h, logs := newHandler(r)
	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("1", "INSERT", tables.Images, nil, edgeImage("u1", "IIT")),
		record("2", "INSERT", tables.Follows, nil, map[string]events.DynamoDBAttributeValue{
			"userid": events.NewStringAttribute("u1"),
		}),
		record("3", "MODIFY", tables.Follows, edgeImage("u1", "IIT"), edgeImage("u1", "IIT")),
	}}

	resp, err := h.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected no failures, got %+v", resp.BatchItemFailures)
	}
	equalCalls(t, r.calls, nil)
	if n := logs.FilterMessage("skipping record").Len(); n != 1 {
		t.Errorf("expected 1 skipped record, got %d", n)
	}
}

func TestHandle_MissingTargetIsSkipped(t *testing.T) {
	r := &recorder{fail: map[string]error{"GONE": fmt.Errorf("%w: GONE", edjab.ErrSchoolNotFound)}}
	h, logs := newHandler(r)
	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("1", "INSERT", tables.Follows, nil, edgeImage("u1", "GONE")),
	}}

	resp, err := h.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected no failures, got %+v", resp.BatchItemFailures)
	}
	if len(r.calls) != 2 {
		t.Errorf("expected the user counter to still move, got %+v", r.calls)
	}
	if n := logs.FilterMessage("counter target missing").Len(); n != 1 {
		t.Errorf("expected 1 warning, got %d", n)
	}
}

func TestHandle_StoreFailureStopsBatch(t *testing.T) {
	throttled := &store.RetryableStoreError{Op: "increment", Table: tables.Users, Err: fmt.Errorf("throttled")}
	r := &recorder{fail: map[string]error{"u2": throttled}}
	h, logs := newHandler(r)
	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("100", "INSERT", tables.Follows, nil, edgeImage("u1", "IIT")),
		record("200", "INSERT", tables.Follows, nil, edgeImage("u2", "IIT")),
		record("300", "INSERT", tables.Follows, nil, edgeImage("u3", "IIT")),
	}}

	resp, err := h.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("expected failures in the response, got error %v", err)
	}
	if len(resp.BatchItemFailures) != 1 || resp.BatchItemFailures[0].ItemIdentifier != "200" {
		t.Fatalf("expected failure at sequence 200, got %+v", resp.BatchItemFailures)
	}
	if len(r.calls) != 4 {
		t.Errorf("expected processing to stop after the failed record, got %d calls", len(r.calls))
	}
	entries := logs.FilterMessage("failed to process record").All()
	if len(entries) != 1 || entries[0].ContextMap()["retryable"] != true {
		t.Errorf("expected one retryable error entry, got %+v", entries)
	}
}

func TestHandle_PermanentFailureIsDropped(t *testing.T) {
	missingTable := &store.PermanentStoreError{Op: "increment", Table: "Nope", Err: fmt.Errorf("table not found")}
	r := &recorder{fail: map[string]error{"IIT": missingTable}}
	h, logs := newHandler(r)
	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("100", "INSERT", tables.Follows, nil, edgeImage("u1", "IIT")),
		record("200", "INSERT", tables.Follows, nil, edgeImage("u2", "NIT")),
	}}

	resp, err := h.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected no failures, got %+v", resp.BatchItemFailures)
	}
	if len(r.calls) != 4 {
		t.Errorf("expected every change to be attempted, got %d calls", len(r.calls))
	}
	entries := logs.FilterMessage("dropping counter change").All()
	if len(entries) != 1 || entries[0].ContextMap()["counter"] != edjab.CounterFollowers {
		t.Errorf("expected one dropped followers change, got %+v", entries)
	}
}

func TestHandle_WithClient(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Tokens.Secret = "test-secret-0123456789"
	db := ddbtest.New(
		ddbtest.Table{Name: cfg.Tables.Users, PartitionAttr: "userId"},
		ddbtest.Table{Name: cfg.Tables.Schools, PartitionAttr: "country", SortAttr: "schoolnameid"},
		ddbtest.Table{Name: cfg.Tables.Follows, PartitionAttr: "country", SortAttr: "userid_schoolnameid"},
	)
	client, err := edjab.New(db, cfg, edjab.WithStoreOptions(store.WithRetryPolicy(store.NoRetry())))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.CreateUser(ctx, edjab.CreateUserInput{ID: "u1", Provider: edjab.Google}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := client.PutSchool(ctx, edjab.School{ID: "IIT", Name: "iit"}); err != nil {
		t.Fatalf("put school: %v", err)
	}

	h := stream.NewCounterHandler(client, stream.DefaultRules(cfg.Tables), nil)
	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("1", "INSERT", cfg.Tables.Follows, nil, edgeImage("u1", "IIT")),
		record("2", "INSERT", cfg.Tables.Follows, nil, edgeImage("u1", "IIT")),
		record("3", "REMOVE", cfg.Tables.Follows, edgeImage("u1", "IIT"), nil),
	}}
	resp, err := h.Handle(ctx, event)
	if err != nil || len(resp.BatchItemFailures) != 0 {
		t.Fatalf("expected success, got %+v, %v", resp, err)
	}

	school, _, err := client.GetSchool(ctx, "IIT")
	if err != nil {
		t.Fatalf("get school: %v", err)
	}
	if school.Followers != 1 {
		t.Errorf("expected 1 follower, got %d", school.Followers)
	}
	user, _, err := client.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.Follows != 1 {
		t.Errorf("expected 1 follow, got %d", user.Follows)
	}
}
