// Package stream keeps the Edjab counters in step with the relation tables
// by processing their DynamoDB streams.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/edjab/dbclient/config"
	"github.com/edjab/dbclient/edjab"
	"github.com/edjab/dbclient/store"
)

// Counters adjusts the stored counters. *edjab.Client implements it.
type Counters interface {
	AdjustSchoolCounter(ctx context.Context, schoolID, counter string, delta int64) error
	AdjustUserCounter(ctx context.Context, userID, counter string, delta int64) error
}

var _ Counters = (*edjab.Client)(nil)

// Rule names the counters moved by changes to one table.
type Rule struct {
	SchoolCounter string
	UserCounter   string
	// Ratings also maintains the star histogram from ratedNumber.
	Ratings bool
}

// DefaultRules maps the relation tables of t to their counters.
func DefaultRules(t config.Tables) map[string]Rule {
	return map[string]Rule{
		t.Follows: {SchoolCounter: edjab.CounterFollowers, UserCounter: edjab.CounterFollows},
		t.Likes:   {SchoolCounter: edjab.CounterLikes, UserCounter: edjab.CounterLikes},
		t.Attends: {SchoolCounter: edjab.CounterAttendees, UserCounter: edjab.CounterAlmaMaters},
		t.Reviews: {SchoolCounter: edjab.CounterReviews, UserCounter: edjab.CounterReviews, Ratings: true},
	}
}

const (
	attrUser   = "userid"
	attrSchool = "schoolnameid"
	attrRating = "ratedNumber"
)

// CounterHandler processes stream events of the relation tables.
//
// The stream must carry old and new images. Counter updates are not atomic
// with the relation write, and a record that fails half way is applied
// again in full when retried.
type CounterHandler struct {
	counters Counters
	rules    map[string]Rule
	logger   *zap.Logger
}

// NewCounterHandler creates a handler. Records of tables without a rule are
// ignored.
func NewCounterHandler(counters Counters, rules map[string]Rule, logger *zap.Logger) *CounterHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CounterHandler{
		counters: counters,
		rules:    rules,
		logger:   logger,
	}
}

// Handle processes event in order and stops at the first record that fails
// with a retryable store error. That record is reported as the batch item
// failure, so it and every later record are delivered again. Permanent
// store errors are logged and the change is dropped.
// This function is designed to be used as an AWS Lambda handler.
func (h *CounterHandler) Handle(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	var resp events.DynamoDBEventResponse
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				zap.String("eventID", record.EventID),
				zap.String("key", describeKey(record.Change.Keys)),
				zap.Bool("retryable", store.IsRetryable(err)),
				zap.Error(err),
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.DynamoDBBatchItemFailure{
				ItemIdentifier: record.Change.SequenceNumber,
			})
			return resp, nil
		}
	}
	return resp, nil
}

// delta is one counter change.
type delta struct {
	school bool
	id     string
	field  string
	by     int64
}

// processRecord applies the counter changes of a single stream record.
func (h *CounterHandler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	table := TableFromARN(record.EventSourceArn)
	rule, ok := h.rules[table]
	if !ok {
		h.logger.Debug("no counter rule", zap.String("table", table))
		return nil
	}

	deltas, err := changes(rule, record)
	if err != nil {
		h.logger.Warn("skipping record",
			zap.String("table", table),
			zap.String("eventID", record.EventID),
			zap.Error(err),
		)
		return nil
	}

	for _, d := range deltas {
		var err error
		if d.school {
			err = h.counters.AdjustSchoolCounter(ctx, d.id, d.field, d.by)
		} else {
			err = h.counters.AdjustUserCounter(ctx, d.id, d.field, d.by)
		}
		switch {
		case err == nil:
		case errors.Is(err, edjab.ErrSchoolNotFound), errors.Is(err, edjab.ErrUserNotFound):
			// The profile is gone; nothing to count on.
			h.logger.Warn("counter target missing",
				zap.String("table", table),
				zap.String("id", d.id),
				zap.String("counter", d.field),
			)
		default:
			var verr *store.ValidationError
			if errors.As(err, &verr) {
				h.logger.Warn("invalid counter target", zap.String("table", table), zap.Error(err))
				continue
			}
			var perm *store.PermanentStoreError
			if errors.As(err, &perm) {
				// Redelivery cannot succeed and would block the shard.
				h.logger.Error("dropping counter change",
					zap.String("table", table),
					zap.String("eventID", record.EventID),
					zap.String("id", d.id),
					zap.String("counter", d.field),
					zap.Int64("delta", d.by),
					zap.Error(err),
				)
				continue
			}
			return fmt.Errorf("adjust %s of %s: %w", d.field, d.id, err)
		}
	}

	h.logger.Debug("counters updated",
		zap.String("table", table),
		zap.String("event", record.EventName),
		zap.Int("changes", len(deltas)),
	)
	return nil
}

// changes lists the counter changes of record under rule.
func changes(rule Rule, record events.DynamoDBEventRecord) ([]delta, error) {
	switch record.EventName {
	case string(events.DynamoDBOperationTypeInsert):
		return edgeChanges(rule, record.Change.NewImage, 1)
	case string(events.DynamoDBOperationTypeRemove):
		return edgeChanges(rule, record.Change.OldImage, -1)
	case string(events.DynamoDBOperationTypeModify):
		if !rule.Ratings {
			return nil, nil
		}
		return ratingChanges(record.Change.OldImage, record.Change.NewImage)
	}
	return nil, nil
}

func edgeChanges(rule Rule, image map[string]events.DynamoDBAttributeValue, by int64) ([]delta, error) {
	user, school := getStringAttr(image, attrUser), getStringAttr(image, attrSchool)
	if user == "" || school == "" {
		return nil, errors.New("image without user or school")
	}
	out := []delta{
		{school: true, id: school, field: rule.SchoolCounter, by: by},
		{id: user, field: rule.UserCounter, by: by},
	}
	if rule.Ratings {
		if stars := getNumberAttr(image, attrRating); stars >= 1 && stars <= 5 {
			out = append(out, delta{school: true, id: school, field: edjab.StarCounters[stars], by: by})
		}
	}
	return out, nil
}

// ratingChanges moves one unit between star buckets when a rating changed.
func ratingChanges(oldImage, newImage map[string]events.DynamoDBAttributeValue) ([]delta, error) {
	school := getStringAttr(newImage, attrSchool)
	if school == "" {
		return nil, errors.New("image without school")
	}
	from, to := getNumberAttr(oldImage, attrRating), getNumberAttr(newImage, attrRating)
	if from == to {
		return nil, nil
	}
	var out []delta
	if from >= 1 && from <= 5 {
		out = append(out, delta{school: true, id: school, field: edjab.StarCounters[from], by: -1})
	}
	if to >= 1 && to <= 5 {
		out = append(out, delta{school: true, id: school, field: edjab.StarCounters[to], by: 1})
	}
	return out, nil
}

// TableFromARN returns the table name of a stream ARN such as
// arn:aws:dynamodb:ap-south-1:123456789012:table/FollowEdjabProd/stream/2024-06-01T00:00:00.000.
func TableFromARN(arn string) string {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(rest, "/")
	return name
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
// The stored placeholder counts as empty.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return strings.TrimSpace(v.String())
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}

// describeKey renders a stream key for logs, attributes in name order.
func describeKey(key map[string]events.DynamoDBAttributeValue) string {
	names := make([]string, 0, len(key))
	for name := range key {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		v := key[name]
		switch v.DataType() {
		case events.DataTypeString:
			parts = append(parts, name+"="+v.String())
		case events.DataTypeNumber:
			parts = append(parts, name+"="+v.Number())
		}
	}
	return strings.Join(parts, " ")
}
