package repository

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
)

// MongoAlarms stores alarms. A partial unique index on (customerId, deviceId)
// over ACTIVE documents backs the single-open-alarm invariant.
type MongoAlarms struct {
	col *mongo.Collection
}

func alarmIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "customerId", Value: 1}, {Key: "deviceId", Value: 1}},
			Options: options.Index().
				SetName("one_active_per_device").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"state": domain.Active}),
		},
		{Keys: bson.D{{Key: "customerId", Value: 1}, {Key: "state", Value: 1}}},
		{Keys: bson.D{{Key: "emailed", Value: 1}}},
		{Keys: bson.D{{Key: "resolveEmailed", Value: 1}}},
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "startDate", Value: 1}}},
	}
}

func (r *MongoAlarms) FindOrCreateActive(ctx context.Context, seed domain.Alarm) (*domain.Alarm, bool, error) {
	filter := bson.M{"customerId": seed.CustomerID, "deviceId": seed.DeviceID, "state": domain.Active}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":            seed.AlarmID,
		"siteId":         seed.SiteID,
		"startDate":      seed.StartDate,
		"lastUpdate":     seed.LastUpdate,
		"endDate":        seed.EndDate,
		"message":        seed.Message,
		"emailed":        seed.Emailed,
		"resolveEmailed": seed.ResolveEmailed,
	}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var stored domain.Alarm
	err := r.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&stored)
	if mongo.IsDuplicateKeyError(err) {
		// a concurrent upsert won; read its row
		existing, findErr := r.FindActive(ctx, seed.CustomerID, seed.DeviceID)
		return existing, false, findErr
	}
	if err != nil {
		return nil, false, err
	}
	return &stored, stored.AlarmID == seed.AlarmID, nil
}

func (r *MongoAlarms) FindActive(ctx context.Context, customerID, deviceID string) (*domain.Alarm, error) {
	return findOne[domain.Alarm](ctx, r.col, bson.M{"customerId": customerID, "deviceId": deviceID, "state": domain.Active})
}

func (r *MongoAlarms) Touch(ctx context.Context, alarmID string, at int64, message string) error {
	update := mongo.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "lastUpdate", Value: at},
		{Key: "message", Value: bson.M{"$cond": bson.A{
			bson.M{"$eq": bson.A{"$message", ""}},
			bson.M{"$literal": message},
			"$message",
		}}},
	}}}}
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": alarmID, "state": domain.Active}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *MongoAlarms) Promote(ctx context.Context, alarmID string, at int64) (bool, error) {
	res, err := r.col.UpdateOne(ctx,
		bson.M{"_id": alarmID, "state": domain.Active, "emailed": domain.DontEmail},
		bson.M{"$set": bson.M{"emailed": domain.NeedsEmail, "lastUpdate": at}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (r *MongoAlarms) Resolve(ctx context.Context, alarmID string, at int64) (*domain.Alarm, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var stored domain.Alarm
	err := r.col.FindOneAndUpdate(ctx,
		bson.M{"_id": alarmID, "state": domain.Active},
		bson.M{"$set": bson.M{"state": domain.Resolved, "endDate": at, "lastUpdate": at}},
		opts).Decode(&stored)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *MongoAlarms) SwapMarker(ctx context.Context, alarmID string, marker Marker, from, to int64) (bool, error) {
	field := string(marker)
	res, err := r.col.UpdateOne(ctx,
		bson.M{"_id": alarmID, field: from},
		bson.M{"$set": bson.M{field: to}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (r *MongoAlarms) QueueResolveNotice(ctx context.Context, alarmID string) (bool, error) {
	res, err := r.col.UpdateOne(ctx,
		bson.M{
			"_id":            alarmID,
			"resolveEmailed": domain.DontEmail,
			"emailed":        bson.M{"$gt": domain.ResolvedNotEmailed},
		},
		bson.M{"$set": bson.M{"resolveEmailed": domain.NeedsEmail}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (r *MongoAlarms) ListActive(ctx context.Context, customerID string) ([]domain.Alarm, error) {
	return findAll[domain.Alarm](ctx, r.col,
		bson.M{"customerId": customerID, "state": domain.Active},
		options.Find().SetSort(bson.D{{Key: "startDate", Value: -1}}))
}

func (r *MongoAlarms) FindByEmailed(ctx context.Context, marker int64) ([]domain.Alarm, error) {
	return findAll[domain.Alarm](ctx, r.col, bson.M{"emailed": marker})
}

func (r *MongoAlarms) FindByResolveEmailed(ctx context.Context, marker int64) ([]domain.Alarm, error) {
	return findAll[domain.Alarm](ctx, r.col, bson.M{"resolveEmailed": marker})
}

func (r *MongoAlarms) FindByStateBefore(ctx context.Context, state int, before time.Time) ([]domain.Alarm, error) {
	return findAll[domain.Alarm](ctx, r.col, bson.M{
		"state":     state,
		"startDate": bson.M{"$lt": before.UnixMilli()},
	})
}

func (r *MongoAlarms) Delete(ctx context.Context, alarmID string) error {
	res, err := r.col.DeleteOne(ctx, bson.M{"_id": alarmID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *MongoAlarms) DeleteByDevice(ctx context.Context, customerID, deviceID string) (int64, error) {
	res, err := r.col.DeleteMany(ctx, bson.M{"customerId": customerID, "deviceId": deviceID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

var _ AlarmRepository = (*MongoAlarms)(nil)
