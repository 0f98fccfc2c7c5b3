// internal/repository/raw_repository.go
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// RawDataRepo is the Mongo-backed raw payload queue
type RawDataRepo struct {
	collection *mongo.Collection
}

// NewRawDataRepo creates a new raw data repository
func NewRawDataRepo(collection *mongo.Collection) *RawDataRepo {
	return &RawDataRepo{collection: collection}
}

func rawIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "processed", Value: 1}, {Key: "received", Value: 1}}},
		{Keys: bson.D{{Key: "received", Value: -1}}},
	}
}

// Enqueue saves a raw body for later processing
func (r *RawDataRepo) Enqueue(ctx context.Context, customerID, body string) (string, error) {
	raw := RawPayload{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Body:       body,
		Received:   time.Now(),
	}
	if _, err := r.collection.InsertOne(ctx, raw); err != nil {
		return "", err
	}
	return raw.ID, nil
}

// GetUnprocessed retrieves unprocessed payloads, oldest first, skipping
// ones that already failed
func (r *RawDataRepo) GetUnprocessed(ctx context.Context, limit int) ([]RawPayload, error) {
	filter := bson.M{
		"processed": false,
		"error":     bson.M{"$exists": false},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "received", Value: 1}}).
		SetLimit(int64(limit))

	return findAll[RawPayload](ctx, r.collection, filter, opts)
}

// MarkProcessed marks a raw payload as processed
func (r *RawDataRepo) MarkProcessed(ctx context.Context, id string) error {
	return r.set(ctx, id, bson.M{"processed": true})
}

// MarkError records why a payload failed
func (r *RawDataRepo) MarkError(ctx context.Context, id string, errorMsg string) error {
	return r.set(ctx, id, bson.M{"processed": false, "error": errorMsg})
}

func (r *RawDataRepo) set(ctx context.Context, id string, fields bson.M) error {
	if id == "" {
		return fmt.Errorf("raw payload id cannot be empty")
	}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields})
	return err
}

// CountUnprocessed returns count of pending payloads
func (r *RawDataRepo) CountUnprocessed(ctx context.Context) (int64, error) {
	return r.collection.CountDocuments(ctx, bson.M{"processed": false})
}

// Cleanup removes old processed payloads (data retention)
func (r *RawDataRepo) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	filter := bson.M{
		"processed": true,
		"received":  bson.M{"$lt": olderThan},
	}

	result, err := r.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}

	return result.DeletedCount, nil
}
