// internal/repository/mongo_repository.go

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/config"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
)

const (
	devicesCollection       = "devices"
	customersCollection     = "customers"
	alarmsCollection        = "alarms"
	linkedDevicesCollection = "linkedDevices"
	mappingsCollection      = "attributeMappings"
	statusCollection        = "status"
	rawCollection           = "raw_payloads"

	indexStatusID = "timeSeriesIndex"
)

// MongoStore implements Store on MongoDB.
type MongoStore struct {
	db *config.MongoDatabase

	devices   *mongoDevices
	customers *mongoCustomers
	alarms    *MongoAlarms
	linked    *mongoLinked
	mappings  *mongoMappings
	health    *mongoHealth
	raw       *RawDataRepo
}

// NewMongoStore wires the collections and creates their indexes.
func NewMongoStore(ctx context.Context, db *config.MongoDatabase) (*MongoStore, error) {
	s := &MongoStore{
		db:        db,
		devices:   &mongoDevices{col: db.Database.Collection(devicesCollection)},
		customers: &mongoCustomers{col: db.Database.Collection(customersCollection)},
		alarms:    &MongoAlarms{col: db.Database.Collection(alarmsCollection)},
		linked:    &mongoLinked{col: db.Database.Collection(linkedDevicesCollection)},
		mappings:  &mongoMappings{col: db.Database.Collection(mappingsCollection)},
		health:    &mongoHealth{col: db.Database.Collection(statusCollection)},
		raw:       NewRawDataRepo(db.Database.Collection(rawCollection)),
	}

	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) createIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	specs := map[*mongo.Collection][]mongo.IndexModel{
		s.devices.col: {
			{Keys: bson.D{{Key: "clientId", Value: 1}, {Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "clientId", Value: 1}, {Key: "siteId", Value: 1}}},
		},
		s.alarms.col: alarmIndexes(),
		s.linked.col: {
			{Keys: bson.D{{Key: "customerId", Value: 1}}},
		},
		s.mappings.col: {
			{Keys: bson.D{{Key: "customerId", Value: 1}, {Key: "mappingName", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		s.raw.collection: rawIndexes(),
	}

	for col, models := range specs {
		if _, err := col.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%s: %w", col.Name(), err)
		}
	}
	return nil
}

func (s *MongoStore) Devices() DeviceRepository             { return s.devices }
func (s *MongoStore) Customers() CustomerRepository         { return s.customers }
func (s *MongoStore) Alarms() AlarmRepository               { return s.alarms }
func (s *MongoStore) LinkedDevices() LinkedDeviceRepository { return s.linked }
func (s *MongoStore) Mappings() MappingRepository           { return s.mappings }
func (s *MongoStore) Health() HealthStatus                  { return s.health }
func (s *MongoStore) Raw() RawQueue                         { return s.raw }

func findOne[T any](ctx context.Context, col *mongo.Collection, filter bson.M) (*T, error) {
	var out T
	err := col.FindOne(ctx, filter).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func findAll[T any](ctx context.Context, col *mongo.Collection, filter bson.M, opts ...*options.FindOptions) ([]T, error) {
	cursor, err := col.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []T
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Devices

type mongoDevices struct {
	col *mongo.Collection
}

func (r *mongoDevices) Get(ctx context.Context, id string) (*domain.Device, error) {
	return findOne[domain.Device](ctx, r.col, bson.M{"_id": id})
}

func (r *mongoDevices) FindByName(ctx context.Context, customerID, name string) (*domain.Device, error) {
	return findOne[domain.Device](ctx, r.col, bson.M{"clientId": customerID, "name": name})
}

func (r *mongoDevices) CreateIfAbsent(ctx context.Context, device domain.Device) (*domain.Device, error) {
	filter := bson.M{"clientId": device.ClientID, "name": device.Name}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var stored domain.Device
	err := r.col.FindOneAndUpdate(ctx, filter, bson.M{"$setOnInsert": deviceInsertFields(device)}, opts).Decode(&stored)
	if mongo.IsDuplicateKeyError(err) {
		// lost the insert race; the winner is now readable
		return r.FindByName(ctx, device.ClientID, device.Name)
	}
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func deviceInsertFields(d domain.Device) bson.M {
	return bson.M{
		"_id":                   d.ID,
		"deviceName":            d.DeviceName,
		"displayName":           d.DisplayName,
		"serialNumber":          d.SerialNumber,
		"site":                  d.Site,
		"siteId":                d.SiteID,
		"vendor":                d.Vendor,
		"latitude":              d.Latitude,
		"longitude":             d.Longitude,
		"virtual":               d.Virtual,
		"isSite":                d.IsSite,
		"disabled":              d.Disabled,
		"notificationsDisabled": d.NotificationsDisabled,
	}
}

func (r *mongoDevices) BackfillSerial(ctx context.Context, id, serial string) (bool, error) {
	filter := bson.M{
		"_id": id,
		"$or": []bson.M{
			{"serialNumber": bson.M{"$exists": false}},
			{"serialNumber": ""},
		},
	}
	res, err := r.col.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"serialNumber": serial}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (r *mongoDevices) RecordCheckIn(ctx context.Context, id string, at time.Time) error {
	_, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$max": bson.M{"lastCheckIn": at.UnixMilli()}})
	return err
}

func (r *mongoDevices) ListEnabled(ctx context.Context) ([]domain.Device, error) {
	return findAll[domain.Device](ctx, r.col, bson.M{"disabled": bson.M{"$ne": true}})
}

func (r *mongoDevices) ListBySite(ctx context.Context, customerID, siteID string) ([]domain.Device, error) {
	return findAll[domain.Device](ctx, r.col, bson.M{"clientId": customerID, "siteId": siteID})
}

func (r *mongoDevices) Delete(ctx context.Context, id string) error {
	_, err := r.col.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// Customers

type mongoCustomers struct {
	col *mongo.Collection
}

func (r *mongoCustomers) Get(ctx context.Context, customerID string) (*domain.Customer, error) {
	return findOne[domain.Customer](ctx, r.col, bson.M{"_id": customerID})
}

// Linked devices

type mongoLinked struct {
	col *mongo.Collection
}

func (r *mongoLinked) Upsert(ctx context.Context, device domain.LinkedDevice) error {
	_, err := r.col.ReplaceOne(ctx,
		bson.M{"_id": device.ID, "customerId": device.CustomerID},
		device,
		options.Replace().SetUpsert(true))
	return err
}

func (r *mongoLinked) Get(ctx context.Context, customerID, id string) (*domain.LinkedDevice, error) {
	return findOne[domain.LinkedDevice](ctx, r.col, bson.M{"_id": id, "customerId": customerID})
}

func (r *mongoLinked) Delete(ctx context.Context, customerID, id string) error {
	_, err := r.col.DeleteOne(ctx, bson.M{"_id": id, "customerId": customerID})
	return err
}

// Attribute mappings

type mongoMappings struct {
	col *mongo.Collection
}

func (r *mongoMappings) List(ctx context.Context, customerID string) ([]domain.AttributeMapping, error) {
	return findAll[domain.AttributeMapping](ctx, r.col, bson.M{"customerId": customerID})
}

func (r *mongoMappings) Put(ctx context.Context, m domain.AttributeMapping) error {
	_, err := r.col.ReplaceOne(ctx,
		bson.M{"customerId": m.CustomerID, "mappingName": m.MappingName},
		m,
		options.Replace().SetUpsert(true))
	return err
}

func (r *mongoMappings) Delete(ctx context.Context, customerID, mappingName string) error {
	_, err := r.col.DeleteOne(ctx, bson.M{"customerId": customerID, "mappingName": mappingName})
	return err
}

// Index health status, shared across runners

type mongoHealth struct {
	col *mongo.Collection
}

func (r *mongoHealth) RecordFailure(ctx context.Context, at time.Time) error {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"_id": indexStatusID},
		bson.M{"$max": bson.M{"lastFailure": at.UnixMilli()}},
		options.Update().SetUpsert(true))
	return err
}

func (r *mongoHealth) FailedWithin(ctx context.Context, window time.Duration) (bool, error) {
	var doc struct {
		LastFailure int64 `bson:"lastFailure"`
	}
	err := r.col.FindOne(ctx, bson.M{"_id": indexStatusID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Since(time.UnixMilli(doc.LastFailure)) < window, nil
}
