package config

import (
	"context"
	"fmt"
	"time"

	influxdb3 "github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

// MongoDatabase wraps the MongoDB client backing the entity store
type MongoDatabase struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// InfluxDatabase wraps InfluxDB v3 client backing the time-series index
type InfluxDatabase struct {
	Client   *influxdb3.Client
	Database string
}

// Backends bundles every external connection the service needs
type Backends struct {
	Mongo  *MongoDatabase
	Influx *InfluxDatabase
	AWS    *session.Session
}

// Connect opens all backends, closing whatever was opened if one fails.
// With DB_TYPE=memory only the AWS session is created.
func Connect(cfg *Config) (*Backends, error) {
	if cfg.DBType == "memory" {
		sess, err := NewAWSSession(cfg)
		if err != nil {
			return nil, err
		}
		return &Backends{AWS: sess}, nil
	}

	mongoDB, err := InitMongo(cfg)
	if err != nil {
		return nil, err
	}

	influxDB, err := InitInflux(cfg)
	if err != nil {
		mongoDB.Close()
		return nil, err
	}

	sess, err := NewAWSSession(cfg)
	if err != nil {
		mongoDB.Close()
		influxDB.Close()
		return nil, err
	}

	return &Backends{Mongo: mongoDB, Influx: influxDB, AWS: sess}, nil
}

// Close releases every backend
func (b *Backends) Close() {
	if b.Influx != nil {
		b.Influx.Close()
	}
	if b.Mongo != nil {
		b.Mongo.Close()
	}
}

// InitMongo connects and pings MongoDB
func InitMongo(cfg *Config) (*MongoDatabase, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(cfg.MongoURI).
		SetMaxPoolSize(50).
		SetMinPoolSize(5)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}

	logger.Infof("MongoDB connected: %s", cfg.MongoDatabase)

	return &MongoDatabase{
		Client:   client,
		Database: client.Database(cfg.MongoDatabase),
	}, nil
}

func (m *MongoDatabase) Close() error {
	if m.Client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.Client.Disconnect(ctx)
	}
	return nil
}

// InitInflux creates the InfluxDB v3 client
func InitInflux(cfg *Config) (*InfluxDatabase, error) {
	if cfg.InfluxURL == "" {
		return nil, fmt.Errorf("INFLUXDB_URL is required")
	}
	if cfg.InfluxDatabase == "" {
		return nil, fmt.Errorf("INFLUXDB_DATABASE is required")
	}

	clientConfig := influxdb3.ClientConfig{
		Host:     cfg.InfluxURL,
		Database: cfg.InfluxDatabase,
		WriteOptions: &influxdb3.WriteOptions{
			DefaultTags: map[string]string{
				"source": "solar_moon",
			},
		},
	}

	// InfluxDB v3 Core may run without auth
	if cfg.InfluxToken != "" {
		clientConfig.Token = cfg.InfluxToken
	}

	client, err := influxdb3.New(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("influx client creation failed: %w", err)
	}

	logger.Infof("InfluxDB client ready: %s (token %s)", cfg.InfluxDatabase, maskToken(cfg.InfluxToken))

	return &InfluxDatabase{
		Client:   client,
		Database: cfg.InfluxDatabase,
	}, nil
}

func (i *InfluxDatabase) Close() error {
	if i.Client != nil {
		return i.Client.Close()
	}
	return nil
}

// NewAWSSession builds the shared session for SES and DynamoDB
func NewAWSSession(cfg *Config) (*session.Session, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.AWSRegion)})
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return sess, nil
}

// Helper to mask token in logs
func maskToken(token string) string {
	if token == "" {
		return "(not set)"
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
