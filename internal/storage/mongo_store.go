package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/example/ride-realtime/internal/models"
)

// MongoStore keeps trips, chat and users as documents in the rides,
// messages and users collections.
type MongoStore struct {
	client   *mongo.Client
	rides    *mongo.Collection
	messages *mongo.Collection
	users    *mongo.Collection
}

// userDoc is the persisted user shape; the domain type hides the hash from JSON.
type userDoc struct {
	ID           string    `bson:"_id"`
	Name         string    `bson:"name"`
	Phone        string    `bson:"phone"`
	Role         string    `bson:"role"`
	PasswordHash string    `bson:"password_hash"`
	CreatedAt    time.Time `bson:"created_at"`
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	db := client.Database(database)
	return &MongoStore{
		client:   client,
		rides:    db.Collection("rides"),
		messages: db.Collection("messages"),
		users:    db.Collection("users"),
	}, nil
}

// EnsureIndexes creates the lookup indexes used by the core queries.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.rides.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "driver_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "rider_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return err
	}
	_, err = m.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "ride_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return err
	}
	_, err = m.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "phone", Value: 1}, {Key: "role", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (m *MongoStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	_, err := m.rides.InsertOne(ctx, t)
	return err
}

func (m *MongoStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	var t models.Trip
	err := m.rides.FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SwapTrip replaces the document only while its status still matches, which
// makes the replace a compare-and-swap on status.
func (m *MongoStore) SwapTrip(ctx context.Context, t *models.Trip, expected models.TripStatus) (bool, error) {
	res, err := m.rides.ReplaceOne(ctx, bson.M{"_id": t.ID, "status": expected}, t)
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 1 {
		return true, nil
	}
	n, err := m.rides.CountDocuments(ctx, bson.M{"_id": t.ID})
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

func (m *MongoStore) ActiveTripForDriver(ctx context.Context, driverID string) (*models.Trip, error) {
	filter := bson.M{
		"driver_id": driverID,
		"status":    bson.M{"$in": []models.TripStatus{models.TripAccepted, models.TripCollecting, models.TripInProgress}},
	}
	var t models.Trip
	err := m.rides.FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (m *MongoStore) ListTrips(ctx context.Context, f TripFilter) ([]*models.Trip, error) {
	filter := bson.M{}
	if f.RiderID != "" {
		filter["rider_id"] = f.RiderID
	}
	if f.DriverID != "" {
		filter["driver_id"] = f.DriverID
	}
	if len(f.Statuses) > 0 {
		filter["status"] = bson.M{"$in": statusStrings(f.Statuses)}
	}
	created := bson.M{}
	if !f.Since.IsZero() {
		created["$gte"] = f.Since
	}
	if !f.Until.IsZero() {
		created["$lt"] = f.Until
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := m.rides.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Trip, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoStore) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	_, err := m.messages.InsertOne(ctx, msg)
	return err
}

func (m *MongoStore) ListMessages(ctx context.Context, rideID string) ([]*models.ChatMessage, error) {
	cur, err := m.messages.Find(ctx, bson.M{"ride_id": rideID}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := make([]*models.ChatMessage, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := m.users.InsertOne(ctx, userDoc{
		ID: u.ID, Name: u.Name, Phone: u.Phone, Role: string(u.Role),
		PasswordHash: u.PasswordHash, CreatedAt: u.CreatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (m *MongoStore) UserByPhone(ctx context.Context, phone string, role models.Role) (*models.User, error) {
	return m.findUser(ctx, bson.M{"phone": phone, "role": string(role)})
}

func (m *MongoStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return m.findUser(ctx, bson.M{"_id": id})
}

func (m *MongoStore) findUser(ctx context.Context, filter bson.M) (*models.User, error) {
	var d userDoc
	err := m.users.FindOne(ctx, filter).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &models.User{
		ID: d.ID, Name: d.Name, Phone: d.Phone, Role: models.Role(d.Role),
		PasswordHash: d.PasswordHash, CreatedAt: d.CreatedAt,
	}, nil
}

func (m *MongoStore) Ping(ctx context.Context) error { return m.client.Ping(ctx, readpref.Primary()) }

func (m *MongoStore) Close() error { return m.client.Disconnect(context.Background()) }
