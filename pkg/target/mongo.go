package target

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/ethpandaops/dbbenchoor/pkg/workload"
)

// Collection names.
const (
	CollectionAccounts = "accounts"
	CollectionTellers  = "tellers"
	CollectionBranches = "branches"
	CollectionHistory  = "history"
)

const mongoConnectTimeout = 10 * time.Second

// Compile-time interface checks.
var (
	_ Target      = (*mongoTarget)(nil)
	_ workload.Tx = (*mongoTx)(nil)
)

type mongoTarget struct {
	log    logrus.FieldLogger
	uri    string
	name   string
	client *mongo.Client
	db     *mongo.Database
	txOpts *options.TransactionOptions
}

// NewMongo creates a target backed by a MongoDB replica set.
func NewMongo(log logrus.FieldLogger, uri, name string) Target {
	return &mongoTarget{
		log:  log.WithField("component", "mongo-target"),
		uri:  uri,
		name: name,
		txOpts: options.Transaction().
			SetReadPreference(readpref.Primary()).
			SetReadConcern(readconcern.Local()).
			SetWriteConcern(writeconcern.Majority()),
	}
}

func (m *mongoTarget) Start(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(m.uri))
	if err != nil {
		return fmt.Errorf("connecting to mongodb: %w", err)
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())

		return fmt.Errorf("pinging mongodb: %w", err)
	}

	m.client = client
	m.db = client.Database(m.name)

	m.log.WithField("database", m.name).Info("Connected to MongoDB")

	return nil
}

func (m *mongoTarget) Stop() error {
	if m.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()

	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnecting from mongodb: %w", err)
	}

	m.client = nil

	return nil
}

type replSetStatus struct {
	OK      float64 `bson:"ok"`
	Set     string  `bson:"set"`
	Members []struct {
		Name     string `bson:"name"`
		StateStr string `bson:"stateStr"`
	} `bson:"members"`
}

// Check requires a replica set with a primary, since transactions are not
// available on a standalone server.
func (m *mongoTarget) Check(ctx context.Context) error {
	var status replSetStatus

	err := m.client.Database("admin").
		RunCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}).
		Decode(&status)
	if err != nil {
		return fmt.Errorf("replica set not properly configured: %w", err)
	}

	if status.OK != 1 || status.Set == "" {
		return errors.New("replica set not properly configured")
	}

	for _, member := range status.Members {
		if member.StateStr == "PRIMARY" {
			m.log.WithFields(logrus.Fields{
				"set":     status.Set,
				"primary": member.Name,
			}).Debug("Replica set ready")

			return nil
		}
	}

	return fmt.Errorf("replica set %s has no primary", status.Set)
}

func (m *mongoTarget) Begin(ctx context.Context) (workload.Tx, error) {
	session, err := m.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}

	if err := session.StartTransaction(m.txOpts); err != nil {
		session.EndSession(ctx)

		return nil, fmt.Errorf("starting transaction: %w", err)
	}

	return &mongoTx{db: m.db, session: session}, nil
}

// Seed drops and recreates the benchmark collections, then inserts the
// branches, tellers and accounts for the given scale.
func (m *mongoTarget) Seed(ctx context.Context, scale, batchSize int) error {
	collections := []string{CollectionAccounts, CollectionTellers, CollectionBranches, CollectionHistory}
	for _, name := range collections {
		if err := m.db.Collection(name).Drop(ctx); err != nil {
			return fmt.Errorf("dropping %s: %w", name, err)
		}
	}

	indexes := []struct {
		collection string
		key        string
		unique     bool
	}{
		{CollectionAccounts, "aid", true},
		{CollectionTellers, "tid", true},
		{CollectionBranches, "bid", true},
		{CollectionHistory, "aid", false},
	}

	for _, idx := range indexes {
		model := mongo.IndexModel{
			Keys:    bson.D{{Key: idx.key, Value: 1}},
			Options: options.Index().SetUnique(idx.unique),
		}

		if _, err := m.db.Collection(idx.collection).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("creating %s index: %w", idx.collection, err)
		}
	}

	rows := []struct {
		collection string
		key        string
		balance    string
		count      int
	}{
		{CollectionBranches, "bid", "bbalance", workload.BranchesPerScale * scale},
		{CollectionTellers, "tid", "tbalance", workload.TellersPerScale * scale},
		{CollectionAccounts, "aid", "abalance", workload.AccountsPerScale * scale},
	}

	for _, r := range rows {
		if err := m.insertRows(ctx, r.collection, r.key, r.balance, r.count, batchSize); err != nil {
			return err
		}

		m.log.WithFields(logrus.Fields{
			"collection": r.collection,
			"rows":       r.count,
		}).Info("Seeded collection")
	}

	return nil
}

func (m *mongoTarget) insertRows(
	ctx context.Context,
	collection, key, balance string,
	count, batchSize int,
) error {
	coll := m.db.Collection(collection)
	opts := options.InsertMany().SetOrdered(false)

	for start := 0; start < count; start += batchSize {
		end := min(start+batchSize, count)
		docs := make([]any, 0, end-start)

		for id := start + 1; id <= end; id++ {
			docs = append(docs, bson.D{{Key: key, Value: id}, {Key: balance, Value: 0}})
		}

		if _, err := coll.InsertMany(ctx, docs, opts); err != nil {
			return fmt.Errorf("inserting %s %d-%d: %w", collection, start+1, end, err)
		}
	}

	return nil
}

// Classify names write conflicts and transient transaction errors.
func (m *mongoTarget) Classify(err error) string {
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		if serverErr.HasErrorLabel("TransientTransactionError") || serverErr.HasErrorCode(112) {
			return Contention
		}

		return "server"
	}

	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return "network"
	}

	return "other"
}

type mongoTx struct {
	db      *mongo.Database
	session mongo.Session
	ended   bool
}

func (t *mongoTx) sessionContext(ctx context.Context) mongo.SessionContext {
	return mongo.NewSessionContext(ctx, t.session)
}

func (t *mongoTx) inc(ctx context.Context, collection, key string, id int, field string, delta int) error {
	_, err := t.db.Collection(collection).UpdateOne(
		t.sessionContext(ctx),
		bson.D{{Key: key, Value: id}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: field, Value: delta}}}},
	)
	if err != nil {
		return fmt.Errorf("updating %s: %w", collection, err)
	}

	return nil
}

func (t *mongoTx) UpdateAccount(ctx context.Context, aid, delta int) error {
	return t.inc(ctx, CollectionAccounts, "aid", aid, "abalance", delta)
}

func (t *mongoTx) SelectAccount(ctx context.Context, aid int) error {
	err := t.db.Collection(CollectionAccounts).
		FindOne(t.sessionContext(ctx), bson.D{{Key: "aid", Value: aid}}).
		Err()
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("reading account: %w", err)
	}

	return nil
}

func (t *mongoTx) UpdateTeller(ctx context.Context, tid, delta int) error {
	return t.inc(ctx, CollectionTellers, "tid", tid, "tbalance", delta)
}

func (t *mongoTx) UpdateBranch(ctx context.Context, bid, delta int) error {
	return t.inc(ctx, CollectionBranches, "bid", bid, "bbalance", delta)
}

func (t *mongoTx) InsertHistory(ctx context.Context, h workload.History) error {
	_, err := t.db.Collection(CollectionHistory).InsertOne(t.sessionContext(ctx), bson.D{
		{Key: "tid", Value: h.TID},
		{Key: "bid", Value: h.BID},
		{Key: "aid", Value: h.AID},
		{Key: "delta", Value: h.Delta},
		{Key: "mtime", Value: h.MTime},
	})
	if err != nil {
		return fmt.Errorf("inserting history: %w", err)
	}

	return nil
}

func (t *mongoTx) Commit(ctx context.Context) error {
	if err := t.session.CommitTransaction(t.sessionContext(ctx)); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	t.end(ctx)

	return nil
}

func (t *mongoTx) Abort(ctx context.Context) error {
	defer t.end(ctx)

	if t.ended {
		return nil
	}

	if err := t.session.AbortTransaction(t.sessionContext(ctx)); err != nil {
		return fmt.Errorf("aborting: %w", err)
	}

	return nil
}

func (t *mongoTx) end(ctx context.Context) {
	if t.ended {
		return
	}

	t.session.EndSession(ctx)
	t.ended = true
}
