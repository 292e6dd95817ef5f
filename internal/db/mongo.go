package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sogou_spider/internal/config"
	"sogou_spider/internal/logger"
	"sogou_spider/internal/models"
)

const articleSeq = "articles"

// articleKey is one (portal_url, keyword) pair that points at a document.
type articleKey struct {
	PortalURL string `bson:"portal_url"`
	Keyword   string `bson:"keyword"`
}

type articleDoc struct {
	models.ArticleRecord `bson:",inline"`
	Aliases              []articleKey `bson:"aliases"`
}

// keyFilter matches the document owning the pair, through its aliases or, for
// documents written before aliases existed, its own identity fields.
func keyFilter(portalURL, keyword string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"aliases": bson.M{"$elemMatch": bson.M{"portal_url": portalURL, "keyword": keyword}}},
		bson.M{"portal_url": portalURL, "keyword": keyword},
	}}
}

type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
	articles *mongo.Collection
	counters *mongo.Collection
	runs     *mongo.Collection
}

func NewMongoDB(ctx context.Context, cfg config.DBConfig) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Connection))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to MongoDB: %w", ErrIO, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: can't ping MongoDB: %w", ErrIO, err)
	}

	db := client.Database(cfg.Database)
	d := &MongoDB{
		client:   client,
		database: db,
		articles: db.Collection(cfg.Collections.Articles),
		counters: db.Collection(cfg.Collections.Counters),
		runs:     db.Collection(cfg.Collections.Runs),
	}

	if err := d.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: can't create indices: %w", ErrIO, err)
	}

	l := logger.WithComponent("db")
	l.Info().Str("driver", "mongo").Str("database", cfg.Database).Msg("storage ready")
	return d, nil
}

func (d *MongoDB) createIndexes(ctx context.Context) error {
	_, err := d.articles.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "portal_url", Value: 1}, {Key: "keyword", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "aliases.portal_url", Value: 1}, {Key: "aliases.keyword", Value: 1}}},
		{Keys: bson.D{{Key: "canonical_url", Value: 1}}},
		{Keys: bson.D{{Key: "publish_time", Value: 1}}},
	})
	return err
}

func (d *MongoDB) Upsert(ctx context.Context, rec *models.ArticleRecord) (int64, error) {
	if rec.PortalURL == "" || rec.Keyword == "" {
		return 0, fmt.Errorf("%w: record needs portal_url and keyword", ErrIO)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	id, found, err := d.update(ctx, rec)
	if err != nil || found {
		rec.ID = id
		return id, err
	}

	id, err = d.nextID(ctx)
	if err != nil {
		return 0, err
	}

	doc := articleDoc{
		ArticleRecord: *rec,
		Aliases:       []articleKey{{PortalURL: rec.PortalURL, Keyword: rec.Keyword}},
	}
	doc.ID = id
	doc.CrawledAt = crawledAt(rec)
	_, err = d.articles.InsertOne(ctx, &doc)
	if mongo.IsDuplicateKeyError(err) {
		// another writer inserted the same identity first
		id, found, err = d.update(ctx, rec)
		if err == nil && !found {
			err = fmt.Errorf("%w: %s", ErrConflict, rec.PortalURL)
		}
		rec.ID = id
		return id, err
	}
	if err != nil {
		return 0, fmt.Errorf("%w: insert: %w", ErrIO, err)
	}
	rec.ID = id
	return id, nil
}

// update merges rec into an existing document matched by (portal_url,
// keyword) or, failing that, by canonical_url. The matched document keeps its
// identity and gains rec's pair as an alias.
func (d *MongoDB) update(ctx context.Context, rec *models.ArticleRecord) (int64, bool, error) {
	change := bson.M{
		"$set":      setFields(rec),
		"$addToSet": bson.M{"aliases": articleKey{PortalURL: rec.PortalURL, Keyword: rec.Keyword}},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"row_id": 1})

	filters := []bson.M{keyFilter(rec.PortalURL, rec.Keyword)}
	if rec.CanonicalURL != "" {
		filters = append(filters, bson.M{"canonical_url": rec.CanonicalURL})
	}

	for _, filter := range filters {
		var res struct {
			RowID int64 `bson:"row_id"`
		}
		err := d.articles.FindOneAndUpdate(ctx, filter, change, opts).Decode(&res)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return 0, false, fmt.Errorf("%w: update: %w", ErrIO, err)
		}
		return res.RowID, true, nil
	}
	return 0, false, nil
}

// setFields lists only the fields that may change a stored document: empty
// strings and false flags are left out so they never overwrite data, and the
// identity fields are never rewritten.
func setFields(rec *models.ArticleRecord) bson.M {
	set := bson.M{"crawled_at": crawledAt(rec)}
	for key, value := range map[string]string{
		"title":         rec.Title,
		"summary":       rec.Summary,
		"source":        rec.Source,
		"publish_time":  rec.PublishTime,
		"canonical_url": rec.CanonicalURL,
		"content":       rec.Content,
	} {
		if value != "" {
			set[key] = value
		}
	}
	if rec.Resolved {
		set["resolved"] = true
	}
	if rec.ContentFetched {
		set["content_fetched"] = true
	}
	return set
}

func (d *MongoDB) nextID(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := d.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": articleSeq},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("%w: next id: %w", ErrIO, err)
	}
	return counter.Seq, nil
}

func (d *MongoDB) Find(ctx context.Context, portalURL, keyword string) (*models.ArticleRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var rec models.ArticleRecord
	err := d.articles.FindOne(ctx, keyFilter(portalURL, keyword)).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return &rec, nil
}

// Count returns the number of stored articles.
func (d *MongoDB) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	n, err := d.articles.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return int(n), nil
}

// KeywordStats aggregates stored article counts per keyword, following aliases.
func (d *MongoDB) KeywordStats(ctx context.Context) (map[string]KeywordStat, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$unwind", Value: bson.D{
			{Key: "path", Value: "$aliases"},
			{Key: "preserveNullAndEmptyArrays", Value: true},
		}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{
				{Key: "doc", Value: "$_id"},
				{Key: "keyword", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$aliases.keyword", "$keyword"}}}},
			}},
			{Key: "resolved", Value: bson.D{{Key: "$first", Value: "$resolved"}}},
			{Key: "content_fetched", Value: bson.D{{Key: "$first", Value: "$content_fetched"}}},
		}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$_id.keyword"},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "resolved", Value: bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{"$resolved", 1, 0}}}}}},
			{Key: "content_fetched", Value: bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{"$content_fetched", 1, 0}}}}}},
		}}},
	}

	cursor, err := d.articles.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Keyword     string `bson:"_id"`
		KeywordStat `bson:",inline"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	stats := make(map[string]KeywordStat, len(rows))
	for _, row := range rows {
		stats[row.Keyword] = row.KeywordStat
	}
	return stats, nil
}

func (d *MongoDB) SaveRun(ctx context.Context, report *models.RunReport) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := d.runs.ReplaceOne(ctx, bson.M{"_id": report.RunID}, bson.M{
		"_id":         report.RunID,
		"started_at":  report.StartedAt,
		"finished_at": report.FinishedAt,
		"halted":      report.Halted,
		"halt_reason": report.HaltReason,
		"keywords":    report.Keywords,
	}, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%w: save run: %w", ErrIO, err)
	}
	return nil
}

func (d *MongoDB) LastRun(ctx context.Context) (*models.RunReport, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var doc struct {
		RunID      string                 `bson:"_id"`
		StartedAt  time.Time              `bson:"started_at"`
		FinishedAt time.Time              `bson:"finished_at"`
		Halted     bool                   `bson:"halted"`
		HaltReason string                 `bson:"halt_reason"`
		Keywords   []models.KeywordReport `bson:"keywords"`
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}})
	err := d.runs.FindOne(ctx, bson.M{}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return &models.RunReport{
		RunID:      doc.RunID,
		StartedAt:  doc.StartedAt,
		FinishedAt: doc.FinishedAt,
		Halted:     doc.Halted,
		HaltReason: doc.HaltReason,
		Keywords:   doc.Keywords,
	}, nil
}

func (d *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}
