package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"wordvision/internal/partition"
	"wordvision/pkg/domain"
)

// bookDocument is the stored shape of a book; one document per book, one
// collection per owner.
type bookDocument struct {
	ID         string              `bson:"_id"`
	OwnerID    string              `bson:"ownerId"`
	Created    time.Time           `bson:"created"`
	Updated    time.Time           `bson:"updated"`
	Type       string              `bson:"type"`
	Size       int64               `bson:"size"`
	Title      string              `bson:"title"`
	Author     string              `bson:"author"`
	ImgURL     *string             `bson:"imgUrl"`
	Settings   *settingsDocument   `bson:"settings,omitempty"`
	Highlights []highlightDocument `bson:"highlights"`
}

type settingsDocument struct {
	FontSize int  `bson:"fontSize"`
	DarkMode bool `bson:"darkMode"`
}

type highlightDocument struct {
	ID       string  `bson:"id"`
	Text     string  `bson:"text"`
	Location string  `bson:"location"`
	ImgURL   *string `bson:"imgUrl"`
}

// MongoStore implements BookStore on MongoDB.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

// NewMongoStore connects to uri and verifies the connection.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoStore{
		client: client,
		db:     client.Database(database),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *MongoStore) coll(p partition.Partition) *mongo.Collection {
	return s.db.Collection(p.Collection)
}

func (s *MongoStore) InsertBook(ctx context.Context, p partition.Partition, book domain.Book) error {
	if _, err := s.coll(p).InsertOne(ctx, bookToDocument(book)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateBook
		}
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

func (s *MongoStore) ListBooks(ctx context.Context, p partition.Partition) ([]domain.Book, error) {
	cur, err := s.coll(p).Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "created", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	var docs []bookDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode books: %w", err)
	}
	books := make([]domain.Book, 0, len(docs))
	for _, d := range docs {
		books = append(books, bookFromDocument(d, p.OwnerID))
	}
	return books, nil
}

func (s *MongoStore) GetBook(ctx context.Context, p partition.Partition, bookID string) (domain.Book, bool, error) {
	var doc bookDocument
	if err := s.coll(p).FindOne(ctx, bson.M{"_id": bookID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, fmt.Errorf("get book: %w", err)
	}
	return bookFromDocument(doc, p.OwnerID), true, nil
}

func (s *MongoStore) InitSettings(ctx context.Context, p partition.Partition, bookID string, defaults domain.BookSettings) (UpdateResult, error) {
	// {settings: null} matches both a null and a missing field.
	filter := bson.M{"_id": bookID, "settings": nil}
	update := bson.M{"$set": bson.M{
		"settings": settingsDocument{FontSize: defaults.FontSize, DarkMode: defaults.DarkMode},
	}}
	return s.updateOne(ctx, p, filter, update, "init settings")
}

func (s *MongoStore) UpdateSettings(ctx context.Context, p partition.Partition, bookID string, update domain.SettingsUpdate) (UpdateResult, error) {
	set := bson.M{}
	differs := bson.A{}
	if update.FontSize != nil {
		set["settings.fontSize"] = *update.FontSize
		differs = append(differs, bson.M{"settings.fontSize": bson.M{"$ne": *update.FontSize}})
	}
	if update.DarkMode != nil {
		set["settings.darkMode"] = *update.DarkMode
		differs = append(differs, bson.M{"settings.darkMode": bson.M{"$ne": *update.DarkMode}})
	}
	if len(set) == 0 {
		return s.existsResult(ctx, p, bookID)
	}
	set["updated"] = s.now()
	res, err := s.updateOne(ctx, p, bson.M{"_id": bookID, "$or": differs}, bson.M{"$set": set}, "update settings")
	if err != nil || res.Matched > 0 {
		return res, err
	}
	// Nothing differed, or the book is gone.
	return s.existsResult(ctx, p, bookID)
}

func (s *MongoStore) DeleteBook(ctx context.Context, p partition.Partition, bookID string) (int64, error) {
	res, err := s.coll(p).DeleteOne(ctx, bson.M{"_id": bookID})
	if err != nil {
		return 0, fmt.Errorf("delete book: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) GetHighlights(ctx context.Context, p partition.Partition, bookID string) ([]domain.Highlight, bool, error) {
	var doc bookDocument
	opts := options.FindOne().SetProjection(bson.M{"highlights": 1})
	if err := s.coll(p).FindOne(ctx, bson.M{"_id": bookID}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get highlights: %w", err)
	}
	return highlightsFromDocuments(doc.Highlights), true, nil
}

func (s *MongoStore) FindHighlight(ctx context.Context, p partition.Partition, bookID, highlightID string) (domain.Highlight, bool, error) {
	var doc bookDocument
	filter := bson.M{"_id": bookID, "highlights.id": highlightID}
	opts := options.FindOne().SetProjection(bson.M{"highlights.$": 1})
	if err := s.coll(p).FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Highlight{}, false, nil
		}
		return domain.Highlight{}, false, fmt.Errorf("find highlight: %w", err)
	}
	if len(doc.Highlights) == 0 {
		return domain.Highlight{}, false, nil
	}
	return highlightFromDocument(doc.Highlights[0]), true, nil
}

func (s *MongoStore) PushHighlight(ctx context.Context, p partition.Partition, bookID string, h domain.Highlight) (UpdateResult, error) {
	update := bson.M{
		"$push": bson.M{"highlights": highlightToDocument(h)},
		"$set":  bson.M{"updated": s.now()},
	}
	return s.updateOne(ctx, p, bson.M{"_id": bookID}, update, "push highlight")
}

func (s *MongoStore) PullHighlight(ctx context.Context, p partition.Partition, bookID, highlightID string) (UpdateResult, error) {
	filter := bson.M{"_id": bookID, "highlights.id": highlightID}
	update := bson.M{
		"$pull": bson.M{"highlights": bson.M{"id": highlightID}},
		"$set":  bson.M{"updated": s.now()},
	}
	return s.updateOne(ctx, p, filter, update, "pull highlight")
}

func (s *MongoStore) SetHighlightImage(ctx context.Context, p partition.Partition, bookID, highlightID string, imgURL *string) (UpdateResult, error) {
	filter := bson.M{"_id": bookID, "highlights.id": highlightID}
	update := bson.M{"$set": bson.M{
		"highlights.$.imgUrl": imgURL,
		"updated":             s.now(),
	}}
	return s.updateOne(ctx, p, filter, update, "set highlight image")
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) updateOne(ctx context.Context, p partition.Partition, filter, update any, op string) (UpdateResult, error) {
	res, err := s.coll(p).UpdateOne(ctx, filter, update)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("%s: %w", op, err)
	}
	return UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

func (s *MongoStore) existsResult(ctx context.Context, p partition.Partition, bookID string) (UpdateResult, error) {
	n, err := s.coll(p).CountDocuments(ctx, bson.M{"_id": bookID}, options.Count().SetLimit(1))
	if err != nil {
		return UpdateResult{}, fmt.Errorf("count book: %w", err)
	}
	return UpdateResult{Matched: n}, nil
}

func bookToDocument(b domain.Book) bookDocument {
	doc := bookDocument{
		ID:         b.ID,
		OwnerID:    b.OwnerID,
		Created:    b.CreatedAt,
		Updated:    b.UpdatedAt,
		Type:       b.Type,
		Size:       b.Size,
		Title:      b.Title,
		Author:     b.Author,
		ImgURL:     b.ImgURL,
		Highlights: make([]highlightDocument, 0, len(b.Highlights)),
	}
	if b.Settings != nil {
		doc.Settings = &settingsDocument{FontSize: b.Settings.FontSize, DarkMode: b.Settings.DarkMode}
	}
	for _, h := range b.Highlights {
		doc.Highlights = append(doc.Highlights, highlightToDocument(h))
	}
	return doc
}

func bookFromDocument(doc bookDocument, ownerID string) domain.Book {
	b := domain.Book{
		ID:         doc.ID,
		OwnerID:    doc.OwnerID,
		CreatedAt:  doc.Created,
		UpdatedAt:  doc.Updated,
		Type:       doc.Type,
		Size:       doc.Size,
		Title:      doc.Title,
		Author:     doc.Author,
		ImgURL:     doc.ImgURL,
		Highlights: highlightsFromDocuments(doc.Highlights),
	}
	if b.OwnerID == "" {
		b.OwnerID = ownerID
	}
	if doc.Settings != nil {
		b.Settings = &domain.BookSettings{FontSize: doc.Settings.FontSize, DarkMode: doc.Settings.DarkMode}
	}
	return b
}

func highlightToDocument(h domain.Highlight) highlightDocument {
	return highlightDocument{ID: h.ID, Text: h.Text, Location: h.Location, ImgURL: h.ImgURL}
}

func highlightFromDocument(doc highlightDocument) domain.Highlight {
	return domain.Highlight{ID: doc.ID, Text: doc.Text, Location: doc.Location, ImgURL: doc.ImgURL}
}

func highlightsFromDocuments(docs []highlightDocument) []domain.Highlight {
	out := make([]domain.Highlight, 0, len(docs))
	for _, d := range docs {
		out = append(out, highlightFromDocument(d))
	}
	return out
}
