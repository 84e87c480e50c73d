package session

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/oidc-front/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps session tickets in Google Cloud Firestore.
//
// Firestore has no server-side TTL on arbitrary fields, so documents carry an
// expiry timestamp that reads check and Sweep reclaims periodically.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	ttl        time.Duration
}

type firestoreSessionDoc struct {
	Ticket    *Ticket   `firestore:"ticket,omitempty"`
	Subject   string    `firestore:"subject,omitempty"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

// NewFirestoreStore creates a Firestore-backed session store
func NewFirestoreStore(ctx context.Context, projectID, database, collection string, ttl time.Duration) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore sessions")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required for Firestore sessions")
	}
	if database == "" {
		database = "(default)"
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return nil, fmt.Errorf("creating Firestore client: %w", err)
	}

	return &FirestoreStore{
		client:     client,
		collection: collection,
		ttl:        ttl,
	}, nil
}

// Close releases the Firestore client
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) doc(sessionID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(sessionID)
}

func (s *FirestoreStore) load(ctx context.Context, sessionID string) (firestoreSessionDoc, bool, error) {
	snapshot, err := s.doc(sessionID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return firestoreSessionDoc{}, false, nil
	}
	if err != nil {
		return firestoreSessionDoc{}, false, fmt.Errorf("reading session %s: %w", sessionID, err)
	}

	var doc firestoreSessionDoc
	if err := snapshot.DataTo(&doc); err != nil {
		return firestoreSessionDoc{}, false, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}
	if time.Now().After(doc.ExpiresAt) {
		return firestoreSessionDoc{}, false, nil
	}
	return doc, true, nil
}

func (s *FirestoreStore) save(ctx context.Context, sessionID string, doc firestoreSessionDoc) error {
	doc.ExpiresAt = time.Now().Add(s.ttl)
	if _, err := s.doc(sessionID).Set(ctx, doc); err != nil {
		return fmt.Errorf("writing session %s: %w", sessionID, err)
	}
	return nil
}

func (s *FirestoreStore) Bind(ctx context.Context, sessionID string, ticket Ticket) error {
	doc, _, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	doc.Ticket = &ticket
	return s.save(ctx, sessionID, doc)
}

func (s *FirestoreStore) Ticket(ctx context.Context, sessionID string) (Ticket, bool, error) {
	doc, ok, err := s.load(ctx, sessionID)
	if err != nil || !ok || doc.Ticket == nil {
		return Ticket{}, false, err
	}
	return *doc.Ticket, true, nil
}

func (s *FirestoreStore) ClearTicket(ctx context.Context, sessionID string) error {
	doc, ok, err := s.load(ctx, sessionID)
	if err != nil || !ok {
		return err
	}
	doc.Ticket = nil
	return s.save(ctx, sessionID, doc)
}

func (s *FirestoreStore) SetSubject(ctx context.Context, sessionID, subject string) error {
	doc, _, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	doc.Subject = subject
	return s.save(ctx, sessionID, doc)
}

func (s *FirestoreStore) Subject(ctx context.Context, sessionID string) (string, bool, error) {
	doc, ok, err := s.load(ctx, sessionID)
	if err != nil || !ok || doc.Subject == "" {
		return "", false, err
	}
	return doc.Subject, true, nil
}

// Sweep deletes expired session documents. Run it periodically from the
// composition root when Firestore sessions are enabled.
func (s *FirestoreStore) Sweep(ctx context.Context) error {
	iter := s.client.Collection(s.collection).
		Where("expires_at", "<", time.Now()).
		Documents(ctx)
	defer iter.Stop()

	deleted := 0
	for {
		snapshot, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("sweeping sessions: %w", err)
		}
		if _, err := snapshot.Ref.Delete(ctx); err != nil {
			return fmt.Errorf("deleting expired session %s: %w", snapshot.Ref.ID, err)
		}
		deleted++
	}

	if deleted > 0 {
		log.LogDebugWithFields("session", "Swept expired sessions", map[string]any{
			"deleted": deleted,
		})
	}
	return nil
}

var _ Store = (*FirestoreStore)(nil)
