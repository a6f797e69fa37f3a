package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/Tyrowin/dmchat/internal/config"
	"github.com/Tyrowin/dmchat/internal/domain"
)

const createMessagesByPair = `
	CREATE TABLE IF NOT EXISTS messages_by_pair (
		pair_key    text,
		created_at  timestamp,
		message_id  timeuuid,
		sender_id   text,
		receiver_id text,
		text        text,
		PRIMARY KEY ((pair_key), created_at, message_id)
	) WITH CLUSTERING ORDER BY (created_at ASC, message_id ASC)`

// NewCassandraSession connects to the configured Cassandra cluster.
func NewCassandraSession(cfg config.CassandraConfig) (*gocql.Session, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.ConnectTimeout = cfg.ConnectTimeout
	cluster.Timeout = cfg.Timeout

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}
	return session, nil
}

// CassandraMessageStore implements MessageStore on a single table
// partitioned by participant pair.
type CassandraMessageStore struct {
	session *gocql.Session
}

// NewCassandraMessageStore creates a Cassandra-backed message store.
func NewCassandraMessageStore(session *gocql.Session) *CassandraMessageStore {
	return &CassandraMessageStore{session: session}
}

// EnsureSchema creates the messages table if it does not exist.
func (s *CassandraMessageStore) EnsureSchema(ctx context.Context) error {
	if err := s.session.Query(createMessagesByPair).WithContext(ctx).Exec(); err != nil {
		return wrap("create messages_by_pair", err)
	}
	return nil
}

// Persist inserts a new message. The message id is a time-based UUID taken
// from createdAt so ids sort with creation time.
func (s *CassandraMessageStore) Persist(ctx context.Context, senderID, receiverID, text string, createdAt time.Time) (domain.Message, error) {
	createdAt = normalizeTime(createdAt)
	id := gocql.UUIDFromTime(createdAt)

	err := s.session.Query(`
		INSERT INTO messages_by_pair (
			pair_key, created_at, message_id, sender_id, receiver_id, text
		) VALUES (?, ?, ?, ?, ?, ?)`,
		PairKey(senderID, receiverID), createdAt, id, senderID, receiverID, text,
	).WithContext(ctx).Exec()
	if err != nil {
		return domain.Message{}, wrap("persist message", err)
	}

	return domain.Message{
		ID:         id.String(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		CreatedAt:  createdAt,
	}, nil
}

// Conversation reads the pair's partition in clustering order.
func (s *CassandraMessageStore) Conversation(ctx context.Context, userA, userB string) ([]domain.Message, error) {
	iter := s.session.Query(`
		SELECT message_id, sender_id, receiver_id, text, created_at
		FROM messages_by_pair WHERE pair_key = ?`,
		PairKey(userA, userB),
	).WithContext(ctx).Iter()

	out := make([]domain.Message, 0)
	var (
		id        gocql.UUID
		sender    string
		receiver  string
		text      string
		createdAt time.Time
	)
	for iter.Scan(&id, &sender, &receiver, &text, &createdAt) {
		out = append(out, domain.Message{
			ID:         id.String(),
			SenderID:   sender,
			ReceiverID: receiver,
			Text:       text,
			CreatedAt:  createdAt.UTC(),
		})
	}
	if err := iter.Close(); err != nil {
		return nil, wrap("query conversation", err)
	}
	return out, nil
}

// PairKey is the partition key shared by both directions of a conversation.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

func parseConsistency(s string) gocql.Consistency {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ANY":
		return gocql.Any
	case "ONE":
		return gocql.One
	case "TWO":
		return gocql.Two
	case "THREE":
		return gocql.Three
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "LOCAL_QUORUM":
		return gocql.LocalQuorum
	case "EACH_QUORUM":
		return gocql.EachQuorum
	case "LOCAL_ONE":
		return gocql.LocalOne
	default:
		return gocql.LocalQuorum
	}
}
