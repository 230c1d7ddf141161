package postgres

import (
	"log/slog"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rlebel12/chatsesh"
	"github.com/rlebel12/chatsesh/chatseshtest"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// The suite runs against a disposable database named by CHATSESH_TEST_DATABASE_URL.
const testDatabaseEnv = "CHATSESH_TEST_DATABASE_URL"

type PostgresSuite struct {
	suite.Suite
	pool *pgxpool.Pool
}

func TestPostgresSuite(t *testing.T) {
	if os.Getenv(testDatabaseEnv) == "" {
		t.Skipf("%s not set", testDatabaseEnv)
	}
	suite.Run(t, new(PostgresSuite))
}

func (s *PostgresSuite) SetupSuite() {
	pool, err := Connect(s.T().Context(), os.Getenv(testDatabaseEnv), slog.New(slog.DiscardHandler))
	s.Require().NoError(err)
	s.pool = pool
}

func (s *PostgresSuite) TearDownSuite() {
	s.pool.Close()
}

func (s *PostgresSuite) reset(t *testing.T) {
	_, err := s.pool.Exec(t.Context(), `TRUNCATE messages, chats, users`)
	require.NoError(t, err)
}

func (s *PostgresSuite) TestContract() {
	chatseshtest.StoreContract{
		NewStore: func(t *testing.T) chatseshtest.Store {
			s.reset(t)
			return New(s.pool)
		},
		Messages: func(t *testing.T, store chatseshtest.Store, chatID int64) []chatsesh.MessageRecord {
			msgs, err := store.(*Store).Messages(t.Context(), chatID)
			require.NoError(t, err)
			return msgs
		},
	}.Test(s.T())
}

func (s *PostgresSuite) TestMigrateIsIdempotent() {
	s.NoError(Migrate(s.T().Context(), s.pool, slog.New(slog.DiscardHandler)))
}

func (s *PostgresSuite) TestClaimsRoundTrip() {
	s.reset(s.T())
	store := New(s.pool)
	claims := chatsesh.Claims{"sub": "auth0|1", "email_verified": true, "nested": map[string]any{"a": "b"}}

	_, err := store.UpsertUser(s.T().Context(), chatsesh.UpsertUserRequest{UserID: 1, AuthID: "auth0|1", Claims: claims, IsActive: true})
	s.Require().NoError(err)

	got, err := store.GetUser(s.T().Context(), 1)
	s.Require().NoError(err)
	s.Equal(claims, got.AuthData)
}
