package auth

import (
	"context"
	"fmt"
	"net/url"

	"crypto/sha512"
	"encoding/base64"

	"github.com/go-pluto/cosync/crdt"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// The token service writes one row per issued token. Only
// a hash of the token is stored.
const verifyTokenQuery = `
SELECT user_name
FROM session_tokens
WHERE token_hash = $1 AND expires_at > now()`

// Structs

// PostgresVerifier carries all relevant information needed
// to look tokens up in a PostgreSQL session_tokens table.
type PostgresVerifier struct {
	Pool *pgxpool.Pool
}

// Functions

// NewPostgresVerifier expects to be supplied with PostgreSQL
// database connection information from the config file. It
// then connects a pool to the database and checks that the
// database is reachable.
func NewPostgresVerifier(ctx context.Context, host string, port uint16, db string, user string, password string, useTLS bool) (*PostgresVerifier, error) {

	sslmode := "disable"
	if useTLS {
		sslmode = "require"
	}

	dsn := url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", host, port),
		Path:     "/" + db,
		RawQuery: url.Values{"sslmode": []string{sslmode}}.Encode(),
	}

	if password != "" {
		dsn.User = url.UserPassword(user, password)
	} else {
		dsn.User = url.User(user)
	}

	conf, err := pgxpool.ParseConfig(dsn.String())
	if err != nil {
		return nil, errors.Wrap(err, "invalid postgres connection settings")
	}

	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to specified postgres database")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "specified postgres database not reachable after connection")
	}

	return &PostgresVerifier{
		Pool: pool,
	}, nil
}

// HashToken returns the form tokens are stored in.
func HashToken(token string) string {

	sum := sha512.Sum512([]byte(token))

	return base64.StdEncoding.EncodeToString(sum[:])
}

// Verify looks the hashed token up and returns the
// user it was issued to if it did not expire yet.
func (p *PostgresVerifier) Verify(ctx context.Context, token string) (crdt.PeerID, error) {

	if token == "" {
		return "", ErrInvalidToken
	}

	var user string

	err := p.Pool.QueryRow(ctx, verifyTokenQuery, HashToken(token)).Scan(&user)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", errors.Wrap(ErrUnavailable, err.Error())
	}

	return crdt.PeerID(user), nil
}

// Close releases all pooled connections.
func (p *PostgresVerifier) Close() {
	p.Pool.Close()
}
