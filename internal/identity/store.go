package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// User is a resolved key-hash attribution target.
type User struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	Role     string    `json:"role"`
	KeyHash  string    `json:"key_hash,omitempty"`
	KeyName  string    `json:"key_name,omitempty"`
}

// Unknown is the reserved sentinel identity for usage whose API key cannot be
// mapped to a real user. Modeling it as a well-known value keeps downstream
// sums and groupings from special-casing missing identities.
func Unknown() User {
	return User{
		UserID:   uuid.Nil, // 00000000-0000-0000-0000-000000000000
		Username: "Unknown User",
		Email:    "unknown@system.local",
		Role:     "unknown",
	}
}

// Resolution indexes resolved users by the two attribution handles the
// upstream feed carries.
type Resolution struct {
	ByHash  map[string]User
	ByAlias map[string]User
}

// Lookup resolves an entry by key hash first, falling back to its alias.
func (r Resolution) Lookup(hash, alias string) (User, bool) {
	if user, ok := r.ByHash[hash]; ok {
		return user, true
	}
	if alias != "" {
		if user, ok := r.ByAlias[alias]; ok {
			return user, true
		}
	}
	return User{}, false
}

// Store resolves API-key hashes and aliases to gateway users.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

const resolveQuery = `
SELECT u.id, u.username, u.email, u.role, k.key_hash, k.key_name
FROM gateway_api_keys k
JOIN gateway_users u ON u.id = k.user_id
WHERE k.key_hash = ANY($1) OR k.key_name = ANY($2)
`

// Resolve performs one batched lookup for all hashes and aliases seen in a
// day's breakdown tree.
func (s *Store) Resolve(ctx context.Context, hashes, aliases []string) (Resolution, error) {
	resolution := Resolution{
		ByHash:  make(map[string]User),
		ByAlias: make(map[string]User),
	}
	if s == nil || s.pool == nil {
		return resolution, fmt.Errorf("identity store not initialized")
	}
	if len(hashes) == 0 && len(aliases) == 0 {
		return resolution, nil
	}
	if hashes == nil {
		hashes = []string{}
	}
	if aliases == nil {
		aliases = []string{}
	}

	rows, err := s.pool.Query(ctx, resolveQuery, hashes, aliases)
	if err != nil {
		return resolution, fmt.Errorf("resolve identities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var user User
		if err := rows.Scan(&user.UserID, &user.Username, &user.Email, &user.Role, &user.KeyHash, &user.KeyName); err != nil {
			return resolution, fmt.Errorf("scan identity row: %w", err)
		}
		if user.KeyHash != "" {
			resolution.ByHash[user.KeyHash] = user
		}
		if user.KeyName != "" {
			resolution.ByAlias[user.KeyName] = user
		}
	}
	if err := rows.Err(); err != nil {
		return resolution, fmt.Errorf("iterate identity rows: %w", err)
	}

	s.logger.DebugContext(ctx, "resolved identities",
		slog.Int("hashes_requested", len(hashes)),
		slog.Int("aliases_requested", len(aliases)),
		slog.Int("matched", len(resolution.ByHash)),
	)
	return resolution, nil
}
