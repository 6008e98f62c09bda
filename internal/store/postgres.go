// Package store implements the relational persistence interface consumed
// by the authorization core. All queries are parameterized.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/velro/authcore/internal/authz"
)

// PostgresStore implements authz.ResourceStore using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// DefaultPostgresConfig returns sensible defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:         "localhost",
		Port:         5432,
		Database:     "velro",
		SSLMode:      "disable",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		ConnLifetime: 5 * time.Minute,
	}
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(cfg *PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing database handle. Used by tests.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying handle for subsystems that share the pool.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = authz.ErrNotFound

// GetResource fetches a resource with its owner, project, and parent.
func (s *PostgresStore) GetResource(ctx context.Context, id string) (*authz.Resource, error) {
	query := `
		SELECT id, resource_type, owner_id, project_id, parent_id
		FROM resources
		WHERE id = $1`

	var r authz.Resource
	var projectID, parentID sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.Type, &r.OwnerID, &projectID, &parentID,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get resource: %w", err)
	}
	if projectID.Valid {
		r.ProjectID = &projectID.String
	}
	if parentID.Valid {
		r.ParentID = &parentID.String
	}
	return &r, nil
}

// GetProject fetches a project with its owner and visibility.
func (s *PostgresStore) GetProject(ctx context.Context, id string) (*authz.Project, error) {
	query := `
		SELECT id, owner_id, visibility
		FROM projects
		WHERE id = $1`

	var p authz.Project
	err := s.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.OwnerID, &p.Visibility)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// GetMemberships fetches a principal's team memberships (team id -> role).
func (s *PostgresStore) GetMemberships(ctx context.Context, principalID string) (map[string]authz.Role, error) {
	query := `
		SELECT team_id, role
		FROM team_members
		WHERE user_id = $1`

	rows, err := s.db.QueryContext(ctx, query, principalID)
	if err != nil {
		return nil, fmt.Errorf("get memberships: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	memberships := make(map[string]authz.Role)
	for rows.Next() {
		var teamID string
		var role authz.Role
		if err := rows.Scan(&teamID, &role); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		memberships[teamID] = role
	}
	return memberships, rows.Err()
}

// GetTeamProjectLinks fetches team<->project links with roles for a project.
func (s *PostgresStore) GetTeamProjectLinks(ctx context.Context, projectID string) ([]authz.TeamProjectLink, error) {
	query := `
		SELECT team_id, project_id, role
		FROM team_project_links
		WHERE project_id = $1`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("get team project links: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var links []authz.TeamProjectLink
	for rows.Next() {
		var l authz.TeamProjectLink
		if err := rows.Scan(&l.TeamID, &l.ProjectID, &l.Role); err != nil {
			return nil, fmt.Errorf("scan team project link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// GetGenerationParent fetches the parent generation id, or "" when the
// generation has no parent.
func (s *PostgresStore) GetGenerationParent(ctx context.Context, generationID string) (string, error) {
	query := `
		SELECT COALESCE(parent_id::text, '')
		FROM resources
		WHERE id = $1 AND resource_type = 'generation'`

	var parentID string
	err := s.db.QueryRowContext(ctx, query, generationID).Scan(&parentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get generation parent: %w", err)
	}
	return parentID, nil
}

// ListRecentGenerations returns the principal's most recent generations,
// newest first. Used by the warming planner.
func (s *PostgresStore) ListRecentGenerations(ctx context.Context, ownerID string, limit int) ([]authz.Resource, error) {
	query := `
		SELECT id, resource_type, owner_id, project_id, parent_id
		FROM resources
		WHERE owner_id = $1 AND resource_type = 'generation'
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent generations: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []authz.Resource
	for rows.Next() {
		var r authz.Resource
		var projectID, parentID sql.NullString
		if err := rows.Scan(&r.ID, &r.Type, &r.OwnerID, &projectID, &parentID); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		if projectID.Valid {
			r.ProjectID = &projectID.String
		}
		if parentID.Valid {
			r.ParentID = &parentID.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTeamMembers returns member principal ids for a team, paginated.
// Used by the warming planner on team-access events.
func (s *PostgresStore) ListTeamMembers(ctx context.Context, teamID string, limit, offset int) ([]string, error) {
	query := `
		SELECT user_id
		FROM team_members
		WHERE team_id = $1
		ORDER BY user_id
		LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, teamID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}
