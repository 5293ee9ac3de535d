// Package sqlite provides the SQLite-backed store implementations.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary is fully
// static. The user database and the race database are two separate files;
// ":memory:" opens an ephemeral store for tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/fpv-tools/racetimer/store"
)

// open opens path, applies pragmas, and limits the pool to one connection.
// SQLite serialises writes anyway; one connection avoids SQLITE_BUSY.
func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// isTransient reports whether err looks like a retryable SQLite condition.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// withRetry runs fn, retrying exactly once on a transient failure. A second
// failure is surfaced wrapped in store.ErrStorage.
func withRetry(log zerolog.Logger, fn func() error) error {
	err := fn()
	if err == nil || !isTransient(err) {
		return err
	}
	log.Warn().Err(err).Msg("transient storage error; retrying once")
	if err = fn(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorage, err)
	}
	return nil
}

// ---- user database ----

// UserDB implements store.UserStore.
type UserDB struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenUserDB opens (or creates) the user database at path and applies the
// schema.
func OpenUserDB(path string, log zerolog.Logger) (*UserDB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	u := &UserDB{db: db, log: log}
	if err := u.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return u, nil
}

// migrate applies the schema. New versions should only ADD statements here
// so that existing databases keep working without a migration tool.
func (u *UserDB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS permissions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			value      TEXT    NOT NULL UNIQUE,
			persistent INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS roles (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT    NOT NULL UNIQUE,
			persistent INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS role_permissions (
			role       INTEGER NOT NULL REFERENCES roles(id),
			permission INTEGER NOT NULL REFERENCES permissions(id),
			PRIMARY KEY (role, permission)
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			auth_id        TEXT    NOT NULL UNIQUE,
			username       TEXT    NOT NULL UNIQUE,
			first_name     TEXT    NOT NULL DEFAULT '',
			last_name      TEXT    NOT NULL DEFAULT '',
			password_hash  TEXT,
			last_login     TEXT,
			reset_required INTEGER NOT NULL DEFAULT 1,
			persistent     INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS user_roles (
			user INTEGER NOT NULL REFERENCES users(id),
			role INTEGER NOT NULL REFERENCES roles(id),
			PRIMARY KEY (user, role)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := u.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (u *UserDB) Close() error { return u.db.Close() }

// ---- permissions ----

func (u *UserDB) AllPermissions(ctx context.Context) ([]store.Permission, error) {
	var perms []store.Permission
	err := withRetry(u.log, func() error {
		perms = perms[:0]
		rows, err := u.db.QueryContext(ctx, `SELECT value FROM permissions ORDER BY value`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				return err
			}
			perms = append(perms, store.Permission(v))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return perms, nil
}

func (u *UserDB) EnsurePersistentPermissions(ctx context.Context, perms []store.Permission) error {
	return withRetry(u.log, func() error {
		tx, err := u.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, p := range perms {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO permissions (value, persistent) VALUES (?, 1)`, string(p))
			if isUniqueViolation(err) {
				// Already present: a concurrent caller (or an earlier run)
				// inserted it. Idempotent by contract.
				continue
			}
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// ---- roles ----

func (u *UserDB) RoleByName(ctx context.Context, name string) (*store.Role, error) {
	var role *store.Role
	err := withRetry(u.log, func() error {
		row := u.db.QueryRowContext(ctx,
			`SELECT id, name, persistent FROM roles WHERE name = ?`, name)
		r := &store.Role{}
		var persistent int
		if err := row.Scan(&r.ID, &r.Name, &persistent); err != nil {
			return err
		}
		r.Persistent = persistent != 0
		perms, err := u.rolePermissions(ctx, r.ID)
		if err != nil {
			return err
		}
		r.Permissions = perms
		role = r
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return role, nil
}

func (u *UserDB) rolePermissions(ctx context.Context, roleID int64) ([]store.Permission, error) {
	rows, err := u.db.QueryContext(ctx, `
		SELECT p.value
		  FROM role_permissions rp
		  JOIN permissions p ON p.id = rp.permission
		 WHERE rp.role = ?
		 ORDER BY p.value
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []store.Permission
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		perms = append(perms, store.Permission(v))
	}
	return perms, rows.Err()
}

func (u *UserDB) EnsurePersistentRole(ctx context.Context, name string, perms []store.Permission) error {
	return withRetry(u.log, func() error {
		tx, err := u.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var existing int64
		err = tx.QueryRowContext(ctx, `SELECT id FROM roles WHERE name = ?`, name).Scan(&existing)
		if err == nil {
			return nil // role exists; leave alone
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO roles (name, persistent) VALUES (?, 1)`, name)
		if isUniqueViolation(err) {
			return nil
		}
		if err != nil {
			return err
		}
		roleID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		for _, p := range perms {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO role_permissions (role, permission)
				SELECT ?, id FROM permissions WHERE value = ?
			`, roleID, string(p)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// ---- users ----

const userColumns = `id, auth_id, username, first_name, last_name,
	COALESCE(password_hash, ''), last_login, reset_required, persistent`

func (u *UserDB) scanUser(row *sql.Row) (*store.User, error) {
	usr := &store.User{}
	var authID string
	var lastLogin sql.NullString
	var reset, persistent int
	err := row.Scan(&usr.ID, &authID, &usr.Username, &usr.FirstName, &usr.LastName,
		&usr.PasswordHash, &lastLogin, &reset, &persistent)
	if err != nil {
		return nil, err
	}
	if usr.AuthID, err = uuid.Parse(authID); err != nil {
		return nil, fmt.Errorf("parse auth_id: %w", err)
	}
	if lastLogin.Valid {
		if t, err := time.Parse(time.RFC3339, lastLogin.String); err == nil {
			usr.LastLogin = &t
		}
	}
	usr.ResetRequired = reset != 0
	usr.Persistent = persistent != 0
	return usr, nil
}

func (u *UserDB) userRoles(ctx context.Context, userID int64) ([]store.Role, error) {
	rows, err := u.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.persistent
		  FROM user_roles ur
		  JOIN roles r ON r.id = ur.role
		 WHERE ur.user = ?
		 ORDER BY r.name
	`, userID)
	if err != nil {
		return nil, err
	}

	var roles []store.Role
	for rows.Next() {
		var r store.Role
		var persistent int
		if err := rows.Scan(&r.ID, &r.Name, &persistent); err != nil {
			rows.Close()
			return nil, err
		}
		r.Persistent = persistent != 0
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Single-connection pool: attach permissions only after the role rows
	// are fully consumed.
	for i := range roles {
		perms, err := u.rolePermissions(ctx, roles[i].ID)
		if err != nil {
			return nil, err
		}
		roles[i].Permissions = perms
	}
	return roles, nil
}

func (u *UserDB) userBy(ctx context.Context, where string, arg any) (*store.User, error) {
	var usr *store.User
	err := withRetry(u.log, func() error {
		row := u.db.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE `+where, arg)
		scanned, err := u.scanUser(row)
		if err != nil {
			return err
		}
		roles, err := u.userRoles(ctx, scanned.ID)
		if err != nil {
			return err
		}
		scanned.Roles = roles
		usr = scanned
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return usr, nil
}

func (u *UserDB) UserByUsername(ctx context.Context, username string) (*store.User, error) {
	return u.userBy(ctx, `username = ?`, username)
}

func (u *UserDB) UserByAuthID(ctx context.Context, authID uuid.UUID) (*store.User, error) {
	return u.userBy(ctx, `auth_id = ?`, authID.String())
}

func (u *UserDB) CreateUser(ctx context.Context, user *store.User) (*store.User, error) {
	authID := user.AuthID
	if authID == (uuid.UUID{}) {
		authID = uuid.New()
	}
	err := withRetry(u.log, func() error {
		tx, err := u.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (auth_id, username, first_name, last_name,
				password_hash, reset_required, persistent)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?)
		`, authID.String(), user.Username, user.FirstName, user.LastName,
			user.PasswordHash, boolInt(user.ResetRequired), boolInt(user.Persistent))
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		if err != nil {
			return err
		}
		userID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		for _, role := range user.Roles {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO user_roles (user, role) VALUES (?, ?)`,
				userID, role.ID); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return u.UserByUsername(ctx, user.Username)
}

func (u *UserDB) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	return withRetry(u.log, func() error {
		_, err := u.db.ExecContext(ctx,
			`UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, userID)
		return err
	})
}

func (u *UserDB) UpdateLastLogin(ctx context.Context, userID int64) error {
	return withRetry(u.log, func() error {
		_, err := u.db.ExecContext(ctx,
			`UPDATE users SET last_login = ? WHERE id = ?`,
			time.Now().UTC().Format(time.RFC3339), userID)
		return err
	})
}

func (u *UserDB) SetResetRequired(ctx context.Context, userID int64, required bool) error {
	return withRetry(u.log, func() error {
		_, err := u.db.ExecContext(ctx,
			`UPDATE users SET reset_required = ? WHERE id = ?`, boolInt(required), userID)
		return err
	})
}

func (u *UserDB) EnsurePersistentUser(ctx context.Context, username, passwordHash string, roles []store.Role) error {
	_, err := u.UserByUsername(ctx, username)
	if err == nil {
		return nil // user exists; leave alone
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	_, err = u.CreateUser(ctx, &store.User{
		Username:      username,
		PasswordHash:  passwordHash,
		Roles:         roles,
		ResetRequired: true,
		Persistent:    true,
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil // concurrent bootstrap won the race
	}
	return err
}

func (u *UserDB) ForEachUser(ctx context.Context, fn func(*store.User) error) error {
	// Collect the base rows first: the pool holds a single connection, so
	// the per-user role lookups cannot run while the cursor is open.
	var ids []int64
	err := withRetry(u.log, func() error {
		ids = ids[:0]
		rows, err := u.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return err
	}

	for _, id := range ids {
		usr, err := u.userBy(ctx, `id = ?`, id)
		if errors.Is(err, store.ErrNotFound) {
			continue // deleted mid-stream
		}
		if err != nil {
			return err
		}
		if err := fn(usr); err != nil {
			return err
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
