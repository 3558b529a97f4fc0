package access

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/face"
)

// Repository is the persistence collaborator for users, rooms, permissions,
// descriptors and visit reports. Uniqueness of permission pairs and cascade
// deletion are schema constraints which the service layer trusts.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Name, &u.Surname, &u.Note, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a new user.
func (r *Repository) CreateUser(ctx context.Context, input CreateUserInput) (*User, error) {
	const query = `
        INSERT INTO users (id, name, surname, note, created_at)
        VALUES ($1, $2, $3, $4, now())
        RETURNING id, name, surname, note, created_at
    `

	row := r.pool.QueryRow(ctx, query,
		uuid.New(), strings.TrimSpace(input.Name), strings.TrimSpace(input.Surname), input.Note)
	return scanUser(row)
}

// UpdateUser replaces the user's identity fields.
func (r *Repository) UpdateUser(ctx context.Context, id uuid.UUID, input CreateUserInput) (*User, error) {
	const query = `
        UPDATE users SET name = $2, surname = $3, note = $4
        WHERE id = $1
        RETURNING id, name, surname, note, created_at
    `

	row := r.pool.QueryRow(ctx, query,
		id, strings.TrimSpace(input.Name), strings.TrimSpace(input.Surname), input.Note)
	u, err := scanUser(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

// GetUser loads a user by id.
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	const query = `SELECT id, name, surname, note, created_at FROM users WHERE id = $1`

	u, err := scanUser(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

// ListUsers returns all users ordered by surname.
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	const query = `SELECT id, name, surname, note, created_at FROM users ORDER BY surname, name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// DeleteUser removes a user; descriptors, permissions and visits cascade
// at the schema level.
func (r *Repository) DeleteUser(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRoom loads a room by id.
func (r *Repository) GetRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	const query = `SELECT id, name, created_at FROM rooms WHERE id = $1`

	var room Room
	if err := r.pool.QueryRow(ctx, query, id).Scan(&room.ID, &room.Name, &room.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &room, nil
}

// ListRoomsByManager returns the rooms a manager controls.
func (r *Repository) ListRoomsByManager(ctx context.Context, managerID uuid.UUID) ([]Room, error) {
	const query = `
        SELECT r.id, r.name, r.created_at
        FROM rooms r
        JOIN manager_room_control_permissions p ON p.room_id = r.id
        WHERE p.manager_id = $1
        ORDER BY r.name
    `

	rows, err := r.pool.Query(ctx, query, managerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// ListAccessedUsers returns the users holding standing access to a room.
func (r *Repository) ListAccessedUsers(ctx context.Context, roomID uuid.UUID) ([]User, error) {
	const query = `
        SELECT u.id, u.name, u.surname, u.note, u.created_at
        FROM users u
        JOIN user_room_access_permissions p ON p.user_id = u.id
        WHERE p.room_id = $1
        ORDER BY u.surname, u.name
    `

	rows, err := r.pool.Query(ctx, query, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// HasAccess reports whether the (user, room) access permission exists.
// Row presence is the whole authorization model: no hierarchy, no groups.
func (r *Repository) HasAccess(ctx context.Context, userID, roomID uuid.UUID) (bool, error) {
	const query = `
        SELECT EXISTS (
            SELECT 1 FROM user_room_access_permissions WHERE user_id = $1 AND room_id = $2
        )
    `

	var exists bool
	if err := r.pool.QueryRow(ctx, query, userID, roomID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// GrantAccess inserts the permission pair; granting twice is a no-op.
func (r *Repository) GrantAccess(ctx context.Context, userID, roomID uuid.UUID) error {
	const query = `
        INSERT INTO user_room_access_permissions (user_id, room_id)
        VALUES ($1, $2)
        ON CONFLICT DO NOTHING
    `

	_, err := r.pool.Exec(ctx, query, userID, roomID)
	return err
}

// RevokeAccess deletes the permission pair; revoking an absent one is a
// no-op.
func (r *Repository) RevokeAccess(ctx context.Context, userID, roomID uuid.UUID) error {
	const query = `DELETE FROM user_room_access_permissions WHERE user_id = $1 AND room_id = $2`

	_, err := r.pool.Exec(ctx, query, userID, roomID)
	return err
}

// ManagerControlsRoom reports whether the (room, manager) control pair
// exists.
func (r *Repository) ManagerControlsRoom(ctx context.Context, managerID, roomID uuid.UUID) (bool, error) {
	const query = `
        SELECT EXISTS (
            SELECT 1 FROM manager_room_control_permissions WHERE manager_id = $1 AND room_id = $2
        )
    `

	var exists bool
	if err := r.pool.QueryRow(ctx, query, managerID, roomID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// GrantControl inserts the control pair; idempotent.
func (r *Repository) GrantControl(ctx context.Context, managerID, roomID uuid.UUID) error {
	const query = `
        INSERT INTO manager_room_control_permissions (manager_id, room_id)
        VALUES ($1, $2)
        ON CONFLICT DO NOTHING
    `

	_, err := r.pool.Exec(ctx, query, managerID, roomID)
	return err
}

// RevokeControl deletes the control pair; idempotent.
func (r *Repository) RevokeControl(ctx context.Context, managerID, roomID uuid.UUID) error {
	const query = `DELETE FROM manager_room_control_permissions WHERE manager_id = $1 AND room_id = $2`

	_, err := r.pool.Exec(ctx, query, managerID, roomID)
	return err
}

// InsertDescriptor stores one 128-d descriptor for a user.
func (r *Repository) InsertDescriptor(ctx context.Context, userID uuid.UUID, vector face.Descriptor) (uuid.UUID, error) {
	const query = `
        INSERT INTO user_face_descriptors (id, user_id, features, created_at)
        VALUES ($1, $2, $3, now())
    `

	id := uuid.New()
	if _, err := r.pool.Exec(ctx, query, id, userID, pgvector.NewVector(vector)); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// DeleteDescriptor removes one descriptor.
func (r *Repository) DeleteDescriptor(ctx context.Context, descriptorID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_face_descriptors WHERE id = $1`, descriptorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDescriptorsByUser removes all of a user's descriptors and returns
// their ids so the matcher can drop them too.
func (r *Repository) DeleteDescriptorsByUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	const query = `DELETE FROM user_face_descriptors WHERE user_id = $1 RETURNING id`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListEnrollments loads every stored descriptor for matcher warm-up.
func (r *Repository) ListEnrollments(ctx context.Context) ([]face.Enrollment, error) {
	const query = `SELECT id, user_id, features FROM user_face_descriptors`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var enrollments []face.Enrollment
	for rows.Next() {
		var (
			e   face.Enrollment
			vec pgvector.Vector
		)
		if err := rows.Scan(&e.DescriptorID, &e.UserID, &vec); err != nil {
			return nil, err
		}
		descriptor, err := face.NewDescriptor(vec.Slice())
		if err != nil {
			return nil, err
		}
		e.Vector = descriptor
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

// InsertVisit appends one visit record. Visits are never updated.
func (r *Repository) InsertVisit(ctx context.Context, roomID, userID uuid.UUID, at time.Time) (*VisitReport, error) {
	const query = `
        INSERT INTO room_visit_reports (id, room_id, user_id, visited_at)
        VALUES ($1, $2, $3, $4)
        RETURNING id, room_id, user_id, visited_at
    `

	var v VisitReport
	err := r.pool.QueryRow(ctx, query, uuid.New(), roomID, userID, at.UTC()).
		Scan(&v.ID, &v.RoomID, &v.UserID, &v.VisitedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVisitsPage returns one keyset page of visit records matching the
// filter, ordered by (visited_at, id) ascending. The (timestamp, id) cursor
// makes the sequence restartable at any record.
func (r *Repository) ListVisitsPage(ctx context.Context, filter VisitFilter, after *VisitCursor, limit int) ([]VisitReport, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, room_id, user_id, visited_at FROM room_visit_reports WHERE true`)

	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.RoomID != nil {
		query.WriteString(` AND room_id = ` + arg(*filter.RoomID))
	}
	if filter.UserID != nil {
		query.WriteString(` AND user_id = ` + arg(*filter.UserID))
	}
	if filter.From != nil {
		query.WriteString(` AND visited_at >= ` + arg(filter.From.UTC()))
	}
	if filter.To != nil {
		query.WriteString(` AND visited_at < ` + arg(filter.To.UTC()))
	}
	if after != nil {
		query.WriteString(` AND (visited_at, id) > (` + arg(after.VisitedAt.UTC()) + `, ` + arg(after.ID) + `)`)
	}
	query.WriteString(` ORDER BY visited_at, id LIMIT ` + arg(limit))

	rows, err := r.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var visits []VisitReport
	for rows.Next() {
		var v VisitReport
		if err := rows.Scan(&v.ID, &v.RoomID, &v.UserID, &v.VisitedAt); err != nil {
			return nil, err
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}
