package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/whisker-ha/litterrobot-bridge/internal/model"
)

var ErrNotFound = errors.New("not found")

func (r *Repository) ListSelected(ctx context.Context) ([]model.RobotSelection, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, nickname, force_clean_hours, created_at, updated_at
		FROM robots_selected ORDER BY nickname, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.RobotSelection
	for rows.Next() {
		var (
			sel                  model.RobotSelection
			createdAt, updatedAt string
		)
		if err := rows.Scan(&sel.ID, &sel.Nickname, &sel.ForceCleanHours, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		sel.CreatedAt = parseTime(createdAt)
		sel.UpdatedAt = parseTime(updatedAt)
		result = append(result, sel)
	}
	return result, rows.Err()
}

func (r *Repository) GetSelected(ctx context.Context, id string) (model.RobotSelection, error) {
	var (
		sel                  model.RobotSelection
		createdAt, updatedAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, nickname, force_clean_hours, created_at, updated_at
		FROM robots_selected WHERE id = ?`, id).
		Scan(&sel.ID, &sel.Nickname, &sel.ForceCleanHours, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RobotSelection{}, ErrNotFound
	}
	if err != nil {
		return model.RobotSelection{}, err
	}
	sel.CreatedAt = parseTime(createdAt)
	sel.UpdatedAt = parseTime(updatedAt)
	return sel, nil
}

func (r *Repository) UpsertSelected(ctx context.Context, sel model.RobotSelection) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO robots_selected (id, nickname, force_clean_hours, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			nickname=excluded.nickname,
			force_clean_hours=excluded.force_clean_hours,
			updated_at=excluded.updated_at`,
		sel.ID, sel.Nickname, sel.ForceCleanHours, now, now)
	return err
}

func (r *Repository) PatchSelected(ctx context.Context, id string, nickname *string, forceCleanHours *int) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339Nano)}
	if nickname != nil {
		sets = append(sets, "nickname = ?")
		args = append(args, *nickname)
	}
	if forceCleanHours != nil {
		sets = append(sets, "force_clean_hours = ?")
		args = append(args, *forceCleanHours)
	}
	args = append(args, id)

	res, err := r.db.ExecContext(ctx,
		"UPDATE robots_selected SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) DeleteSelected(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM robots_selected WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	// A deselected robot is no longer tracked; its state row goes with it.
	_, err = r.db.ExecContext(ctx, `DELETE FROM robots_state WHERE id = ?`, id)
	return err
}

func (r *Repository) LoadAllStates(ctx context.Context) (map[string]model.DeviceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, nickname, status_code, last_seen, cycle_count, cycle_capacity,
			attributes_json, connectivity, updated_at
		FROM robots_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := map[string]model.DeviceRecord{}
	for rows.Next() {
		var (
			rec            model.DeviceRecord
			lastSeen       sql.NullString
			attributesJSON string
			updatedAt      string
		)
		if err := rows.Scan(&rec.ID, &rec.Nickname, &rec.StatusCode, &lastSeen,
			&rec.CycleCount, &rec.CycleCapacity, &attributesJSON, &rec.Connectivity, &updatedAt); err != nil {
			return nil, err
		}
		rec.LastSeen = toTimePtr(lastSeen)
		rec.UpdatedAt = parseTime(updatedAt)
		if err := json.Unmarshal([]byte(attributesJSON), &rec.Attributes); err != nil {
			// A corrupt row should not take the whole registry down.
			r.logger.Warn("dropping unreadable attributes row", "robot", rec.ID, "err", err)
		}
		result[rec.ID] = rec
	}
	return result, rows.Err()
}

func (r *Repository) UpsertStates(ctx context.Context, records []model.DeviceRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO robots_state (id, nickname, status_code, last_seen, cycle_count,
			cycle_capacity, attributes_json, connectivity, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			nickname=excluded.nickname,
			status_code=excluded.status_code,
			last_seen=excluded.last_seen,
			cycle_count=excluded.cycle_count,
			cycle_capacity=excluded.cycle_capacity,
			attributes_json=excluded.attributes_json,
			connectivity=excluded.connectivity,
			updated_at=excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		attributesJSON, err := json.Marshal(rec.Attributes)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(
			ctx,
			rec.ID,
			rec.Nickname,
			rec.StatusCode,
			fromTimePtr(rec.LastSeen),
			rec.CycleCount,
			rec.CycleCapacity,
			string(attributesJSON),
			rec.Connectivity,
			rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PruneStates removes state rows for robots outside the given id set.
func (r *Repository) PruneStates(ctx context.Context, keep []string) error {
	if len(keep) == 0 {
		_, err := r.db.ExecContext(ctx, `DELETE FROM robots_state`)
		return err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",")
	args := make([]any, len(keep))
	for i, id := range keep {
		args[i] = id
	}
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM robots_state WHERE id NOT IN ("+placeholders+")", args...)
	return err
}

func (r *Repository) LoadSession(ctx context.Context) (model.SessionState, error) {
	var (
		state     model.SessionState
		expiresAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_at, user_id
		FROM session_state WHERE id = 1`).
		Scan(&state.AccessToken, &state.RefreshToken, &expiresAt, &state.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionState{}, ErrNotFound
	}
	if err != nil {
		return model.SessionState{}, err
	}
	state.ExpiresAt = parseTime(expiresAt)
	return state, nil
}

func (r *Repository) SaveSession(ctx context.Context, state model.SessionState) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_state (id, access_token, refresh_token, expires_at, user_id, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token=excluded.access_token,
			refresh_token=excluded.refresh_token,
			expires_at=excluded.expires_at,
			user_id=excluded.user_id,
			updated_at=excluded.updated_at`,
		state.AccessToken,
		state.RefreshToken,
		state.ExpiresAt.UTC().Format(time.RFC3339Nano),
		state.UserID,
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
