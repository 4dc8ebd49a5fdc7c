package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/kkkkikiki/giftcard/internal/model"
)

// ParticipantRepository stores participant records of the host project as field/value rows
type ParticipantRepository struct {
	projectID string
}

// NewParticipantRepository creates a repository scoped to one project
func NewParticipantRepository(projectID string) *ParticipantRepository {
	return &ParticipantRepository{projectID: projectID}
}

// ProjectID returns the project the repository reads and writes
func (r *ParticipantRepository) ProjectID() string {
	return r.projectID
}

type fieldRow struct {
	RecordID  string `db:"record_id"`
	FieldName string `db:"field_name"`
	Value     string `db:"value"`
}

// Get loads one participant with all of its fields
func (r *ParticipantRepository) Get(ctx context.Context, db DBExecutor, recordID string) (*model.Participant, error) {
	var rows []fieldRow
	query := `SELECT record_id, field_name, value FROM participant_data WHERE project_id = ? AND record_id = ?`
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), r.projectID, recordID); err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &collect(rows)[0], nil
}

// FindByField returns the ids of participants whose field equals value
func (r *ParticipantRepository) FindByField(ctx context.Context, db DBExecutor, field, value string) ([]string, error) {
	var ids []string
	query := `
		SELECT record_id FROM participant_data
		WHERE project_id = ? AND field_name = ? AND value = ?
		ORDER BY record_id
	`
	if err := db.SelectContext(ctx, &ids, db.Rebind(query), r.projectID, field, value); err != nil {
		return nil, fmt.Errorf("failed to find participants by %s: %w", field, err)
	}
	return ids, nil
}

// ListMissing returns every participant whose field is absent or blank, with all fields loaded
func (r *ParticipantRepository) ListMissing(ctx context.Context, db DBExecutor, field string) ([]model.Participant, error) {
	var rows []fieldRow
	query := `
		SELECT d.record_id, d.field_name, d.value
		FROM participant_data d
		WHERE d.project_id = ?
		  AND NOT EXISTS (
			SELECT 1 FROM participant_data f
			WHERE f.project_id = d.project_id AND f.record_id = d.record_id
			  AND f.field_name = ? AND f.value <> ''
		  )
		ORDER BY d.record_id, d.field_name
	`
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), r.projectID, field); err != nil {
		return nil, fmt.Errorf("failed to list participants missing %s: %w", field, err)
	}
	return collect(rows), nil
}

// Any returns one participant id from the project, or ErrNotFound when the project is empty
func (r *ParticipantRepository) Any(ctx context.Context, db DBExecutor) (string, error) {
	var ids []string
	query := `SELECT record_id FROM participant_data WHERE project_id = ? ORDER BY record_id LIMIT 1`
	if err := db.SelectContext(ctx, &ids, db.Rebind(query), r.projectID); err != nil {
		return "", fmt.Errorf("failed to find any participant: %w", err)
	}
	if len(ids) == 0 {
		return "", ErrNotFound
	}
	return ids[0], nil
}

// FieldNames lists every field name stored on at least one participant, sorted
func (r *ParticipantRepository) FieldNames(ctx context.Context, db DBExecutor) ([]string, error) {
	var names []string
	query := `SELECT DISTINCT field_name FROM participant_data WHERE project_id = ? ORDER BY field_name`
	if err := db.SelectContext(ctx, &names, db.Rebind(query), r.projectID); err != nil {
		return nil, fmt.Errorf("failed to list participant fields: %w", err)
	}
	return names, nil
}

// Save upserts the given fields. Fields not mentioned are left untouched.
func (r *ParticipantRepository) Save(ctx context.Context, db DBExecutor, recordID string, fields map[string]string) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	query := db.Rebind(`
		INSERT INTO participant_data (project_id, record_id, field_name, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project_id, record_id, field_name) DO UPDATE SET value = excluded.value
	`)
	for _, name := range names {
		if _, err := db.ExecContext(ctx, query, r.projectID, recordID, name, fields[name]); err != nil {
			return fmt.Errorf("failed to save participant field %s: %w", name, err)
		}
	}
	return nil
}

func collect(rows []fieldRow) []model.Participant {
	var out []model.Participant
	for _, row := range rows {
		if len(out) == 0 || out[len(out)-1].ID != row.RecordID {
			out = append(out, model.Participant{ID: row.RecordID, Fields: map[string]string{}})
		}
		out[len(out)-1].Fields[row.FieldName] = row.Value
	}
	return out
}
