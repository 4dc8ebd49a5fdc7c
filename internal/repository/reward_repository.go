package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kkkkikiki/giftcard/internal/model"
)

const rewardColumns = `id, pool_id, status, amount, brand, egift_number, challenge_code, url,
	reward_hash, reward_name, reward_pid, reward_record, alternate_email,
	reserved_at, claimed_at, created_at`

// Reservation is the link written onto a reward when it is reserved
type Reservation struct {
	Token         string
	ProgramName   string
	ProjectID     string
	ParticipantID string
	ReservedAt    time.Time
}

// RewardRepository handles reward library operations
type RewardRepository struct {
	// stateless; every method takes the executor to run on
}

// NewRewardRepository creates a new reward repository
func NewRewardRepository() *RewardRepository {
	return &RewardRepository{}
}

func inventoryWhere(poolID string, status model.RewardStatus, filter model.InventoryFilter) (string, []interface{}) {
	clauses := []string{"pool_id = ?", "status = ?"}
	args := []interface{}{poolID, status}
	if filter.HasAmount {
		clauses = append(clauses, "amount = ?")
		args = append(args, filter.Amount)
	}
	if filter.Brand != "" {
		clauses = append(clauses, "brand = ?")
		args = append(args, filter.Brand)
	}
	return strings.Join(clauses, " AND "), args
}

// FindAvailable returns the lowest-id available reward matching filter. On postgres the row is
// locked for the rest of the transaction.
func (r *RewardRepository) FindAvailable(ctx context.Context, db DBExecutor, poolID string, filter model.InventoryFilter) (*model.Reward, error) {
	where, args := inventoryWhere(poolID, model.StatusAvailable, filter)
	query := `SELECT ` + rewardColumns + ` FROM rewards WHERE ` + where + ` ORDER BY id ASC LIMIT 1`
	if isPostgres(db) {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	var reward model.Reward
	err := db.GetContext(ctx, &reward, db.Rebind(query), args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find available reward: %w", err)
	}
	return &reward, nil
}

// CountAvailable counts available rewards matching filter
func (r *RewardRepository) CountAvailable(ctx context.Context, db DBExecutor, poolID string, filter model.InventoryFilter) (int, error) {
	return r.countByStatus(ctx, db, poolID, model.StatusAvailable, filter)
}

// CountNotReady counts rewards loaded but not yet released
func (r *RewardRepository) CountNotReady(ctx context.Context, db DBExecutor, poolID string, filter model.InventoryFilter) (int, error) {
	return r.countByStatus(ctx, db, poolID, model.StatusNotReady, filter)
}

func (r *RewardRepository) countByStatus(ctx context.Context, db DBExecutor, poolID string, status model.RewardStatus, filter model.InventoryFilter) (int, error) {
	where, args := inventoryWhere(poolID, status, filter)
	var count int
	if err := db.GetContext(ctx, &count, db.Rebind(`SELECT COUNT(*) FROM rewards WHERE `+where), args...); err != nil {
		return 0, fmt.Errorf("failed to count %s rewards: %w", status, err)
	}
	return count, nil
}

// CountAvailableByBrand groups available rewards matching the amount filter by brand
func (r *RewardRepository) CountAvailableByBrand(ctx context.Context, db DBExecutor, poolID string, filter model.InventoryFilter) (map[string]int, error) {
	where, args := inventoryWhere(poolID, model.StatusAvailable, filter)
	var rows []struct {
		Brand string `db:"brand"`
		Count int    `db:"n"`
	}
	query := `SELECT brand, COUNT(*) AS n FROM rewards WHERE ` + where + ` GROUP BY brand ORDER BY brand`
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to count rewards by brand: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.Brand] = row.Count
	}
	return out, nil
}

// MarkReserved moves a reward from available to reserved and links it to a participant
func (r *RewardRepository) MarkReserved(ctx context.Context, db DBExecutor, rewardID int64, res Reservation) error {
	query := `
		UPDATE rewards
		SET status = ?, reward_hash = ?, reward_name = ?, reward_pid = ?, reward_record = ?, reserved_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := db.ExecContext(ctx, db.Rebind(query),
		model.StatusReserved, res.Token, res.ProgramName, res.ProjectID, res.ParticipantID, res.ReservedAt.UTC(),
		rewardID, model.StatusAvailable)
	if err != nil {
		return fmt.Errorf("failed to mark reward as reserved: %w", err)
	}
	if err := expectOneRow(result); err != nil {
		return fmt.Errorf("reward %d not available: %w", rewardID, err)
	}
	return nil
}

// MarkClaimed moves a reserved reward to claimed. Claiming again keeps the first claim time.
func (r *RewardRepository) MarkClaimed(ctx context.Context, db DBExecutor, rewardID int64, claimedAt time.Time) error {
	query := `
		UPDATE rewards
		SET status = ?, claimed_at = COALESCE(claimed_at, ?)
		WHERE id = ? AND status IN (?, ?)
	`
	result, err := db.ExecContext(ctx, db.Rebind(query),
		model.StatusClaimed, claimedAt.UTC(), rewardID, model.StatusReserved, model.StatusClaimed)
	if err != nil {
		return fmt.Errorf("failed to mark reward as claimed: %w", err)
	}
	if err := expectOneRow(result); err != nil {
		return fmt.Errorf("reward %d not reserved: %w", rewardID, err)
	}
	return nil
}

// SetAlternateEmail records the extra address a recipient asked the reward to be sent to
func (r *RewardRepository) SetAlternateEmail(ctx context.Context, db DBExecutor, rewardID int64, email string) error {
	_, err := db.ExecContext(ctx, db.Rebind(`UPDATE rewards SET alternate_email = ? WHERE id = ?`), email, rewardID)
	if err != nil {
		return fmt.Errorf("failed to set alternate email: %w", err)
	}
	return nil
}

// FindByToken looks a reward up by its claim token
func (r *RewardRepository) FindByToken(ctx context.Context, db DBExecutor, poolID, token string) (*model.Reward, error) {
	query := `SELECT ` + rewardColumns + ` FROM rewards WHERE pool_id = ? AND reward_hash = ?`
	var reward model.Reward
	err := db.GetContext(ctx, &reward, db.Rebind(query), poolID, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find reward by token: %w", err)
	}
	return &reward, nil
}

// TokenExists reports whether token is already assigned in the pool
func (r *RewardRepository) TokenExists(ctx context.Context, db DBExecutor, poolID, token string) (bool, error) {
	var count int
	err := db.GetContext(ctx, &count, db.Rebind(`SELECT COUNT(*) FROM rewards WHERE pool_id = ? AND reward_hash = ?`), poolID, token)
	if err != nil {
		return false, fmt.Errorf("failed to check token: %w", err)
	}
	return count > 0, nil
}

// FindLinked returns the reserved or claimed rewards linked to a participant under a program
func (r *RewardRepository) FindLinked(ctx context.Context, db DBExecutor, poolID, program, projectID, participantID string) ([]model.Reward, error) {
	return r.FindLinkedAny(ctx, db, poolID, program, projectID, []string{participantID})
}

// FindLinkedAny returns the reserved or claimed rewards linked to any of the participants
func (r *RewardRepository) FindLinkedAny(ctx context.Context, db DBExecutor, poolID, program, projectID string, participantIDs []string) ([]model.Reward, error) {
	if len(participantIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT `+rewardColumns+`
		FROM rewards
		WHERE pool_id = ? AND reward_name = ? AND reward_pid = ? AND reward_record IN (?)
		  AND status IN (?, ?)
		ORDER BY id ASC
	`, poolID, program, projectID, participantIDs, model.StatusReserved, model.StatusClaimed)
	if err != nil {
		return nil, fmt.Errorf("failed to build linked reward query: %w", err)
	}

	var rewards []model.Reward
	if err := db.SelectContext(ctx, &rewards, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to find linked rewards: %w", err)
	}
	return rewards, nil
}

// ListForSummary returns every reward awarded under program
func (r *RewardRepository) ListForSummary(ctx context.Context, db DBExecutor, poolID, program string) ([]model.Reward, error) {
	query := `SELECT ` + rewardColumns + ` FROM rewards WHERE pool_id = ? AND reward_name = ? ORDER BY id ASC`
	var rewards []model.Reward
	if err := db.SelectContext(ctx, &rewards, db.Rebind(query), poolID, program); err != nil {
		return nil, fmt.Errorf("failed to list rewards for summary: %w", err)
	}
	return rewards, nil
}

// CreateRewards loads gift cards into the pool in batches within the given executor
func (r *RewardRepository) CreateRewards(ctx context.Context, db DBExecutor, poolID string, rewards []model.NewReward) (int, error) {
	now := time.Now().UTC()

	// keep well under the postgres bind parameter limit
	batchSize := 1000

	created := 0
	for i := 0; i < len(rewards); i += batchSize {
		end := i + batchSize
		if end > len(rewards) {
			end = len(rewards)
		}

		batch := rewards[i:end]
		if err := r.insertRewardBatch(ctx, db, poolID, batch, now); err != nil {
			return created, fmt.Errorf("failed to insert reward batch: %w", err)
		}
		created += len(batch)
	}

	return created, nil
}

// insertRewardBatch inserts a batch of rewards using a single query
func (r *RewardRepository) insertRewardBatch(ctx context.Context, db DBExecutor, poolID string, rewards []model.NewReward, createdAt time.Time) error {
	if len(rewards) == 0 {
		return nil
	}

	valuesClause := make([]string, len(rewards))
	args := make([]interface{}, 0, len(rewards)*8)

	for i, reward := range rewards {
		valuesClause[i] = "(?, ?, ?, ?, ?, ?, ?, ?)"
		status := model.StatusAvailable
		if reward.NotReady {
			status = model.StatusNotReady
		}
		args = append(args, poolID, status, reward.Amount, reward.Brand,
			reward.EgiftNumber, reward.ChallengeCode, reward.URL, createdAt)
	}

	query := fmt.Sprintf(`
		INSERT INTO rewards (pool_id, status, amount, brand, egift_number, challenge_code, url, created_at)
		VALUES %s
	`, strings.Join(valuesClause, ", "))

	if _, err := db.ExecContext(ctx, db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to execute batch insert: %w", err)
	}

	return nil
}
