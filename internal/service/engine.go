package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kkkkikiki/giftcard/internal/lock"
	"github.com/kkkkikiki/giftcard/internal/logging"
	"github.com/kkkkikiki/giftcard/internal/mailer"
	"github.com/kkkkikiki/giftcard/internal/metrics"
	"github.com/kkkkikiki/giftcard/internal/model"
	"github.com/kkkkikiki/giftcard/internal/repository"
	"github.com/kkkkikiki/giftcard/internal/tracing"
)

// DefaultLockTimeout bounds how long a reservation waits for the pool lock
const DefaultLockTimeout = 5 * time.Second

// maxTokenAttempts bounds claim token regeneration on collision
const maxTokenAttempts = 10

// Eligibility is the tri-state result of evaluating a program's logic for a participant
type Eligibility int

const (
	Indeterminate Eligibility = iota
	Eligible
	NotEligible
)

func (e Eligibility) String() string {
	switch e {
	case Eligible:
		return "eligible"
	case NotEligible:
		return "not_eligible"
	}
	return "indeterminate"
}

// Outcome classifies how a ProcessReward call ended
type Outcome string

const (
	OutcomeReserved        Outcome = "reserved"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeAlreadyRewarded Outcome = "already_rewarded"
	OutcomeExhausted       Outcome = "exhausted"
	OutcomeLockTimeout     Outcome = "lock_timeout"
	OutcomeFailed          Outcome = "failed"
)

// Result is what ProcessReward reports. Success is false only when something needs operator
// attention; duplicates and an empty library are handled outcomes.
type Result struct {
	Success  bool    `json:"success"`
	Message  string  `json:"message"`
	Outcome  Outcome `json:"outcome"`
	RewardID int64   `json:"reward_id,omitempty"`
}

// Evaluator decides whether a participant satisfies an eligibility expression
type Evaluator interface {
	Evaluate(expression string, participant model.Participant) (bool, error)
}

// Options tunes a RewardEngine. Zero values select defaults.
type Options struct {
	LockTimeout time.Duration
	Tokens      TokenGenerator
	Now         func() time.Time
	// Location sets the day boundaries of the daily summary. Nil keeps the clock's own zone.
	Location *time.Location
	Logger   *slog.Logger
}

// RewardEngine evaluates eligibility, reserves rewards under the pool lock, and finalizes claims
type RewardEngine struct {
	db           *sqlx.DB
	catalog      *model.Catalog
	rewards      *repository.RewardRepository
	participants *repository.ParticipantRepository
	evaluator    Evaluator
	locker       lock.DistributedLock
	mailer       mailer.Mailer
	tracer       trace.Tracer
	logger       *slog.Logger

	lockTimeout time.Duration
	tokens      TokenGenerator
	now         func() time.Time
	location    *time.Location
}

// NewRewardEngine creates a RewardEngine for one catalog. The catalog must already be validated.
func NewRewardEngine(db *sqlx.DB, catalog *model.Catalog, evaluator Evaluator, locker lock.DistributedLock, m mailer.Mailer, opts Options) *RewardEngine {
	e := &RewardEngine{
		db:           db,
		catalog:      catalog,
		rewards:      repository.NewRewardRepository(),
		participants: repository.NewParticipantRepository(catalog.Pool.ProjectID),
		evaluator:    evaluator,
		locker:       locker,
		mailer:       m,
		tracer:       tracing.Tracer(),
		logger:       opts.Logger,
		lockTimeout:  opts.LockTimeout,
		tokens:       opts.Tokens,
		now:          opts.Now,
		location:     opts.Location,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slog.String("component", "reward_engine"), slog.String("pool", catalog.Pool.ID))
	if e.lockTimeout <= 0 {
		e.lockTimeout = DefaultLockTimeout
	}
	if e.tokens == nil {
		e.tokens = RandomToken
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Catalog returns the catalog the engine serves
func (e *RewardEngine) Catalog() *model.Catalog {
	return e.catalog
}

// Program looks a program up by title
func (e *RewardEngine) Program(title string) (*model.RewardProgram, error) {
	p, ok := e.catalog.Program(title)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProgram, title)
	}
	return p, nil
}

// Participants exposes the participant store the engine reads and writes
func (e *RewardEngine) Participants() *repository.ParticipantRepository {
	return e.participants
}

func (e *RewardEngine) lockName() string {
	return "giftcard-pool:" + e.catalog.Pool.ID
}

// rewardRequest carries everything one ProcessReward call needs between steps
type rewardRequest struct {
	program     *model.RewardProgram
	pool        model.Pool
	participant model.Participant
	email       string
	filter      model.InventoryFilter
	logger      *slog.Logger
}

// CheckEligibility evaluates program's logic for one participant. It never writes.
func (e *RewardEngine) CheckEligibility(ctx context.Context, program *model.RewardProgram, participantID string) Eligibility {
	p, err := e.participant(ctx, participantID)
	if err != nil {
		if !errors.Is(err, ErrParticipantNotFound) {
			e.logger.WarnContext(ctx, "eligibility lookup failed",
				slog.String("program", program.Title), slog.String("record", participantID), slog.Any("error", err))
		}
		return Indeterminate
	}
	return e.evaluate(ctx, program, *p)
}

// participant loads one record, reporting ErrParticipantNotFound when it does not exist
func (e *RewardEngine) participant(ctx context.Context, id string) (*model.Participant, error) {
	p, err := e.participants.Get(ctx, e.db, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: record %s", ErrParticipantNotFound, id)
	}
	return p, err
}

func (e *RewardEngine) evaluate(ctx context.Context, program *model.RewardProgram, p model.Participant) Eligibility {
	if p.Field(program.LinkageField) != "" {
		return NotEligible
	}
	ok, err := e.evaluator.Evaluate(program.Logic, p)
	if err != nil {
		e.logger.WarnContext(ctx, "eligibility logic could not be evaluated",
			slog.String("program", program.Title), slog.String("record", p.ID), slog.Any("error", err))
		return Indeterminate
	}
	if ok {
		return Eligible
	}
	return NotEligible
}

// ProcessReward reserves a reward for participantID under program and notifies the participant.
// It never returns an error or panics; every failure is reported through the Result.
func (e *RewardEngine) ProcessReward(ctx context.Context, program *model.RewardProgram, participantID string) (result Result) {
	if program == nil {
		return Result{Success: false, Outcome: OutcomeFailed, Message: fmt.Sprintf("No reward program given for record %s", participantID)}
	}

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "RewardEngine.ProcessReward", trace.WithAttributes(
		attribute.String("giftcard.program", program.Title),
		attribute.String("giftcard.record", participantID),
	))

	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "panic while processing reward",
				slog.String("program", program.Title), slog.String("record", participantID),
				slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			result = Result{
				Success: false,
				Outcome: OutcomeFailed,
				Message: fmt.Sprintf("Unexpected error while processing reward for record %s: %v", participantID, r),
			}
		}
		metrics.RecordProcessReward(program.Title, string(result.Outcome), time.Since(start).Seconds())
		span.SetAttributes(attribute.String("giftcard.outcome", string(result.Outcome)))
		if !result.Success {
			span.SetStatus(codes.Error, result.Message)
		}
		span.End()
	}()

	p, err := e.participant(ctx, participantID)
	if err != nil {
		msg := fmt.Sprintf("Could not load record %s: %v", participantID, err)
		if errors.Is(err, ErrParticipantNotFound) {
			msg = fmt.Sprintf("Record %s does not exist", participantID)
		}
		return Result{Success: false, Outcome: OutcomeFailed, Message: msg}
	}

	req := &rewardRequest{
		program:     program,
		pool:        e.catalog.Pool,
		participant: *p,
		email:       p.Field(program.EmailField),
		filter:      program.Filter(p.Field(program.BrandField)),
	}
	req.logger = e.logger.With(slog.String("program", program.Title), slog.String("record", p.ID))

	return e.process(ctx, req)
}

func (e *RewardEngine) process(ctx context.Context, req *rewardRequest) Result {
	if !req.program.AllowMultiple {
		if dup, err := e.findDuplicate(ctx, req); err != nil {
			return Result{Success: false, Outcome: OutcomeFailed, Message: fmt.Sprintf("Duplicate check failed: %v", err)}
		} else if dup != "" {
			req.logger.InfoContext(ctx, "duplicate email suppressed", logging.Email("email", req.email), slog.String("other_record", dup))
			msg := fmt.Sprintf("Record %s was not rewarded: record %s with the same email address already received a %s reward",
				req.participant.ID, dup, req.program.Title)
			if err := e.saveStatus(ctx, req, model.ParticipantDuplicate); err != nil {
				msg += "; " + err.Error()
			}
			return Result{Success: true, Outcome: OutcomeDuplicate, Message: msg}
		}
	}

	reservation, err := e.reserveUnderLock(ctx, req)

	var contention *ResourceContentionError
	var linked *alreadyLinkedError
	switch {
	case errors.As(err, &contention):
		req.logger.ErrorContext(ctx, "reservation lock unavailable", slog.Any("error", err))
		msg := fmt.Sprintf("Database lock problem: %v", err)
		if saveErr := e.saveStatus(ctx, req, model.ParticipantLockProblem); saveErr != nil {
			msg += "; " + saveErr.Error()
		}
		return Result{Success: false, Outcome: OutcomeLockTimeout, Message: msg}

	case errors.As(err, &linked):
		msg := fmt.Sprintf("Record %s already has reward %d for %s", req.participant.ID, linked.reward.ID, req.program.Title)
		if req.participant.Field(req.program.LinkageField) == "" && linked.reward.Token.Valid {
			if saveErr := e.commitParticipant(ctx, req, linked.reward); saveErr != nil {
				return Result{Success: false, Outcome: OutcomeAlreadyRewarded, RewardID: linked.reward.ID, Message: msg + "; " + saveErr.Error()}
			}
			msg += "; record linkage repaired"
		}
		return Result{Success: true, Outcome: OutcomeAlreadyRewarded, RewardID: linked.reward.ID, Message: msg}

	case errors.Is(err, ErrNoInventory):
		req.logger.WarnContext(ctx, "gift card library exhausted", slog.String("filter", filterDescription(req.filter)))
		msg := fmt.Sprintf("No gift cards with %s are available for %s; record %s was not rewarded",
			filterDescription(req.filter), req.program.Title, req.participant.ID)
		if sendErr := e.send(ctx, "exhausted_alert", exhaustedAlert(req.pool, req)); sendErr != nil {
			msg += "; " + sendErr.Error()
		}
		if sendErr := e.alertLowBalance(ctx, req, 0); sendErr != nil {
			msg += "; " + sendErr.Error()
		}
		if saveErr := e.saveStatus(ctx, req, model.ParticipantUnavailable); saveErr != nil {
			msg += "; " + saveErr.Error()
		}
		return Result{Success: true, Outcome: OutcomeExhausted, Message: msg}

	case err != nil:
		req.logger.ErrorContext(ctx, "reservation failed", slog.Any("error", err))
		return Result{Success: false, Outcome: OutcomeFailed, Message: fmt.Sprintf("Reservation failed: %v", err)}
	}

	reward := reservation.reward
	req.logger.InfoContext(ctx, "reward reserved", slog.Int64("reward_id", reward.ID), slog.Int("remaining", reservation.remaining))
	metrics.AvailableRewards.WithLabelValues(req.program.Title).Set(float64(reservation.remaining))

	var problems []string
	if sendErr := e.alertLowBalance(ctx, req, reservation.remaining); sendErr != nil {
		problems = append(problems, sendErr.Error())
	}

	notified := false
	if !req.program.SuppressEmail {
		msg := reservationEmail(req, reward, claimURL(req.pool, reward.Token.String))
		if sendErr := e.send(ctx, "reservation", msg); sendErr != nil {
			req.logger.ErrorContext(ctx, "reservation email failed; reward stays reserved",
				slog.Int64("reward_id", reward.ID), slog.Any("error", sendErr))
			problems = append(problems, sendErr.Error())
		} else {
			notified = true
		}
	}

	if saveErr := e.commitParticipant(ctx, req, reward); saveErr != nil {
		req.logger.ErrorContext(ctx, "participant update failed", slog.Int64("reward_id", reward.ID), slog.Any("error", saveErr))
		problems = append(problems, saveErr.Error())
	}

	msg := fmt.Sprintf("Reward %d reserved for record %s under %s", reward.ID, req.participant.ID, req.program.Title)
	if notified {
		msg += " and emailed"
	}
	if len(problems) > 0 {
		msg += "; " + strings.Join(problems, "; ")
	}
	return Result{Success: len(problems) == 0, Outcome: OutcomeReserved, RewardID: reward.ID, Message: msg}
}

// alertLowBalance emails the pool's alert address when remaining is at or below the program's threshold
func (e *RewardEngine) alertLowBalance(ctx context.Context, req *rewardRequest, remaining int) error {
	if req.program.LowBalanceOptOut || remaining > req.program.LowBalanceThreshold {
		return nil
	}
	return e.send(ctx, "low_balance_alert", lowBalanceAlert(req.pool, req, remaining))
}

// findDuplicate returns the id of another record with the same email that already holds a
// reward under this program.
func (e *RewardEngine) findDuplicate(ctx context.Context, req *rewardRequest) (string, error) {
	if req.email == "" || req.program.EmailField == "" {
		return "", nil
	}
	ids, err := e.participants.FindByField(ctx, e.db, req.program.EmailField, req.email)
	if err != nil {
		return "", err
	}
	others := ids[:0]
	for _, id := range ids {
		if id != req.participant.ID {
			others = append(others, id)
		}
	}
	linked, err := e.rewards.FindLinkedAny(ctx, e.db, req.pool.ID, req.program.Title, req.pool.ProjectID, others)
	if err != nil {
		return "", err
	}
	if len(linked) == 0 {
		return "", nil
	}
	return linked[0].ParticipantID.String, nil
}

type reservation struct {
	reward    model.Reward
	remaining int
}

type alreadyLinkedError struct {
	reward model.Reward
}

func (e *alreadyLinkedError) Error() string {
	return fmt.Sprintf("reward %d already linked", e.reward.ID)
}

// reserveUnderLock holds the pool lock only around the read-check-write transaction.
func (e *RewardEngine) reserveUnderLock(ctx context.Context, req *rewardRequest) (*reservation, error) {
	name := e.lockName()
	waitStart := time.Now()
	lease, err := e.locker.Acquire(ctx, name, e.lockTimeout)
	waited := time.Since(waitStart)
	metrics.RecordLockWait(err == nil, waited.Seconds())
	if err != nil {
		return nil, &ResourceContentionError{Resource: name, Waited: waited, Err: err}
	}

	heldSince := time.Now()
	defer func() {
		metrics.LockHoldDuration.Observe(time.Since(heldSince).Seconds())
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			req.logger.ErrorContext(ctx, "failed to release pool lock", slog.String("lock", name), slog.Any("error", err))
		}
	}()

	return e.reserve(ctx, req)
}

func (e *RewardEngine) reserve(ctx context.Context, req *rewardRequest) (*reservation, error) {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, &PersistenceError{Op: "begin reservation", Err: err}
	}
	defer tx.Rollback()

	if !req.program.AllowMultiple {
		linked, err := e.rewards.FindLinked(ctx, tx, req.pool.ID, req.program.Title, req.pool.ProjectID, req.participant.ID)
		if err != nil {
			return nil, &PersistenceError{Op: "check existing reward", Err: err}
		}
		if len(linked) > 0 {
			return nil, &alreadyLinkedError{reward: linked[0]}
		}
	}

	reward, err := e.rewards.FindAvailable(ctx, tx, req.pool.ID, req.filter)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoInventory
		}
		return nil, &PersistenceError{Op: "find available reward", Err: err}
	}
	if !reward.Status.CanAdvanceTo(model.StatusReserved) || !req.filter.Matches(*reward) {
		return nil, &PersistenceError{Op: "find available reward", Err: fmt.Errorf("reward %d is not reservable", reward.ID)}
	}

	token, err := e.newToken(ctx, tx, req.pool)
	if err != nil {
		return nil, err
	}

	now := e.now()
	err = e.rewards.MarkReserved(ctx, tx, reward.ID, repository.Reservation{
		Token:         token,
		ProgramName:   req.program.Title,
		ProjectID:     req.pool.ProjectID,
		ParticipantID: req.participant.ID,
		ReservedAt:    now,
	})
	if err != nil {
		return nil, &PersistenceError{Op: "reserve reward", Err: err}
	}

	remaining, err := e.rewards.CountAvailable(ctx, tx, req.pool.ID, req.filter)
	if err != nil {
		return nil, &PersistenceError{Op: "count remaining rewards", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &PersistenceError{Op: "commit reservation", Err: err}
	}

	reward.Status = model.StatusReserved
	reward.Token.String, reward.Token.Valid = token, true
	reward.ProgramName.String, reward.ProgramName.Valid = req.program.Title, true
	reward.ProjectID.String, reward.ProjectID.Valid = req.pool.ProjectID, true
	reward.ParticipantID.String, reward.ParticipantID.Valid = req.participant.ID, true
	reward.ReservedAt.Time, reward.ReservedAt.Valid = now, true

	return &reservation{reward: *reward, remaining: remaining}, nil
}

func (e *RewardEngine) newToken(ctx context.Context, db repository.DBExecutor, pool model.Pool) (string, error) {
	for i := 0; i < maxTokenAttempts; i++ {
		token, err := e.tokens(pool.TokenLength)
		if err != nil {
			return "", fmt.Errorf("generate claim token: %w", err)
		}
		exists, err := e.rewards.TokenExists(ctx, db, pool.ID, token)
		if err != nil {
			return "", &PersistenceError{Op: "check claim token", Err: err}
		}
		if !exists {
			return token, nil
		}
	}
	return "", ErrTokenExhausted
}

// commitParticipant writes the reservation back onto the participant record
func (e *RewardEngine) commitParticipant(ctx context.Context, req *rewardRequest, reward model.Reward) error {
	fields := map[string]string{
		req.program.LinkageField: reward.Token.String,
		req.program.StatusField:  model.ParticipantReserved,
	}
	if req.program.URLField != "" {
		fields[req.program.URLField] = claimURL(req.pool, reward.Token.String)
	}
	return e.saveParticipant(ctx, req.participant.ID, fields)
}

func (e *RewardEngine) saveStatus(ctx context.Context, req *rewardRequest, status string) error {
	return e.saveParticipant(ctx, req.participant.ID, map[string]string{req.program.StatusField: status})
}

func (e *RewardEngine) saveParticipant(ctx context.Context, id string, fields map[string]string) error {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "update record " + id, Err: err}
	}
	defer tx.Rollback()

	if err := e.participants.Save(ctx, tx, id, fields); err != nil {
		return &PersistenceError{Op: "update record " + id, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "update record " + id, Err: err}
	}
	return nil
}

func (e *RewardEngine) send(ctx context.Context, kind string, msg mailer.Message) error {
	err := e.mailer.Send(ctx, msg)
	metrics.RecordEmail(kind, err)
	if err != nil {
		return &TransportError{Kind: strings.ReplaceAll(kind, "_", " "), Err: err}
	}
	return nil
}
