package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kkkkikiki/giftcard/internal/logging"
	"github.com/kkkkikiki/giftcard/internal/metrics"
	"github.com/kkkkikiki/giftcard/internal/model"
	"github.com/kkkkikiki/giftcard/internal/repository"
)

// ClaimStatus classifies a claim page visit
type ClaimStatus string

const (
	ClaimNotFound       ClaimStatus = "not_found"
	ClaimClaimed        ClaimStatus = "claimed"
	ClaimAlreadyClaimed ClaimStatus = "already_claimed"
	ClaimRejected       ClaimStatus = "rejected"
	ClaimError          ClaimStatus = "error"
)

// ClaimPage is everything the claim page renders
type ClaimPage struct {
	Status  ClaimStatus `json:"status"`
	Title   string      `json:"title"`
	Header  string      `json:"header"`
	Content string      `json:"content,omitempty"`
	Notices []string    `json:"notices,omitempty"`
	// Token is echoed so the page can offer the alternate email form
	Token string `json:"-"`
}

// Found reports whether the token matched a reward
func (p ClaimPage) Found() bool {
	return p.Status != ClaimNotFound
}

// Claim finalizes the reward behind token and emails its details to the participant, and to
// alternateEmail when one is given. Repeat visits follow the program's reclaim policy.
func (e *RewardEngine) Claim(ctx context.Context, token, alternateEmail string) ClaimPage {
	ctx, span := e.tracer.Start(ctx, "RewardEngine.Claim")
	defer span.End()

	page := e.claim(ctx, strings.TrimSpace(token), strings.TrimSpace(alternateEmail))
	span.SetAttributes(attribute.String("giftcard.claim_status", string(page.Status)))
	metrics.ClaimTotal.WithLabelValues(string(page.Status)).Inc()
	return page
}

func (e *RewardEngine) claim(ctx context.Context, token, alternateEmail string) ClaimPage {
	notFound := ClaimPage{
		Status:  ClaimNotFound,
		Title:   model.DefaultEmailSubject,
		Header:  "We are unable to locate your gift card reward.",
		Notices: []string{"reward not found"},
	}
	if token == "" {
		return notFound
	}

	reward, err := e.rewards.FindByToken(ctx, e.db, e.catalog.Pool.ID, token)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			e.logger.ErrorContext(ctx, "claim lookup failed", slog.Any("error", err))
			return ClaimPage{Status: ClaimError, Title: model.DefaultEmailSubject, Header: "Your reward could not be loaded. Please try again later."}
		}
		return notFound
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("giftcard.reward_id", reward.ID))

	program, ok := e.catalog.Program(reward.ProgramName.String)
	if !ok {
		// the program was removed from the catalog after the reservation
		program = &model.RewardProgram{
			Title:        reward.ProgramName.String,
			EmailSubject: model.DefaultEmailSubject,
			EmailHeader:  model.DefaultEmailHeader,
			Reclaim:      model.ReclaimResend,
		}
	}

	var fields map[string]string
	participant, err := e.participant(ctx, reward.ParticipantID.String)
	hasParticipant := err == nil
	if hasParticipant {
		fields = participant.Fields
	} else {
		e.logger.WarnContext(ctx, "claimed reward has no participant record",
			slog.Int64("reward_id", reward.ID), slog.String("record", reward.ParticipantID.String), slog.Any("error", err))
		participant = &model.Participant{ID: reward.ParticipantID.String, Fields: map[string]string{}}
	}

	page := ClaimPage{
		Status: ClaimClaimed,
		Title:  pipe(program.EmailSubject, fields, false),
		Header: pipe(program.EmailHeader, fields, false),
		Token:  token,
	}

	repeat := reward.Status == model.StatusClaimed
	if repeat {
		page.Status = ClaimAlreadyClaimed
		if program.Reclaim == model.ReclaimReject {
			page.Status = ClaimRejected
			page.Notices = append(page.Notices, "This reward has already been claimed. Please check the email sent to you at that time.")
			return page
		}
	}
	page.Content = rewardContent(program.Title, *reward)

	if err := e.rewards.MarkClaimed(ctx, e.db, reward.ID, e.now()); err != nil {
		e.logger.ErrorContext(ctx, "failed to mark reward claimed", slog.Int64("reward_id", reward.ID), slog.Any("error", err))
		page.Notices = append(page.Notices, (&PersistenceError{Op: "mark reward claimed", Err: err}).Error())
	}
	if program.StatusField != "" && hasParticipant {
		if err := e.saveParticipant(ctx, participant.ID, map[string]string{program.StatusField: model.ParticipantClaimed}); err != nil {
			page.Notices = append(page.Notices, err.Error())
		}
	}

	email := participant.Field(program.EmailField)
	if email != "" && (!repeat || program.Reclaim == model.ReclaimResend) {
		if err := e.send(ctx, "reward", rewardEmail(program, fields, *reward, email)); err != nil {
			e.logger.ErrorContext(ctx, "reward email failed", slog.Int64("reward_id", reward.ID), slog.Any("error", err))
			page.Notices = append(page.Notices, "We could not email your reward; please keep this page for your records.")
		} else {
			page.Notices = append(page.Notices, "A copy of your reward was sent to your email address.")
		}
	}

	if alternateEmail != "" {
		page.Notices = append(page.Notices, e.sendAlternate(ctx, program, fields, *reward, alternateEmail))
	}

	e.logger.InfoContext(ctx, "reward claim page served",
		slog.Int64("reward_id", reward.ID), slog.String("status", string(page.Status)), slog.Bool("repeat", repeat))
	return page
}

func (e *RewardEngine) sendAlternate(ctx context.Context, program *model.RewardProgram, fields map[string]string, reward model.Reward, address string) string {
	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return fmt.Sprintf("%q is not a valid email address.", address)
	}
	if err := e.rewards.SetAlternateEmail(ctx, e.db, reward.ID, parsed.Address); err != nil {
		e.logger.ErrorContext(ctx, "failed to store alternate email", slog.Int64("reward_id", reward.ID), slog.Any("error", err))
	}
	if err := e.send(ctx, "reward_alternate", rewardEmail(program, fields, reward, parsed.Address)); err != nil {
		e.logger.ErrorContext(ctx, "alternate reward email failed",
			slog.Int64("reward_id", reward.ID), logging.Email("email", parsed.Address), slog.Any("error", err))
		return "We could not email your reward to " + parsed.Address + "."
	}
	return "Your reward was also sent to " + parsed.Address + "."
}
