package service

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kkkkikiki/giftcard/internal/model"
)

// RetrieveSummary computes the daily roll-up for program. It is read-only and never fails:
// data that cannot be read is reported as zero and logged.
func (e *RewardEngine) RetrieveSummary(ctx context.Context, program *model.RewardProgram) model.Summary {
	ctx, span := e.tracer.Start(ctx, "RewardEngine.RetrieveSummary")
	defer span.End()

	summary := model.Summary{Program: program.Title, AvailableByBrand: map[string]int{}}
	pool := e.catalog.Pool
	filter := program.Filter("")
	logger := e.logger.With(slog.String("program", program.Title))

	now := e.localNow()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	yesterday := today.AddDate(0, 0, -1)
	weekAgo := now.AddDate(0, 0, -7)

	awarded, err := e.rewards.ListForSummary(ctx, e.db, pool.ID, program.Title)
	if err != nil {
		logger.WarnContext(ctx, "summary could not read awarded rewards", slog.Any("error", err))
	}
	for _, r := range awarded {
		if r.Status < model.StatusReserved {
			continue
		}
		summary.Awarded++
		if r.ReservedAt.Valid && inDay(r.ReservedAt.Time, yesterday, today) {
			summary.SentYesterday++
		}
		switch {
		case r.Status == model.StatusClaimed:
			summary.Claimed++
			if r.ClaimedAt.Valid && inDay(r.ClaimedAt.Time, yesterday, today) {
				summary.ClaimedYesterday++
			}
		case r.ReservedAt.Valid && r.ReservedAt.Time.Before(weekAgo):
			summary.UnclaimedOverWeek++
		default:
			summary.UnclaimedInWeek++
		}
	}

	if summary.Available, err = e.rewards.CountAvailable(ctx, e.db, pool.ID, filter); err != nil {
		logger.WarnContext(ctx, "summary could not count available rewards", slog.Any("error", err))
	}
	if summary.NotReady, err = e.rewards.CountNotReady(ctx, e.db, pool.ID, filter); err != nil {
		logger.WarnContext(ctx, "summary could not count rewards not ready", slog.Any("error", err))
	}
	byBrand, err := e.rewards.CountAvailableByBrand(ctx, e.db, pool.ID, filter)
	if err != nil {
		logger.WarnContext(ctx, "summary could not count rewards by brand", slog.Any("error", err))
	}
	for brand, n := range byBrand {
		if brand != "" {
			summary.AvailableByBrand[brand] = n
		}
	}

	return summary
}

// localNow is the current time in the summary's reporting zone
func (e *RewardEngine) localNow() time.Time {
	now := e.now()
	if e.location != nil {
		return now.In(e.location)
	}
	return now
}

func inDay(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

// SendDailySummary emails one report covering every program that has not opted out.
// It returns nil without sending when every program opted out.
func (e *RewardEngine) SendDailySummary(ctx context.Context) error {
	var summaries []model.Summary
	for i := range e.catalog.Programs {
		program := &e.catalog.Programs[i]
		if program.SummaryOptOut {
			e.logger.InfoContext(ctx, "skipping daily summary", slog.String("program", program.Title))
			continue
		}
		summaries = append(summaries, e.RetrieveSummary(ctx, program))
	}
	if len(summaries) == 0 {
		return nil
	}

	pool := e.catalog.Pool
	body := RenderSummaryReport(pool.ProjectID, e.localNow().AddDate(0, 0, -1), summaries)
	msg := alertEmail(pool, "Gift Card Daily Summary for project "+pool.ProjectID, body)
	if err := e.send(ctx, "daily_summary", msg); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "daily summary sent", slog.Int("programs", len(summaries)))
	return nil
}

// RenderSummaryReport formats summaries as the HTML body of the daily summary email
func RenderSummaryReport(projectID string, day time.Time, summaries []model.Summary) string {
	date := day.Format("2006-01-02")
	var b strings.Builder
	for _, s := range summaries {
		b.WriteString("<br>\n")
		fmt.Fprintf(&b, "<h4>Gift card summary for project %s, program %s</h4>\n", html.EscapeString(projectID), html.EscapeString(s.Program))
		b.WriteString("<ul>\n")
		fmt.Fprintf(&b, "<li>Gift cards sent on %s: %d</li>\n", date, s.SentYesterday)
		fmt.Fprintf(&b, "<li>Gift cards claimed on %s: %d</li>\n", date, s.ClaimedYesterday)
		fmt.Fprintf(&b, "<li>Sent more than 7 days ago and not claimed: %d</li>\n", s.UnclaimedOverWeek)
		fmt.Fprintf(&b, "<li>Sent within the last 7 days and not claimed: %d</li>\n", s.UnclaimedInWeek)
		fmt.Fprintf(&b, "<li>Not ready for use: %d</li>\n", s.NotReady)
		fmt.Fprintf(&b, "<li>Total awarded: %d</li>\n", s.Awarded)
		fmt.Fprintf(&b, "<li>Total claimed: %d</li>\n", s.Claimed)
		fmt.Fprintf(&b, "<li>Total available: %d</li>\n", s.Available)

		if len(s.AvailableByBrand) > 0 {
			brands := make([]string, 0, len(s.AvailableByBrand))
			for brand := range s.AvailableByBrand {
				brands = append(brands, brand)
			}
			sort.Strings(brands)
			b.WriteString("<ul>\n")
			for _, brand := range brands {
				fmt.Fprintf(&b, "<li>Available %s gift cards: %d</li>\n", html.EscapeString(brand), s.AvailableByBrand[brand])
			}
			b.WriteString("</ul>\n")
		}
		b.WriteString("</ul><br>\n")
	}
	return b.String()
}
