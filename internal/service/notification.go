package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kkkkikiki/giftcard/internal/mailer"
	"github.com/kkkkikiki/giftcard/internal/model"
)

// TokenGenerator returns a random URL-safe claim token of the given length
type TokenGenerator func(length int) (string, error)

// RandomToken is the default TokenGenerator
func RandomToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:length], nil
}

var pipePattern = regexp.MustCompile(`\[([A-Za-z0-9_]+)\]`)

// pipe replaces [field] placeholders with the participant's values. Unknown fields become "".
func pipe(text string, fields map[string]string, escape bool) string {
	return pipePattern.ReplaceAllStringFunc(text, func(m string) string {
		v := fields[m[1:len(m)-1]]
		if escape {
			return html.EscapeString(v)
		}
		return v
	})
}

func formatAmount(d decimal.Decimal) string {
	if d.IsInteger() {
		return d.String()
	}
	return d.StringFixed(2)
}

// rewardContent is the gift card description shown on the claim page and in reward emails
func rewardContent(programTitle string, r model.Reward) string {
	var b strings.Builder
	fmt.Fprintf(&b, "$%s %s gift card for your %s reward.<br><br>",
		formatAmount(r.Amount), html.EscapeString(r.Brand), html.EscapeString(programTitle))
	fmt.Fprintf(&b, "Your gift card number is <b>%s</b><br>", html.EscapeString(r.EgiftNumber))
	if r.ChallengeCode != "" {
		fmt.Fprintf(&b, "The challenge code is <b>%s</b><br>", html.EscapeString(r.ChallengeCode))
	}
	if r.URL != "" {
		u := html.EscapeString(r.URL)
		fmt.Fprintf(&b, "Redeem it at <a href=\"%s\">%s</a><br>", u, u)
	}
	return b.String()
}

func claimURL(pool model.Pool, token string) string {
	if pool.ClaimBaseURL == "" {
		return ""
	}
	return strings.TrimRight(pool.ClaimBaseURL, "/") + "/claim/" + url.PathEscape(token)
}

// reservationEmail is sent right after a reservation: either the reward itself or a claim link
func reservationEmail(req *rewardRequest, reward model.Reward, link string) mailer.Message {
	p := req.program
	fields := req.participant.Fields

	if !p.RequireClaim {
		return rewardEmail(p, fields, reward, req.email)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<h3>%s</h3>", pipe(p.VerificationHeader, fields, true))
	fmt.Fprintf(&b, "Your $%s %s gift card for your %s reward is ready.<br><br>",
		formatAmount(reward.Amount), html.EscapeString(reward.Brand), html.EscapeString(p.Title))
	l := html.EscapeString(link)
	fmt.Fprintf(&b, "Please follow this link to view it: <a href=\"%s\">%s</a><br>", l, l)

	return mailer.Message{
		To:       req.email,
		From:     p.EmailFrom,
		Subject:  pipe(p.VerificationSubject, fields, false),
		HTMLBody: b.String(),
	}
}

func rewardEmail(p *model.RewardProgram, fields map[string]string, reward model.Reward, to string) mailer.Message {
	return mailer.Message{
		To:       to,
		From:     p.EmailFrom,
		Subject:  pipe(p.EmailSubject, fields, false),
		HTMLBody: fmt.Sprintf("<h3>%s</h3>%s", pipe(p.EmailHeader, fields, true), rewardContent(p.Title, reward)),
	}
}

func alertEmail(pool model.Pool, subject, body string) mailer.Message {
	var cc []string
	if pool.CCEmail != "" {
		cc = []string{pool.CCEmail}
	}
	return mailer.Message{
		To:       pool.AlertEmail,
		CC:       cc,
		From:     pool.AlertEmail,
		Subject:  subject,
		HTMLBody: body,
	}
}

func filterDescription(f model.InventoryFilter) string {
	parts := []string{}
	if f.HasAmount {
		parts = append(parts, "amount $"+formatAmount(f.Amount))
	}
	if f.Brand != "" {
		parts = append(parts, "brand "+f.Brand)
	}
	if len(parts) == 0 {
		return "any amount or brand"
	}
	return strings.Join(parts, ", ")
}

func exhaustedAlert(pool model.Pool, req *rewardRequest) mailer.Message {
	body := fmt.Sprintf("<p>Reward program <b>%s</b> in project %s could not reward record %s: no gift cards with %s are available in library %s.</p>",
		html.EscapeString(req.program.Title), html.EscapeString(pool.ProjectID), html.EscapeString(req.participant.ID),
		html.EscapeString(filterDescription(req.filter)), html.EscapeString(pool.ID))
	return alertEmail(pool, "Gift card library is empty: "+req.program.Title, body)
}

func lowBalanceAlert(pool model.Pool, req *rewardRequest, remaining int) mailer.Message {
	body := fmt.Sprintf("<p>Only %d gift cards with %s remain for reward program <b>%s</b> in project %s (threshold %d).</p>",
		remaining, html.EscapeString(filterDescription(req.filter)), html.EscapeString(req.program.Title),
		html.EscapeString(pool.ProjectID), req.program.LowBalanceThreshold)
	return alertEmail(pool, "Gift card library low balance: "+req.program.Title, body)
}
