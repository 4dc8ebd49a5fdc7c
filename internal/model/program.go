package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ReclaimPolicy controls what happens when a recipient opens an already claimed link
type ReclaimPolicy string

const (
	// ReclaimResend shows the reward again and re-sends the reward email
	ReclaimResend ReclaimPolicy = "resend"
	// ReclaimDisplay shows the reward again without sending email
	ReclaimDisplay ReclaimPolicy = "display"
	// ReclaimReject refuses to show the reward a second time
	ReclaimReject ReclaimPolicy = "reject"
)

// Email defaults used when a program leaves subject or header empty
const (
	DefaultEmailSubject = "Here is your reward"
	DefaultEmailHeader  = "Thank you for participating!"
)

// RewardProgram is one configured reward rule. Several programs may draw from the same pool.
type RewardProgram struct {
	Title        string `yaml:"title" json:"title"`
	Logic        string `yaml:"logic" json:"logic"`
	LinkageField string `yaml:"linkage_field" json:"linkage_field"`
	StatusField  string `yaml:"status_field" json:"status_field"`
	EmailField   string `yaml:"email_field" json:"email_field"`
	URLField     string `yaml:"url_field" json:"url_field,omitempty"`

	// Amount is the face value to draw; empty means any amount
	Amount string `yaml:"amount" json:"amount,omitempty"`
	// Brand fixes the brand to draw; BrandField reads it from the participant instead
	Brand      string `yaml:"brand" json:"brand,omitempty"`
	BrandField string `yaml:"brand_field" json:"brand_field,omitempty"`

	EmailFrom    string `yaml:"email_from" json:"email_from"`
	EmailSubject string `yaml:"email_subject" json:"email_subject"`
	EmailHeader  string `yaml:"email_header" json:"email_header"`

	// RequireClaim sends a claim link instead of the gift card details
	RequireClaim        bool   `yaml:"require_claim" json:"require_claim"`
	VerificationSubject string `yaml:"verification_subject" json:"verification_subject,omitempty"`
	VerificationHeader  string `yaml:"verification_header" json:"verification_header,omitempty"`

	AllowMultiple       bool          `yaml:"allow_multiple" json:"allow_multiple"`
	LowBalanceOptOut    bool          `yaml:"low_balance_opt_out" json:"low_balance_opt_out"`
	LowBalanceThreshold int           `yaml:"low_balance_threshold" json:"low_balance_threshold"`
	BatchOnly           bool          `yaml:"batch_only" json:"batch_only"`
	CronEnabled         bool          `yaml:"cron_enabled" json:"cron_enabled"`
	SuppressEmail       bool          `yaml:"suppress_email" json:"suppress_email"`
	SummaryOptOut       bool          `yaml:"summary_opt_out" json:"summary_opt_out"`
	Reclaim             ReclaimPolicy `yaml:"reclaim" json:"reclaim"`
	DisplayFields       []string      `yaml:"display_fields" json:"display_fields,omitempty"`

	amount    decimal.Decimal
	hasAmount bool
}

// Filter returns the inventory filter for this program. brandPreference is the participant's
// brand field value and is only consulted when the program reads brand from the participant.
func (p *RewardProgram) Filter(brandPreference string) InventoryFilter {
	f := InventoryFilter{Amount: p.amount, HasAmount: p.hasAmount, Brand: p.Brand}
	if f.Brand == "" && p.BrandField != "" {
		f.Brand = strings.TrimSpace(brandPreference)
	}
	return f
}

// AmountValue returns the parsed target amount, if any.
func (p *RewardProgram) AmountValue() (decimal.Decimal, bool) {
	return p.amount, p.hasAmount
}

// Normalize validates the program and fills defaults. parseLogic is the expression parser used
// to reject logic that could never be evaluated.
func (p *RewardProgram) Normalize(parseLogic func(string) error) error {
	cfgErr := &ConfigurationError{Scope: fmt.Sprintf("program %q", p.Title)}

	p.Title = strings.TrimSpace(p.Title)
	if p.Title == "" {
		cfgErr.add("title is required")
	}
	if strings.TrimSpace(p.Logic) == "" {
		cfgErr.add("logic is required")
	} else if parseLogic != nil {
		if err := parseLogic(p.Logic); err != nil {
			cfgErr.add(fmt.Sprintf("logic cannot be parsed: %v", err))
		}
	}
	if p.LinkageField == "" {
		cfgErr.add("linkage_field is required")
	}
	if p.StatusField == "" {
		cfgErr.add("status_field is required")
	}
	if p.EmailField == "" && !p.SuppressEmail {
		cfgErr.add("email_field is required unless suppress_email is set")
	}
	if p.LinkageField != "" && p.LinkageField == p.StatusField {
		cfgErr.add("linkage_field and status_field must differ")
	}
	if p.Brand != "" && p.BrandField != "" {
		cfgErr.add("brand and brand_field are mutually exclusive")
	}

	p.hasAmount = false
	if raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p.Amount), "$")); raw != "" {
		amount, err := decimal.NewFromString(raw)
		switch {
		case err != nil:
			cfgErr.add(fmt.Sprintf("amount %q is not a number", p.Amount))
		case !amount.IsPositive():
			cfgErr.add("amount must be positive")
		default:
			p.amount = amount
			p.hasAmount = true
		}
	}
	if p.LowBalanceThreshold < 0 {
		cfgErr.add("low_balance_threshold cannot be negative")
	}

	switch p.Reclaim {
	case "":
		p.Reclaim = ReclaimResend
	case ReclaimResend, ReclaimDisplay, ReclaimReject:
	default:
		cfgErr.add(fmt.Sprintf("reclaim must be one of resend, display, reject (got %q)", p.Reclaim))
	}

	if strings.TrimSpace(p.EmailSubject) == "" {
		p.EmailSubject = DefaultEmailSubject
	}
	if strings.TrimSpace(p.EmailHeader) == "" {
		p.EmailHeader = DefaultEmailHeader
	}
	if strings.TrimSpace(p.VerificationSubject) == "" {
		p.VerificationSubject = p.EmailSubject
	}
	if strings.TrimSpace(p.VerificationHeader) == "" {
		p.VerificationHeader = p.EmailHeader
	}

	return cfgErr.orNil()
}

// Pool describes the shared gift card library and the participant project drawing from it
type Pool struct {
	ID           string `yaml:"id" json:"id"`
	ProjectID    string `yaml:"project" json:"project"`
	AlertEmail   string `yaml:"alert_email" json:"alert_email"`
	CCEmail      string `yaml:"cc_email" json:"cc_email,omitempty"`
	ClaimBaseURL string `yaml:"claim_base_url" json:"claim_base_url"`
	TokenLength  int    `yaml:"token_length" json:"token_length"`
}

// Catalog is the full reward configuration of one participant project
type Catalog struct {
	Pool     Pool            `yaml:"pool" json:"pool"`
	Programs []RewardProgram `yaml:"programs" json:"programs"`
}

// DefaultTokenLength is used when the pool does not configure a token length
const DefaultTokenLength = 20

// Normalize validates the pool settings and every program, collecting all problems.
func (c *Catalog) Normalize(parseLogic func(string) error) error {
	cfgErr := &ConfigurationError{Scope: "catalog"}

	c.Pool.ID = strings.TrimSpace(c.Pool.ID)
	c.Pool.ProjectID = strings.TrimSpace(c.Pool.ProjectID)
	if c.Pool.ID == "" {
		cfgErr.add("pool.id is required")
	}
	if c.Pool.ProjectID == "" {
		cfgErr.add("pool.project is required")
	}
	if c.Pool.AlertEmail == "" {
		cfgErr.add("pool.alert_email is required")
	}
	if c.Pool.TokenLength == 0 {
		c.Pool.TokenLength = DefaultTokenLength
	} else if c.Pool.TokenLength < 12 {
		cfgErr.add("pool.token_length must be at least 12")
	}
	if len(c.Programs) == 0 {
		cfgErr.add("at least one program is required")
	}

	seen := make(map[string]bool, len(c.Programs))
	for i := range c.Programs {
		program := &c.Programs[i]
		if err := program.Normalize(parseLogic); err != nil {
			cfgErr.add(err.Error())
		}
		if program.Title != "" {
			if seen[program.Title] {
				cfgErr.add(fmt.Sprintf("program title %q is used twice", program.Title))
			}
			seen[program.Title] = true
		}
		if program.RequireClaim && c.Pool.ClaimBaseURL == "" {
			cfgErr.add(fmt.Sprintf("program %q requires a claim link but pool.claim_base_url is empty", program.Title))
		}
	}

	return cfgErr.orNil()
}

// Program returns the program with the given title.
func (c *Catalog) Program(title string) (*RewardProgram, bool) {
	for i := range c.Programs {
		if c.Programs[i].Title == title {
			return &c.Programs[i], true
		}
	}
	return nil, false
}

// ConfigurationError collects every problem found while validating configuration.
// It is surfaced at load or verify time, never while allocating.
type ConfigurationError struct {
	Scope    string
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Scope, strings.Join(e.Problems, "; "))
}

func (e *ConfigurationError) add(problem string) {
	e.Problems = append(e.Problems, problem)
}

func (e *ConfigurationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
