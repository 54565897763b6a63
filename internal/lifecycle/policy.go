package lifecycle

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/yieldsim/backend/internal/models"
)

//go:embed policies.yaml
var defaultPolicies []byte

// Accrual says how a kind earns daily profit.
type Accrual string

const (
	AccrualFixedDaily   Accrual = "fixed_daily"
	AccrualFollowedRate Accrual = "followed_rate"
	AccrualNone         Accrual = "none"
)

// Payout says what a closing position returns to the account.
type Payout string

const (
	PayoutPrincipal          Payout = "principal"
	PayoutPrincipalAndEarned Payout = "principal_and_earned"
	PayoutFinalAmount        Payout = "final_amount"
)

// Lifecycle events with a user message.
const (
	EventOpened   = "opened"
	EventCredited = "credited"
	EventExpired  = "expired"
	EventStopped  = "stopped"
)

type Message struct {
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
	Level string `yaml:"level"`
}

type Policy struct {
	Kind        models.Kind        `yaml:"-"`
	Accrual     Accrual            `yaml:"accrual"`
	RateDivisor int                `yaml:"rate_divisor"`
	Payout      Payout             `yaml:"payout"`
	Stoppable   bool               `yaml:"stoppable"`
	StopPenalty string             `yaml:"stop_penalty"`
	Messages    map[string]Message `yaml:"messages"`

	penalty decimal.Decimal
}

// Policies maps every position kind to its rules.
type Policies map[models.Kind]*Policy

// DefaultPolicies returns the built-in table.
func DefaultPolicies() Policies {
	p, err := ParsePolicies(defaultPolicies)
	if err != nil {
		panic(fmt.Sprintf("lifecycle: embedded policies invalid: %v", err))
	}
	return p
}

// LoadPolicies reads a policy file, or the built-in table when path is empty.
func LoadPolicies(path string) (Policies, error) {
	if path == "" {
		return ParsePolicies(defaultPolicies)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicies(data)
}

func ParsePolicies(data []byte) (Policies, error) {
	raw := map[string]*Policy{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse policies: %w", err)
	}
	out := make(Policies, len(raw))
	for name, p := range raw {
		kind, err := models.ParseKind(name)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, fmt.Errorf("policy %s: empty", name)
		}
		p.Kind = kind
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		out[kind] = p
	}
	for _, k := range models.Kinds {
		if _, ok := out[k]; !ok {
			return nil, fmt.Errorf("policy for %s missing", k)
		}
	}
	return out, nil
}

func (p *Policy) validate() error {
	switch p.Accrual {
	case AccrualFixedDaily:
		if p.RateDivisor < 1 {
			return fmt.Errorf("rate_divisor must be >= 1")
		}
	case AccrualFollowedRate, AccrualNone:
	default:
		return fmt.Errorf("unknown accrual %q", p.Accrual)
	}
	switch p.Payout {
	case PayoutPrincipal, PayoutPrincipalAndEarned, PayoutFinalAmount:
	default:
		return fmt.Errorf("unknown payout %q", p.Payout)
	}
	p.penalty = decimal.Zero
	if p.StopPenalty != "" {
		d, err := decimal.NewFromString(p.StopPenalty)
		if err != nil {
			return fmt.Errorf("stop_penalty: %w", err)
		}
		if d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("stop_penalty must be in [0, 1)")
		}
		p.penalty = d
	}
	return nil
}

// For returns the policy for kind.
func (ps Policies) For(kind models.Kind) (*Policy, error) {
	p, ok := ps[kind]
	if !ok {
		return nil, fmt.Errorf("no policy for kind %q", kind)
	}
	return p, nil
}

// DailyProfit precomputes the stored daily profit for a fixed-rate position.
func (p *Policy) DailyProfit(principal, rate decimal.Decimal) decimal.Decimal {
	if p.Accrual != AccrualFixedDaily {
		return decimal.Zero
	}
	return principal.Mul(rate).Div(decimal.NewFromInt(int64(p.RateDivisor))).Round(8)
}

// Leg is one ledger movement of a settlement.
type Leg struct {
	Kind   models.EntryKind `json:"kind"`
	Amount decimal.Decimal  `json:"amount"`
}

// Legs computes what closing pos pays out. A user stop applies the stop
// penalty to the principal.
func (p *Policy) Legs(pos *models.Position, status string) []Leg {
	principal := pos.Principal
	if status == models.StatusStopped && p.penalty.IsPositive() {
		principal = principal.Sub(principal.Mul(p.penalty)).Round(8)
	}

	var legs []Leg
	switch p.Payout {
	case PayoutPrincipal:
		legs = append(legs, Leg{Kind: models.EntryPrincipalRefund, Amount: principal})
	case PayoutPrincipalAndEarned:
		legs = append(legs, Leg{Kind: models.EntryPrincipalRefund, Amount: principal})
		if pos.CumulativeEarned.IsPositive() {
			legs = append(legs, Leg{Kind: models.EntryEarnedRefund, Amount: pos.CumulativeEarned})
		}
	case PayoutFinalAmount:
		amount := pos.FinalAmount
		if !amount.IsPositive() {
			amount = principal
		}
		legs = append(legs, Leg{Kind: models.EntryFinalPayout, Amount: amount})
	}

	out := legs[:0]
	for _, l := range legs {
		if l.Amount.IsPositive() {
			out = append(out, l)
		}
	}
	return out
}

// Render fills the event's message template for pos. It returns false when
// the kind has no message for the event.
func (p *Policy) Render(event string, pos *models.Position, amount decimal.Decimal) (models.Notification, bool) {
	msg, ok := p.Messages[event]
	if !ok {
		return models.Notification{}, false
	}
	name := pos.PlanName
	if pos.Kind == models.KindCopyTrade && pos.TraderName != "" {
		name = pos.TraderName
	}
	if name == "" {
		name = strings.ReplaceAll(string(pos.Kind), "_", " ")
	}
	r := strings.NewReplacer(
		"{name}", name,
		"{amount}", amount.StringFixed(2),
		"{earned}", pos.CumulativeEarned.StringFixed(2),
	)
	level := msg.Level
	if level == "" {
		level = models.LevelInfo
	}
	return models.Notification{
		AccountID: pos.AccountID,
		Title:     r.Replace(msg.Title),
		Message:   r.Replace(msg.Body),
		Level:     level,
	}, true
}
