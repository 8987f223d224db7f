// Package policy decides, per plan tier, whether an account may sync now and
// how many messages a full scan may enumerate.
package policy

import (
	"errors"
	"fmt"
	"time"

	"mailmirror/internal/model"
)

// ErrThrottled matches every *ThrottledError.
var ErrThrottled = errors.New("policy: sync throttled")

// ThrottledError rejects a sync that arrives before the tier's minimum interval.
type ThrottledError struct {
	Plan       string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("sync throttled for plan %q: retry after %s", e.Plan, e.RetryAfter.Round(time.Second))
}

func (e *ThrottledError) Is(target error) bool { return target == ErrThrottled }

// Tier holds the limits of one plan.
type Tier struct {
	Name             string
	MinSyncInterval  time.Duration
	MaxMessageBudget int // 0 means no cap
	Unlimited        bool
}

// Policy maps plan names to tiers.
type Policy struct {
	tiers       map[string]Tier
	defaultTier string
}

// DefaultTiers are used when configuration names none.
var DefaultTiers = []Tier{
	{Name: "free", MinSyncInterval: 15 * time.Minute, MaxMessageBudget: 5000},
	{Name: "pro", MinSyncInterval: 2 * time.Minute, MaxMessageBudget: 50000},
	{Name: "unlimited", Unlimited: true},
}

// New builds a policy; plans that match no tier fall back to defaultTier.
func New(tiers []Tier, defaultTier string) (*Policy, error) {
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	p := &Policy{tiers: make(map[string]Tier, len(tiers)), defaultTier: defaultTier}
	for _, t := range tiers {
		if t.Name == "" {
			return nil, errors.New("policy: tier without a name")
		}
		if t.MinSyncInterval < 0 || t.MaxMessageBudget < 0 {
			return nil, fmt.Errorf("policy: tier %q has negative limits", t.Name)
		}
		p.tiers[t.Name] = t
	}
	if _, ok := p.tiers[defaultTier]; !ok {
		return nil, fmt.Errorf("policy: default tier %q is not defined", defaultTier)
	}
	return p, nil
}

// Tier resolves a plan name.
func (p *Policy) Tier(plan string) Tier {
	if t, ok := p.tiers[plan]; ok {
		return t
	}
	return p.tiers[p.defaultTier]
}

// Authorize returns the tier for acct, or a *ThrottledError when acct synced
// less than MinSyncInterval before now.
func (p *Policy) Authorize(acct model.Account, now time.Time) (Tier, error) {
	t := p.Tier(acct.Plan)
	if t.Unlimited || acct.LastSyncedAt == nil || t.MinSyncInterval == 0 {
		return t, nil
	}
	if elapsed := now.Sub(*acct.LastSyncedAt); elapsed < t.MinSyncInterval {
		return t, &ThrottledError{Plan: t.Name, RetryAfter: t.MinSyncInterval - elapsed}
	}
	return t, nil
}
