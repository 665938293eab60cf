package lineitem

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/prebid/pg-engine/deals/proto"
)

// DeliveryToken is a bucket of allowed deliveries at one priority class.
// The spent counter is incremented lock free from auction goroutines;
// readers see an eventually consistent sum and a small transient overspend
// past Total is tolerated.
type DeliveryToken struct {
	PriorityClass int
	Total         int

	spent atomic.Int64
}

func NewDeliveryToken(priorityClass, total int) *DeliveryToken {
	return &DeliveryToken{PriorityClass: priorityClass, Total: total}
}

func (t *DeliveryToken) Spent() int64 {
	return t.spent.Load()
}

func (t *DeliveryToken) AddSpent(delta int64) {
	t.spent.Add(delta)
}

func (t *DeliveryToken) Unspent() int64 {
	unspent := int64(t.Total) - t.spent.Load()
	if unspent < 0 {
		return 0
	}
	return unspent
}

// DeliveryPlan is the runtime view of one delivery schedule: the schedule
// identity plus live spend counters, ordered by ascending priority class.
type DeliveryPlan struct {
	planID           string
	startTimeStamp   time.Time
	endTimeStamp     time.Time
	updatedTimeStamp time.Time
	tokens           []*DeliveryToken
}

// NewDeliveryPlan builds a zero-spend plan from a schedule.
func NewDeliveryPlan(schedule proto.DeliverySchedule) *DeliveryPlan {
	tokens := make([]*DeliveryToken, 0, len(schedule.Tokens))
	for _, token := range schedule.Tokens {
		tokens = append(tokens, NewDeliveryToken(token.PriorityClass, token.Total))
	}
	sortTokens(tokens)

	return &DeliveryPlan{
		planID:           schedule.PlanID,
		startTimeStamp:   schedule.StartTimeStamp,
		endTimeStamp:     schedule.EndTimeStamp,
		updatedTimeStamp: schedule.UpdatedTimeStamp,
		tokens:           tokens,
	}
}

func sortTokens(tokens []*DeliveryToken) {
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].PriorityClass < tokens[j].PriorityClass
	})
}

func (p *DeliveryPlan) PlanID() string {
	return p.planID
}

func (p *DeliveryPlan) StartTimeStamp() time.Time {
	return p.startTimeStamp
}

func (p *DeliveryPlan) EndTimeStamp() time.Time {
	return p.endTimeStamp
}

func (p *DeliveryPlan) UpdatedTimeStamp() time.Time {
	return p.updatedTimeStamp
}

func (p *DeliveryPlan) Tokens() []*DeliveryToken {
	return p.tokens
}

// IsUpdatedBy reports whether the schedule carries a strictly newer
// version of this plan.
func (p *DeliveryPlan) IsUpdatedBy(schedule proto.DeliverySchedule) bool {
	return schedule.UpdatedTimeStamp.After(p.updatedTimeStamp)
}

func (p *DeliveryPlan) IsExpired(now time.Time) bool {
	return !now.Before(p.endTimeStamp)
}

// WithUpdatedTokens adopts the schedule's token totals and timestamps
// while carrying the spend accumulated so far per priority class.
func (p *DeliveryPlan) WithUpdatedTokens(schedule proto.DeliverySchedule) *DeliveryPlan {
	updated := NewDeliveryPlan(schedule)
	for _, token := range updated.tokens {
		token.AddSpent(p.spentFor(token.PriorityClass))
	}
	return updated
}

// MergeWithNextPlan folds this expired plan into the next schedule: totals
// are summed per priority class and spend is carried, so undelivered
// volume rolls forward when the planner is unresponsive.
func (p *DeliveryPlan) MergeWithNextPlan(next proto.DeliverySchedule) *DeliveryPlan {
	totals := make(map[int]int)
	for _, token := range next.Tokens {
		totals[token.PriorityClass] += token.Total
	}
	for _, token := range p.tokens {
		totals[token.PriorityClass] += token.Total
	}

	tokens := make([]*DeliveryToken, 0, len(totals))
	for class, total := range totals {
		token := NewDeliveryToken(class, total)
		token.AddSpent(p.spentFor(class))
		tokens = append(tokens, token)
	}
	sortTokens(tokens)

	return &DeliveryPlan{
		planID:           next.PlanID,
		startTimeStamp:   next.StartTimeStamp,
		endTimeStamp:     next.EndTimeStamp,
		updatedTimeStamp: next.UpdatedTimeStamp,
		tokens:           tokens,
	}
}

// MergeWithNextDeliveryPlan folds this reporting snapshot into a newer
// version of the same plan: the newer identity and totals are adopted and
// spend from both versions is combined per priority class.
func (p *DeliveryPlan) MergeWithNextDeliveryPlan(next *DeliveryPlan) *DeliveryPlan {
	merged := next.WithoutSpentTokens()
	for _, token := range merged.tokens {
		token.AddSpent(p.spentFor(token.PriorityClass) + next.spentFor(token.PriorityClass))
	}
	return merged
}

// WithoutSpentTokens snapshots the plan identity and totals with fresh
// zero spend counters.
func (p *DeliveryPlan) WithoutSpentTokens() *DeliveryPlan {
	tokens := make([]*DeliveryToken, 0, len(p.tokens))
	for _, token := range p.tokens {
		tokens = append(tokens, NewDeliveryToken(token.PriorityClass, token.Total))
	}

	return &DeliveryPlan{
		planID:           p.planID,
		startTimeStamp:   p.startTimeStamp,
		endTimeStamp:     p.endTimeStamp,
		updatedTimeStamp: p.updatedTimeStamp,
		tokens:           tokens,
	}
}

// IncSpentToken spends one token from the lowest priority class that is
// not exhausted yet and returns the class spent from. When every class is
// exhausted the highest class absorbs the overspend.
func (p *DeliveryPlan) IncSpentToken() (int, bool) {
	if len(p.tokens) == 0 {
		return 0, false
	}

	for _, token := range p.tokens {
		if token.Spent() < int64(token.Total) {
			token.AddSpent(1)
			return token.PriorityClass, true
		}
	}

	last := p.tokens[len(p.tokens)-1]
	last.AddSpent(1)
	return last.PriorityClass, true
}

// IncTokenWithPriority spends one token from the given priority class,
// used to mirror live spend into reporting snapshots.
func (p *DeliveryPlan) IncTokenWithPriority(priorityClass int) {
	for _, token := range p.tokens {
		if token.PriorityClass == priorityClass {
			token.AddSpent(1)
			return
		}
	}

	token := NewDeliveryToken(priorityClass, 0)
	token.AddSpent(1)
	p.tokens = append(p.tokens, token)
	sortTokens(p.tokens)
}

// HighestUnspentTokensClass returns the most urgent class that still has
// unspent tokens. Lower class numbers carry higher urgency.
func (p *DeliveryPlan) HighestUnspentTokensClass() (int, bool) {
	for _, token := range p.tokens {
		if token.Unspent() > 0 {
			return token.PriorityClass, true
		}
	}
	return 0, false
}

func (p *DeliveryPlan) SpentTokens() int64 {
	var spent int64
	for _, token := range p.tokens {
		spent += token.Spent()
	}
	return spent
}

func (p *DeliveryPlan) UnspentTokens() int64 {
	var unspent int64
	for _, token := range p.tokens {
		unspent += token.Unspent()
	}
	return unspent
}

// TotalTokensLowestClass returns the allocation of the most urgent class
// carrying any allocation at all, the class pacing is derived from.
func (p *DeliveryPlan) TotalTokensLowestClass() (int, bool) {
	for _, token := range p.tokens {
		if token.Total > 0 {
			return token.Total, true
		}
	}
	return 0, false
}

// DeliveryRateMs returns the expected interval between two spends of the
// most urgent allocated class, in milliseconds.
func (p *DeliveryPlan) DeliveryRateMs() (int64, bool) {
	total, ok := p.TotalTokensLowestClass()
	if !ok {
		return 0, false
	}
	return p.endTimeStamp.Sub(p.startTimeStamp).Milliseconds() / int64(total), true
}

// CalculateReadyAt paces delivery linearly within the plan window based
// on the lowest priority class that is still under-delivered.
func (p *DeliveryPlan) CalculateReadyAt() (time.Time, bool) {
	for _, token := range p.tokens {
		spent := token.Spent()
		if spent >= int64(token.Total) {
			continue
		}

		duration := p.endTimeStamp.Sub(p.startTimeStamp)
		fraction := float64(spent) / float64(token.Total)
		delta := time.Duration(fraction*float64(duration.Milliseconds())+0.5) * time.Millisecond
		return p.startTimeStamp.Add(delta), true
	}
	return time.Time{}, false
}

func (p *DeliveryPlan) spentFor(priorityClass int) int64 {
	for _, token := range p.tokens {
		if token.PriorityClass == priorityClass {
			return token.Spent()
		}
	}
	return 0
}
