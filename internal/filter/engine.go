package filter

import (
	"sort"

	"horse.fit/newsloom/internal/weight"
)

type State string

const (
	StatePending       State = "pending"
	StatePass          State = "pass"
	StateHidden        State = "hidden"
	StateBreakoutShown State = "breakout_shown"
)

const (
	ReasonKeepPolicy   = "keep_policy"
	ReasonBlocked      = "blocked"
	ReasonMuted        = "muted"
	ReasonSeverity     = "severity"
	ReasonSourceWeight = "source_weight"
	ReasonClusterSize  = "cluster_size"
)

// BreakoutClusterSize is the member count at which a muted story breaks out.
const BreakoutClusterSize = 4

// Item is the subset of an article the rules look at.
type Item struct {
	ID         int64
	FeedID     int64
	FolderID   *int64
	Title      string
	Summary    string
	Author     string
	URL        string
	FeedWeight weight.Weight
}

// ClusterState is what the engine needs to know about a representative's cluster.
type ClusterState struct {
	ID     int64
	Size   int
	State  State
	RuleID *int64
}

// Decision is the outcome of evaluating one item.
type Decision struct {
	State    State
	Mode     Mode
	RuleID   int64
	Breakout bool
	Reason   string
}

func (d Decision) Hidden() bool {
	return d.State == StateHidden
}

// Engine evaluates a fixed rule set. It is safe for concurrent use.
type Engine struct {
	keep     []Rule
	block    []Rule
	mute     []Rule
	severity string
	regexes  *regexCache
}

type Option func(*Engine)

// WithSeverityPattern overrides DefaultSeverityPattern.
func WithSeverityPattern(pattern string) Option {
	return func(e *Engine) {
		if pattern != "" {
			e.severity = pattern
		}
	}
}

// NewEngine partitions rules by mode, each kept in declared order.
func NewEngine(rules []Rule, opts ...Option) *Engine {
	ordered := append([]Rule(nil), rules...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Position != ordered[j].Position {
			return ordered[i].Position < ordered[j].Position
		}
		return ordered[i].ID < ordered[j].ID
	})

	e := &Engine{
		severity: DefaultSeverityPattern,
		regexes:  newRegexCache(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, rule := range ordered {
		if rule.Validate() != nil {
			continue
		}
		switch rule.Mode {
		case ModeKeep:
			e.keep = append(e.keep, rule)
		case ModeBlock:
			e.block = append(e.block, rule)
		case ModeMute:
			e.mute = append(e.mute, rule)
		}
	}
	return e
}

func (e *Engine) Empty() bool {
	return len(e.keep) == 0 && len(e.block) == 0 && len(e.mute) == 0
}

// PreCluster decides an item's provisional visibility. Block rules are tried
// before mute rules whatever their positions, so a block always wins over a
// mute that matches the same item. Muted items are hidden but still take part
// in clustering; blocked items do not.
func (e *Engine) PreCluster(item Item) Decision {
	if decision, denied := e.keepPolicy(item); denied {
		return decision
	}
	if rule, ok := e.firstMatch(e.block, item); ok {
		return Decision{State: StateHidden, Mode: ModeBlock, RuleID: rule.ID, Reason: ReasonBlocked}
	}
	if rule, ok := e.firstMatch(e.mute, item); ok {
		return Decision{State: StateHidden, Mode: ModeMute, RuleID: rule.ID, Breakout: rule.Breakout, Reason: ReasonMuted}
	}
	return Decision{State: StatePass}
}

// PostCluster re-evaluates a cluster representative. Only a mute rule with
// breakout enabled can flip a hidden cluster to breakout_shown; block stays
// unconditional. A cluster already shown by breakout for the same rule stays shown.
func (e *Engine) PostCluster(rep Item, cluster ClusterState) Decision {
	if decision, denied := e.keepPolicy(rep); denied {
		return decision
	}
	if rule, ok := e.firstMatch(e.block, rep); ok {
		return Decision{State: StateHidden, Mode: ModeBlock, RuleID: rule.ID, Reason: ReasonBlocked}
	}
	rule, ok := e.firstMatch(e.mute, rep)
	if !ok {
		return Decision{State: StatePass}
	}

	hidden := Decision{State: StateHidden, Mode: ModeMute, RuleID: rule.ID, Breakout: rule.Breakout, Reason: ReasonMuted}
	if !rule.Breakout {
		return hidden
	}
	if reason, ok := e.breakoutReason(rep, cluster); ok {
		return Decision{State: StateBreakoutShown, Mode: ModeMute, RuleID: rule.ID, Breakout: true, Reason: reason}
	}
	if cluster.State == StateBreakoutShown && cluster.RuleID != nil && *cluster.RuleID == rule.ID {
		return Decision{State: StateBreakoutShown, Mode: ModeMute, RuleID: rule.ID, Breakout: true, Reason: ReasonMuted}
	}
	return hidden
}

func (e *Engine) breakoutReason(rep Item, cluster ClusterState) (string, bool) {
	if e.regexes.match(e.severity, rep.Title+"\n"+rep.Summary) {
		return ReasonSeverity, true
	}
	if rep.FeedWeight == weight.Prefer {
		return ReasonSourceWeight, true
	}
	if cluster.Size >= BreakoutClusterSize {
		return ReasonClusterSize, true
	}
	return "", false
}

// keepPolicy hides an item when keep rules apply to its scope and none match.
func (e *Engine) keepPolicy(item Item) (Decision, bool) {
	inScope := false
	for _, rule := range e.keep {
		if !rule.inScope(item) {
			continue
		}
		inScope = true
		if e.matches(rule, item) {
			return Decision{}, false
		}
	}
	if !inScope {
		return Decision{}, false
	}
	return Decision{State: StateHidden, Mode: ModeKeep, Reason: ReasonKeepPolicy}, true
}

func (e *Engine) firstMatch(rules []Rule, item Item) (Rule, bool) {
	for _, rule := range rules {
		if rule.inScope(item) && e.matches(rule, item) {
			return rule, true
		}
	}
	return Rule{}, false
}
