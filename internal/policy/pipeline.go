package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nekobot/gatekeeper/internal/admission"
	"github.com/nekobot/gatekeeper/internal/cache"
	"github.com/nekobot/gatekeeper/internal/metrics"
	"github.com/nekobot/gatekeeper/internal/snapshot"
)

// Stage names, also the breaker and metric labels.
const (
	StageBan    = "ban"
	StageBot    = "bot"
	StageGroup  = "group"
	StageAdmin  = "admin"
	StagePlugin = "plugin"
	StageLimit  = "limit"
	StageCost   = "cost"
)

// Config holds policy tuning.
type Config struct {
	Superusers        []string
	WakeCommand       string
	BanNoticeTemplate string
	NoticeInterval    time.Duration
}

// StageRunner wraps each stage call in a deadline and circuit breaker.
// The admission controller implements it.
type StageRunner interface {
	RunStage(ctx context.Context, stage string, fn func(context.Context)) admission.StageOutcome
}

// Pipeline runs the ordered policy stages against the snapshot caches.
type Pipeline struct {
	cfg        Config
	caches     *cache.Manager
	runner     StageRunner
	notifier   Notifier
	limits     *LimitManager
	notices    *noticeLimiter
	memo       *memoTable
	superusers map[string]struct{}
	log        zerolog.Logger
}

// New builds a pipeline. notifier may be nil when no transport exists.
func New(cfg Config, caches *cache.Manager, runner StageRunner, notifier Notifier, log zerolog.Logger) *Pipeline {
	supers := make(map[string]struct{}, len(cfg.Superusers))
	for _, id := range cfg.Superusers {
		supers[id] = struct{}{}
	}
	return &Pipeline{
		cfg:        cfg,
		caches:     caches,
		runner:     runner,
		notifier:   notifier,
		limits:     NewLimitManager(),
		notices:    newNoticeLimiter(cfg.NoticeInterval),
		memo:       newMemoTable(),
		superusers: supers,
		log:        log.With().Str("component", "policy").Logger(),
	}
}

// Evaluate runs every stage in order with short-circuit on first deny.
// The verdict is memoized for the event's lifetime, so a deferred full
// check after a synchronous pre-check never recomputes.
func (p *Pipeline) Evaluate(ctx context.Context, ev Event, module string) Verdict {
	if v, ok := p.memo.getVerdict(ev, module); ok {
		return v
	}

	start := time.Now()
	v := p.evaluate(ctx, ev, module)
	metrics.EvalDuration.Observe(time.Since(start).Seconds())
	metrics.VerdictsTotal.WithLabelValues(string(v.State), v.Stage).Inc()

	p.memo.putVerdict(ev, module, v)

	switch v.State {
	case StateDeny:
		p.log.Info().Str("module", module).Str("user", ev.UserID).Str("group", ev.GroupID).
			Str("stage", v.Stage).Str("reason", v.Reason).Msg("denied")
	case StateExempt:
		p.log.Debug().Str("module", module).Str("user", ev.UserID).
			Str("reason", v.Reason).Msg("exempt")
	default:
		p.log.Debug().Str("module", module).Str("user", ev.UserID).
			Int64("cost", v.Cost).Msg("allowed")
	}
	return v
}

func (p *Pipeline) evaluate(ctx context.Context, ev Event, module string) Verdict {
	p.caches.Users().Ensure(ev.UserID, ev.Platform)

	plugin, err := p.caches.Plugin(ctx, module)
	if err != nil {
		p.log.Warn().Err(err).Str("module", module).Msg("plugin lookup failed, exempting")
		return Exempt("module unavailable")
	}
	if plugin == nil {
		return Exempt("unknown module")
	}
	if plugin.Kind == snapshot.KindHidden {
		return Exempt("hidden plugin")
	}

	// Route pre-check: an explicit trigger set that doesn't match routes
	// the event away before any stage runs. An optimization, not a
	// security boundary.
	if len(plugin.Triggers) > 0 && !matchesTrigger(ev.RawText, plugin.Triggers) {
		return Exempt("no trigger match")
	}

	superuser := p.isSuperuser(ev.UserID)
	if superuser && !plugin.LimitSuperuser {
		return Exempt("superuser")
	}

	// 1. Ban
	if v := p.runStage(ctx, StageBan, func(sctx context.Context) *Verdict {
		return p.banStage(sctx, ev)
	}); v != nil {
		return *v
	}

	// 2. Bot enabled
	if v := p.runStage(ctx, StageBot, func(sctx context.Context) *Verdict {
		return p.botStage(sctx, ev, module)
	}); v != nil {
		return *v
	}

	// 3. Group enabled
	if ev.InGroup() {
		if v := p.runStage(ctx, StageGroup, func(sctx context.Context) *Verdict {
			return p.groupStage(sctx, ev, plugin)
		}); v != nil {
			return *v
		}
	}

	// 4. Admin level
	if v := p.runStage(ctx, StageAdmin, func(sctx context.Context) *Verdict {
		return p.adminStage(sctx, ev, plugin, superuser)
	}); v != nil {
		return *v
	}

	// 5. Plugin block state
	if v := p.runStage(ctx, StagePlugin, func(sctx context.Context) *Verdict {
		return p.pluginBlockStage(sctx, ev, plugin)
	}); v != nil {
		return *v
	}

	// 6. Rate/quota limits
	rules := p.caches.LimitsFor(module)
	if len(rules) > 0 {
		if v := p.runStage(ctx, StageLimit, func(sctx context.Context) *Verdict {
			return p.limitStage(sctx, ev, rules)
		}); v != nil {
			return *v
		}
	}

	// 7. Cost deduction, after everything else passed.
	if plugin.CostGold > 0 {
		if !p.caches.Users().DeductGold(ev.UserID, plugin.CostGold) {
			// Free any block slot taken above; this event will not run.
			p.limits.Release(rules, ev)
			return Deny(StageCost, "insufficient gold")
		}
		return Allow(plugin.CostGold)
	}
	return Allow(0)
}

// runStage executes one stage through the runner. Skipped and timed-out
// stages are pass-through (nil); their captured result is never read.
func (p *Pipeline) runStage(ctx context.Context, stage string, fn func(context.Context) *Verdict) *Verdict {
	var res *Verdict
	outcome := p.runner.RunStage(ctx, stage, func(sctx context.Context) {
		res = fn(sctx)
	})
	if outcome != admission.StageRan {
		return nil
	}
	return res
}

func (p *Pipeline) banStage(ctx context.Context, ev Event) *Verdict {
	banned, err := p.caches.IsBanned(ctx, ev.UserID, ev.GroupID)
	if err != nil {
		p.log.Warn().Err(err).Str("user", ev.UserID).Msg("ban check failed, passing")
		return nil
	}
	if !banned {
		return nil
	}
	remaining := p.caches.BanRemaining(ev.UserID, ev.GroupID)
	// Permanent bans deny silently; temporary ones may notify, rate
	// limited per target.
	if remaining != snapshot.PermanentBan && p.cfg.BanNoticeTemplate != "" {
		p.notify(ctx, ev, renderNotice(p.cfg.BanNoticeTemplate, remaining))
	}
	v := Deny(StageBan, "banned")
	return &v
}

func (p *Pipeline) botStage(ctx context.Context, ev Event, module string) *Verdict {
	bot, err := p.caches.Bot(ctx, ev.BotID)
	if err != nil {
		p.log.Warn().Err(err).Str("bot", ev.BotID).Msg("bot lookup failed, passing")
		return nil
	}
	if bot == nil || !bot.Enabled {
		v := Deny(StageBot, "bot disabled")
		return &v
	}
	if bot.BlockedPlugins.Has(module) {
		v := Deny(StageBot, "plugin blocked for bot")
		return &v
	}
	return nil
}

func (p *Pipeline) groupStage(ctx context.Context, ev Event, plugin *snapshot.Plugin) *Verdict {
	group, err := p.groupSnapshot(ctx, ev)
	if err != nil {
		p.log.Warn().Err(err).Str("group", ev.GroupID).Msg("group lookup failed, passing")
		return nil
	}
	if group == nil {
		return nil
	}
	if group.Level < 0 {
		v := Deny(StageGroup, "blacklisted")
		return &v
	}
	// An asleep group still admits the literal wake command.
	if !group.Enabled && strings.TrimSpace(ev.RawText) != p.cfg.WakeCommand {
		v := Deny(StageGroup, "group asleep")
		return &v
	}
	if plugin.GroupLevel > group.Level {
		v := Deny(StageGroup, "group level too low")
		return &v
	}
	return nil
}

func (p *Pipeline) adminStage(ctx context.Context, ev Event, plugin *snapshot.Plugin, superuser bool) *Verdict {
	if plugin.Kind == snapshot.KindSuperuser && !superuser {
		v := Deny(StageAdmin, "superuser only")
		return &v
	}
	required := plugin.AdminLevel
	if plugin.Kind == snapshot.KindAdmin && required == 0 {
		required = 1
	}
	if required <= 0 {
		return nil
	}
	level, err := p.caches.EffectiveLevel(ctx, ev.UserID, ev.GroupID)
	if err != nil {
		p.log.Warn().Err(err).Str("user", ev.UserID).Msg("level lookup failed, passing")
		return nil
	}
	if level < required {
		p.notify(ctx, ev, fmt.Sprintf("insufficient level: need %d, have %d", required, level))
		v := Deny(StageAdmin, "insufficient level")
		return &v
	}
	return nil
}

func (p *Pipeline) pluginBlockStage(ctx context.Context, ev Event, plugin *snapshot.Plugin) *Verdict {
	group, err := p.groupSnapshot(ctx, ev)
	if err != nil {
		p.log.Warn().Err(err).Str("group", ev.GroupID).Msg("group lookup failed, passing")
		return nil
	}
	trusted := group != nil && group.Trusted

	if plugin.GloballyDisabled() && !trusted {
		v := Deny(StagePlugin, "disabled")
		return &v
	}
	if group != nil {
		if group.BlockedPlugins.Has(plugin.Module) || group.SuperuserBlockedPlugins.Has(plugin.Module) {
			v := Deny(StagePlugin, "blocked in group")
			return &v
		}
	}
	if plugin.BlockType == snapshot.BlockGroup && ev.InGroup() && !trusted {
		v := Deny(StagePlugin, "blocked in groups")
		return &v
	}
	if plugin.BlockType == snapshot.BlockPrivate && !ev.InGroup() {
		v := Deny(StagePlugin, "blocked in private")
		return &v
	}
	return nil
}

func (p *Pipeline) limitStage(ctx context.Context, ev Event, rules []snapshot.LimitRule) *Verdict {
	ok, result := p.limits.Check(rules, ev)
	if ok {
		return nil
	}
	if result != "" {
		p.notify(ctx, ev, result)
	}
	v := Deny(StageLimit, "rate limited")
	return &v
}

// groupSnapshot resolves the channel-specific snapshot first, then the
// plain group.
func (p *Pipeline) groupSnapshot(ctx context.Context, ev Event) (*snapshot.Group, error) {
	if !ev.InGroup() {
		return nil, nil
	}
	if ev.ChannelID != "" {
		g, err := p.caches.Group(ctx, snapshot.GroupKey{GroupID: ev.GroupID, ChannelID: ev.ChannelID})
		if err != nil || g != nil {
			return g, err
		}
	}
	if ev.GroupID != "" {
		return p.caches.Group(ctx, snapshot.GroupKey{GroupID: ev.GroupID})
	}
	return nil, nil
}

func (p *Pipeline) notify(ctx context.Context, ev Event, text string) {
	if p.notifier == nil || !p.notices.allow(ev.UserID) {
		return
	}
	if err := p.notifier.Send(ctx, ev, text); err != nil {
		p.log.Warn().Err(err).Str("user", ev.UserID).Msg("notice send failed")
	}
}

// FastBanPrecheck is the synchronous, never-blocking pre-check backed
// only by ready caches. It reports false while the cache is still
// loading.
func (p *Pipeline) FastBanPrecheck(ev Event) bool {
	if banned, ok := p.memo.getBanned(ev); ok {
		return banned
	}
	banned, ready := p.caches.IsBannedIfReady(ev.UserID, ev.GroupID)
	if !ready {
		return false
	}
	p.memo.putBanned(ev, banned)
	return banned
}

// ReleaseBlock is the post-dispatch hook freeing the module's block
// limiter slot for this event.
func (p *Pipeline) ReleaseBlock(ev Event, module string) {
	p.limits.Release(p.caches.LimitsFor(module), ev)
}

func (p *Pipeline) isSuperuser(userID string) bool {
	_, ok := p.superusers[userID]
	return ok
}

// matchesTrigger reports whether the trimmed text starts with any of the
// declared command triggers.
func matchesTrigger(raw string, triggers []string) bool {
	text := strings.TrimSpace(raw)
	for _, t := range triggers {
		if t != "" && strings.HasPrefix(text, t) {
			return true
		}
	}
	return false
}
