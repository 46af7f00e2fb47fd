package dca

import (
	"math/big"
	"strings"

	"github.com/robfig/cron/v3"

	"bbdfi/internal/allocation"
	"bbdfi/internal/config"
	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/sequencer"
)

// 支持的定投频率。
const (
	FrequencyDaily    = "daily"
	FrequencyWeekly   = "weekly"
	FrequencyBiweekly = "biweekly"
	FrequencyMonthly  = "monthly"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Plan 是一个定投计划。Schedule 非空时优先于 Frequency。
type Plan struct {
	Frequency  string
	Schedule   string
	Amount     *big.Int
	Allocation allocation.Allocation
	Mode       sequencer.Mode
}

// PlanFromConfig 将配置转换为定投计划，金额为源资产最小单位。
func PlanFromConfig(cfg config.DCAConfig) (Plan, error) {
	mode, err := sequencer.ParseMode(cfg.Mode)
	if err != nil {
		return Plan{}, err
	}
	alloc := make(allocation.Allocation, 0, len(cfg.Allocation))
	for _, leg := range cfg.Allocation {
		alloc = append(alloc, allocation.Leg{Asset: leg.Asset, Weight: leg.Weight})
	}
	plan := Plan{
		Frequency:  cfg.Frequency,
		Schedule:   cfg.Schedule,
		Amount:     big.NewInt(cfg.Amount),
		Allocation: alloc,
		Mode:       mode,
	}
	return plan, plan.Validate()
}

// Spec 返回计划对应的 cron 表达式。
// 双周没有对应的 cron 字段，按固定 14 天间隔执行。
func (p Plan) Spec() (string, error) {
	if s := strings.TrimSpace(p.Schedule); s != "" {
		return s, nil
	}
	switch strings.ToLower(strings.TrimSpace(p.Frequency)) {
	case FrequencyDaily:
		return "@daily", nil
	case FrequencyWeekly:
		return "@weekly", nil
	case FrequencyBiweekly:
		return "@every 336h", nil
	case FrequencyMonthly:
		return "@monthly", nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "不支持的定投频率",
			xerrors.WithMetadata("frequency", p.Frequency))
	}
}

// Validate 校验周期、金额与分配。
func (p Plan) Validate() error {
	spec, err := p.Spec()
	if err != nil {
		return err
	}
	if _, err := parser.Parse(spec); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "定投 cron 表达式无效",
			xerrors.WithMetadata("schedule", spec))
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "定投金额必须大于0")
	}
	return p.Allocation.Validate()
}

// Intent 返回每次触发时提交给编排器的意图。
func (p Plan) Intent() sequencer.Intent {
	return sequencer.Intent{
		SourceAmount: new(big.Int).Set(p.Amount),
		Allocation:   p.Allocation,
		Mode:         p.Mode,
		Origin:       sequencer.OriginDCA,
	}
}
