package schema

import (
	"fmt"

	"go.uber.org/zap"

	"stride/internal/extract"
)

var (
	TitleAliases     = Aliases{"goal_title", "vision_title", "title"}
	TotalDaysAliases = Aliases{"total_duration", "total_duration_days"}
	PhasesAliases    = Aliases{"phases"}

	PhaseNameAliases   = Aliases{"name", "phase_name"}
	DurationAliases    = Aliases{"duration_days", "days"}
	TaskLabelAliases   = Aliases{"daily_task_label", "task_label"}
	TaskDetailAliases  = Aliases{"daily_task_detail", "task_detail"}
	ColorTagAliases    = Aliases{"bubble_color", "color"}
	DefaultTaskLabel   = "今日任务"
	DefaultColorTag    = "FFD700"
	blueprintRejectKey = []string{"action"}
)

// MaxPlanDays bounds total_duration, every phase duration and their sum. A
// plan is materialized one task per day, so the bound caps what a single reply
// can make the store allocate.
const MaxPlanDays = 3650

func tooLong(field string, aliases Aliases, days int) *ResolutionError {
	return &ResolutionError{
		Field:        field,
		AliasesTried: aliases,
		Reason:       fmt.Sprintf("is %d days, more than the %d allowed", days, MaxPlanDays),
	}
}

// Blueprint is a resolved, not yet persisted goal plan.
type Blueprint struct {
	Title string
	// TotalDays is nil when the model did not state a total.
	TotalDays *int
	Phases    []PhaseSpec
}

type PhaseSpec struct {
	Name         string
	DurationDays int
	TaskLabel    string
	TaskDetail   string
	ColorTag     string
}

// Defaults fill optional phase fields.
type Defaults struct {
	TaskLabel string
	ColorTag  string
}

func (d Defaults) orBuiltin() Defaults {
	if d.TaskLabel == "" {
		d.TaskLabel = DefaultTaskLabel
	}
	if d.ColorTag == "" {
		d.ColorTag = DefaultColorTag
	}
	return d
}

// PhaseDaysSum is the total of all phase durations.
func (b Blueprint) PhaseDaysSum() int {
	sum := 0
	for _, p := range b.Phases {
		sum += p.DurationDays
	}
	return sum
}

// EffectiveTotalDays returns TotalDays, or the phase sum when absent.
func (b Blueprint) EffectiveTotalDays() int {
	if b.TotalDays != nil {
		return *b.TotalDays
	}
	return b.PhaseDaysSum()
}

// ResolveBlueprint maps a raw object onto a Blueprint with builtin defaults.
func ResolveBlueprint(obj map[string]any) (Blueprint, error) {
	return ResolveBlueprintWithDefaults(obj, Defaults{})
}

// ResolveBlueprintWithDefaults is ResolveBlueprint with configurable defaults
// for optional phase fields. Only missing required fields fail.
func ResolveBlueprintWithDefaults(obj map[string]any, defaults Defaults) (Blueprint, error) {
	defaults = defaults.orBuiltin()
	title, ok := String(obj, TitleAliases)
	if !ok {
		return Blueprint{}, &ResolutionError{Field: "title", AliasesTried: TitleAliases}
	}
	rawPhases, ok := Objects(obj, PhasesAliases)
	if !ok {
		return Blueprint{}, &ResolutionError{Field: "phases", AliasesTried: PhasesAliases}
	}
	bp := Blueprint{Title: title}
	if total, ok := PositiveInt(obj, TotalDaysAliases); ok {
		if total > MaxPlanDays {
			return Blueprint{}, tooLong("total_duration", TotalDaysAliases, total)
		}
		bp.TotalDays = &total
	}
	sum := 0
	for i, raw := range rawPhases {
		field := fmt.Sprintf("phases[%d].duration_days", i)
		days, ok := PositiveInt(raw, DurationAliases)
		if !ok {
			return Blueprint{}, &ResolutionError{Field: field, AliasesTried: DurationAliases}
		}
		if days > MaxPlanDays {
			return Blueprint{}, tooLong(field, DurationAliases, days)
		}
		if sum += days; sum > MaxPlanDays {
			return Blueprint{}, tooLong("phases", PhasesAliases, sum)
		}
		spec := PhaseSpec{DurationDays: days}
		if spec.Name, ok = String(raw, PhaseNameAliases); !ok {
			spec.Name = fmt.Sprintf("Phase %d", i+1)
		}
		if spec.TaskLabel, ok = String(raw, TaskLabelAliases); !ok {
			spec.TaskLabel = defaults.TaskLabel
		}
		if spec.TaskDetail, ok = String(raw, TaskDetailAliases); !ok {
			spec.TaskDetail = ""
		}
		if spec.ColorTag, ok = String(raw, ColorTagAliases); !ok {
			spec.ColorTag = defaults.ColorTag
		}
		bp.Phases = append(bp.Phases, spec)
	}
	return bp, nil
}

// BlueprintExtractOptions are the extraction options for goal plans.
func BlueprintExtractOptions(logger *zap.Logger) extract.Options {
	return extract.Options{
		SignalKeys: TitleAliases,
		RejectKeys: blueprintRejectKey,
		Element:    "goal plan",
		Logger:     logger,
	}
}

// ParseBlueprint runs extraction and resolution over a full reply. found is
// false when the reply carries no plan at all.
func ParseBlueprint(text string, defaults Defaults, logger *zap.Logger) (bp Blueprint, found bool, err error) {
	res, err := extract.Extract(text, BlueprintExtractOptions(logger))
	if err != nil {
		return Blueprint{}, false, err
	}
	if !res.Found {
		return Blueprint{}, false, nil
	}
	bp, err = ResolveBlueprintWithDefaults(res.Object, defaults)
	if err != nil {
		return Blueprint{}, true, err
	}
	return bp, true, nil
}
