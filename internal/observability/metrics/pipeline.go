package metrics

// 流水线阶段名称。
const (
	StageProposal = "proposal"
	StagePayment  = "payment"
	StageCodegen  = "codegen"
	StageDeploy   = "deploy"
)

// 阶段结果。
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

var (
	stageOutcomes = newCounterVec("onyx_pipeline_stage_total",
		"Pipeline stage outcomes.", "stage", "outcome")
	sessionTransitions = newCounterVec("onyx_session_transitions_total",
		"Session state transitions by target state.", "to")
)

// ObserveStage 记录一次流水线阶段的结果。
func ObserveStage(stage, outcome string) {
	stageOutcomes.inc(stage, outcome)
}

// ObserveTransition 记录会话进入某个状态的次数。
func ObserveTransition(to string) {
	sessionTransitions.inc(to)
}

// StageCount 返回指定阶段与结果的累计次数。
func StageCount(stage, outcome string) uint64 {
	return stageOutcomes.value(stage, outcome)
}
