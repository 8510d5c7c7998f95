package orchestrator

import (
	"github.com/cadre-dev/cadre/pkg/board"
)

// The workflow is a fixed sequence of stage groups. Stages within a group run
// in parallel; the group advances only when every stage in it has a succeeded
// task. Job.Stage holds the first stage of the current group.
//
//	initialization → prd_generation → waiting_for_approval →
//	{plan_generation, feature_tree} → architecture → uiux → development →
//	{qa, security, documentation, support} → pm_review → delivery → completed
var stageGroups = [][]board.Stage{
	{board.StageInitialization},
	{board.StagePRDGeneration},
	{board.StageWaitingForApproval},
	{board.StagePlanGeneration, board.StageFeatureTree},
	{board.StageArchitecture},
	{board.StageUIUX},
	{board.StageDevelopment},
	{board.StageQA, board.StageSecurity, board.StageDocumentation, board.StageSupport},
	{board.StagePMReview},
	{board.StageDelivery},
	{board.StageCompleted},
}

// retrySafeStages may be retried once at the stage level after a task exhausts
// its attempt budget. Only the parallel review stages qualify: their handlers
// are independent of each other, so regenerating one task cannot corrupt
// sibling output.
var retrySafeStages = map[board.Stage]bool{
	board.StageQA:            true,
	board.StageSecurity:      true,
	board.StageDocumentation: true,
	board.StageSupport:       true,
}

// stageDeps maps each task-generating stage to the stages whose succeeded
// task outputs it consumes. Dependency task ids are resolved at wave
// generation time from the job's task set.
var stageDeps = map[board.Stage][]board.Stage{
	board.StagePRDGeneration:  {},
	board.StagePlanGeneration: {board.StagePRDGeneration},
	board.StageFeatureTree:    {board.StagePRDGeneration},
	board.StageArchitecture:   {board.StagePlanGeneration, board.StageFeatureTree},
	board.StageUIUX:           {board.StageArchitecture},
	board.StageDevelopment:    {board.StageUIUX, board.StageArchitecture},
	board.StageQA:             {board.StageDevelopment},
	board.StageSecurity:       {board.StageDevelopment},
	board.StageDocumentation:  {board.StageDevelopment},
	board.StageSupport:        {board.StageDevelopment},
	board.StagePMReview:       {board.StageQA, board.StageSecurity, board.StageDocumentation, board.StageSupport},
	board.StageDelivery:       {board.StagePMReview},
}

// stageRole maps a task-generating stage to the worker role that executes it.
// Roles and stages share names today, but the indirection keeps multi-role
// stages possible without touching the advance logic.
var stageRole = map[board.Stage]string{
	board.StagePRDGeneration:  "prd",
	board.StagePlanGeneration: "plan",
	board.StageFeatureTree:    "feature_tree",
	board.StageArchitecture:   "architecture",
	board.StageUIUX:           "uiux",
	board.StageDevelopment:    "development",
	board.StageQA:             "qa",
	board.StageSecurity:       "security",
	board.StageDocumentation:  "documentation",
	board.StageSupport:        "support",
	board.StagePMReview:       "pm_review",
	board.StageDelivery:       "delivery",
}

// Roles returns every worker role of the workflow, in stage order.
func Roles() []string {
	roles := make([]string, 0, len(stageRole))
	for _, group := range stageGroups {
		for _, stage := range group {
			if role, ok := stageRole[stage]; ok {
				roles = append(roles, role)
			}
		}
	}
	return roles
}

// groupIndex returns the index of the group containing the given stage, or -1.
func groupIndex(stage board.Stage) int {
	for i, group := range stageGroups {
		for _, s := range group {
			if s == stage {
				return i
			}
		}
	}
	return -1
}

// groupOf returns the parallel group containing the stage, or nil.
func groupOf(stage board.Stage) []board.Stage {
	if i := groupIndex(stage); i >= 0 {
		return stageGroups[i]
	}
	return nil
}

// nextGroup returns the group after the one containing the stage, or nil at
// the end of the workflow.
func nextGroup(stage board.Stage) []board.Stage {
	i := groupIndex(stage)
	if i < 0 || i+1 >= len(stageGroups) {
		return nil
	}
	return stageGroups[i+1]
}

// groupStage is the representative stage stored on the job for a group.
func groupStage(group []board.Stage) board.Stage {
	return group[0]
}
