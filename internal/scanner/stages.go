package scanner

import "github.com/soclab/argus/internal/models"

// Stage ids
const (
	StageSubdomainEnum = "subdomain-enum"
	StageLivenessCheck = "liveness-check"
	StagePortProbe     = "port-probe"
	StageTemplateScan  = "template-scan"
	StagePatternScan   = "pattern-scan"
	StageTechDetect    = "tech-detect"
	StageCrawl         = "crawl"
)

// stageSpec declares one node of the per-task-type stage DAG. Stages with
// the same DependsOn set run concurrently; Optional stages may fail
// without failing the task on their own.
type stageSpec struct {
	ID        string
	DependsOn []string
	Optional  bool
}

// stagePlans is the static DAG per task type. api_security is absent: it
// is delegated wholesale to the API-security pipeline.
var stagePlans = map[models.TaskType][]stageSpec{
	models.TaskPortScan: {
		{ID: StagePortProbe},
	},
	models.TaskSubdomainEnum: {
		{ID: StageSubdomainEnum},
		{ID: StageLivenessCheck, DependsOn: []string{StageSubdomainEnum}},
	},
	models.TaskVulnScan: {
		{ID: StageTemplateScan},
		{ID: StagePatternScan},
	},
	models.TaskWebDiscovery: {
		{ID: StageTechDetect},
		{ID: StageCrawl},
	},
	models.TaskComprehensive: {
		{ID: StageSubdomainEnum},
		{ID: StageLivenessCheck, DependsOn: []string{StageSubdomainEnum}},
		{ID: StagePortProbe, DependsOn: []string{StageLivenessCheck}},
		{ID: StageTemplateScan, DependsOn: []string{StagePortProbe}, Optional: true},
		{ID: StagePatternScan, DependsOn: []string{StagePortProbe}, Optional: true},
		{ID: StageTechDetect, DependsOn: []string{StagePortProbe}, Optional: true},
		{ID: StageCrawl, DependsOn: []string{StagePortProbe}, Optional: true},
	},
}

// PlanFor returns the stage DAG for a task type, nil when the type has no
// engine-run stages.
func PlanFor(taskType models.TaskType) []stageSpec {
	return stagePlans[taskType]
}

// waves flattens the DAG into execution waves: every stage in a wave has
// all of its dependencies satisfied by earlier waves, and stages within a
// wave run concurrently.
func waves(plan []stageSpec) [][]stageSpec {
	doneSet := map[string]bool{}
	remaining := append([]stageSpec(nil), plan...)
	var out [][]stageSpec

	for len(remaining) > 0 {
		var wave []stageSpec
		var next []stageSpec
		for _, s := range remaining {
			ready := true
			for _, dep := range s.DependsOn {
				if !doneSet[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, s)
			} else {
				next = append(next, s)
			}
		}
		if len(wave) == 0 {
			// Cyclic or dangling dependency: run the stragglers anyway
			// rather than hanging the task
			wave = next
			next = nil
		}
		for _, s := range wave {
			doneSet[s.ID] = true
		}
		out = append(out, wave)
		remaining = next
	}
	return out
}
