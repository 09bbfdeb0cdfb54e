package graph

// Station names a category of worker capable of executing a task type.
type Station string

const (
	StationPlanner    Station = "planner"
	StationResearcher Station = "researcher"
	StationDesigner   Station = "designer"
	StationBuilder    Station = "builder"
	StationTester     Station = "tester"
	StationWriter     Station = "writer"
	StationOptimizer  Station = "optimizer"
	StationAuditor    Station = "auditor"
	StationGeneral    Station = "general" // Fallback for unknown task types
)

// defaultStations maps each task type to exactly one station.
var defaultStations = map[TaskType]Station{
	TypePlan:     StationPlanner,
	TypeResearch: StationResearcher,
	TypeDesign:   StationDesigner,
	TypeBuild:    StationBuilder,
	TypeTest:     StationTester,
	TypeDocument: StationWriter,
	TypeOptimize: StationOptimizer,
	TypeAudit:    StationAuditor,
}

// StationFor resolves the station for a task type. Overrides (task type name
// -> station name) take precedence over the built-in table; unknown types
// fall back to StationGeneral.
func StationFor(t TaskType, overrides map[string]string) Station {
	if overrides != nil {
		if s, ok := overrides[string(t)]; ok && s != "" {
			return Station(s)
		}
	}
	if s, ok := defaultStations[t]; ok {
		return s
	}
	return StationGeneral
}
