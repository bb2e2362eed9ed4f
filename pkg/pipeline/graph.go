package pipeline

import "taskflow/pkg/artifact"

// prerequisites is the static dependency graph: a kind may only be
// generated once every listed kind is completed.
var prerequisites = map[artifact.Kind][]artifact.Kind{
	artifact.KindBRD:            nil,
	artifact.KindPRD:            {artifact.KindBRD},
	artifact.KindTasks:          {artifact.KindPRD},
	artifact.KindMarketResearch: nil,
	artifact.KindGitHubSetup:    {artifact.KindPRD, artifact.KindTasks},
	artifact.KindMockup:         {artifact.KindBRD},
}

// Prerequisites returns the kinds that must be completed before kind.
func Prerequisites(kind artifact.Kind) []artifact.Kind {
	return prerequisites[kind]
}
