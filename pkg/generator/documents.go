package generator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"taskflow/pkg/project"
)

// projectBrief renders the project fields a prompt needs.
func projectBrief(p project.Project) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Project name: %s\n", p.Name)
	fmt.Fprintf(&sb, "Project description: %s\n", p.Objective)
	if p.StartDate != nil {
		fmt.Fprintf(&sb, "Start date: %s\n", p.StartDate.Format(time.DateOnly))
	}
	if p.EndDate != nil {
		fmt.Fprintf(&sb, "End date: %s\n", p.EndDate.Format(time.DateOnly))
	}
	if p.EstimatedIncome != nil {
		fmt.Fprintf(&sb, "Estimated income: %.2f\n", *p.EstimatedIncome)
	}
	if p.EstimatedOutcome != nil {
		fmt.Fprintf(&sb, "Estimated outcome: %.2f\n", *p.EstimatedOutcome)
	}
	return sb.String()
}

var fence = regexp.MustCompile("(?s)^\\s*```[a-zA-Z]*\\s*\n(.*?)\n?```\\s*$")

// cleanMarkdown strips a wrapping code fence some models add.
func cleanMarkdown(s string) string {
	if m := fence.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	return strings.TrimSpace(s)
}

// TextGenerator asks a model for a markdown document.
type TextGenerator struct {
	name   string
	model  Model
	prompt func(Input) (string, error)
}

func (g *TextGenerator) Generate(ctx context.Context, in Input) Result {
	prompt, err := g.prompt(in)
	if err != nil {
		return Failure("%s: %v", g.name, err)
	}
	out, err := g.model.Complete(ctx, prompt)
	if err != nil {
		return Failure("%s: %v", g.name, err)
	}
	doc := cleanMarkdown(out)
	if doc == "" {
		return Failure("%s: model returned an empty document", g.name)
	}
	return Success(doc)
}

// NewBRD generates a Business Requirements Document from the project.
func NewBRD(m Model) *TextGenerator {
	return &TextGenerator{name: "brd", model: m, prompt: func(in Input) (string, error) {
		return "You are a senior business analyst. Write a complete Business Requirements Document " +
			"in markdown for the project below. Cover executive summary, business objectives, " +
			"stakeholders, scope, functional and non-functional requirements, assumptions, " +
			"constraints, risks and success metrics.\n\n" + projectBrief(in.Project), nil
	}}
}

// NewPRD generates a Product Requirements Document from the BRD.
func NewPRD(m Model) *TextGenerator {
	return &TextGenerator{name: "prd", model: m, prompt: func(in Input) (string, error) {
		if strings.TrimSpace(in.BRD) == "" {
			return "", fmt.Errorf("brd content is required")
		}
		return "You are a senior product manager. Turn the Business Requirements Document below " +
			"into a Product Requirements Document in markdown for \"" + in.Project.Name + "\". " +
			"Include product overview, user personas, user stories, feature specifications with " +
			"acceptance criteria, technical requirements and release milestones.\n\n" +
			"Business Requirements Document:\n```markdown\n" + in.BRD + "\n```", nil
	}}
}

// MarketResearch chains a research pass and a report pass.
type MarketResearch struct {
	research Model
	report   Model
}

// NewMarketResearch creates the market validation generator. report may be
// nil, in which case research writes the report too.
func NewMarketResearch(research, report Model) *MarketResearch {
	if report == nil {
		report = research
	}
	return &MarketResearch{research: research, report: report}
}

func (g *MarketResearch) Generate(ctx context.Context, in Input) Result {
	if strings.TrimSpace(in.Project.Objective) == "" {
		return Failure("market_research: project objective is required")
	}
	findings, err := g.research.Complete(ctx,
		"You are a market researcher. For the business idea below, list the target market, "+
			"market size estimates, main competitors with their strengths and weaknesses, "+
			"pricing benchmarks and current trends. Be factual and concise.\n\n"+
			"Business idea: "+in.Project.Objective)
	if err != nil {
		return Failure("market_research: research: %v", err)
	}
	report, err := g.report.Complete(ctx,
		"You are a market validation consultant. Using the research notes below, write a market "+
			"validation report in markdown with sections: Executive Summary, Market Opportunity, "+
			"Competitive Landscape, Target Customers, Risks, Go/No-Go Recommendation.\n\n"+
			"Business idea: "+in.Project.Objective+"\n\nResearch notes:\n"+findings)
	if err != nil {
		return Failure("market_research: report: %v", err)
	}
	doc := cleanMarkdown(report)
	if doc == "" {
		return Failure("market_research: model returned an empty report")
	}
	return Success(doc)
}
