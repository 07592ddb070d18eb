package handlers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ravi-parthasarathy/inferflow/pkg/llm"
	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/inferflow/pkg/vectorstore"
)

// An assembler turns the final context of a run into its result text and
// status. Assemblers never fail: missing fields become explanatory text.
type assembler func(f facts) (result, status string)

var assemblers = map[string]assembler{
	"vegan":        assembleVegan,
	"unknown_type": assembleUnknownType,
	"fashion":      assembleFashion,
	"qa":           assembleQA,
	"risk":         assembleRisk,
	"error":        assembleError,
}

// Assemblers lists the names accepted by the exit "assembler" attribute.
func Assemblers() []string {
	names := make([]string, 0, len(assemblers))
	for name := range assemblers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// facts is a read-only view of a context snapshot.
type facts map[string]any

func (f facts) str(key string) string { return strings.TrimSpace(stringValue(f[key])) }

func (f facts) list(key string) []string { return listValue(f[key]) }

func (f facts) failed() bool { return f.str(pipeline.KeyError) != "" }

func (f facts) num(key string) (float64, bool) { return floatValue(f[key]) }

func (f facts) matches(key string) []vectorstore.Match {
	m, _ := f[key].([]vectorstore.Match)
	return m
}

// Vegetarian levels, from strictest to most permissive.
var vegetarianLevels = map[int]string{
	1: "vegan",
	2: "lacto-vegetarian",
	3: "ovo-vegetarian",
	4: "lacto-ovo vegetarian",
	5: "pescatarian",
	6: "pollotarian",
	7: "flexitarian",
}

// assembleVegan reports the suitability analysis of a dish or an
// ingredient label. It reads input_type, food, ingredients and the
// vegan_* fields of the analysis.
func assembleVegan(f facts) (string, string) {
	if f.failed() {
		return assembleError(f)
	}
	var b strings.Builder
	switch f.str("input_type") {
	case "food":
		food := f.str("food")
		if food == "" {
			food = "unrecognised dish"
		}
		fmt.Fprintf(&b, "Dish: %s\n", food)
	case "ingredients":
		b.WriteString("Source: ingredient label\n")
	}

	ingredients := f.list("ingredients")
	if len(ingredients) == 0 {
		b.WriteString("No ingredients could be identified, so suitability for vegetarians could not be assessed.")
		return b.String(), pipeline.StatusPartial
	}
	fmt.Fprintf(&b, "Ingredients: %s\n", strings.Join(ingredients, ", "))

	class := f.str("vegan_classification")
	if class == "" {
		b.WriteString("The ingredients were read, but the analysis returned no classification.")
		return b.String(), pipeline.StatusPartial
	}
	fmt.Fprintf(&b, "Classification: %s\n", class)
	if level, ok := f.num("vegan_level"); ok {
		if name, known := vegetarianLevels[int(level)]; known {
			fmt.Fprintf(&b, "Suitable from: level %d (%s)\n", int(level), name)
		}
	}
	if contains := f.list("vegan_contains"); len(contains) > 0 {
		fmt.Fprintf(&b, "Contains: %s\n", strings.Join(contains, ", "))
	}
	if reason := f.str("vegan_reason"); reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", reason)
	}
	return strings.TrimRight(b.String(), "\n"), pipeline.StatusSuccess
}

func assembleUnknownType(f facts) (string, string) {
	if f.failed() {
		return assembleError(f)
	}
	return "The image type could not be determined: it does not look like a dish or an ingredient label, " +
		"so no analysis was performed. Please try a clearer photo.", pipeline.StatusUnknown
}

// assembleFashion presents the styling note with the closest looks. After
// a fault it still lists whatever matches were found.
func assembleFashion(f facts) (string, string) {
	matches := f.matches("matches")
	if len(matches) == 0 {
		if f.failed() {
			return assembleError(f)
		}
		return "No similar looks were found in the collection.", pipeline.StatusPartial
	}

	var b strings.Builder
	status := pipeline.StatusSuccess
	if rec := f.str("recommendation"); rec != "" && !f.failed() {
		b.WriteString(rec)
		b.WriteString("\n\n")
	} else {
		b.WriteString("A styling note could not be written; here are the closest looks.\n\n")
		status = pipeline.StatusPartial
	}
	b.WriteString("Similar looks:\n")
	for i, m := range matches {
		name := m.Metadata["name"]
		if name == "" {
			name = m.ID
		}
		fmt.Fprintf(&b, "%d. %s (%.0f%% similar)\n", i+1, name, similarity(m.Distance)*100)
	}
	return strings.TrimRight(b.String(), "\n"), status
}

// assembleQA presents the answer with its sources and flags answers that
// never passed verification.
func assembleQA(f facts) (string, string) {
	if f.failed() {
		return assembleError(f)
	}
	answer := f.str("answer")
	if answer == "" {
		return "No answer was produced for the question.", pipeline.StatusPartial
	}
	var b strings.Builder
	b.WriteString(answer)
	status := pipeline.StatusSuccess

	var sources []string
	for _, m := range f.matches("passages") {
		src := m.Metadata["title"]
		if src == "" {
			src = m.ID
		}
		sources = append(sources, src)
	}
	if len(sources) > 0 {
		fmt.Fprintf(&b, "\n\nSources: %s", strings.Join(sources, ", "))
	}
	if verified, ok := f["answer_verified"].(bool); ok && !verified {
		attempts, _ := f.num("answer_attempts")
		fmt.Fprintf(&b, "\n\nNote: this answer could not be verified after %d attempts.", int(attempts))
		status = pipeline.StatusPartial
	}
	return b.String(), status
}

// assembleRisk reports the infringement risk level stored under "risk"
// with the reason from the raw "assessment".
func assembleRisk(f facts) (string, string) {
	if f.failed() {
		return assembleError(f)
	}
	reason := riskReason(f.str("assessment"))
	switch level := f.str("risk"); level {
	case "high", "ambiguous", "low":
		out := "Infringement risk: " + strings.ToUpper(level)
		if reason != "" {
			out += "\nReason: " + reason
		}
		return out, pipeline.StatusSuccess
	default:
		out := "The infringement risk could not be determined from the assessment."
		if reason != "" {
			out += "\nAssessment: " + reason
		}
		return out, pipeline.StatusUnknown
	}
}

func riskReason(assessment string) string {
	if obj, err := llm.DecodeObject(assessment); err == nil {
		if r := strings.TrimSpace(stringValue(obj["reason"])); r != "" {
			return r
		}
	}
	return assessment
}

func assembleError(f facts) (string, string) {
	msg := f.str(pipeline.KeyError)
	if msg == "" {
		msg = "unknown failure"
	}
	var lead string
	switch pipeline.FaultKind(f.str(pipeline.KeyErrorKind)) {
	case pipeline.FaultInput:
		lead = "The input could not be used"
	case pipeline.FaultCollaborator:
		lead = "A model or search service failed"
	case pipeline.FaultCancelled:
		lead = "The request was cancelled"
	default:
		lead = "The request could not be completed"
	}
	if node := f.str(pipeline.KeyErrorNode); node != "" {
		return fmt.Sprintf("%s at step %q: %s", lead, node, msg), pipeline.StatusError
	}
	return fmt.Sprintf("%s: %s", lead, msg), pipeline.StatusError
}
