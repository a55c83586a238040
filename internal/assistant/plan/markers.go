package plan

import (
	"regexp"
	"strings"
)

// The legacy backend classifies its replies with human-language markers
// embedded in the streamed text.  These constants are a wire protocol: the
// backend emits them verbatim and this client must match them verbatim.
const (
	// clarificationMarker opens the clarification-questions section.
	clarificationMarker = "🤔 שאלות הבהרה"
	// planIDLabel precedes the back-ticked plan id.
	planIDLabel = "מזהה תוכנית:"
)

var (
	planIDPattern      = regexp.MustCompile(planIDLabel + "\\s*`([^`]+)`")
	questionPattern    = regexp.MustCompile(`\*\*\d+\.\*\*\s*([^\n*]+)`)
	questionLinePrefix = regexp.MustCompile(`^\*\*\d+\.\*\*`)
	questionLineStrip  = regexp.MustCompile(`^\*\*\d+\.\*\*\s*`)
)

const (
	// maxQuestions caps how many clarification questions a plan may carry.
	maxQuestions = 5
	// minQuestionRunes filters numbered fragments too short to be questions.
	minQuestionRunes = 6
)

// scrapePlan extracts a ChangePlan from marker-classified reply text.
// It returns (nil, false) unless both the plan-id label and the
// clarification marker are present and a back-ticked plan id can be found.
// Finding no questions is not an error: the plan activates with whatever
// subset was extracted.
func scrapePlan(reply string) (*ChangePlan, bool) {
	if !strings.Contains(reply, clarificationMarker) || !strings.Contains(reply, planIDLabel) {
		return nil, false
	}

	m := planIDPattern.FindStringSubmatch(reply)
	if m == nil {
		return nil, false
	}

	return &ChangePlan{
		ID:          m[1],
		RawResponse: reply,
		Questions:   extractQuestions(reply),
	}, true
}

// extractQuestions pulls the numbered clarification questions from the text
// after the clarification marker.
//
// Two passes: the first matches the numbered-bold grammar anywhere in the
// section; the second, used only when the first finds nothing, scans line by
// line for lines beginning with the same marker.  Both passes drop items
// shorter than minQuestionRunes and cap the result at maxQuestions.
func extractQuestions(reply string) []string {
	_, section, found := strings.Cut(reply, clarificationMarker)
	if !found {
		return nil
	}

	var questions []string
	matches := questionPattern.FindAllStringSubmatch(section, -1)
	for _, m := range matches {
		if q := strings.TrimSpace(m[1]); len([]rune(q)) >= minQuestionRunes {
			questions = append(questions, q)
		}
	}

	// The line scan is a fallback for replies the inline grammar cannot
	// match at all, not a second chance after the noise filter.
	if len(matches) == 0 {
		for _, line := range strings.Split(section, "\n") {
			line = strings.TrimSpace(line)
			if !questionLinePrefix.MatchString(line) {
				continue
			}
			if q := strings.TrimSpace(questionLineStrip.ReplaceAllString(line, "")); len([]rune(q)) >= minQuestionRunes {
				questions = append(questions, q)
			}
		}
	}

	if len(questions) > maxQuestions {
		questions = questions[:maxQuestions]
	}
	return questions
}
