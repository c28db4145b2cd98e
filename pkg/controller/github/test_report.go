package github

import (
	"encoding/json"
	"encoding/xml"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/goerr/v2"
)

// jsonReport is the JSON test report a CI job may publish as check run output
type jsonReport struct {
	Total          *int       `json:"total"`
	Passed         *int       `json:"passed"`
	Failed         *int       `json:"failed"`
	Skipped        *int       `json:"skipped"`
	LineCoverage   *float64   `json:"line_coverage"`
	BranchCoverage *float64   `json:"branch_coverage"`
	Tests          []jsonTest `json:"tests"`
}

type jsonTest struct {
	File           string `json:"file"`
	Class          string `json:"class"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	DurationMS     int64  `json:"duration_ms"`
	FailureMessage string `json:"failure_message"`
	RetryCount     int    `json:"retry_count"`
}

type junitSuites struct {
	Suites []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	Name   string       `xml:"name,attr"`
	File   string       `xml:"file,attr"`
	Suites []junitSuite `xml:"testsuite"`
	Cases  []junitCase  `xml:"testcase"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	File      string        `xml:"file,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitMessage `xml:"failure"`
	Error     *junitMessage `xml:"error"`
	Skipped   *junitMessage `xml:"skipped"`
}

type junitMessage struct {
	Message string `xml:"message,attr"`
	Body    string `xml:",chardata"`
}

var (
	fencedJSON  = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	summaryPart = regexp.MustCompile(`(?i)(\d+)\s+(passed|failed|skipped)`)
)

// ParseTestReport extracts a test report from check run output. It accepts a
// JSON report (bare or in a json code fence), JUnit XML, or a summary line
// such as "120 passed, 3 failed, 2 skipped" that yields counts only. It
// returns nil when the text carries none of them.
func ParseTestReport(text string) (*model.TestReport, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	if raw, ok := findJSON(text); ok {
		return parseJSONReport(raw)
	}
	if strings.Contains(text, "<testsuite") {
		return parseJUnitReport(text)
	}
	return parseSummary(text), nil
}

func findJSON(text string) (string, bool) {
	if strings.HasPrefix(text, "{") {
		return text, true
	}
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	return "", false
}

func parseJSONReport(raw string) (*model.TestReport, error) {
	var src jsonReport
	if err := json.Unmarshal([]byte(raw), &src); err != nil {
		return nil, goerr.Wrap(err, "invalid JSON test report", goerr.T(model.ErrTagValidation))
	}

	report := &model.TestReport{
		LineCoverage:   src.LineCoverage,
		BranchCoverage: src.BranchCoverage,
	}
	for _, t := range src.Tests {
		// a result without a name cannot join the history of any test
		if t.Name == "" {
			continue
		}
		report.Cases = append(report.Cases, model.TestCase{
			File:           t.File,
			Class:          t.Class,
			Name:           t.Name,
			Status:         model.TestStatusFrom(t.Status),
			Duration:       time.Duration(t.DurationMS) * time.Millisecond,
			FailureMessage: t.FailureMessage,
			RetryCount:     t.RetryCount,
		})
	}

	if len(report.Cases) > 0 {
		report.Recount()
		return report, nil
	}
	report.Passed = deref(src.Passed)
	report.Failed = deref(src.Failed)
	report.Skipped = deref(src.Skipped)
	report.Total = deref(src.Total)
	if report.Total == 0 {
		report.Total = report.Passed + report.Failed + report.Skipped
	}
	return report, nil
}

func parseJUnitReport(raw string) (*model.TestReport, error) {
	var suites []junitSuite

	if strings.Contains(raw, "<testsuites") {
		var root junitSuites
		if err := xml.Unmarshal([]byte(raw), &root); err != nil {
			return nil, goerr.Wrap(err, "invalid JUnit report", goerr.T(model.ErrTagValidation))
		}
		suites = root.Suites
	} else {
		var suite junitSuite
		if err := xml.Unmarshal([]byte(raw), &suite); err != nil {
			return nil, goerr.Wrap(err, "invalid JUnit report", goerr.T(model.ErrTagValidation))
		}
		suites = []junitSuite{suite}
	}

	report := &model.TestReport{}
	for _, s := range suites {
		appendSuite(report, s)
	}
	report.Recount()
	return report, nil
}

func appendSuite(report *model.TestReport, s junitSuite) {
	for _, c := range s.Cases {
		if c.Name == "" {
			continue
		}
		tc := model.TestCase{
			File:   c.File,
			Class:  c.Classname,
			Name:   c.Name,
			Status: model.TestPassed,
		}
		if tc.File == "" {
			tc.File = s.File
		}
		if tc.Class == "" {
			tc.Class = s.Name
		}
		if secs, err := strconv.ParseFloat(c.Time, 64); err == nil {
			tc.Duration = time.Duration(secs * float64(time.Second))
		}

		switch {
		case c.Failure != nil:
			tc.Status = model.TestFailed
			tc.FailureMessage = c.Failure.text()
		case c.Error != nil:
			tc.Status = model.TestError
			tc.FailureMessage = c.Error.text()
		case c.Skipped != nil:
			tc.Status = model.TestSkipped
		}
		report.Cases = append(report.Cases, tc)
	}

	for _, nested := range s.Suites {
		appendSuite(report, nested)
	}
}

func (m *junitMessage) text() string {
	if m.Message != "" {
		return m.Message
	}
	return strings.TrimSpace(m.Body)
}

func parseSummary(text string) *model.TestReport {
	matches := summaryPart.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	report := &model.TestReport{}
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		switch strings.ToLower(m[2]) {
		case "passed":
			report.Passed = n
		case "failed":
			report.Failed = n
		case "skipped":
			report.Skipped = n
		}
	}
	report.Total = report.Passed + report.Failed + report.Skipped
	return report
}

func deref(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
