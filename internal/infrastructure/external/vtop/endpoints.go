package vtop

import (
	"net/url"
	"strings"
)

// DefaultCSRFSeed is the static _csrf value the portal accepts on the prelogin setup call.
const DefaultCSRFSeed = "c9d1ed7c-6a5d-4e7c-a0a8-7c2fc8a0d0f1"

// Portal paths.
const (
	PathPreloginSetup = "/vtop/prelogin/setup"
	PathLogin         = "/vtop/login"

	PathProfile          = "/vtop/studentsRecord/StudentProfileAllView"
	PathGradeHistory     = "/vtop/examinations/examGradeView/StudentGradeHistory"
	PathSemesterList     = "/vtop/academics/common/StudentTimeTable"
	PathFeeReceipts      = "/vtop/p2p/getReceiptsApplno"
	PathTimeTable        = "/vtop/processViewTimeTable"
	PathAttendance       = "/vtop/processViewStudentAttendance"
	PathAttendanceDetail = "/vtop/processViewAttendanceDetail"
	PathMarks            = "/vtop/examinations/doStudentMarkView"
	PathExamSchedule     = "/vtop/examinations/doSearchExamScheduleForStudent"
	PathGradeView        = "/vtop/examinations/examGradeView/doStudentGradeView"
	PathAssignments      = "/vtop/examinations/doDigitalAssignment"
)

// SemesterParam is the form field that selects a semester on semester-scoped pages.
const SemesterParam = "semesterSubId"

// Response markers the portal embeds in a rejected login page.
const (
	MarkerInvalidCredentials = "Invalid LoginId/Password"
	MarkerInvalidCaptcha     = "Invalid Captcha"
)

func (p *Portal) setupURL() string {
	return p.config.BaseURL + PathPreloginSetup +
		"?_csrf=" + url.QueryEscape(p.config.CSRFSeed) + "&flag=VTOP"
}

// loginURL keeps the parameter order the portal's own form produces.
func (p *Portal) loginURL(username, password, csrf, captcha string) string {
	var b strings.Builder
	b.WriteString(p.config.BaseURL)
	b.WriteString(PathLogin)
	b.WriteString("?_csrf=")
	b.WriteString(url.QueryEscape(csrf))
	b.WriteString("&username=")
	b.WriteString(url.QueryEscape(username))
	b.WriteString("&password=")
	b.WriteString(url.QueryEscape(password))
	b.WriteString("&captchaStr=")
	b.WriteString(url.QueryEscape(captcha))
	return b.String()
}
