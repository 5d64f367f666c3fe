// Package vtoptest provides an in-process fake of the VTOP portal for tests.
package vtoptest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Default fixture values.
const (
	Username  = "21BCE0001"
	Password  = "correct-horse"
	StudentID = "S-21BCE0001"
	AuthToken = "auth-csrf-token"

	// ChallengeImage is a placeholder; tests pair the fake with a stub solver.
	ChallengeImage = "data:image/png;base64,iVBORw0KGgo="

	sessionCookie = "JSESSIONID"
)

// Portal is a scripted fake of the portal's login and data endpoints.
type Portal struct {
	*httptest.Server

	mu sync.Mutex

	// NoCaptcha serves a login page without any captcha signal.
	NoCaptcha bool
	// RejectCaptcha answers "Invalid Captcha" to this many submits before accepting.
	RejectCaptcha int
	// LoginDelay is slept inside every login submit.
	LoginDelay time.Duration
	// FailStatus, when non-zero, is returned by every endpoint.
	FailStatus int
	// Pages maps authenticated paths to the HTML they return.
	Pages map[string]string

	fetches     atomic.Int64
	submits     atomic.Int64
	dataCalls   atomic.Int64
	lastCaptcha atomic.Value
	nextSession atomic.Int64
	authed      sync.Map // session cookie value -> struct{}
}

// New starts a fake portal. It is closed by t.Cleanup in callers.
func New() *Portal {
	p := &Portal{Pages: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /vtop/prelogin/setup", p.handleSetup)
	mux.HandleFunc("POST /vtop/login", p.handleLogin)
	mux.HandleFunc("POST /vtop/", p.handleData)
	p.Server = httptest.NewServer(mux)
	return p
}

// Fetches returns the number of login page loads served.
func (p *Portal) Fetches() int { return int(p.fetches.Load()) }

// Submits returns the number of login submits served.
func (p *Portal) Submits() int { return int(p.submits.Load()) }

// DataCalls returns the number of authenticated data requests served.
func (p *Portal) DataCalls() int { return int(p.dataCalls.Load()) }

// LastCaptcha returns the captchaStr of the most recent submit.
func (p *Portal) LastCaptcha() string {
	v, _ := p.lastCaptcha.Load().(string)
	return v
}

// SetPage registers the HTML returned for an authenticated path.
func (p *Portal) SetPage(path, html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Pages[path] = html
}

// Configure mutates the script under the portal lock.
func (p *Portal) Configure(fn func(p *Portal)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *Portal) failStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.FailStatus
}

func (p *Portal) handleSetup(w http.ResponseWriter, r *http.Request) {
	p.fetches.Add(1)
	if code := p.failStatus(); code != 0 {
		w.WriteHeader(code)
		return
	}
	if r.URL.Query().Get("flag") != "VTOP" || r.URL.Query().Get("_csrf") == "" {
		http.Error(w, "bad setup request", http.StatusBadRequest)
		return
	}

	if _, err := r.Cookie(sessionCookie); err != nil {
		id := strconv.FormatInt(p.nextSession.Add(1), 10)
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "s" + id, Path: "/"})
	}

	p.mu.Lock()
	noCaptcha := p.NoCaptcha
	p.mu.Unlock()

	token := fmt.Sprintf("login-token-%d", p.fetches.Load())
	w.Header().Set("Content-Type", "text/html")
	if noCaptcha {
		fmt.Fprintf(w, `<html><body><form><input type="hidden" name="_csrf" value="%s"></form></body></html>`, token)
		return
	}
	fmt.Fprintf(w, `<html><body><form>
<input type="hidden" name="_csrf" value="%s">
<div id="captchaBlock"><img src="%s" alt="captcha"></div>
</form></body></html>`, token, ChallengeImage)
}

func (p *Portal) handleLogin(w http.ResponseWriter, r *http.Request) {
	p.submits.Add(1)
	if code := p.failStatus(); code != 0 {
		w.WriteHeader(code)
		return
	}

	p.mu.Lock()
	delay := p.LoginDelay
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	q := r.URL.Query()
	p.lastCaptcha.Store(q.Get("captchaStr"))
	w.Header().Set("Content-Type", "text/html")

	cookie, err := r.Cookie(sessionCookie)
	if err != nil || q.Get("_csrf") == "" {
		fmt.Fprint(w, `<html><body><p class="error">Invalid Captcha</p></body></html>`)
		return
	}
	if q.Get("username") != Username || q.Get("password") != Password {
		fmt.Fprint(w, `<html><body><p class="error">Invalid LoginId/Password</p></body></html>`)
		return
	}

	p.mu.Lock()
	reject := p.RejectCaptcha > 0
	if reject {
		p.RejectCaptcha--
	}
	p.mu.Unlock()
	if reject {
		fmt.Fprint(w, `<html><body><p class="error">Invalid Captcha</p></body></html>`)
		return
	}

	p.authed.Store(cookie.Value, struct{}{})
	fmt.Fprintf(w, `<html><head><meta name="_csrf" content="%s"></head><body>
<script>var id = "%s"; var semesterSubId = "";</script>
<h1>Welcome</h1></body></html>`, AuthToken, StudentID)
}

func (p *Portal) handleData(w http.ResponseWriter, r *http.Request) {
	p.dataCalls.Add(1)
	if code := p.failStatus(); code != 0 {
		w.WriteHeader(code)
		return
	}

	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}
	if _, ok := p.authed.Load(cookie.Value); !ok {
		http.Error(w, "not logged in", http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("authorizedID") != StudentID || r.PostForm.Get("_csrf") != AuthToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	p.mu.Lock()
	html, ok := p.Pages[r.URL.Path]
	p.mu.Unlock()
	if !ok {
		html = `<html><body><table><tr><th>Field</th><th>Value</th></tr><tr><td>path</td><td>` + r.URL.Path + `</td></tr></table></body></html>`
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, html)
}
