package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/loykin/keepup/internal/host"
)

func TestNormalizePrefix(t *testing.T) {
	for in, want := range map[string]string{
		"":        "",
		"/":       "",
		"api":     "/api",
		"/api/":   "/api",
		" api ":   "/api",
		"/api/v1": "/api/v1",
		"//x//":   "/x",
	} {
		if got := normalizePrefix(in); got != want {
			t.Fatalf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidName(t *testing.T) {
	for _, s := range []string{"a", "web-1", "api_v2.3"} {
		if !validName(s) {
			t.Fatalf("%q should be valid", s)
		}
	}
	for _, s := range []string{"", "..", "x..y", "a/b", `a\b`, "sp ace", "ünï"} {
		if validName(s) {
			t.Fatalf("%q should be rejected", s)
		}
	}
}

func absPath(parts ...string) string {
	root := string(filepath.Separator)
	if runtime.GOOS == "windows" {
		root = `C:\`
	}
	return filepath.Join(append([]string{root}, parts...)...)
}

func TestValidateLaunch(t *testing.T) {
	sep := string(filepath.Separator)
	cases := []struct {
		spec host.LaunchSpec
		err  string
	}{
		{host.LaunchSpec{Command: "sleep 1"}, ""},
		{host.LaunchSpec{Command: "sleep 1", Name: "svc", WorkDir: absPath("srv", "app"), LogFile: absPath("var", "log", "a.log")}, ""},
		{host.LaunchSpec{Command: "sleep 1", WorkDir: absPath("srv") + sep}, ""},
		{host.LaunchSpec{Command: "  "}, "command required"},
		{host.LaunchSpec{Command: "x", Name: "../etc"}, "invalid name"},
		{host.LaunchSpec{Command: "x", WorkDir: "relative"}, "invalid work_dir"},
		{host.LaunchSpec{Command: "x", LogFile: absPath("tmp") + sep + ".." + sep + "etc"}, "invalid log_file"},
	}
	for _, tc := range cases {
		err := validateLaunch(tc.spec)
		if tc.err == "" {
			if err != nil {
				t.Fatalf("%+v: unexpected error %v", tc.spec, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.err) {
			t.Fatalf("%+v: got %v, want %q", tc.spec, err, tc.err)
		}
	}
}

func TestWriteError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeError(c, http.StatusTeapot, host.ErrNotFound) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("content-type: %s", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), `"error":"`+host.ErrNotFound.Error()+`"`) {
		t.Fatalf("body: %s", rec.Body.String())
	}
}
