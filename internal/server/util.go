package server

import (
	"errors"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/keepup/internal/host"
)

// normalizePrefix turns " api/ " into "/api". Empty and "/" mean no prefix.
func normalizePrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

// Process names end up in log file names.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func validName(s string) bool {
	return namePattern.MatchString(s) && !strings.Contains(s, "..")
}

// cleanAbsPath accepts "" or an absolute path that filepath.Clean leaves
// unchanged apart from trailing separators.
func cleanAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	c := filepath.Clean(p)
	return c == p || c == strings.TrimRight(p, string(filepath.Separator))
}

// validateLaunch rejects launch requests the host should never see.
func validateLaunch(spec host.LaunchSpec) error {
	switch {
	case strings.TrimSpace(spec.Command) == "":
		return errors.New("command required")
	case spec.Name != "" && !validName(spec.Name):
		return errors.New("invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators")
	case !cleanAbsPath(spec.WorkDir):
		return errors.New("invalid work_dir: must be absolute path without traversal")
	case !cleanAbsPath(spec.LogFile):
		return errors.New("invalid log_file: must be absolute path without traversal")
	}
	return nil
}

func writeJSON(c *gin.Context, code int, v any) {
	c.JSON(code, v)
}

func writeError(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	writeError(c, http.StatusBadRequest, err)
}
