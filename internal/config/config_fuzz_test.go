package config

import (
	"strconv"
	"strings"
	"testing"
)

// FuzzParseService feeds random service fields into a small TOML document and
// checks that parsing never panics and accepted configs are self-consistent.
func FuzzParseService(f *testing.F) {
	f.Add("api", "sleep 1", 8080, "tcp", "30s")
	f.Add("", "", 0, "", "")
	f.Add("x", "true", 70000, "http", "-1s")
	f.Add("y", "run", 1, "exec", "bogus")

	f.Fuzz(func(t *testing.T, name, command string, port int, mode, timeout string) {
		clean := func(s string) string {
			return strings.NewReplacer("\"", "", "\\", "", "\n", "", "\r", "").Replace(s)
		}
		var b strings.Builder
		b.WriteString("[service]\n")
		b.WriteString("name = \"" + clean(name) + "\"\n")
		b.WriteString("command = \"" + clean(command) + "\"\n")
		b.WriteString("[service.readiness]\n")
		b.WriteString("port = " + strconv.Itoa(port) + "\n")
		if mode != "" {
			b.WriteString("mode = \"" + clean(mode) + "\"\n")
		}
		if timeout != "" {
			b.WriteString("timeout = \"" + clean(timeout) + "\"\n")
		}
		c, err := Parse(b.String())
		if err != nil {
			return
		}
		if c.Service.Enabled() && c.Service.Readiness.Check().Mode != "exec" {
			if p := c.Service.Readiness.Port; p <= 0 || p > 65535 {
				t.Fatalf("accepted invalid port %d", p)
			}
		}
	})
}
