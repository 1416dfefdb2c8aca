// Package template generates starter keepup configuration files for common
// kinds of services.
package template

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// Type names a kind of service.
type Type string

const (
	TypeWeb        Type = "web"
	TypeWebapp     Type = "webapp"
	TypeAPI        Type = "api"
	TypeService    Type = "service"
	TypeWorker     Type = "worker"
	TypeBackground Type = "background"
	TypeDatabase   Type = "database"
	TypeDB         Type = "db"
	TypeSimple     Type = "simple"
	TypeBasic      Type = "basic"
)

// Document is the subset of the configuration file a template fills in.
type Document struct {
	Server  Server  `toml:"server"`
	Service Service `toml:"service"`
	Log     *Log    `toml:"log,omitempty"`
}

type Server struct {
	Listen    string `toml:"listen"`
	BasePath  string `toml:"base_path"`
	ProxyPath string `toml:"proxy_path,omitempty"`
}

type Service struct {
	Name      string            `toml:"name"`
	Command   string            `toml:"command"`
	WorkDir   string            `toml:"workdir,omitempty"`
	LogFile   string            `toml:"log_file,omitempty"`
	Env       map[string]string `toml:"env,omitempty"`
	Readiness Readiness         `toml:"readiness"`
	Match     *Match            `toml:"match,omitempty"`
	KeepAlive *KeepAlive        `toml:"keepalive,omitempty"`
}

// Readiness durations use Go syntax, e.g. "30s".
type Readiness struct {
	Port    int    `toml:"port,omitempty"`
	Mode    string `toml:"mode"`
	Path    string `toml:"path,omitempty"`
	Command string `toml:"command,omitempty"`
	Timeout string `toml:"timeout"`
}

type Match struct {
	Include []string `toml:"include,omitempty"`
	Exclude []string `toml:"exclude,omitempty"`
}

type KeepAlive struct {
	Schedule string `toml:"schedule"`
}

type Log struct {
	File LogFile `toml:"file"`
}

type LogFile struct {
	Dir string `toml:"dir"`
}

// Generator builds templates.
type Generator struct{}

func NewGenerator() *Generator { return &Generator{} }

// Generate returns the template of kind t for a service called name.
func (g *Generator) Generate(t Type, name string) (*Document, error) {
	var svc Service
	switch t {
	case TypeWeb, TypeWebapp:
		svc = Service{
			Command:   "python3 -m http.server 8000",
			WorkDir:   "/app",
			LogFile:   "/var/log/" + name + "/" + name + ".log",
			Env:       map[string]string{"ENV": "production"},
			Readiness: Readiness{Port: 8000, Mode: "http", Path: "/", Timeout: "30s"},
		}
	case TypeAPI, TypeService:
		svc = Service{
			Command:   "./api-server --port 3000",
			WorkDir:   "/app",
			LogFile:   "/var/log/" + name + "/" + name + ".log",
			Env:       map[string]string{"LOG_LEVEL": "info"},
			Readiness: Readiness{Port: 3000, Mode: "http", Path: "/healthz", Timeout: "30s"},
			KeepAlive: &KeepAlive{Schedule: "@every 1m"},
		}
	case TypeWorker, TypeBackground:
		svc = Service{
			Command:   "./worker",
			WorkDir:   "/app",
			Env:       map[string]string{"WORKER_THREADS": "4"},
			Readiness: Readiness{Mode: "exec", Command: "test -f /tmp/" + name + ".ready", Timeout: "1m"},
			KeepAlive: &KeepAlive{Schedule: "@every 30s"},
		}
	case TypeDatabase, TypeDB:
		svc = Service{
			Command:   "mongod --dbpath /data/db --port 27017",
			WorkDir:   "/data",
			LogFile:   "/var/log/" + name + "/" + name + ".log",
			Readiness: Readiness{Port: 27017, Mode: "tcp", Timeout: "2m"},
			Match:     &Match{Include: []string{"mongod", "--port 27017"}, Exclude: []string{"mongod --repair"}},
		}
	case TypeSimple, TypeBasic:
		svc = Service{
			Command:   "python3 -m http.server 8080 --bind 127.0.0.1",
			Readiness: Readiness{Port: 8080, Mode: "tcp", Timeout: "30s"},
		}
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: web, api, worker, database, simple)", t)
	}
	svc.Name = name
	doc := &Document{
		Server:  Server{Listen: "127.0.0.1:8420", BasePath: "/api"},
		Service: svc,
	}
	if svc.Readiness.Mode == "http" {
		doc.Server.ProxyPath = "/" + name
	}
	if svc.LogFile != "" {
		doc.Log = &Log{File: LogFile{Dir: "/var/log/" + name}}
	}
	return doc, nil
}

// GenerateTOML renders the template as a configuration file.
func (g *Generator) GenerateTOML(t Type, name string) ([]byte, error) {
	doc, err := g.Generate(t, name)
	if err != nil {
		return nil, err
	}
	data, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return data, nil
}

// SupportedTypes lists the primary type names.
func (g *Generator) SupportedTypes() []string {
	return []string{string(TypeWeb), string(TypeAPI), string(TypeWorker), string(TypeDatabase), string(TypeSimple)}
}
