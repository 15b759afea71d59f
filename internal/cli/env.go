// Package cli holds flag helpers shared by every command.
package cli

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// overrideVars name env vars that point at an env file and win over --env.
var overrideVars = []string{"NEWSLOOM_ENV_FILE", "HORSE_ENV_FILE"}

// EnvLoader resolves the --env flag to a .env file and loads it over the
// process environment.
type EnvLoader struct {
	value       *string
	defaultPath string
}

// AddEnvFlag registers --env on fs (flag.CommandLine when nil).
func AddEnvFlag(fs *flag.FlagSet, defaultPath, description string) *EnvLoader {
	if fs == nil {
		fs = flag.CommandLine
	}
	if defaultPath == "" {
		defaultPath = ".env"
	}
	if description == "" {
		description = "Path to the .env file"
	}
	return &EnvLoader{
		value:       fs.String("env", defaultPath, description),
		defaultPath: defaultPath,
	}
}

// Load tries, in order: files named by the override vars, the --env value,
// its basename in the working directory, then the default path. The first
// file that loads wins and its path is returned.
func (l *EnvLoader) Load() (string, error) {
	if l == nil {
		return "", fmt.Errorf("env loader is nil")
	}
	log.SetOutput(os.Stderr)

	for _, envVar := range overrideVars {
		custom := strings.TrimSpace(os.Getenv(envVar))
		if custom == "" {
			continue
		}
		if err := godotenv.Overload(custom); err == nil {
			log.Printf("Loaded environment from %s: %s", envVar, custom)
			return custom, nil
		}
		log.Printf("Warning: failed to load %s=%s", envVar, custom)
	}

	candidates := l.candidates()
	for _, path := range candidates {
		if err := godotenv.Overload(path); err == nil {
			log.Printf("Loaded environment from: %s", path)
			return path, nil
		}
	}
	return "", fmt.Errorf("failed to load env file from %s", candidates[0])
}

func (l *EnvLoader) candidates() []string {
	requested := l.defaultPath
	if l.value != nil && strings.TrimSpace(*l.value) != "" {
		requested = strings.TrimSpace(*l.value)
	}

	out := make([]string, 0, 3)
	seen := make(map[string]struct{}, 3)
	for _, path := range []string{requested, filepath.Base(requested), l.defaultPath} {
		if path == "" || path == "." {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	return out
}
