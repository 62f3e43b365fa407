// Package skills indexes externally managed skill definitions and
// suggests relevant ones for a query, by vector similarity when the
// embedding service is reachable and by trigger-keyword overlap when it
// is not.
package skills

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Skill scopes.
const (
	ScopeGlobal  = "global"
	ScopeProject = "project"
)

// Skill is one parsed skill definition.
type Skill struct {
	Name        string
	Scope       string
	SourcePath  string
	Description string
	Triggers    []string
	UpdatedAt   time.Time
}

// EncodeTriggers serializes the trigger phrases for storage.
func (s *Skill) EncodeTriggers() (string, error) {
	if len(s.Triggers) == 0 {
		return "", nil
	}
	data, err := json.Marshal(s.Triggers)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeTriggers parses stored trigger phrases. Malformed data yields an
// empty list rather than an error: the definition file is the source of
// truth and will be re-indexed.
func DecodeTriggers(raw string) []string {
	if raw == "" {
		return nil
	}
	var triggers []string
	if err := json.Unmarshal([]byte(raw), &triggers); err != nil {
		return nil
	}
	return triggers
}

// Loader discovers skill definitions.
type Loader interface {
	Load(ctx context.Context) ([]*Skill, error)
}

// DirLoader reads markdown skill definitions from a global directory and
// an optional per-project directory. Project definitions shadow global
// ones of the same name.
type DirLoader struct {
	globalDir  string
	projectDir string
	logger     *zap.Logger
}

// NewDirLoader creates a loader. Either directory may be empty or
// missing; a missing directory just contributes no skills.
func NewDirLoader(globalDir, projectDir string, logger *zap.Logger) *DirLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirLoader{globalDir: globalDir, projectDir: projectDir, logger: logger.Named("skills")}
}

// Load parses all definitions. Unparseable files are skipped with a log
// line; they never fail the load.
func (l *DirLoader) Load(ctx context.Context) ([]*Skill, error) {
	byName := make(map[string]*Skill)
	order := []string{}

	load := func(dir, scope string) {
		if dir == "" {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				l.logger.Warn("reading skill directory failed", zap.String("dir", dir), zap.Error(err))
			}
			return
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			skill, err := parseSkillFile(path, scope)
			if err != nil {
				l.logger.Warn("skipping unparseable skill file", zap.String("path", path), zap.Error(err))
				continue
			}
			if _, seen := byName[skill.Name]; !seen {
				order = append(order, skill.Name)
			}
			byName[skill.Name] = skill
		}
	}

	load(l.globalDir, ScopeGlobal)
	load(l.projectDir, ScopeProject)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	skills := make([]*Skill, 0, len(order))
	for _, name := range order {
		skills = append(skills, byName[name])
	}
	return skills, nil
}

// Dirs returns the directories the loader scans, for change watching.
func (l *DirLoader) Dirs() []string {
	var dirs []string
	if l.globalDir != "" {
		dirs = append(dirs, l.globalDir)
	}
	if l.projectDir != "" {
		dirs = append(dirs, l.projectDir)
	}
	return dirs
}

// parseSkillFile extracts a skill from a markdown definition: the name
// is the file name, the description is the first paragraph that is not a
// heading, and trigger phrases are the bullet items under a "Triggers"
// heading.
func parseSkillFile(path, scope string) (*Skill, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	skill := &Skill{
		Name:       strings.TrimSuffix(filepath.Base(path), ".md"),
		Scope:      scope,
		SourcePath: path,
		UpdatedAt:  info.ModTime().UTC(),
	}

	var (
		descLines  []string
		inTriggers bool
		descDone   bool
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "#") {
			heading := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			inTriggers = strings.EqualFold(heading, "triggers")
			if len(descLines) > 0 {
				descDone = true
			}
			continue
		}

		if inTriggers {
			if bullet, ok := strings.CutPrefix(trimmed, "- "); ok {
				if bullet = strings.TrimSpace(bullet); bullet != "" {
					skill.Triggers = append(skill.Triggers, bullet)
				}
			} else if bullet, ok := strings.CutPrefix(trimmed, "* "); ok {
				if bullet = strings.TrimSpace(bullet); bullet != "" {
					skill.Triggers = append(skill.Triggers, bullet)
				}
			}
			continue
		}

		if descDone {
			continue
		}
		if trimmed == "" {
			if len(descLines) > 0 {
				descDone = true
			}
			continue
		}
		descLines = append(descLines, trimmed)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	skill.Description = strings.Join(descLines, " ")
	if skill.Description == "" && len(skill.Triggers) == 0 {
		return nil, fmt.Errorf("no description or triggers in %s", filepath.Base(path))
	}
	return skill, nil
}
