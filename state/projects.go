package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/telclaude/telclaude/paths"
)

// projectsFile is the YAML shape of the project-aliases file:
//
//	projects:
//	  api: /home/me/work/api
//	  blog: /home/me/personal/blog
type projectsFile struct {
	Projects map[string]string `yaml:"projects"`
}

// Projects maps short alias names to absolute working directories.
type Projects struct {
	aliases map[string]string
}

// LoadProjects reads the aliases file from the default location. A missing
// file yields just the built-in defaults.
func LoadProjects() (*Projects, error) {
	path, err := paths.ProjectsFilePath()
	if err != nil {
		return nil, err
	}
	return LoadProjectsFrom(path)
}

// LoadProjectsFrom reads aliases from an explicit path, merged over the
// built-in "home" default.
func LoadProjectsFrom(path string) (*Projects, error) {
	p := &Projects{aliases: make(map[string]string)}
	if home, err := os.UserHomeDir(); err == nil {
		p.aliases["home"] = home
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}

	var file projectsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for alias, dir := range file.Projects {
		p.aliases[alias] = dir
	}
	return p, nil
}

// Resolve turns a /project argument into an absolute working directory.
// Aliases win over literal paths; a non-alias argument must be an absolute
// path to an existing directory.
func (p *Projects) Resolve(arg string) (path, alias string, err error) {
	if dir, ok := p.aliases[arg]; ok {
		return dir, arg, nil
	}
	if !filepath.IsAbs(arg) {
		return "", "", fmt.Errorf("%q is not a known project or an absolute path", arg)
	}
	info, err := os.Stat(arg)
	if err != nil {
		return "", "", fmt.Errorf("path %s: %w", arg, err)
	}
	if !info.IsDir() {
		return "", "", fmt.Errorf("%s is not a directory", arg)
	}
	return arg, "", nil
}

// Names returns the alias names, sorted for stable listings.
func (p *Projects) Names() []string {
	names := make([]string, 0, len(p.aliases))
	for name := range p.aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
