package task

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"
)

// File is the layout of a task definition file
type File struct {
	Tasks []Task `yaml:"tasks"`
}

// Parse decodes and validates the tasks of one YAML document. Unknown keys are rejected.
func Parse(data []byte) ([]Task, error) {
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tasks: %w", err)
	}
	for i := range f.Tasks {
		if err := f.Tasks[i].Validate(); err != nil {
			return nil, err
		}
	}
	return f.Tasks, nil
}

// LoadFile reads the tasks of one file
func LoadFile(path string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	tasks, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tasks, nil
}

// Load reads a task file, or every .yaml and .yml file of a directory in name order.
// Task ids must be unique across all files.
func Load(path string) ([]Task, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task definitions: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", path, err)
		}
		files = files[:0]
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	}

	var all []Task
	seen := make(map[string]string)
	for _, file := range files {
		tasks, err := LoadFile(file)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if prev, ok := seen[t.ID]; ok {
				return nil, fmt.Errorf("task %s defined in both %s and %s", t.ID, prev, file)
			}
			seen[t.ID] = file
			all = append(all, t)
		}
	}
	return all, nil
}
