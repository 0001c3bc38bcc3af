package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// tool is one capability exposed to the model. Every filesystem tool is
// scoped to the working copy; paths that escape it are rejected.
type tool struct {
	name        string
	description string
	parameters  map[string]string
	run         func(ctx context.Context, workDir string, args map[string]string) (string, error)
}

func toolsFor(cfg roleConfig) []tool {
	ts := []tool{readFileTool, listDirTool}
	if !cfg.readOnly {
		ts = append(ts, writeFileTool, runCommandTool)
	}
	return ts
}

var readFileTool = tool{
	name:        "read_file",
	description: "Read a file from the working copy.",
	parameters:  map[string]string{"path": "file path relative to the repository root"},
	run: func(_ context.Context, workDir string, args map[string]string) (string, error) {
		path, err := scopedPath(workDir, args["path"])
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	},
}

var listDirTool = tool{
	name:        "list_dir",
	description: "List a directory in the working copy.",
	parameters:  map[string]string{"path": "directory path relative to the repository root (empty for the root)"},
	run: func(_ context.Context, workDir string, args map[string]string) (string, error) {
		rel := args["path"]
		if rel == "" {
			rel = "."
		}
		path, err := scopedPath(workDir, rel)
		if err != nil {
			return "", err
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return "", err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return strings.Join(names, "\n"), nil
	},
}

var writeFileTool = tool{
	name:        "write_file",
	description: "Create or overwrite a file in the working copy.",
	parameters: map[string]string{
		"path":    "file path relative to the repository root",
		"content": "full file content",
	},
	run: func(_ context.Context, workDir string, args map[string]string) (string, error) {
		path, err := scopedPath(workDir, args["path"])
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(args["content"]), 0o644); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(args["content"]), args["path"]), nil
	},
}

var runCommandTool = tool{
	name:        "run_command",
	description: "Run a shell command in the working copy and return its combined output.",
	parameters:  map[string]string{"command": "shell command line"},
	run: func(ctx context.Context, workDir string, args map[string]string) (string, error) {
		cmdline := args["command"]
		if cmdline == "" {
			return "", fmt.Errorf("command is required")
		}
		cmd := exec.CommandContext(ctx, "sh", "-lc", cmdline)
		cmd.Dir = workDir
		out, err := cmd.CombinedOutput()
		if err != nil {
			if _, ok := err.(*exec.ExitError); ok {
				return fmt.Sprintf("%s\n[command failed: %v]", out, err), nil
			}
			return "", err
		}
		return string(out), nil
	},
}

// scopedPath resolves rel under workDir and rejects escapes.
func scopedPath(workDir, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative to the repository root", rel)
	}
	root := filepath.Clean(workDir)
	path := filepath.Clean(filepath.Join(root, rel))
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the working copy", rel)
	}
	return path, nil
}
