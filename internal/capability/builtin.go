package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vessel/internal/contract"
)

// NewClock builds the built-in wall-clock capability.
func NewClock() *Native {
	cap := NewNative("clock", "Wall-clock access.", contract.Contract{})

	cap.Register(OperationSpec{
		Name:        "now",
		Description: "Current time as an RFC 3339 timestamp.",
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	})

	cap.Register(OperationSpec{
		Name:        "sleep",
		Description: "Block the current snippet for the given number of seconds.",
		Params: []ParamSpec{
			{Name: "seconds", Type: "number", Required: true},
		},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		seconds, err := floatArg(args, "seconds")
		if err != nil {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(seconds * float64(time.Second))):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	return cap
}

// NewWorkspace builds the built-in file capability rooted at dir. Paths
// outside the root are rejected before any filesystem access.
func NewWorkspace(root string) *Native {
	root = filepath.Clean(root)
	cap := NewNative("workspace",
		fmt.Sprintf("Files under the session workspace (%s).", root),
		contract.Contract{
			Reads:  []string{"file:" + root + "/**"},
			Writes: []string{"file:" + root + "/**"},
		})

	cap.Register(OperationSpec{
		Name:        "read_file",
		Description: "Read a file's contents as text.",
		Params: []ParamSpec{
			{Name: "path", Type: "string", Required: true},
		},
		Effects: contract.Effects{Reads: []string{"file:" + root + "/{path}"}},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		path, err := workspacePath(root, args)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return string(data), nil
	})

	cap.Register(OperationSpec{
		Name:        "write_file",
		Description: "Write text to a file, creating parent directories.",
		Params: []ParamSpec{
			{Name: "path", Type: "string", Required: true},
			{Name: "content", Type: "string", Required: true},
		},
		Effects: contract.Effects{Writes: []string{"file:" + root + "/{path}"}},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		path, err := workspacePath(root, args)
		if err != nil {
			return nil, err
		}
		content, _ := args["content"].(string)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create parent of %s: %w", path, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		return map[string]any{"written": len(content)}, nil
	})

	cap.Register(OperationSpec{
		Name:        "list_dir",
		Description: "List directory entries.",
		Params: []ParamSpec{
			{Name: "path", Type: "string"},
		},
		Effects: contract.Effects{Reads: []string{"file:" + root + "/{path}"}},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		if _, ok := args["path"]; !ok {
			args = map[string]any{"path": "."}
		}
		path, err := workspacePath(root, args)
		if err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", path, err)
		}
		names := make([]any, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool { return names[i].(string) < names[j].(string) })
		return names, nil
	})

	return cap
}

// workspacePath resolves the "path" argument against root and ensures the
// result stays inside it.
func workspacePath(root string, args map[string]any) (string, error) {
	raw, _ := args["path"].(string)
	if raw == "" {
		return "", fmt.Errorf("missing required argument: path")
	}
	abs := raw
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	clean := filepath.Clean(abs)
	if clean != root && !strings.HasPrefix(clean, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside workspace %q", raw, root)
	}
	return clean, nil
}

func floatArg(args map[string]any, name string) (float64, error) {
	v, ok := args[name]
	if !ok {
		return 0, fmt.Errorf("missing required argument: %s", name)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("argument %s must be a number, got %T", name, v)
	}
}
