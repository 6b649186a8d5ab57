package project_test

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/applinkdev/applink/internal/project"
)

func ExampleEnumerate() {
	root, err := os.MkdirTemp("", "enumerate")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(root)

	for rel, content := range map[string]string{
		"manifest.json":            `{"vendor":"acme","name":"store","version":"1.0.0"}`,
		"react/index.tsx":          "export default 1\n",
		"react/empty.tsx":          "",
		"node_modules/ui/index.js": "ignored by default\n",
		"debug.log":                "ignored by .linkignore\n",
		project.IgnoreFile:         "*.log\n",
	} {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			panic(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			panic(err)
		}
	}

	m, err := project.NewMatcher(root)
	if err != nil {
		panic(err)
	}
	paths, err := project.Enumerate(root, m)
	if err != nil {
		panic(err)
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	// Output:
	// .linkignore
	// manifest.json
	// react/index.tsx
}
