package script

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// Functions returns the functions available to script expressions.
// Relative file paths resolve against baseDir.
func Functions(baseDir string) map[string]function.Function {
	return map[string]function.Function{
		"file":      fileFunc(baseDir),
		"lines":     linesFunc(baseDir),
		"trimspace": trimSpaceFunc,
	}
}

func readScriptFile(baseDir, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("contents of %s are not valid UTF-8", path)
	}
	return string(b), nil
}

// fileFunc reads a file, typically a raw request, as a string.
func fileFunc(baseDir string) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "path", Type: cty.String}},
		Type:   function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			s, err := readScriptFile(baseDir, args[0].AsString())
			if err != nil {
				return cty.UnknownVal(cty.String), err
			}
			return cty.StringVal(s), nil
		},
	})
}

// linesFunc reads a wordlist, one non-empty line per entry.
func linesFunc(baseDir string) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "path", Type: cty.String}},
		Type:   function.StaticReturnType(cty.List(cty.String)),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			s, err := readScriptFile(baseDir, args[0].AsString())
			if err != nil {
				return cty.UnknownVal(cty.List(cty.String)), err
			}
			var vals []cty.Value
			for _, line := range strings.Split(s, "\n") {
				line = strings.TrimRight(line, "\r")
				if line != "" {
					vals = append(vals, cty.StringVal(line))
				}
			}
			if len(vals) == 0 {
				return cty.ListValEmpty(cty.String), nil
			}
			return cty.ListVal(vals), nil
		},
	})
}

var trimSpaceFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "str", Type: cty.String}},
	Type:   function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		return cty.StringVal(strings.TrimSpace(args[0].AsString())), nil
	},
})
