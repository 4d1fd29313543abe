package table

import "github.com/tidwall/gjson"

// Extract evaluates each gjson path against a JSON body. Paths that do not
// match are left out. It returns nil when body is not JSON or nothing
// matched.
func Extract(body []byte, paths []string) map[string]string {
	if len(paths) == 0 || !gjson.ValidBytes(body) {
		return nil
	}

	var out map[string]string
	for _, path := range paths {
		res := gjson.GetBytes(body, path)
		if !res.Exists() {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(paths))
		}
		out[path] = res.String()
	}
	return out
}
