package config

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// loadLegacyConf reads a zm.conf file plus any zm.conf.d/*.conf siblings
// (sorted alphabetically, later files override earlier ones). Lines are
// KEY=VALUE; '#' starts a comment.
func loadLegacyConf(path string) (map[string]string, error) {
	values := make(map[string]string)

	if err := parseConfFile(path, values); err != nil {
		return nil, err
	}

	confDir := path + ".d"
	entries, err := os.ReadDir(confDir)
	if err != nil {
		// zm.conf.d is optional
		return values, nil
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		// parse errors in override files skip that file only
		_ = parseConfFile(filepath.Join(confDir, name), values)
	}
	return values, nil
}

func parseConfFile(path string, values map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if key != "" {
			values[key] = value
		}
	}
	return scanner.Err()
}
