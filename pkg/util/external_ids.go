package util

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FormatMapColumn renders ids as ovsdb map column assignments, sorted by key,
// for example external_ids:tenant-id="tenant-1".
func FormatMapColumn(column string, ids map[string]string) []string {
	keys := make([]string, 0, len(ids))
	for k := range ids {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, fmt.Sprintf("%s:%s=%s", column, k, strconv.Quote(ids[k])))
	}
	return args
}

// ParseMapColumn parses an ovsdb map as printed by "get", for example
// {container=vpc-a-web, iface-id=lsp-vpc-a-web, comment="VPC A router"}.
func ParseMapColumn(out string) (map[string]string, error) {
	out = strings.TrimSpace(out)
	ids := map[string]string{}
	if out == "" || out == "{}" || out == "[]" {
		return ids, nil
	}
	if !strings.HasPrefix(out, "{") || !strings.HasSuffix(out, "}") {
		return nil, fmt.Errorf("failed to parse map %q", out)
	}
	body := out[1 : len(out)-1]
	for len(body) > 0 {
		var key, value string
		var err error
		key, body, err = scanToken(body, '=')
		if err != nil {
			return nil, fmt.Errorf("failed to parse map %q: %v", out, err)
		}
		value, body, err = scanToken(body, ',')
		if err != nil {
			return nil, fmt.Errorf("failed to parse map %q: %v", out, err)
		}
		ids[key] = value
		body = strings.TrimLeft(body, " ")
	}
	return ids, nil
}

// ParseBareMap parses a map column printed with --data=bare, which is a
// space separated list of key=value pairs.
func ParseBareMap(out string) map[string]string {
	ids := map[string]string{}
	for _, field := range strings.Fields(out) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		ids[kv[0]] = kv[1]
	}
	return ids
}

// scanToken reads one possibly quoted token terminated by sep or the end of s.
func scanToken(s string, sep byte) (string, string, error) {
	s = strings.TrimLeft(s, " ")
	if strings.HasPrefix(s, `"`) {
		end := 1
		for end < len(s) {
			if s[end] == '\\' {
				end += 2
				continue
			}
			if s[end] == '"' {
				break
			}
			end++
		}
		if end >= len(s) {
			return "", "", fmt.Errorf("unterminated quote in %q", s)
		}
		token, err := strconv.Unquote(s[:end+1])
		if err != nil {
			return "", "", err
		}
		rest := strings.TrimLeft(s[end+1:], " ")
		if len(rest) > 0 {
			if rest[0] != sep {
				return "", "", fmt.Errorf("expected %q after %q", sep, token)
			}
			rest = rest[1:]
		}
		return token, rest, nil
	}
	i := strings.IndexByte(s, sep)
	if i < 0 {
		if sep == '=' {
			return "", "", fmt.Errorf("missing '=' in %q", s)
		}
		return strings.TrimSpace(s), "", nil
	}
	return strings.TrimSpace(s[:i]), s[i+1:], nil
}
