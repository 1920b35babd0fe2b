package config

import (
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"
)

// NBAddress is one parsed northbound API endpoint
type NBAddress struct {
	Scheme string
	Host   string
	Port   int
	// Path is set for unix sockets
	Path string
}

func (a NBAddress) String() string {
	if a.Scheme == "unix" {
		return "unix:" + a.Path
	}
	return fmt.Sprintf("%s:%s", a.Scheme, net.JoinHostPort(a.Host, strconv.Itoa(a.Port)))
}

// ParseNBAddress parses a comma separated list of ovsdb remotes of the form
// tcp:HOST:PORT, ssl:HOST:PORT or unix:PATH. Mixing schemes is rejected.
func ParseNBAddress(address string) ([]NBAddress, error) {
	var parsed []NBAddress
	for _, entry := range strings.Split(address, ",") {
		entry = strings.TrimSpace(entry)
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[1] == "" {
			return nil, fmt.Errorf("northbound address %q not properly formatted", entry)
		}
		a := NBAddress{Scheme: parts[0]}
		switch a.Scheme {
		case "unix":
			a.Path = parts[1]
		case "tcp", "ssl":
			host, port, err := net.SplitHostPort(parts[1])
			if err != nil {
				return nil, fmt.Errorf("northbound address %q not properly formatted: %v", entry, err)
			}
			if net.ParseIP(host) == nil {
				return nil, fmt.Errorf("northbound address %q has an invalid IP", entry)
			}
			a.Host = host
			a.Port, err = strconv.Atoi(port)
			if err != nil || a.Port <= 0 || a.Port > 65535 {
				return nil, fmt.Errorf("northbound address %q has an invalid port", entry)
			}
		default:
			return nil, fmt.Errorf("unknown northbound scheme %q", a.Scheme)
		}
		if len(parsed) > 0 && parsed[0].Scheme != a.Scheme {
			return nil, fmt.Errorf("northbound addresses %q mix schemes", address)
		}
		parsed = append(parsed, a)
	}
	return parsed, nil
}

// overrideFields copies every non-zero field of src into dst, which must be
// pointers to the same struct type.
func overrideFields(dst, src interface{}) {
	dstStruct := reflect.ValueOf(dst).Elem()
	srcStruct := reflect.ValueOf(src).Elem()
	if dstStruct.Type() != srcStruct.Type() {
		panic(fmt.Sprintf("mismatched config types %s and %s", dstStruct.Type(), srcStruct.Type()))
	}
	for i := 0; i < srcStruct.NumField(); i++ {
		field := srcStruct.Field(i)
		if !field.IsZero() {
			dstStruct.Field(i).Set(field)
		}
	}
}
