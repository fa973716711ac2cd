package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/angeloszaimis/redirect-lb/internal/backend"
)

const backendListExt = ".txt"

var (
	ErrBackendListUsage     = errors.New("exactly one backend list argument is required")
	ErrBackendListExtension = errors.New("backend list must be a .txt file")
	ErrInvalidBackendList   = errors.New("invalid backend list")
)

// BackendListPath returns the single positional argument naming the backend
// list.
func BackendListPath(args []string) (string, error) {
	if len(args) != 1 {
		return "", ErrBackendListUsage
	}

	if filepath.Ext(args[0]) != backendListExt {
		return "", fmt.Errorf("%w: %s", ErrBackendListExtension, args[0])
	}

	return args[0], nil
}

// LoadBackends reads the backend list at path.
func LoadBackends(path string) ([]string, error) {
	if filepath.Ext(path) != backendListExt {
		return nil, fmt.Errorf("%w: %s", ErrBackendListExtension, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseBackends(f)
}

// ParseBackends reads one host:port pair per line. Empty lines are skipped.
// Any other whitespace, an empty list, or an address that does not parse is
// an error. Repeated addresses keep their first position.
func ParseBackends(r io.Reader) ([]string, error) {
	reader := bufio.NewReader(r)

	var (
		addresses []string
		seen      = make(map[string]struct{})
		lineNo    int
	)

	for {
		line, err := reader.ReadString('\n')
		if line == "" && errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		lineNo++

		if line == "\n" {
			continue
		}

		entry := strings.TrimSuffix(line, "\n")
		if strings.IndexFunc(entry, unicode.IsSpace) >= 0 {
			return nil, fmt.Errorf("%w: line %d: whitespace in %q", ErrInvalidBackendList, lineNo, entry)
		}

		if err := validation.Validate(entry, validation.By(validateBackendAddress)); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidBackendList, lineNo, err)
		}

		if _, ok := seen[entry]; !ok {
			seen[entry] = struct{}{}
			addresses = append(addresses, entry)
		}

		if errors.Is(err, io.EOF) {
			break
		}
	}

	if len(addresses) == 0 {
		return nil, fmt.Errorf("%w: no host:port entries", ErrInvalidBackendList)
	}

	return addresses, nil
}

func validateBackendAddress(value interface{}) error {
	address, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, _, err := backend.SplitAddress(address)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format with a numeric port")
	}

	if err := is.Host.Validate(host); err != nil {
		return validation.NewError("validation_invalid_host", "invalid host")
	}

	return nil
}
