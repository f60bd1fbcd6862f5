package envutil

import (
	"os"
	"strconv"
	"time"

	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
)

// GetenvDefault gets the value of an environment variable, or returns the
// specified default value if that variable is not set.
func GetenvDefault(name, defaultValue string) string {
	val, found := os.LookupEnv(name)
	if !found {
		return defaultValue
	}
	return val
}

// GetenvDefaultInt gets an environment variable as an int, or else returns the default
func GetenvDefaultInt(name string, defaultVal int) (int, error) {
	val, found := os.LookupEnv(name)
	if !found || val == "" {
		return defaultVal, nil
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return 0, errors.Wrapf(err, "environment variable %s should be an integer", name)
	}
	return intVal, nil
}

// GetenvDefaultBool gets an environment variable as a bool, or else returns the default.
// Accepts the forms understood by strconv.ParseBool ("1", "true", "True", ...).
func GetenvDefaultBool(name string, defaultVal bool) (bool, error) {
	val, found := os.LookupEnv(name)
	if !found || val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, errors.Wrapf(err, "environment variable %s should be a boolean", name)
	}
	return b, nil
}

// GetenvDefaultDuration gets an environment variable as a time.Duration. Plain integers are
// interpreted as seconds.
func GetenvDefaultDuration(name string, defaultVal time.Duration) (time.Duration, error) {
	val, found := os.LookupEnv(name)
	if !found || val == "" {
		return defaultVal, nil
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, errors.Wrapf(err, "environment variable %s should be a duration", name)
	}
	return d, nil
}
