package util

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/orbit-so/go-orbit/service/logger"
	"github.com/spf13/viper"
)

const GinContextKey string = "GinContextKey"

// ContainsString checks whether an item exists in a slice
func ContainsString(s []string, str string) bool {
	for _, v := range s {
		if v == str {
			return true
		}
	}

	return false
}

// ContainsAnyString checks whether a string contains any of the given substrings
func ContainsAnyString(s string, strs ...string) bool {
	for _, v := range strs {
		if strings.Contains(s, v) {
			return true
		}
	}

	return false
}

func Map[T, U any](xs []T, f func(T) (U, error)) ([]U, error) {
	result := make([]U, len(xs))
	for i, x := range xs {
		it, err := f(x)
		if err != nil {
			return nil, err
		}
		result[i] = it
	}
	return result, nil
}

// Dedupe removes duplicate elements from a slice, preserving the order of the remaining elements.
func Dedupe[T comparable](src []T, filterInPlace bool) []T {
	var result []T
	if filterInPlace {
		result = src[:0]
	} else {
		result = make([]T, 0, len(src))
	}
	seen := make(map[T]bool)
	for _, x := range src {
		if !seen[x] {
			result = append(result, x)
			seen[x] = true
		}
	}
	return result
}

func Contains[T comparable](s []T, str T) bool {
	for _, v := range s {
		if v == str {
			return true
		}
	}

	return false
}

// StringToPointer simply returns a pointer to the parameter string. It's useful for taking the address of a string concatenation,
// a function that returns a string, or any other string that would otherwise need to be assigned to a variable before becoming addressable.
func StringToPointer(str string) *string {
	return &str
}

// StringToPointerIfNotEmpty returns a pointer to the string if it is a non-empty string
func StringToPointerIfNotEmpty(str string) *string {
	if str == "" {
		return nil
	}
	return &str
}

// FromPointer returns the value of a pointer, or the zero value of the pointer's type if the pointer is nil.
func FromPointer[T comparable](s *T) T {
	if s == nil {
		return reflect.Zero(reflect.TypeOf(s).Elem()).Interface().(T)
	}
	return *s
}

// BoolToPointer returns a pointer to the parameter boolean. Useful for a boolean that would need to be assigned to a variable
// before becoming addressable.
func BoolToPointer(b bool) *bool {
	return &b
}

// GinContextFromContext retrieves a gin.Context previously stored in the request context,
// or panics if no gin.Context can be retrieved.
func GinContextFromContext(ctx context.Context) *gin.Context {
	// If the current context is already a gin context, return it
	if gc, ok := ctx.(*gin.Context); ok {
		return gc
	}

	// Otherwise, find the gin context that was stored via middleware
	ginContext := ctx.Value(GinContextKey)
	if ginContext == nil {
		panic("gin.Context not found in current context")
	}

	gc, ok := ginContext.(*gin.Context)
	if !ok {
		panic("gin.Context has wrong type")
	}

	return gc
}

// FindFile finds a file relative to the working directory
// by searching outer directories up to the search depth.
// Mostly for testing purposes.
func FindFile(f string, searchDepth int) (string, error) {
	if _, err := os.Stat(f); err == nil {
		return f, nil
	}

	for i := 0; i < searchDepth; i++ {
		f = filepath.Join("..", f)
		if _, err := os.Stat(f); err == nil {
			return f, nil
		}
	}

	return "", fmt.Errorf("could not find file '%s' in path", f)
}

// MustFindFile panics if the file is not found up to the default search depth.
func MustFindFile(f string) string {
	f, err := FindFile(f, 5)
	if err != nil {
		panic(err)
	}
	return f
}

// VarNotSetTo panics if an environment variable is not set or set to `emptyVal`.
func VarNotSetTo(envVar, emptyVal string) {
	setTo := viper.GetString(envVar)
	if setTo == emptyVal || setTo == "" {
		panic(fmt.Sprintf("%s must be set", envVar))
	}
}

// InDocker returns true if the service is running as a container.
func InDocker() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

// ResolveEnvFile finds the appropriate env file to use for the service.
func ResolveEnvFile(service string, env string) string {
	format := "app-%s-%s.yaml"
	if InDocker() {
		return fmt.Sprintf(format, "docker", service)
	}

	switch env {
	case "local":
		return fmt.Sprintf(format, "local", service)
	case "dev":
		return fmt.Sprintf(format, "dev", service)
	case "prod":
		return fmt.Sprintf(format, "prod", service)
	}

	return fmt.Sprintf("app-local-%s.yaml", service)
}

// LoadEnvFile configures the environment with the configured input file.
func LoadEnvFile(fileName string) {
	if viper.GetString("ENV") != "local" {
		logger.For(nil).Info("running in non-local environment, skipping environment configuration")
		return
	}

	// Tests can run from directories deeper in the source tree, so we need to search parent directories to find this config file
	filePath := filepath.Join("_local", fileName)
	logger.For(nil).Infof("configuring environment with settings from %s", filePath)
	path, err := FindFile(filePath, 5)
	if err != nil {
		logger.For(nil).Infof("no local env file at %s, relying on defaults and process env", filePath)
		return
	}

	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Sprintf("error reading viper config: %s", err))
	}
}

func TruncateWithEllipsis(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length] + "..."
}

// ErrorAs reports whether err's chain contains an error of type T.
func ErrorAs[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

func IsNullOrEmpty(s sql.NullString) bool {
	return !s.Valid || s.String == ""
}
